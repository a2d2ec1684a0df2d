package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestRevocationMarker(t *testing.T) {
	c, mr := testClient(t)
	ctx := context.Background()

	revoked, err := c.IsRevoked(ctx, "user-1", "sess-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, c.MarkRevoked(ctx, "user-1", "sess-1", time.Minute))

	revoked, err = c.IsRevoked(ctx, "user-1", "sess-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = c.IsRevoked(ctx, "user-1", "sess-2")
	require.NoError(t, err)
	assert.False(t, revoked)

	mr.FastForward(2 * time.Minute)
	revoked, err = c.IsRevoked(ctx, "user-1", "sess-1")
	require.NoError(t, err)
	assert.False(t, revoked, "marker expires with the token lifetime")
}

func TestFixedWindowRateLimit(t *testing.T) {
	c, mr := testClient(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := c.Allow(ctx, "login:a@b.c:1.2.3.4", 5, 5*time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "attempt %d should pass", i+1)
		assert.Equal(t, 4-i, res.Remaining)
	}

	res, err := c.Allow(ctx, "login:a@b.c:1.2.3.4", 5, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "sixth attempt inside the window is rejected")
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	mr.FastForward(6 * time.Minute)
	res, err = c.Allow(ctx, "login:a@b.c:1.2.3.4", 5, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "budget resets after the window")
}

func TestDurationWindowTracksEarliestStart(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	later := first.Add(2 * time.Minute)

	got, err := c.SetWindowStart(ctx, "rule-1", "dev-1", first, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = c.SetWindowStart(ctx, "rule-1", "dev-1", later, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, first, got, "subsequent breaches keep the original start")

	require.NoError(t, c.ClearWindow(ctx, "rule-1", "dev-1"))

	got, err = c.SetWindowStart(ctx, "rule-1", "dev-1", later, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, later, got, "window restarts after a clear")
}

func TestCooldown(t *testing.T) {
	c, mr := testClient(t)
	ctx := context.Background()

	in, err := c.InCooldown(ctx, "rule-1", "dev-1")
	require.NoError(t, err)
	assert.False(t, in)

	require.NoError(t, c.SetCooldown(ctx, "rule-1", "dev-1", 10*time.Minute))

	in, err = c.InCooldown(ctx, "rule-1", "dev-1")
	require.NoError(t, err)
	assert.True(t, in)

	mr.FastForward(11 * time.Minute)
	in, err = c.InCooldown(ctx, "rule-1", "dev-1")
	require.NoError(t, err)
	assert.False(t, in)
}

func TestTakeStateIsOneShot(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	require.NoError(t, c.PutState(ctx, "oidc:abc", "nonce-1", 10*time.Minute))

	v, err := c.TakeState(ctx, "oidc:abc")
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", v)

	v, err = c.TakeState(ctx, "oidc:abc")
	require.NoError(t, err)
	assert.Empty(t, v, "second take finds nothing")
}

func TestQueueLifecycle(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	require.NoError(t, c.EnqueueJob(ctx, "webhook_delivery", "job-1"))
	require.NoError(t, c.EnqueueJob(ctx, "webhook_delivery", "job-2"))

	depth, err := c.QueueDepth(ctx, "webhook_delivery")
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	jobID, err := c.DequeueJob(ctx, "webhook_delivery", 30*time.Second, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID, "FIFO by enqueue order")

	require.NoError(t, c.AckJob(ctx, "webhook_delivery", jobID))

	jobID, err = c.DequeueJob(ctx, "webhook_delivery", 30*time.Second, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "job-2", jobID)
}

func TestDequeueTimesOutEmpty(t *testing.T) {
	c, _ := testClient(t)

	jobID, err := c.DequeueJob(context.Background(), "notification", time.Minute, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, jobID)
}

func TestReapExpiredLeases(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	require.NoError(t, c.EnqueueJob(ctx, "deployment", "job-9"))
	jobID, err := c.DequeueJob(ctx, "deployment", 50*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "job-9", jobID)

	// Lease not yet expired: nothing to reap.
	n, err := c.ReapExpiredLeases(ctx, "deployment", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	// After the lease deadline the job returns to the pending list.
	n, err = c.ReapExpiredLeases(ctx, "deployment", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobID, err = c.DequeueJob(ctx, "deployment", time.Minute, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "job-9", jobID)
}

func TestDelayedJobPromotedWhenDue(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	due := time.Now().Add(time.Hour)
	require.NoError(t, c.EnqueueJobDelayed(ctx, "escalation", "esc-1", due))

	n, err := c.ReapExpiredLeases(ctx, "escalation", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "not due yet")

	n, err = c.ReapExpiredLeases(ctx, "escalation", due.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobID, err := c.DequeueJob(ctx, "escalation", time.Minute, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "esc-1", jobID)
}
