package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue keys per job kind: jobs:q:{kind} is the pending list; jobs:leased:{kind}
// is a ZSET of leased job IDs scored by lease deadline (unix millis).
func queueKey(kind string) string  { return "jobs:q:" + kind }
func leasedKey(kind string) string { return "jobs:leased:" + kind }

// EnqueueJob pushes a job ID onto the kind's pending list. The durable job
// row must already exist; the queue entry is only a wake-up.
func (c *Client) EnqueueJob(ctx context.Context, kind, jobID string) error {
	if err := c.rdb.LPush(ctx, queueKey(kind), jobID).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// EnqueueJobDelayed parks a job ID until its scheduled time using the leased
// ZSET, so the reaper promotes it when due.
func (c *Client) EnqueueJobDelayed(ctx context.Context, kind, jobID string, due time.Time) error {
	member := redis.Z{Score: float64(due.UnixMilli()), Member: jobID}
	if err := c.rdb.ZAdd(ctx, leasedKey(kind), member).Err(); err != nil {
		return fmt.Errorf("enqueue delayed job: %w", err)
	}
	return nil
}

// DequeueJob blocks up to timeout for a pending job of the kind, moving it
// under a visibility lease. Returns ("", nil) on timeout.
func (c *Client) DequeueJob(ctx context.Context, kind string, lease, timeout time.Duration) (string, error) {
	jobID, err := c.rdb.BLMove(ctx, queueKey(kind), leasedKey(kind)+":ids", "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue job: %w", err)
	}

	deadline := time.Now().Add(lease)
	member := redis.Z{Score: float64(deadline.UnixMilli()), Member: jobID}
	if err := c.rdb.ZAdd(ctx, leasedKey(kind), member).Err(); err != nil {
		return "", fmt.Errorf("record lease: %w", err)
	}
	return jobID, nil
}

// ExtendLease pushes a leased job's deadline out; long handlers call this to
// keep the reaper away.
func (c *Client) ExtendLease(ctx context.Context, kind, jobID string, lease time.Duration) error {
	deadline := time.Now().Add(lease)
	member := redis.Z{Score: float64(deadline.UnixMilli()), Member: jobID}
	if err := c.rdb.ZAdd(ctx, leasedKey(kind), member).Err(); err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return nil
}

// AckJob removes a finished job from the lease bookkeeping.
func (c *Client) AckJob(ctx context.Context, kind, jobID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, leasedKey(kind), jobID)
	pipe.LRem(ctx, leasedKey(kind)+":ids", 0, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// ReapExpiredLeases moves jobs whose lease deadline (or delayed schedule)
// has passed back onto the pending list, returning how many were requeued.
func (c *Client) ReapExpiredLeases(ctx context.Context, kind string, now time.Time) (int, error) {
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)
	expired, err := c.rdb.ZRangeByScore(ctx, leasedKey(kind), &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}

	requeued := 0
	for _, jobID := range expired {
		removed, err := c.rdb.ZRem(ctx, leasedKey(kind), jobID).Result()
		if err != nil {
			return requeued, fmt.Errorf("remove expired lease: %w", err)
		}
		if removed == 0 {
			// Another reaper already claimed it.
			continue
		}
		c.rdb.LRem(ctx, leasedKey(kind)+":ids", 0, jobID)
		if err := c.rdb.LPush(ctx, queueKey(kind), jobID).Err(); err != nil {
			return requeued, fmt.Errorf("requeue expired job: %w", err)
		}
		requeued++
	}
	return requeued, nil
}

// QueueDepth reports the number of pending jobs for a kind.
func (c *Client) QueueDepth(ctx context.Context, kind string) (int64, error) {
	return c.rdb.LLen(ctx, queueKey(kind)).Result()
}
