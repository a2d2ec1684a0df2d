// Package cache wraps Redis for the control plane's short-lived protocol
// state: revocation markers, rate-limit counters, alert dedup windows, and
// the job queue primitives. Durable state never lives here.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Client wraps a go-redis client with Breeze key conventions.
type Client struct {
	rdb *redis.Client
}

// Connect parses REDIS_URL and verifies connectivity.
func Connect(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	return &Client{rdb: rdb}, nil
}

// New wraps an existing go-redis client (used by tests with miniredis).
func New(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies the Redis connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func revocationKey(userID, sessionID string) string {
	return "auth:revoked:" + userID + ":" + sessionID
}

// MarkRevoked writes a revocation marker for (userID, sessionID). TTL should
// cover the remaining access-token lifetime plus clock skew.
func (c *Client) MarkRevoked(ctx context.Context, userID, sessionID string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, revocationKey(userID, sessionID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("write revocation marker: %w", err)
	}
	return nil
}

// IsRevoked checks the revocation marker. The auth middleware and every
// WebSocket validator consult this before accepting a token.
func (c *Client) IsRevoked(ctx context.Context, userID, sessionID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, revocationKey(userID, sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation marker: %w", err)
	}
	return n > 0, nil
}

// RateLimitResult reports the outcome of a fixed-window budget check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Allow consumes one unit from the fixed-window budget behind key. The first
// hit in a window sets its expiry; RetryAfter reflects the window remainder
// when the budget is exhausted.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	count, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := c.rdb.Expire(ctx, key, window).Err(); err != nil {
			return RateLimitResult{}, fmt.Errorf("rate limit expire: %w", err)
		}
	}

	if count > int64(limit) {
		ttl, err := c.rdb.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = window
		}
		return RateLimitResult{Allowed: false, Remaining: 0, RetryAfter: ttl}, nil
	}
	return RateLimitResult{Allowed: true, Remaining: limit - int(count)}, nil
}

// SetWindowStart records the start of a duration-qualified alert condition
// for (ruleID, deviceID) if not already tracked, returning the stored start.
func (c *Client) SetWindowStart(ctx context.Context, ruleID, deviceID string, start time.Time, ttl time.Duration) (time.Time, error) {
	key := "alert:window:" + ruleID + ":" + deviceID

	ok, err := c.rdb.SetNX(ctx, key, strconv.FormatInt(start.UnixMilli(), 10), ttl).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("set window start: %w", err)
	}
	if ok {
		return start, nil
	}

	raw, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return start, nil
		}
		return time.Time{}, fmt.Errorf("get window start: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return start, nil
	}
	return time.UnixMilli(ms).UTC(), nil
}

// ClearWindow drops the duration window for (ruleID, deviceID); called when
// the condition stops holding.
func (c *Client) ClearWindow(ctx context.Context, ruleID, deviceID string) error {
	return c.rdb.Del(ctx, "alert:window:"+ruleID+":"+deviceID).Err()
}

// SetCooldown starts the post-resolution cooldown for (ruleID, deviceID).
func (c *Client) SetCooldown(ctx context.Context, ruleID, deviceID string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return c.rdb.Set(ctx, "alert:cooldown:"+ruleID+":"+deviceID, "1", d).Err()
}

// InCooldown reports whether the rule/device pair is still cooling down.
func (c *Client) InCooldown(ctx context.Context, ruleID, deviceID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, "alert:cooldown:"+ruleID+":"+deviceID).Result()
	if err != nil {
		return false, fmt.Errorf("check cooldown: %w", err)
	}
	return n > 0, nil
}

// PutState stores a short-lived opaque value (OIDC state, one-time nonces).
func (c *Client) PutState(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, "state:"+key, value, ttl).Err()
}

// TakeState atomically reads and deletes a short-lived value. Returns
// ("", nil) when the key is missing or expired.
func (c *Client) TakeState(ctx context.Context, key string) (string, error) {
	value, err := c.rdb.GetDel(ctx, "state:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("take state: %w", err)
	}
	return value, nil
}
