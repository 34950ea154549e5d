// Package ratelimit provides credit-based rate limiting for Solana RPC
// calls. Providers bill each method in credits against a per-second
// plan budget; the tracker coordinates consumption across processes
// through Redis so the trade path is never starved by reconciliation.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 500             // Total credits/s
	DefaultReservedBudget = 300             // Reserved for the trade path
	DefaultWindowSize     = time.Second     // 1 second sliding window
	DefaultKeyTTL         = 2 * time.Second // TTL for Redis keys (window + buffer)
)

// Redis key prefixes for credit tracking.
const (
	KeyPrefixTotal    = "credits:total:"
	KeyPrefixReserved = "credits:reserved:"
	KeyPrefixShared   = "credits:shared:"
	KeyPrefixMethod   = "credits:method:"
)

// Priority levels for budget allocation.
type Priority int

const (
	// PriorityHigh is for trade-path reads (uses the reserved budget).
	PriorityHigh Priority = iota
	// PriorityLow is for periodic reconciliation (uses the shared budget).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// CreditTracker coordinates credit consumption across processes using
// Redis. It implements a sliding window rate limiter with separate
// pools for trade-path (reserved) and reconciliation (shared) reads.
type CreditTracker struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
}

// CreditTrackerConfig holds configuration for the credit tracker.
type CreditTrackerConfig struct {
	// Redis is the Redis client for cross-process coordination.
	// Required - the tracker cannot function without Redis.
	Redis redis.Cmdable

	// TotalBudget is the total credits/s budget. Default: 500.
	TotalBudget int

	// ReservedBudget is the credits/s reserved for the trade path.
	// Default: 300.
	ReservedBudget int

	// WindowSize is the sliding window duration. Default: 1s.
	WindowSize time.Duration

	// KeyTTL is the TTL for Redis keys. Default: 2s (window + buffer).
	KeyTTL time.Duration
}

// Validate checks if the configuration is valid.
func (c *CreditTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}

	totalBudget := c.TotalBudget
	if totalBudget == 0 {
		totalBudget = DefaultTotalBudget
	}
	reservedBudget := c.ReservedBudget
	if reservedBudget == 0 {
		reservedBudget = DefaultReservedBudget
	}

	if reservedBudget > totalBudget {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", reservedBudget, totalBudget)
	}

	return nil
}

// NewCreditTracker creates a new tracker with the given configuration.
func NewCreditTracker(cfg *CreditTrackerConfig) (*CreditTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	totalBudget := cfg.TotalBudget
	if totalBudget == 0 {
		totalBudget = DefaultTotalBudget
	}

	reservedBudget := cfg.ReservedBudget
	if reservedBudget == 0 {
		reservedBudget = DefaultReservedBudget
	}

	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}

	keyTTL := cfg.KeyTTL
	if keyTTL == 0 {
		keyTTL = DefaultKeyTTL
	}

	return &CreditTracker{
		redis:          cfg.Redis,
		totalBudget:    totalBudget,
		reservedBudget: reservedBudget,
		sharedBudget:   totalBudget - reservedBudget,
		windowSize:     windowSize,
		keyTTL:         keyTTL,
	}, nil
}

// getWindowTimestamp returns the timestamp for the current sliding
// window, aligned to the window size boundary.
func (t *CreditTracker) getWindowTimestamp() int64 {
	return time.Now().Truncate(t.windowSize).UnixMilli()
}

// getKeys returns the Redis keys for the current window.
func (t *CreditTracker) getKeys(windowTS int64) (totalKey, reservedKey, sharedKey string) {
	tsStr := strconv.FormatInt(windowTS, 10)
	totalKey = KeyPrefixTotal + tsStr
	reservedKey = KeyPrefixReserved + tsStr
	sharedKey = KeyPrefixShared + tsStr
	return
}

// consumeScript atomically checks both the total and the pool budget
// and increments them together, so concurrent callers cannot overrun
// the plan limit between the check and the increment.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local credits = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + credits > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + credits > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, credits)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, credits)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + credits, poolUsed + credits}
`)

// TryConsume attempts to consume credits from the pool matching the
// given priority.
//
// Returns:
//   - allowed: true if the consumption was allowed
//   - waitTime: suggested wait time before retrying if not allowed
func (t *CreditTracker) TryConsume(ctx context.Context, credits int, priority Priority) (bool, time.Duration) {
	if credits <= 0 {
		return true, 0
	}

	windowTS := t.getWindowTimestamp()
	totalKey, reservedKey, sharedKey := t.getKeys(windowTS)

	var poolKey string
	var poolBudget int
	if priority == PriorityHigh {
		poolKey = reservedKey
		poolBudget = t.reservedBudget
	} else {
		poolKey = sharedKey
		poolBudget = t.sharedBudget
	}

	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		credits, t.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	if err != nil {
		// On Redis error, deny the request to stay inside the plan limit.
		return false, t.calculateWaitTime(windowTS)
	}

	if result[0] != 1 {
		return false, t.calculateWaitTime(windowTS)
	}

	return true, 0
}

// calculateWaitTime returns the time until the next window starts.
func (t *CreditTracker) calculateWaitTime(windowTS int64) time.Duration {
	windowEnd := time.UnixMilli(windowTS).Add(t.windowSize)
	waitTime := time.Until(windowEnd)
	if waitTime < 0 {
		waitTime = 0
	}
	// Small buffer to land inside the new window
	return waitTime + time.Millisecond
}

// UsageStats contains current consumption metrics.
type UsageStats struct {
	TotalUsed      int
	ReservedUsed   int
	SharedUsed     int
	TotalBudget    int
	ReservedBudget int
	SharedBudget   int
	WindowStart    time.Time
}

// GetUsage returns current credit usage statistics.
func (t *CreditTracker) GetUsage(ctx context.Context) (*UsageStats, error) {
	windowTS := t.getWindowTimestamp()
	totalKey, reservedKey, sharedKey := t.getKeys(windowTS)

	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)

	// redis.Nil just means the window has seen no traffic yet.
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read credit usage: %w", err)
	}

	return &UsageStats{
		TotalUsed:      parseIntOrZero(totalCmd),
		ReservedUsed:   parseIntOrZero(reservedCmd),
		SharedUsed:     parseIntOrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    time.UnixMilli(windowTS),
	}, nil
}

// parseIntOrZero parses a Redis string command result as int, returning 0 on error.
func parseIntOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}

// RecordMethodUsage records credit consumption for a specific RPC
// method. This is used for monitoring and does not affect budgets.
func (t *CreditTracker) RecordMethodUsage(ctx context.Context, method string, credits int) error {
	if credits <= 0 || method == "" {
		return nil
	}

	windowTS := t.getWindowTimestamp()
	key := fmt.Sprintf("%s%s:%d", KeyPrefixMethod, method, windowTS)

	pipe := t.redis.Pipeline()
	pipe.IncrBy(ctx, key, int64(credits))
	pipe.Expire(ctx, key, t.keyTTL)
	_, err := pipe.Exec(ctx)

	return err
}

// TotalBudget returns the configured total credits/s budget.
func (t *CreditTracker) TotalBudget() int {
	return t.totalBudget
}

// WindowSize returns the configured window size.
func (t *CreditTracker) WindowSize() time.Duration {
	return t.windowSize
}

// AvailableBudget returns the available budget for a priority level.
func (t *CreditTracker) AvailableBudget(ctx context.Context, priority Priority) (int, error) {
	stats, err := t.GetUsage(ctx)
	if err != nil {
		return 0, err
	}

	var available int
	if priority == PriorityHigh {
		available = t.reservedBudget - stats.ReservedUsed
	} else {
		available = t.sharedBudget - stats.SharedUsed
	}
	if available < 0 {
		available = 0
	}
	return available, nil
}
