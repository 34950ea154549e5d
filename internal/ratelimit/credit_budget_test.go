package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, total, reserved int) *CreditTracker {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// A wide window keeps counters stable across the test run.
	tracker, err := NewCreditTracker(&CreditTrackerConfig{
		Redis:          client,
		TotalBudget:    total,
		ReservedBudget: reserved,
		WindowSize:     time.Minute,
		KeyTTL:         2 * time.Minute,
	})
	require.NoError(t, err)

	return tracker
}

func TestTryConsumeWithinBudget(t *testing.T) {
	tracker := newTestTracker(t, 100, 60)
	ctx := context.Background()

	allowed, wait := tracker.TryConsume(ctx, 50, PriorityHigh)
	assert.True(t, allowed)
	assert.Zero(t, wait)

	stats, err := tracker.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, stats.TotalUsed)
	assert.Equal(t, 50, stats.ReservedUsed)
	assert.Equal(t, 0, stats.SharedUsed)
}

func TestTryConsumeDeniesOverPoolBudget(t *testing.T) {
	tracker := newTestTracker(t, 100, 60)
	ctx := context.Background()

	allowed, _ := tracker.TryConsume(ctx, 60, PriorityHigh)
	require.True(t, allowed)

	// Reserved pool exhausted; the next reserved consume is denied with
	// a wait suggestion even though the total budget has room.
	allowed, wait := tracker.TryConsume(ctx, 1, PriorityHigh)
	assert.False(t, allowed)
	assert.Greater(t, wait, time.Duration(0))

	// The shared pool is unaffected.
	allowed, _ = tracker.TryConsume(ctx, 40, PriorityLow)
	assert.True(t, allowed)
}

func TestTryConsumeDeniesOverTotalBudget(t *testing.T) {
	tracker := newTestTracker(t, 100, 60)
	ctx := context.Background()

	allowed, _ := tracker.TryConsume(ctx, 60, PriorityHigh)
	require.True(t, allowed)
	allowed, _ = tracker.TryConsume(ctx, 40, PriorityLow)
	require.True(t, allowed)

	allowed, _ = tracker.TryConsume(ctx, 1, PriorityLow)
	assert.False(t, allowed)
}

func TestTryConsumeZeroCreditsAlwaysAllowed(t *testing.T) {
	tracker := newTestTracker(t, 10, 5)

	allowed, wait := tracker.TryConsume(context.Background(), 0, PriorityLow)
	assert.True(t, allowed)
	assert.Zero(t, wait)
}

func TestConfigValidation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, err := NewCreditTracker(nil)
	assert.Error(t, err)

	_, err = NewCreditTracker(&CreditTrackerConfig{})
	assert.Error(t, err, "missing redis client")

	_, err = NewCreditTracker(&CreditTrackerConfig{
		Redis:          client,
		TotalBudget:    100,
		ReservedBudget: 200,
	})
	assert.Error(t, err, "reserved exceeds total")
}

func TestAvailableBudgetPerPool(t *testing.T) {
	tracker := newTestTracker(t, 100, 60)
	ctx := context.Background()

	_, _ = tracker.TryConsume(ctx, 20, PriorityHigh)
	_, _ = tracker.TryConsume(ctx, 10, PriorityLow)

	high, err := tracker.AvailableBudget(ctx, PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, 40, high)

	low, err := tracker.AvailableBudget(ctx, PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, 30, low)
}

func TestRecordMethodUsage(t *testing.T) {
	tracker := newTestTracker(t, 100, 60)

	err := tracker.RecordMethodUsage(context.Background(), MethodGetBalance, CostGetBalance)
	require.NoError(t, err)

	// Monitoring counters never touch the budget pools.
	stats, err := tracker.GetUsage(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalUsed)
}
