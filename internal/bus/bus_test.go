package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewBusWithClient(client, logging.NewLogger("error", "console"))
}

func TestPublishTrackedWalletChange(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changes, stop := b.WalletChanges(ctx)
	defer stop()

	// Give the subscriber a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	err := b.PublishTrackedWalletChange(ctx, &WalletChange{
		ID:            "tw-1",
		WalletAddress: "Tracked1111111111111111111111111111111111",
		Action:        "add",
		IsActive:      true,
	})
	require.NoError(t, err)

	select {
	case change := <-changes:
		assert.Equal(t, "tw-1", change.ID)
		assert.Equal(t, "add", change.Action)
		assert.True(t, change.IsActive)
	case <-time.After(3 * time.Second):
		t.Fatal("wallet change not delivered")
	}
}

func TestPublishSettingsUpdate(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates, stop := b.SettingsUpdates(ctx)
	defer stop()
	time.Sleep(50 * time.Millisecond)

	settings := types.DefaultCopyTradeSettings("user-1", "tw-1")
	settings.IsEnabled = true
	settings.MaxSlippage = decimal.NewFromFloat(0.25)
	require.NoError(t, b.PublishSettingsUpdate(ctx, settings))

	select {
	case got := <-updates:
		assert.Equal(t, "tw-1", got.TrackedWalletID)
		assert.True(t, got.IsEnabled)
		assert.True(t, decimal.NewFromFloat(0.25).Equal(got.MaxSlippage))
	case <-time.After(3 * time.Second):
		t.Fatal("settings update not delivered")
	}
}

func TestSubscribersSkipMalformedMessages(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates, stop := b.SettingsUpdates(ctx)
	defer stop()
	time.Sleep(50 * time.Millisecond)

	// Garbage first, then a valid update; only the valid one arrives.
	require.NoError(t, b.client.Publish(ctx, ChannelSettings, "not json at all").Err())
	require.NoError(t, b.PublishSettingsUpdate(ctx, types.DefaultCopyTradeSettings("user-1", "tw-2")))

	select {
	case got := <-updates:
		assert.Equal(t, "tw-2", got.TrackedWalletID)
	case <-time.After(3 * time.Second):
		t.Fatal("settings update not delivered")
	}
}

func TestPublishTradeNotificationEnvelope(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := b.Subscribe(ctx, ChannelTrades)
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	payload := map[string]string{"signature": "sig-1"}
	require.NoError(t, b.PublishTradeNotification(ctx, TypeCopyTradeExecuted, payload))

	select {
	case msg := <-sub.Channel():
		var envelope Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &envelope))
		assert.Equal(t, TypeCopyTradeExecuted, envelope.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("trade notification not delivered")
	}
}

func TestPing(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Close())
}
