// Package bus implements the notification bus over Redis pub/sub.
// Delivery is at-least-once: publishes are retried a bounded number of
// times and consumers must tolerate duplicates.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/copy-trader/internal/config"
	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/types"
	"github.com/redis/go-redis/v9"
)

// Channel names shared by all producers and consumers.
const (
	// ChannelTrackedWallets carries tracked-wallet add/archive/delete changes.
	ChannelTrackedWallets = "copy_trader:tracked_wallets"
	// ChannelSettings carries copy-trade settings updates.
	ChannelSettings = "copy_trader:settings"
	// ChannelTrades carries trade notifications (observed and executed).
	ChannelTrades = "copy_trader:trades"
)

// Notification types on ChannelTrades.
const (
	TypeTrackedWalletTrade = "tracked_wallet_trade"
	TypeCopyTradeExecuted  = "copy_trade_executed"
	TypeTransactionLogged  = "transaction_logged"
)

const (
	maxPublishRetries = 5
	publishRetryDelay = 1 * time.Second
)

// WalletChange describes a tracked-wallet mutation published to the bus.
type WalletChange struct {
	WalletAddress string `json:"wallet_address"`
	Action        string `json:"action"` // add, archive, unarchive, delete
	IsActive      bool   `json:"is_active"`
	ID            string `json:"id"`
}

// Notification is the envelope for trade-channel messages.
type Notification struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Bus wraps the Redis client used for pub/sub.
type Bus struct {
	client *redis.Client
	logger *logging.Logger
}

// NewBus creates a new notification bus connection.
func NewBus(cfg *config.RedisConfig, logger *logging.Logger) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Bus{client: client, logger: logger}, nil
}

// NewBusWithClient wraps an existing Redis client. Used by tests with
// miniredis.
func NewBusWithClient(client *redis.Client, logger *logging.Logger) *Bus {
	return &Bus{client: client, logger: logger}
}

// Client exposes the underlying Redis client so other components, such
// as the RPC credit tracker, can share the connection pool.
func (b *Bus) Client() *redis.Client {
	return b.client
}

// Close closes the Redis connection.
func (b *Bus) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// Ping checks if Redis is reachable.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// PublishTrackedWalletChange publishes a tracked-wallet change.
func (b *Bus) PublishTrackedWalletChange(ctx context.Context, change *WalletChange) error {
	return b.publish(ctx, ChannelTrackedWallets, change)
}

// PublishSettingsUpdate publishes a settings update so running monitors
// can refresh their policy cache without a restart.
func (b *Bus) PublishSettingsUpdate(ctx context.Context, settings *types.CopyTradeSettings) error {
	return b.publish(ctx, ChannelSettings, settings)
}

// PublishTradeNotification publishes a trade notification envelope.
func (b *Bus) PublishTradeNotification(ctx context.Context, notificationType string, data interface{}) error {
	return b.publish(ctx, ChannelTrades, &Notification{Type: notificationType, Data: data})
}

// publish serializes the payload and publishes it with bounded retries.
func (b *Bus) publish(ctx context.Context, channel string, payload interface{}) error {
	msg, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize bus message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxPublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(publishRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := b.client.Publish(ctx, channel, msg).Err(); err != nil {
			lastErr = err
			b.logger.WithFields(map[string]interface{}{
				"channel": channel,
				"attempt": attempt + 1,
				"error":   err.Error(),
			}).Warn("Bus publish failed")
			continue
		}

		return nil
	}

	return fmt.Errorf("failed to publish to %s after %d retries: %w", channel, maxPublishRetries, lastErr)
}

// Subscribe subscribes to the given channels and returns the pubsub
// handle. The caller owns the handle and must Close it.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return b.client.Subscribe(ctx, channels...)
}

// SettingsUpdates subscribes to the settings channel and delivers decoded
// updates until the context is cancelled. Malformed messages are logged
// and skipped.
func (b *Bus) SettingsUpdates(ctx context.Context) (<-chan *types.CopyTradeSettings, func()) {
	sub := b.client.Subscribe(ctx, ChannelSettings)
	out := make(chan *types.CopyTradeSettings, 16)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var settings types.CopyTradeSettings
			if err := json.Unmarshal([]byte(msg.Payload), &settings); err != nil {
				b.logger.WithError(err).Warn("Dropping malformed settings update")
				continue
			}
			select {
			case out <- &settings:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}

// WalletChanges subscribes to the tracked-wallet channel and delivers
// decoded changes until the context is cancelled.
func (b *Bus) WalletChanges(ctx context.Context) (<-chan *WalletChange, func()) {
	sub := b.client.Subscribe(ctx, ChannelTrackedWallets)
	out := make(chan *WalletChange, 16)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var change WalletChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				b.logger.WithError(err).Warn("Dropping malformed wallet change")
				continue
			}
			select {
			case out <- &change:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}
