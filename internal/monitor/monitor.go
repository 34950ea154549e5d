// Package monitor consumes tracked-wallet activity from the event
// source and feeds it into the decision engine. Delivery upstream is
// at-least-once; everything downstream dedups on the event signature.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/copy-trader/internal/bus"
	apperrors "github.com/copy-trader/internal/errors"
	"github.com/copy-trader/internal/ledger"
	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/types"
	"github.com/gorilla/websocket"
)

// Evaluator turns an observed event into zero or one intent.
// Implemented by the decision engine.
type Evaluator interface {
	Evaluate(event *types.TradeEvent) (*types.TradeIntent, error)
}

// IntentExecutor drives an accepted intent to completion. Implemented
// by the execution coordinator.
type IntentExecutor interface {
	Execute(ctx context.Context, intent *types.TradeIntent) (*ledger.ApplyResult, error)
}

// subscribeMessage tells the event source which wallets to watch.
type subscribeMessage struct {
	Type    string   `json:"type"`
	Wallets []string `json:"wallets"`
}

// envelope is the wire format of event-source messages.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Config holds configuration for a monitor.
type Config struct {
	// URL is the websocket endpoint of the event source.
	URL      string
	Cache    *PolicyCache
	Engine   Evaluator
	Executor IntentExecutor
	// Bus is optional; when set, wallet and settings changes published
	// there refresh the cache without a restart.
	Bus *bus.Bus
	// InitialBackoff and MaxBackoff bound the reconnect delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// HealthInterval is the websocket ping cadence.
	HealthInterval time.Duration
	// QueueSize is the depth of the event queue between the reader and
	// the processor.
	QueueSize int
	Logger    *logging.Logger
}

// Monitor owns the websocket connection, the event queue and the
// processor that feeds the engine.
type Monitor struct {
	url            string
	cache          *PolicyCache
	engine         Evaluator
	executor       IntentExecutor
	bus            *bus.Bus
	initialBackoff time.Duration
	maxBackoff     time.Duration
	healthInterval time.Duration
	logger         *logging.Logger

	events chan *types.TradeEvent

	connMu sync.Mutex
	conn   *websocket.Conn

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	cancel  context.CancelFunc
}

// New creates a monitor.
func New(cfg *Config) (*Monitor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("event source URL cannot be empty")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("policy cache cannot be nil")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff == 0 {
		initialBackoff = 1 * time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 60 * time.Second
	}
	healthInterval := cfg.HealthInterval
	if healthInterval == 0 {
		healthInterval = 30 * time.Second
	}
	queueSize := cfg.QueueSize
	if queueSize == 0 {
		queueSize = 256
	}

	return &Monitor{
		url:            cfg.URL,
		cache:          cfg.Cache,
		engine:         cfg.Engine,
		executor:       cfg.Executor,
		bus:            cfg.Bus,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		healthInterval: healthInterval,
		logger:         cfg.Logger,
		events:         make(chan *types.TradeEvent, queueSize),
	}, nil
}

// Start loads the policy cache and begins consuming events. It returns
// once the background loops are running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.cache.Reload(ctx); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		cancel()
		return err
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.consumeLoop(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.processLoop(runCtx)
	}()

	if m.bus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.busLoop(runCtx)
		}()
	}

	go func() {
		wg.Wait()
		close(m.doneCh)
	}()

	m.logger.WithField("url", m.url).Info("Wallet monitor started")
	return nil
}

// Stop shuts the monitor down and waits for the loops to drain.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.cancel()
	m.mu.Unlock()

	m.closeConn()
	<-m.doneCh
	m.logger.Info("Wallet monitor stopped")
}

// consumeLoop dials the event source and reads until the connection
// drops, then reconnects with exponential backoff.
func (m *Monitor) consumeLoop(ctx context.Context) {
	backoff := m.initialBackoff

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		if err := m.consumeOnce(ctx); err != nil {
			select {
			case <-m.stopCh:
				return
			default:
			}

			m.logger.WithError(err).WithField("backoff", backoff).Warn("Event source connection lost, reconnecting")
			select {
			case <-time.After(backoff):
			case <-m.stopCh:
				return
			}

			backoff *= 2
			if backoff > m.maxBackoff {
				backoff = m.maxBackoff
			}
			continue
		}

		backoff = m.initialBackoff
	}
}

// consumeOnce runs one connection lifetime: dial, subscribe, read.
func (m *Monitor) consumeOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, m.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial event source: %w", err)
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	defer m.closeConn()

	if err := m.sendSubscription(); err != nil {
		return err
	}
	m.logger.WithField("wallets", len(m.cache.Addresses())).Info("Subscribed to tracked wallets")

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * m.healthInterval))
	})
	_ = conn.SetReadDeadline(time.Now().Add(2 * m.healthInterval))

	pingStop := make(chan struct{})
	defer close(pingStop)
	go m.pingLoop(conn, pingStop)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("event source read failed: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * m.healthInterval))
		m.handleMessage(payload)
	}
}

func (m *Monitor) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.connMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			m.connMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// sendSubscription tells the event source which wallets to stream.
// Called on connect and whenever the tracked set changes.
func (m *Monitor) sendSubscription() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.conn == nil {
		return nil
	}
	if err := m.conn.WriteJSON(&subscribeMessage{Type: "subscribe", Wallets: m.cache.Addresses()}); err != nil {
		return fmt.Errorf("failed to send subscription: %w", err)
	}
	return nil
}

func (m *Monitor) closeConn() {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// handleMessage decodes one event-source message and queues trade
// events. A full queue drops the event with a warning rather than
// stalling the read loop; upstream redelivery covers the gap.
func (m *Monitor) handleMessage(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		m.logger.WithError(err).Warn("Dropping malformed event source message")
		return
	}
	if env.Type != bus.TypeTrackedWalletTrade {
		return
	}

	var event types.TradeEvent
	if err := json.Unmarshal(env.Data, &event); err != nil {
		m.logger.WithError(err).Warn("Dropping malformed trade event")
		return
	}

	select {
	case m.events <- &event:
	default:
		m.logger.WithField("signature", event.Signature).Warn("Event queue full, dropping trade event")
	}
}

// processLoop consumes queued events and runs them through the engine.
func (m *Monitor) processLoop(ctx context.Context) {
	for {
		select {
		case event := <-m.events:
			m.process(ctx, event)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) process(ctx context.Context, event *types.TradeEvent) {
	intent, err := m.engine.Evaluate(event)
	if err != nil {
		if apperrors.IsPolicyRejection(err) {
			return // already logged by the engine
		}
		m.logger.WithError(err).WithField("signature", event.Signature).Warn("Event evaluation failed")
		return
	}

	// Execution can take minutes under backoff; it must not hold up the
	// queue behind it.
	go func() {
		if _, err := m.executor.Execute(ctx, intent); err != nil {
			m.logger.WithError(err).WithField("signature", intent.SourceSignature).Error("Copy trade failed")
		}
	}()
}

// busLoop folds wallet and settings notifications into the policy cache.
func (m *Monitor) busLoop(ctx context.Context) {
	walletChanges, cancelWallets := m.bus.WalletChanges(ctx)
	defer cancelWallets()
	settingsUpdates, cancelSettings := m.bus.SettingsUpdates(ctx)
	defer cancelSettings()

	for {
		select {
		case change, ok := <-walletChanges:
			if !ok {
				return
			}
			m.cache.ApplyWalletChange(change)
			if err := m.sendSubscription(); err != nil {
				m.logger.WithError(err).Warn("Failed to refresh subscription after wallet change")
			}
			m.logger.WithFields(map[string]interface{}{
				"action": change.Action,
				"wallet": change.WalletAddress,
			}).Info("Tracked wallet set updated")
		case settings, ok := <-settingsUpdates:
			if !ok {
				return
			}
			m.cache.ApplySettings(settings)
			m.logger.WithField("tracked_wallet_id", settings.TrackedWalletID).Info("Copy-trade settings updated")
		case <-m.stopCh:
			return
		}
	}
}
