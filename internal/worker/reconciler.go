// Package worker contains background loops that keep the ledger honest
// without sitting on the trade path.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/copy-trader/internal/ledger"
	"github.com/copy-trader/internal/logging"
)

// Reconciler periodically refreshes the wallet ledger from the chain so
// delta-tracking drift never accumulates unbounded. A failed refresh is
// logged and retried on the next tick; the ledger keeps serving its
// last good state in between.
type Reconciler struct {
	wallet   Refresher
	interval time.Duration
	timeout  time.Duration
	logger   *logging.Logger

	running      bool
	mu           sync.RWMutex
	stopCh       chan struct{}
	doneCh       chan struct{}
	lastRun      time.Time
	lastErr      error
	refreshCount uint64
}

// Refresher is the ledger surface the reconciler drives.
type Refresher interface {
	RefreshBalances(ctx context.Context) (*ledger.Snapshot, error)
}

// ReconcilerConfig holds configuration for the reconciler.
type ReconcilerConfig struct {
	Wallet   Refresher
	Interval time.Duration // Default: 5 minutes
	Timeout  time.Duration // Per-refresh deadline. Default: 30s
	Logger   *logging.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(cfg *ReconcilerConfig) (*Reconciler, error) {
	if cfg.Wallet == nil {
		return nil, fmt.Errorf("wallet cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = 5 * time.Minute
	}
	if interval < time.Second {
		return nil, fmt.Errorf("refresh interval must be at least 1s, got %v", interval)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Reconciler{
		wallet:   cfg.Wallet,
		interval: interval,
		timeout:  timeout,
		logger:   cfg.Logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start launches the reconciliation loop. It returns an error if the
// reconciler is already running.
func (r *Reconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("reconciler already running")
	}
	r.running = true

	go r.run()

	r.logger.WithField("interval", r.interval.String()).Info("Balance reconciler started")
	return nil
}

// Stop signals the loop to exit and waits for it to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh

	r.logger.Info("Balance reconciler stopped")
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.refresh()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reconciler) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	snapshot, err := r.wallet.RefreshBalances(ctx)

	r.mu.Lock()
	r.lastRun = time.Now()
	r.lastErr = err
	if err == nil {
		r.refreshCount++
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.WithError(err).Warn("Periodic balance refresh failed")
		return
	}

	r.logger.WithFields(map[string]interface{}{
		"sequence": snapshot.Sequence,
		"tokens":   len(snapshot.Tokens),
	}).Debug("Balance reconciliation completed")
}

// Status reports the reconciler's last run for health checks.
type Status struct {
	Running      bool      `json:"running"`
	LastRun      time.Time `json:"lastRun"`
	LastError    string    `json:"lastError,omitempty"`
	RefreshCount uint64    `json:"refreshCount"`
}

// Status returns a snapshot of the loop's progress.
func (r *Reconciler) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Status{
		Running:      r.running,
		LastRun:      r.lastRun,
		RefreshCount: r.refreshCount,
	}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	return s
}
