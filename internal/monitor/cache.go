package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/copy-trader/internal/bus"
	"github.com/copy-trader/internal/types"
)

// WalletLister loads tracked wallets from the store.
type WalletLister interface {
	List(ctx context.Context, userID string) ([]*types.TrackedWallet, error)
}

// SettingsLister loads copy-trade settings from the store.
type SettingsLister interface {
	ListByUser(ctx context.Context, userID string) ([]*types.CopyTradeSettings, error)
}

// PolicyCache is the monitor's in-memory view of tracked wallets and
// their settings. It implements the engine's policy source and is kept
// fresh by full reloads plus incremental bus updates.
type PolicyCache struct {
	userID   string
	wallets  WalletLister
	settings SettingsLister

	mu        sync.RWMutex
	byAddress map[string]*types.TrackedWallet
	byID      map[string]*types.TrackedWallet
	policies  map[string]*types.CopyTradeSettings // keyed by tracked wallet ID
}

// NewPolicyCache creates an empty cache. Call Reload before serving the
// engine.
func NewPolicyCache(userID string, wallets WalletLister, settings SettingsLister) *PolicyCache {
	return &PolicyCache{
		userID:    userID,
		wallets:   wallets,
		settings:  settings,
		byAddress: make(map[string]*types.TrackedWallet),
		byID:      make(map[string]*types.TrackedWallet),
		policies:  make(map[string]*types.CopyTradeSettings),
	}
}

// WalletByAddress resolves a tracked wallet by its chain address.
func (c *PolicyCache) WalletByAddress(address string) (*types.TrackedWallet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.byAddress[address]
	return w, ok
}

// SettingsFor resolves the settings for a tracked wallet ID.
func (c *PolicyCache) SettingsFor(trackedWalletID string) (*types.CopyTradeSettings, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.policies[trackedWalletID]
	return s, ok
}

// Addresses returns the tracked wallet addresses, active ones only.
func (c *PolicyCache) Addresses() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	addresses := make([]string, 0, len(c.byAddress))
	for address, wallet := range c.byAddress {
		if wallet.IsActive {
			addresses = append(addresses, address)
		}
	}
	return addresses
}

// Reload replaces the whole cache from the store.
func (c *PolicyCache) Reload(ctx context.Context) error {
	wallets, err := c.wallets.List(ctx, c.userID)
	if err != nil {
		return fmt.Errorf("failed to load tracked wallets: %w", err)
	}

	settings, err := c.settings.ListByUser(ctx, c.userID)
	if err != nil {
		return fmt.Errorf("failed to load copy-trade settings: %w", err)
	}

	byAddress := make(map[string]*types.TrackedWallet, len(wallets))
	byID := make(map[string]*types.TrackedWallet, len(wallets))
	for _, w := range wallets {
		byAddress[w.WalletAddress] = w
		byID[w.ID] = w
	}

	policies := make(map[string]*types.CopyTradeSettings, len(settings))
	for _, s := range settings {
		policies[s.TrackedWalletID] = s
	}

	c.mu.Lock()
	c.byAddress = byAddress
	c.byID = byID
	c.policies = policies
	c.mu.Unlock()

	return nil
}

// ApplyWalletChange folds one bus notification into the cache without a
// full reload.
func (c *PolicyCache) ApplyWalletChange(change *bus.WalletChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch change.Action {
	case "delete":
		if w, ok := c.byID[change.ID]; ok {
			delete(c.byAddress, w.WalletAddress)
			delete(c.byID, change.ID)
			delete(c.policies, change.ID)
		}
	case "add":
		w := &types.TrackedWallet{
			ID:            change.ID,
			UserID:        c.userID,
			WalletAddress: change.WalletAddress,
			IsActive:      change.IsActive,
		}
		c.byAddress[w.WalletAddress] = w
		c.byID[w.ID] = w
	case "archive", "unarchive":
		if w, ok := c.byID[change.ID]; ok {
			w.IsActive = change.IsActive
		}
	}
}

// ApplySettings folds one settings update into the cache.
func (c *PolicyCache) ApplySettings(settings *types.CopyTradeSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[settings.TrackedWalletID] = settings
}
