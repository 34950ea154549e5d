package ratelimit

import (
	"sync"
)

// Default credit costs for known RPC methods, based on typical Solana
// provider pricing.
const (
	DefaultCreditCost = 20 // Default cost for unknown methods

	// Known method costs
	CostGetBalance              = 5
	CostGetTokenAccountsByOwner = 30
	CostGetSignatureStatuses    = 10
)

// RPC method names
const (
	MethodGetBalance              = "getBalance"
	MethodGetTokenAccountsByOwner = "getTokenAccountsByOwner"
	MethodGetSignatureStatuses    = "getSignatureStatuses"
)

// CostRegistry maps RPC methods to their credit costs.
// It is safe for concurrent use.
type CostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]int
	defaultCost int
}

// CostRegistryConfig holds configuration for the registry.
type CostRegistryConfig struct {
	// DefaultCost is the credit cost for unknown RPC methods.
	// If zero, uses the package default (20 credits).
	DefaultCost int

	// Overrides allows custom credit costs for specific methods.
	// These override the built-in defaults.
	Overrides map[string]int
}

// NewCostRegistry creates a new registry with default provider costs.
// If cfg is nil, default configuration is used.
func NewCostRegistry(cfg *CostRegistryConfig) *CostRegistry {
	costs := map[string]int{
		MethodGetBalance:              CostGetBalance,
		MethodGetTokenAccountsByOwner: CostGetTokenAccountsByOwner,
		MethodGetSignatureStatuses:    CostGetSignatureStatuses,
	}

	defaultCost := DefaultCreditCost

	if cfg != nil {
		if cfg.DefaultCost > 0 {
			defaultCost = cfg.DefaultCost
		}
		for method, cost := range cfg.Overrides {
			if cost > 0 {
				costs[method] = cost
			}
		}
	}

	return &CostRegistry{
		costs:       costs,
		defaultCost: defaultCost,
	}
}

// GetCost returns the credit cost for an RPC method.
// If the method is not known, returns the configured default cost.
func (r *CostRegistry) GetCost(method string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cost, ok := r.costs[method]; ok {
		return cost
	}
	return r.defaultCost
}

// SetCost allows runtime cost updates for a specific method, useful
// for tuning costs to a provider's actual pricing. Zero or negative
// values are ignored.
func (r *CostRegistry) SetCost(method string, cost int) {
	if cost <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.costs[method] = cost
}

// KnownMethods returns a list of all known RPC method names.
func (r *CostRegistry) KnownMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.costs))
	for method := range r.costs {
		methods = append(methods, method)
	}
	return methods
}
