package pricer

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps product-type tags to pricers. It is populated during process
// bootstrap, before any task is claimed, and is read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	pricers map[string]Pricer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pricers: make(map[string]Pricer)}
}

// Register binds a product type to a pricer. Re-registering the same
// (name, version) identity is a no-op; a different identity for an already
// bound product type is ErrRegistryConflict.
func (r *Registry) Register(productType string, p Pricer) error {
	if productType == "" || p == nil {
		return fmt.Errorf("register pricer: empty product type or nil pricer")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.pricers[productType]; ok {
		if existing.Name() == p.Name() && existing.Version() == p.Version() {
			return nil
		}
		return fmt.Errorf("%w: %s already bound to %s/%s",
			ErrRegistryConflict, productType, existing.Name(), existing.Version())
	}

	r.pricers[productType] = p
	return nil
}

// Get returns the pricer for a product type, or ErrUnknownProduct.
func (r *Registry) Get(productType string) (Pricer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pricers[productType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, productType)
	}
	return p, nil
}

// List returns the registered product types in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.pricers))
	for t := range r.pricers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Bootstrap builds a registry with every built-in pricer registered. Daemons
// call this once at startup; a failure here is fatal, never a silent
// mis-dispatch later.
func Bootstrap() (*Registry, error) {
	r := NewRegistry()

	builtins := map[string]Pricer{
		ProductFixedBond:    NewFixedBondPricer(),
		ProductFloatingLoan: NewFloatingLoanPricer(),
		ProductFXForward:    NewFXForwardPricer(),
	}
	for productType, p := range builtins {
		if err := r.Register(productType, p); err != nil {
			return nil, fmt.Errorf("bootstrap pricer registry: %w", err)
		}
	}
	return r, nil
}
