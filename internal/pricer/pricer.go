// Package pricer defines the product pricing contract, the registry that maps
// product types to pricers, and the built-in pricer set.
package pricer

import (
	"errors"

	"valuation-lab/internal/domain"
)

// Contract errors.
var (
	// ErrUnknownProduct is returned when no pricer is registered for a product type.
	ErrUnknownProduct = errors.New("unknown product type")

	// ErrRegistryConflict is returned when a product type is re-registered
	// with a different pricer identity.
	ErrRegistryConflict = errors.New("conflicting pricer registration")

	// ErrMissingInput is returned when a required instrument or position
	// attribute is absent.
	ErrMissingInput = errors.New("missing pricing input")

	// ErrPricerFault is returned for deterministic pricing failures such as
	// numerical overflow. Retrying cannot fix these.
	ErrPricerFault = errors.New("pricer fault")
)

// Pricer values a single position under one scenario-shocked market snapshot.
//
// Implementations must be pure: byte-equal inputs produce byte-equal outputs,
// and no input may be mutated. Only requested measures the pricer supports
// appear in the returned map.
type Pricer interface {
	// Name identifies the pricer implementation.
	Name() string

	// Version participates in result input hashes; bump it whenever the
	// pricing math changes so stale results are distinguishable.
	Version() string

	// Price returns measure values for the position. instrument is the
	// resolved instrument terms (embedded or externally looked up).
	Price(position domain.Position, instrument map[string]any, market *domain.MarketSnapshot, measures []string, scenarioID string) (map[string]float64, error)
}

// wantMeasure reports whether tag was requested.
func wantMeasure(measures []string, tag string) bool {
	for _, m := range measures {
		if m == tag {
			return true
		}
	}
	return false
}
