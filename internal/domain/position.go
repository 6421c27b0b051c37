package domain

import (
	"sort"
	"time"
)

// Position is one row inside a position snapshot. Instrument carries the
// embedded instrument terms when present; InstrumentID references an external
// instrument record otherwise. Attributes is the product-specific bag pricers
// read from.
type Position struct {
	PositionID   string         `json:"position_id"`
	ProductType  string         `json:"product_type"`
	InstrumentID string         `json:"instrument_id,omitempty"`
	Instrument   map[string]any `json:"instrument,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	BaseCurrency string         `json:"base_currency"`
}

// PositionSnapshot is an immutable, content-addressed set of positions for a
// portfolio node. Snapshots are deduplicated by (PortfolioNodeID, PayloadHash).
type PositionSnapshot struct {
	PositionSnapshotID string
	AsOfTime           time.Time
	PortfolioNodeID    string
	Positions          []Position
	PayloadHash        string
	CreatedAt          time.Time
}

// ProductTypes returns the sorted-unique set of product types present.
func (s *PositionSnapshot) ProductTypes() []string {
	seen := make(map[string]bool, 4)
	var types []string
	for _, p := range s.Positions {
		if !seen[p.ProductType] {
			seen[p.ProductType] = true
			types = append(types, p.ProductType)
		}
	}
	sort.Strings(types)
	return types
}
