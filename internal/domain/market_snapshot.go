package domain

import (
	"strings"
	"time"
)

// DQStatus is the data-quality gate recorded on a market snapshot at ingest.
type DQStatus string

const (
	DQPass DQStatus = "PASS"
	DQWarn DQStatus = "WARN"
	DQFail DQStatus = "FAIL"
)

// Valid reports whether s is one of the known statuses.
func (s DQStatus) Valid() bool {
	switch s {
	case DQPass, DQWarn, DQFail:
		return true
	}
	return false
}

// Admissible reports whether a run may reference a snapshot with this status.
func (s DQStatus) Admissible() bool {
	return s == DQPass || s == DQWarn
}

// CurveNode is a single (tenor, rate) point on a zero curve.
// Rates are fractional: 1 bp = 0.0001.
type CurveNode struct {
	Tenor string  `json:"tenor"`
	Rate  float64 `json:"rate"`
}

// Curve is an identified zero curve. Node order is meaningful and preserved.
type Curve struct {
	ID    string      `json:"id"`
	Nodes []CurveNode `json:"nodes"`
}

// IsSpread reports whether the curve identifier is tagged as a spread curve.
// The convention is a SPREAD token anywhere in the id (e.g. "USD-CORP-SPREAD").
func (c Curve) IsSpread() bool {
	return strings.Contains(strings.ToUpper(c.ID), "SPREAD")
}

// FXSpot is a spot rate for a currency pair such as "EURUSD".
type FXSpot struct {
	Pair string  `json:"pair"`
	Rate float64 `json:"rate"`
}

// MarketPayload is the structured bundle inside a market snapshot.
type MarketPayload struct {
	Curves  []Curve  `json:"curves"`
	FXSpots []FXSpot `json:"fx_spots"`
}

// Curve returns the curve with the given id, or nil if absent.
func (p *MarketPayload) Curve(id string) *Curve {
	for i := range p.Curves {
		if p.Curves[i].ID == id {
			return &p.Curves[i]
		}
	}
	return nil
}

// Spot returns the spot rate for a pair and whether it exists.
func (p *MarketPayload) Spot(pair string) (float64, bool) {
	for _, s := range p.FXSpots {
		if s.Pair == pair {
			return s.Rate, true
		}
	}
	return 0, false
}

// MarketSnapshot is an immutable market data snapshot. PayloadHash is the
// canonical content hash of Payload and doubles as the idempotence key.
type MarketSnapshot struct {
	SnapshotID  string
	AsOfTime    time.Time
	Vendor      string
	UniverseID  string
	Payload     MarketPayload
	DQStatus    DQStatus
	PayloadHash string
	CreatedAt   time.Time
}
