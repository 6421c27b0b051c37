// Package scenario derives shocked market snapshots from immutable base
// snapshots. Shocks are registered by id; applying one never mutates the base.
package scenario

import (
	"errors"
	"fmt"
	"sort"

	"valuation-lab/internal/domain"
)

// ErrInvalidScenario is returned for an unregistered scenario id.
var ErrInvalidScenario = errors.New("invalid scenario")

// Shock sizes for the built-in scenarios. Rates are fractional.
const (
	parallelShiftBp = 0.0001 // 1 bp
	spreadShiftBp   = 0.0025 // 25 bp
	fxSpotFactor    = 1.01   // +1%
)

// shock produces a derived payload from a base payload. Implementations must
// not write through the base's containers; unshocked series may be shared.
type shock func(base *domain.MarketPayload) domain.MarketPayload

// Engine holds the registered scenario set. Safe for concurrent Apply calls:
// the registry is populated at construction and read-only afterwards.
type Engine struct {
	shocks map[string]shock
}

// NewEngine creates an engine with the built-in scenario set registered.
func NewEngine() *Engine {
	return &Engine{
		shocks: map[string]shock{
			domain.ScenarioBase:           shockBase,
			domain.ScenarioRatesParallel1: shockRatesParallel,
			domain.ScenarioSpread25:       shockSpread,
			domain.ScenarioFXSpot1Pct:     shockFXSpot,
		},
	}
}

// Registered reports whether the scenario id is known.
func (e *Engine) Registered(scenarioID string) bool {
	_, ok := e.shocks[scenarioID]
	return ok
}

// List returns the registered scenario ids in sorted order.
func (e *Engine) List() []string {
	ids := make([]string, 0, len(e.shocks))
	for id := range e.shocks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Apply returns a derived snapshot with the named shock applied. The base is
// never mutated; unshocked curves and spots are shared with the base
// (copy-on-write), shocked series get fresh containers. Identity fields
// (SnapshotID, PayloadHash) continue to describe the base snapshot.
func (e *Engine) Apply(base *domain.MarketSnapshot, scenarioID string) (*domain.MarketSnapshot, error) {
	fn, ok := e.shocks[scenarioID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidScenario, scenarioID)
	}

	derived := *base
	derived.Payload = fn(&base.Payload)
	return &derived, nil
}

// shockBase is the identity scenario: a structurally equal copy that shares
// the base's containers outright.
func shockBase(base *domain.MarketPayload) domain.MarketPayload {
	return domain.MarketPayload{
		Curves:  base.Curves,
		FXSpots: base.FXSpots,
	}
}

// shockRatesParallel adds 1 bp to every node on every zero curve.
func shockRatesParallel(base *domain.MarketPayload) domain.MarketPayload {
	curves := make([]domain.Curve, len(base.Curves))
	for i, c := range base.Curves {
		curves[i] = bumpCurve(c, parallelShiftBp)
	}
	return domain.MarketPayload{Curves: curves, FXSpots: base.FXSpots}
}

// shockSpread adds 25 bp to every node on curves tagged as spread curves.
// Untagged curves keep the base's node slices.
func shockSpread(base *domain.MarketPayload) domain.MarketPayload {
	curves := make([]domain.Curve, len(base.Curves))
	for i, c := range base.Curves {
		if c.IsSpread() {
			curves[i] = bumpCurve(c, spreadShiftBp)
		} else {
			curves[i] = c
		}
	}
	return domain.MarketPayload{Curves: curves, FXSpots: base.FXSpots}
}

// shockFXSpot multiplies every FX spot rate by 1.01.
func shockFXSpot(base *domain.MarketPayload) domain.MarketPayload {
	spots := make([]domain.FXSpot, len(base.FXSpots))
	for i, s := range base.FXSpots {
		spots[i] = domain.FXSpot{Pair: s.Pair, Rate: s.Rate * fxSpotFactor}
	}
	return domain.MarketPayload{Curves: base.Curves, FXSpots: spots}
}

// bumpCurve returns a copy of the curve with shift added to every node rate.
func bumpCurve(c domain.Curve, shift float64) domain.Curve {
	nodes := make([]domain.CurveNode, len(c.Nodes))
	for i, n := range c.Nodes {
		nodes[i] = domain.CurveNode{Tenor: n.Tenor, Rate: n.Rate + shift}
	}
	return domain.Curve{ID: c.ID, Nodes: nodes}
}
