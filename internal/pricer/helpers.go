package pricer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"valuation-lab/internal/domain"
)

// requireFloat extracts a numeric attribute, tolerating the types JSON
// decoding produces. Absent or non-numeric values are ErrMissingInput.
func requireFloat(attrs map[string]any, key string) (float64, error) {
	raw, ok := attrs[key]
	if !ok {
		return 0, fmt.Errorf("%w: attribute %q", ErrMissingInput, key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: attribute %q is not numeric", ErrMissingInput, key)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: attribute %q is not numeric", ErrMissingInput, key)
	}
}

// requireString extracts a string attribute or returns ErrMissingInput.
func requireString(attrs map[string]any, key string) (string, error) {
	raw, ok := attrs[key]
	if !ok {
		return "", fmt.Errorf("%w: attribute %q", ErrMissingInput, key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: attribute %q is not a string", ErrMissingInput, key)
	}
	return s, nil
}

// optionalFloat returns the attribute value or def when absent.
func optionalFloat(attrs map[string]any, key string, def float64) float64 {
	if _, ok := attrs[key]; !ok {
		return def
	}
	f, err := requireFloat(attrs, key)
	if err != nil {
		return def
	}
	return f
}

// optionalString returns the attribute value or def when absent.
func optionalString(attrs map[string]any, key, def string) string {
	s, ok := attrs[key].(string)
	if !ok || s == "" {
		return def
	}
	return s
}

// tenorYears parses a tenor label ("3M", "1Y", "18M", "10Y") into year units.
func tenorYears(tenor string) (float64, error) {
	t := strings.ToUpper(strings.TrimSpace(tenor))
	if len(t) < 2 {
		return 0, fmt.Errorf("%w: malformed tenor %q", ErrMissingInput, tenor)
	}
	n, err := strconv.ParseFloat(t[:len(t)-1], 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: malformed tenor %q", ErrMissingInput, tenor)
	}
	switch t[len(t)-1] {
	case 'D':
		return n / 365, nil
	case 'W':
		return n * 7 / 365, nil
	case 'M':
		return n / 12, nil
	case 'Y':
		return n, nil
	default:
		return 0, fmt.Errorf("%w: malformed tenor %q", ErrMissingInput, tenor)
	}
}

// zeroRate linearly interpolates the zero rate at t years from the curve's
// nodes, with flat extrapolation beyond the first and last node.
func zeroRate(curve *domain.Curve, t float64) (float64, error) {
	if curve == nil || len(curve.Nodes) == 0 {
		return 0, fmt.Errorf("%w: empty curve", ErrMissingInput)
	}

	type point struct{ t, r float64 }
	points := make([]point, 0, len(curve.Nodes))
	for _, n := range curve.Nodes {
		ny, err := tenorYears(n.Tenor)
		if err != nil {
			return 0, err
		}
		points = append(points, point{ny, n.Rate})
	}

	if t <= points[0].t {
		return points[0].r, nil
	}
	for i := 1; i < len(points); i++ {
		if t <= points[i].t {
			lo, hi := points[i-1], points[i]
			if hi.t == lo.t {
				return hi.r, nil
			}
			w := (t - lo.t) / (hi.t - lo.t)
			return lo.r + w*(hi.r-lo.r), nil
		}
	}
	return points[len(points)-1].r, nil
}

// discountFactor converts a zero rate and maturity into a discount factor
// under annual compounding.
func discountFactor(rate, t float64) (float64, error) {
	df := math.Pow(1+rate, -t)
	if math.IsNaN(df) || math.IsInf(df, 0) {
		return 0, fmt.Errorf("%w: discount factor overflow at rate %g", ErrPricerFault, rate)
	}
	return df, nil
}

// resolveCurve picks the pricing curve: an explicit id from the position's
// attributes wins, otherwise the payload's first curve. Snapshot curve order
// is meaningful, so the fallback is deterministic.
func resolveCurve(payload *domain.MarketPayload, attrs map[string]any, key string) (*domain.Curve, error) {
	if id := optionalString(attrs, key, ""); id != "" {
		c := payload.Curve(id)
		if c == nil {
			return nil, fmt.Errorf("%w: curve %q not in snapshot", ErrMissingInput, id)
		}
		return c, nil
	}
	if len(payload.Curves) == 0 {
		return nil, fmt.Errorf("%w: snapshot has no curves", ErrMissingInput)
	}
	return &payload.Curves[0], nil
}

// bumpedPayload returns a copy of the payload with every curve node shifted,
// used for in-pricer DV01 bumps. Never mutates the input.
func bumpedPayload(payload *domain.MarketPayload, shift float64) domain.MarketPayload {
	curves := make([]domain.Curve, len(payload.Curves))
	for i, c := range payload.Curves {
		nodes := make([]domain.CurveNode, len(c.Nodes))
		for j, n := range c.Nodes {
			nodes[j] = domain.CurveNode{Tenor: n.Tenor, Rate: n.Rate + shift}
		}
		curves[i] = domain.Curve{ID: c.ID, Nodes: nodes}
	}
	return domain.MarketPayload{Curves: curves, FXSpots: payload.FXSpots}
}
