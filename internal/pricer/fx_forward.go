package pricer

import (
	"fmt"

	"valuation-lab/internal/domain"
)

// ProductFXForward is the registry key for FX forwards.
const ProductFXForward = "FX_FWD"

// FXForwardPricer values outright FX forwards in domestic currency:
// PV = notional * (spot * df_foreign - strike * df_domestic). Instrument
// terms: notional (foreign units), pair (e.g. "EURUSD"), strike, maturity
// (tenor label). Position attributes: domestic_curve / foreign_curve
// (optional curve ids; absent means zero rates on that leg).
type FXForwardPricer struct{}

// NewFXForwardPricer creates the pricer.
func NewFXForwardPricer() *FXForwardPricer { return &FXForwardPricer{} }

func (p *FXForwardPricer) Name() string    { return "fx_forward_covered_parity" }
func (p *FXForwardPricer) Version() string { return "1.0.0" }

// Price implements the pricer contract.
func (p *FXForwardPricer) Price(position domain.Position, instrument map[string]any, market *domain.MarketSnapshot, measures []string, scenarioID string) (map[string]float64, error) {
	notional, err := requireFloat(instrument, "notional")
	if err != nil {
		return nil, err
	}
	pair, err := requireString(instrument, "pair")
	if err != nil {
		return nil, err
	}
	strike, err := requireFloat(instrument, "strike")
	if err != nil {
		return nil, err
	}
	maturity, err := requireString(instrument, "maturity")
	if err != nil {
		return nil, err
	}
	years, err := tenorYears(maturity)
	if err != nil {
		return nil, err
	}

	spot, ok := market.Payload.Spot(pair)
	if !ok {
		return nil, fmt.Errorf("%w: fx spot %q not in snapshot", ErrMissingInput, pair)
	}

	dfDomestic, err := legDiscount(&market.Payload, position.Attributes, "domestic_curve", years)
	if err != nil {
		return nil, err
	}
	dfForeign, err := legDiscount(&market.Payload, position.Attributes, "foreign_curve", years)
	if err != nil {
		return nil, err
	}

	pv := notional * (spot*dfForeign - strike*dfDomestic)

	out := make(map[string]float64, len(measures))
	if wantMeasure(measures, domain.MeasurePV) {
		out[domain.MeasurePV] = pv
	}
	if wantMeasure(measures, domain.MeasureFXDelta) {
		// PV change for a 1% spot rise.
		out[domain.MeasureFXDelta] = notional * spot * 0.01 * dfForeign
	}
	return out, nil
}

// legDiscount returns the discount factor for one leg. A leg without a
// configured curve discounts at zero rate.
func legDiscount(payload *domain.MarketPayload, attrs map[string]any, key string, years float64) (float64, error) {
	id := optionalString(attrs, key, "")
	if id == "" {
		return 1.0, nil
	}
	curve := payload.Curve(id)
	if curve == nil {
		return 0, fmt.Errorf("%w: curve %q not in snapshot", ErrMissingInput, id)
	}
	rate, err := zeroRate(curve, years)
	if err != nil {
		return 0, err
	}
	return discountFactor(rate, years)
}
