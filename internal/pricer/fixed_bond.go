package pricer

import (
	"math"

	"valuation-lab/internal/domain"
)

// ProductFixedBond is the registry key for fixed-coupon bonds.
const ProductFixedBond = "FIXED_BOND"

// FixedBondPricer values annual fixed-coupon bonds by discounting cashflows
// off a zero curve. Instrument terms: face, coupon (fractional annual rate),
// maturity (tenor label). Position attributes: discount_curve (optional curve
// id, defaults to the snapshot's first curve), accrual_fraction (optional,
// elapsed fraction of the current coupon period).
type FixedBondPricer struct{}

// NewFixedBondPricer creates the pricer.
func NewFixedBondPricer() *FixedBondPricer { return &FixedBondPricer{} }

func (p *FixedBondPricer) Name() string    { return "fixed_bond_discounting" }
func (p *FixedBondPricer) Version() string { return "1.0.0" }

// Price implements the pricer contract.
func (p *FixedBondPricer) Price(position domain.Position, instrument map[string]any, market *domain.MarketSnapshot, measures []string, scenarioID string) (map[string]float64, error) {
	face, err := requireFloat(instrument, "face")
	if err != nil {
		return nil, err
	}
	coupon, err := requireFloat(instrument, "coupon")
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

	curve, err := resolveCurve(&market.Payload, position.Attributes, "discount_curve")
	if err != nil {
		return nil, err
	}

	pv, err := bondPV(curve, face, coupon, years)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(measures))
	if wantMeasure(measures, domain.MeasurePV) {
		out[domain.MeasurePV] = pv
	}
	if wantMeasure(measures, domain.MeasureDV01) {
		bumped := bumpedPayload(&market.Payload, 0.0001)
		bumpedCurve, err := resolveCurve(&bumped, position.Attributes, "discount_curve")
		if err != nil {
			return nil, err
		}
		pvUp, err := bondPV(bumpedCurve, face, coupon, years)
		if err != nil {
			return nil, err
		}
		// Price drop for a 1 bp parallel rise; positive for a long bond.
		out[domain.MeasureDV01] = pv - pvUp
	}
	if wantMeasure(measures, domain.MeasureAccruedInterest) {
		accrual := optionalFloat(position.Attributes, "accrual_fraction", 0)
		out[domain.MeasureAccruedInterest] = face * coupon * accrual
	}
	return out, nil
}

// bondPV discounts annual coupons plus redemption. Payments fall on integer
// years 1..N with N the rounded maturity; sub-annual maturities collapse to a
// single payment at year one.
func bondPV(curve *domain.Curve, face, coupon, years float64) (float64, error) {
	n := int(math.Round(years))
	if n < 1 {
		n = 1
	}

	pv := 0.0
	for t := 1; t <= n; t++ {
		rate, err := zeroRate(curve, float64(t))
		if err != nil {
			return 0, err
		}
		df, err := discountFactor(rate, float64(t))
		if err != nil {
			return 0, err
		}
		cash := face * coupon
		if t == n {
			cash += face
		}
		pv += cash * df
	}
	return pv, nil
}
