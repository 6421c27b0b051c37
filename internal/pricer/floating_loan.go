package pricer

import (
	"math"

	"valuation-lab/internal/domain"
)

// ProductFloatingLoan is the registry key for floating-rate loans.
const ProductFloatingLoan = "FLOATING_LOAN"

// FloatingLoanPricer values spread-over-index loans. The floating leg is
// assumed to reset today and therefore worth par; the spread annuity is
// discounted off the index curve. Instrument terms: notional, spread
// (fractional), maturity (tenor label). Position attributes: index_curve
// (optional curve id), accrual_fraction (optional).
type FloatingLoanPricer struct{}

// NewFloatingLoanPricer creates the pricer.
func NewFloatingLoanPricer() *FloatingLoanPricer { return &FloatingLoanPricer{} }

func (p *FloatingLoanPricer) Name() string    { return "floating_loan_par_spread" }
func (p *FloatingLoanPricer) Version() string { return "1.0.0" }

// Price implements the pricer contract.
func (p *FloatingLoanPricer) Price(position domain.Position, instrument map[string]any, market *domain.MarketSnapshot, measures []string, scenarioID string) (map[string]float64, error) {
	notional, err := requireFloat(instrument, "notional")
	if err != nil {
		return nil, err
	}
	spread, err := requireFloat(instrument, "spread")
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

	curve, err := resolveCurve(&market.Payload, position.Attributes, "index_curve")
	if err != nil {
		return nil, err
	}

	annuity, err := spreadAnnuity(curve, years)
	if err != nil {
		return nil, err
	}
	pv := notional + notional*spread*annuity

	out := make(map[string]float64, len(measures))
	if wantMeasure(measures, domain.MeasurePV) {
		out[domain.MeasurePV] = pv
	}
	if wantMeasure(measures, domain.MeasureDV01) {
		bumped := bumpedPayload(&market.Payload, 0.0001)
		bumpedCurve, err := resolveCurve(&bumped, position.Attributes, "index_curve")
		if err != nil {
			return nil, err
		}
		annuityUp, err := spreadAnnuity(bumpedCurve, years)
		if err != nil {
			return nil, err
		}
		out[domain.MeasureDV01] = notional * spread * (annuity - annuityUp)
	}
	if wantMeasure(measures, domain.MeasureAccruedInterest) {
		accrual := optionalFloat(position.Attributes, "accrual_fraction", 0)
		indexRate := curve.Nodes[0].Rate
		out[domain.MeasureAccruedInterest] = notional * (indexRate + spread) * accrual
	}
	return out, nil
}

// spreadAnnuity sums annual discount factors out to the rounded maturity.
func spreadAnnuity(curve *domain.Curve, years float64) (float64, error) {
	n := int(math.Round(years))
	if n < 1 {
		n = 1
	}

	annuity := 0.0
	for t := 1; t <= n; t++ {
		rate, err := zeroRate(curve, float64(t))
		if err != nil {
			return 0, err
		}
		df, err := discountFactor(rate, float64(t))
		if err != nil {
			return 0, err
		}
		annuity += df
	}
	return annuity, nil
}
