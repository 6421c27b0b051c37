package domain

// Measure tag constants for the built-in pricers. The tag set is open: a run
// may request any syntactically valid tag and pricers emit what they support.
const (
	MeasurePV              = "PV"
	MeasureDV01            = "DV01"
	MeasureFXDelta         = "FX_DELTA"
	MeasureAccruedInterest = "ACCRUED_INTEREST"
)

// ValidMeasureTag reports whether a tag is syntactically valid:
// non-empty, uppercase alphanumerics and underscores, starting with a letter.
func ValidMeasureTag(tag string) bool {
	if tag == "" {
		return false
	}
	for i, r := range tag {
		switch {
		case r >= 'A' && r <= 'Z':
		case r == '_' && i > 0:
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
