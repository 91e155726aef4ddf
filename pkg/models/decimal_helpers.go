package models

import "github.com/shopspring/decimal"

// ToFloat64 converts decimal to float64, tolerating inexactness.
// Equity prices and fee amounts fit float64 range comfortably.
func ToFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// RelativeDiff returns |a-b| / b as float64. Zero denominator yields 0.
func RelativeDiff(a, b decimal.Decimal) float64 {
	if b.IsZero() {
		return 0
	}
	return ToFloat64(a.Sub(b).Abs().Div(b.Abs()))
}
