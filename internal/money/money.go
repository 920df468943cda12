// Package money provides the canonical rounding and discount arithmetic
// shared by forecasts and ledger entries.
package money

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Precision is the canonical number of decimal places for monetary values.
const Precision = 2

// QuantityPrecision fixes quantities at two decimal places. Unit conventions
// with finer granularity are recorded in the unit string, not the number.
const QuantityPrecision = 2

// Round rounds x to the canonical monetary precision using half-up rounding.
func Round(x float64) float64 {
	v, _ := decimal.NewFromFloat(x).Round(Precision).Float64()
	return v
}

// NormalizeQuantity clamps negative input to zero and rounds to the
// quantity precision.
func NormalizeQuantity(x float64) float64 {
	if x < 0 {
		return 0
	}
	v, _ := decimal.NewFromFloat(x).Round(QuantityPrecision).Float64()
	return v
}

// Gross returns the rounded gross amount for a quantity at a unit price.
func Gross(qty, unitPrice float64) float64 {
	q := decimal.NewFromFloat(qty)
	p := decimal.NewFromFloat(unitPrice)
	v, _ := q.Mul(p).Round(Precision).Float64()
	return v
}

// DiscountFromPercent derives the discount value from a percentage of the
// gross amount.
func DiscountFromPercent(gross, pct float64) float64 {
	g := decimal.NewFromFloat(gross)
	p := decimal.NewFromFloat(pct)
	v, _ := g.Mul(p).Div(decimal.NewFromInt(100)).Round(Precision).Float64()
	return v
}

// DiscountToPercent derives the percentage a discount value represents of
// the gross amount. A zero gross always yields zero.
func DiscountToPercent(gross, value float64) float64 {
	if gross <= 0 {
		return 0
	}
	g := decimal.NewFromFloat(gross)
	d := decimal.NewFromFloat(value)
	v, _ := d.Div(g).Mul(decimal.NewFromInt(100)).Round(Precision).Float64()
	return v
}

// Net subtracts the discount from the gross amount, floored at zero.
// Over-discounting is accepted and clamps rather than failing.
func Net(gross, discountValue float64) float64 {
	net := Round(gross - discountValue)
	if net < 0 {
		return 0
	}
	return net
}

var printer = message.NewPrinter(language.English)

// Format renders an amount with thousands separators for display strings,
// e.g. ledger entry descriptions.
func Format(x float64) string {
	return printer.Sprintf("%.2f", Round(x))
}
