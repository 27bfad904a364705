// Package schema defines the quoter's core domain types and wire shapes.
package schema

import "github.com/shopspring/decimal"

// Instrument describes the traded contract and its venue tick granularity.
// Every price and size sent to the venue must be an exact multiple of the
// respective tick.
type Instrument struct {
	Name      string
	PriceTick float64
	SizeTick  float64
}

// RoundPrice snaps a price to the instrument's price tick.
func (i Instrument) RoundPrice(value float64) float64 {
	return RoundToTick(value, i.PriceTick)
}

// RoundSize snaps a size to the instrument's size tick.
func (i Instrument) RoundSize(value float64) float64 {
	return RoundToTick(value, i.SizeTick)
}

// RoundToTick rounds value to the nearest multiple of tick using banker's
// rounding on the tick-normalized value. The operation is idempotent.
func RoundToTick(value, tick float64) float64 {
	if tick <= 0 {
		return value
	}
	steps := decimal.NewFromFloat(value).Div(decimal.NewFromFloat(tick)).RoundBank(0)
	out, _ := steps.Mul(decimal.NewFromFloat(tick)).Float64()
	return out
}

// FeeAmount computes the fee charged for a fill of amount contracts at price,
// given a fee rate expressed in basis points.
func FeeAmount(amount, price, feeRateBps float64) decimal.Decimal {
	rate := decimal.NewFromFloat(feeRateBps).Div(decimal.NewFromInt(10000))
	return decimal.NewFromFloat(amount).Mul(decimal.NewFromFloat(price)).Mul(rate).Abs()
}
