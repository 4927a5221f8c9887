package utils

import (
	"github.com/shopspring/decimal"
)

// RoundToTick rounds a price down to the nearest tick increment.
// A non-positive tick returns the price unchanged.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	f, _ := p.Div(t).Floor().Mul(t).Float64()
	return f
}

// RoundToLot rounds a quantity down to the nearest lot increment.
// A non-positive lot returns the quantity unchanged.
func RoundToLot(qty, lot float64) float64 {
	if lot <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	l := decimal.NewFromFloat(lot)
	f, _ := q.Div(l).Floor().Mul(l).Float64()
	return f
}

// AlignedToTick reports whether price is an exact multiple of tick.
func AlignedToTick(price, tick float64) bool {
	if tick <= 0 {
		return true
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	return p.Mod(t).IsZero()
}

// AlignedToLot reports whether qty is an exact multiple of lot.
func AlignedToLot(qty, lot float64) bool {
	if lot <= 0 {
		return true
	}
	q := decimal.NewFromFloat(qty)
	l := decimal.NewFromFloat(lot)
	return q.Mod(l).IsZero()
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
