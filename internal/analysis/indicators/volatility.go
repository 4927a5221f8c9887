package indicators

import (
	"fmt"

	"ibis-agent/internal/models"
)

// BollingerBands wraps a standard deviation envelope around a simple
// moving average of closes.
type BollingerBands struct {
	period  int
	stdDevs float64
}

func NewBollingerBands(period int, stdDevs float64) *BollingerBands {
	return &BollingerBands{period: period, stdDevs: stdDevs}
}

func (b *BollingerBands) Name() string {
	return fmt.Sprintf("BB_%d_%.1f", b.period, b.stdDevs)
}

func (b *BollingerBands) Period() int {
	return b.period
}

func (b *BollingerBands) Calculate(candles []models.Candle) (map[string][]float64, error) {
	if b.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	n := len(candles)
	if n < b.period {
		return nil, ErrInsufficientData
	}

	closes := series(candles, closeOf)
	middle := make([]float64, n)
	upper := make([]float64, n)
	lower := make([]float64, n)

	for i := b.period - 1; i < n; i++ {
		window := closes[i-b.period+1 : i+1]
		mid := mean(window)
		half := b.stdDevs * stdDev(window)
		middle[i], upper[i], lower[i] = mid, mid+half, mid-half
	}

	return map[string][]float64{
		"upper":  upper,
		"middle": middle,
		"lower":  lower,
	}, nil
}

// ATR smooths the true range with Wilder's method, seeded by a simple
// average over the first full window.
type ATR struct {
	period int
}

func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string {
	return fmt.Sprintf("ATR_%d", a.period)
}

func (a *ATR) Period() int {
	return a.period
}

func (a *ATR) Calculate(candles []models.Candle) ([]float64, error) {
	if a.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < a.period+1 {
		return nil, ErrInsufficientData
	}

	out := make([]float64, len(candles))
	span := float64(a.period)

	var seed float64
	for i := 1; i < len(candles); i++ {
		tr := trueRange(candles[i], candles[i-1])
		switch {
		case i < a.period:
			seed += tr
		case i == a.period:
			out[i] = (seed + tr) / span
		default:
			out[i] = (out[i-1]*(span-1) + tr) / span
		}
	}

	return out, nil
}
