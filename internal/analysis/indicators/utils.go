package indicators

import (
	"errors"
	"math"

	"ibis-agent/internal/models"
)

var (
	// ErrInsufficientData means the candle history is shorter than the lookback needs.
	ErrInsufficientData = errors.New("insufficient data for calculation")
	// ErrInvalidPeriod means a non-positive or inconsistent period was supplied.
	ErrInvalidPeriod = errors.New("invalid period")
)

// series projects one field out of a candle slice.
func series(candles []models.Candle, field func(models.Candle) float64) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = field(c)
	}
	return out
}

func closeOf(c models.Candle) float64  { return c.Close }
func highOf(c models.Candle) float64   { return c.High }
func lowOf(c models.Candle) float64    { return c.Low }
func volumeOf(c models.Candle) float64 { return c.Volume }

// mean is the arithmetic average of a window; zero when the window is empty.
func mean(window []float64) float64 {
	if len(window) == 0 {
		return 0
	}
	var total float64
	for _, v := range window {
		total += v
	}
	return total / float64(len(window))
}

// stdDev is the population standard deviation around the window mean.
func stdDev(window []float64) float64 {
	if len(window) == 0 {
		return 0
	}
	m := mean(window)
	var ss float64
	for _, v := range window {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(window)))
}

// trueRange is the candle's high-low span stretched to cover any gap
// from the previous close.
func trueRange(cur, prev models.Candle) float64 {
	hi, lo := cur.High, cur.Low
	if prev.Close > hi {
		hi = prev.Close
	}
	if prev.Close < lo {
		lo = prev.Close
	}
	return hi - lo
}

// typicalPrice is the HLC/3 midpoint of a candle.
func typicalPrice(c models.Candle) float64 {
	return (c.High + c.Low + c.Close) / 3
}
