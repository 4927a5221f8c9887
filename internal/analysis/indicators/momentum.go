package indicators

import (
	"fmt"

	"ibis-agent/internal/models"
)

// RSI measures the speed of price changes with Wilder smoothing.
type RSI struct {
	period int
}

func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string {
	return fmt.Sprintf("RSI_%d", r.period)
}

func (r *RSI) Period() int {
	return r.period
}

func (r *RSI) Calculate(candles []models.Candle) ([]float64, error) {
	if r.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < r.period+1 {
		return nil, ErrInsufficientData
	}

	closes := series(candles, closeOf)
	out := make([]float64, len(closes))
	span := float64(r.period)

	var gainAvg, lossAvg float64
	for i := 1; i < len(closes); i++ {
		var up, down float64
		if d := closes[i] - closes[i-1]; d > 0 {
			up = d
		} else {
			down = -d
		}

		switch {
		case i < r.period:
			// Still inside the seed window.
			gainAvg += up
			lossAvg += down
			continue
		case i == r.period:
			gainAvg = (gainAvg + up) / span
			lossAvg = (lossAvg + down) / span
		default:
			gainAvg = (gainAvg*(span-1) + up) / span
			lossAvg = (lossAvg*(span-1) + down) / span
		}

		if lossAvg == 0 {
			out[i] = 100
			continue
		}
		out[i] = 100 - 100/(1+gainAvg/lossAvg)
	}

	return out, nil
}

// Stochastic locates the close within its recent high-low range,
// smoothed into %K with a %D signal line.
type Stochastic struct {
	kPeriod int
	dPeriod int
	smooth  int
}

func NewStochastic(kPeriod, dPeriod, smooth int) *Stochastic {
	return &Stochastic{kPeriod: kPeriod, dPeriod: dPeriod, smooth: smooth}
}

func (s *Stochastic) Name() string {
	return fmt.Sprintf("Stochastic_%d_%d_%d", s.kPeriod, s.dPeriod, s.smooth)
}

func (s *Stochastic) Period() int {
	return s.kPeriod + s.dPeriod
}

func (s *Stochastic) Calculate(candles []models.Candle) (map[string][]float64, error) {
	if s.kPeriod <= 0 || s.dPeriod <= 0 {
		return nil, ErrInvalidPeriod
	}
	n := len(candles)
	if n < s.Period() {
		return nil, ErrInsufficientData
	}

	highs := series(candles, highOf)
	lows := series(candles, lowOf)

	raw := make([]float64, n)
	for i := s.kPeriod - 1; i < n; i++ {
		start := i - s.kPeriod + 1
		hi, lo := highs[start], lows[start]
		for j := start + 1; j <= i; j++ {
			if highs[j] > hi {
				hi = highs[j]
			}
			if lows[j] < lo {
				lo = lows[j]
			}
		}
		if hi == lo {
			raw[i] = 50
			continue
		}
		raw[i] = 100 * (candles[i].Close - lo) / (hi - lo)
	}

	k := raw
	kStart := s.kPeriod - 1
	if s.smooth > 1 {
		k = make([]float64, n)
		kStart = s.kPeriod + s.smooth - 2
		for i := kStart; i < n; i++ {
			k[i] = mean(raw[i-s.smooth+1 : i+1])
		}
	}

	d := make([]float64, n)
	for i := kStart + s.dPeriod - 1; i < n; i++ {
		d[i] = mean(k[i-s.dPeriod+1 : i+1])
	}

	return map[string][]float64{
		"percent_k": k,
		"percent_d": d,
	}, nil
}
