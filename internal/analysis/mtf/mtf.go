// Package mtf confirms signal alignment across multiple timeframes.
package mtf

import (
	"ibis-agent/internal/analysis/indicators"
	"ibis-agent/internal/models"
)

// Timeframes lists the analyzed timeframes from fastest to slowest.
var Timeframes = []string{"1m", "5m", "15m", "1h"}

// Direction is the per-timeframe trend read.
type Direction int

const (
	DirectionBearish Direction = iota - 1
	DirectionNeutral
	DirectionBullish
)

// Reading is the per-timeframe assessment.
type Reading struct {
	Timeframe string
	Direction Direction
	Strength  float64 // [0,1]
}

// Result is the multi-timeframe alignment output.
type Result struct {
	Score    float64 // [0,100], 100 when all timeframes aligned bullish
	Aligned  int
	Readings []Reading
}

// Analyzer scores cross-timeframe trend alignment.
type Analyzer struct{}

// NewAnalyzer creates a multi-timeframe analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze reads the trend on each timeframe and scores their agreement.
// Timeframes with insufficient data are treated as neutral.
func (a *Analyzer) Analyze(candlesByTimeframe map[string][]models.Candle) Result {
	readings := make([]Reading, 0, len(Timeframes))
	bullish := 0
	bearish := 0

	for _, tf := range Timeframes {
		r := Reading{Timeframe: tf, Direction: DirectionNeutral}
		if candles, ok := candlesByTimeframe[tf]; ok {
			r = a.read(tf, candles)
		}
		readings = append(readings, r)
		switch r.Direction {
		case DirectionBullish:
			bullish++
		case DirectionBearish:
			bearish++
		}
	}

	return Result{
		Score:    alignmentScore(bullish, bearish, len(Timeframes)),
		Aligned:  bullish,
		Readings: readings,
	}
}

// read assesses a single timeframe via EMA posture and MACD histogram.
func (a *Analyzer) read(tf string, candles []models.Candle) Reading {
	r := Reading{Timeframe: tf, Direction: DirectionNeutral}
	if len(candles) < 40 {
		return r
	}

	n := len(candles)
	close := candles[n-1].Close

	ema, err := indicators.NewEMA(20).Calculate(candles)
	if err != nil {
		return r
	}
	macd, err := indicators.NewMACD(12, 26, 9).Calculate(candles)
	if err != nil {
		return r
	}
	hist := macd["histogram"][n-1]

	emaUp := close > ema[n-1]
	histUp := hist > 0

	// EMA posture sets the direction; the histogram sets the strength.
	switch {
	case emaUp && histUp:
		r.Direction = DirectionBullish
		r.Strength = 1.0
	case emaUp:
		r.Direction = DirectionBullish
		r.Strength = 0.5
	case histUp:
		r.Direction = DirectionBearish
		r.Strength = 0.5
	default:
		r.Direction = DirectionBearish
		r.Strength = 1.0
	}
	return r
}

// alignmentScore maps the bullish/bearish split to [0,100]. Full
// agreement of all timeframes scores 100.
func alignmentScore(bullish, bearish, total int) float64 {
	if total == 0 {
		return 50
	}
	switch {
	case bullish == total:
		return 100
	case bullish == total-1 && bearish == 0:
		return 80
	case bullish > bearish:
		return 65
	case bullish == bearish:
		return 50
	case bearish == total:
		return 0
	case bearish == total-1 && bullish == 0:
		return 20
	default:
		return 35
	}
}
