// Package scoring combines indicators and signals into composite
// opportunity scores.
package scoring

import (
	"fmt"

	"ibis-agent/internal/analysis/indicators"
	"ibis-agent/internal/models"
)

// TechnicalWeights defines the fixed weights for each indicator in the
// technical subscore.
type TechnicalWeights struct {
	RSI        float64
	MACD       float64
	Bollinger  float64
	MA         float64
	OBV        float64
	Stochastic float64
	VWAP       float64
	ATR        float64
	Volume     float64
}

// DefaultTechnicalWeights returns the standard indicator weights.
func DefaultTechnicalWeights() TechnicalWeights {
	return TechnicalWeights{
		RSI:        0.10,
		MACD:       0.15,
		Bollinger:  0.10,
		MA:         0.15,
		OBV:        0.10,
		Stochastic: 0.10,
		VWAP:       0.10,
		ATR:        0.05,
		Volume:     0.15,
	}
}

// TechnicalScore is the output of the technical subscorer.
type TechnicalScore struct {
	Score      float64
	Components map[string]float64
	ATRPct     float64 // ATR as a fraction of last close
}

// TechnicalScorer computes the weighted technical subscore from candles.
type TechnicalScorer struct {
	weights TechnicalWeights
}

// NewTechnicalScorer creates a technical scorer with default weights.
func NewTechnicalScorer() *TechnicalScorer {
	return &TechnicalScorer{weights: DefaultTechnicalWeights()}
}

// Score calculates the technical subscore in [0,100], 50 neutral.
func (t *TechnicalScorer) Score(candles []models.Candle) (*TechnicalScore, error) {
	if len(candles) < 52 {
		return nil, fmt.Errorf("insufficient data: need at least 52 candles, got %d", len(candles))
	}

	components := make(map[string]float64)
	var total, totalWeight float64

	add := func(name string, score float64, weight float64, err error) {
		if err != nil {
			return
		}
		score = clamp(score, 0, 100)
		components[name] = score
		total += score * weight
		totalWeight += weight
	}

	rsiScore, err := t.rsiScore(candles)
	add("RSI", rsiScore, t.weights.RSI, err)

	macdScore, err := t.macdScore(candles)
	add("MACD", macdScore, t.weights.MACD, err)

	bbScore, err := t.bollingerScore(candles)
	add("BB", bbScore, t.weights.Bollinger, err)

	maScore, err := t.maScore(candles)
	add("MA", maScore, t.weights.MA, err)

	obvScore, err := t.obvScore(candles)
	add("OBV", obvScore, t.weights.OBV, err)

	stochScore, err := t.stochasticScore(candles)
	add("STOCH", stochScore, t.weights.Stochastic, err)

	vwapScore, err := t.vwapScore(candles)
	add("VWAP", vwapScore, t.weights.VWAP, err)

	atrScore, atrPct, err := t.atrScore(candles)
	add("ATR", atrScore, t.weights.ATR, err)

	volScore, err := t.volumeScore(candles)
	add("Volume", volScore, t.weights.Volume, err)

	var final float64
	if totalWeight > 0 {
		final = total / totalWeight
	} else {
		final = 50
	}

	return &TechnicalScore{
		Score:      clamp(final, 0, 100),
		Components: components,
		ATRPct:     atrPct,
	}, nil
}

// rsiScore maps RSI to a bullishness contribution; oversold readings
// score high.
func (t *TechnicalScorer) rsiScore(candles []models.Candle) (float64, error) {
	values, err := indicators.NewRSI(14).Calculate(candles)
	if err != nil {
		return 0, err
	}
	rsi := values[len(values)-1]

	switch {
	case rsi <= 30:
		return 100 - (rsi/30)*33, nil
	case rsi <= 50:
		return 67 - ((rsi-30)/20)*17, nil
	case rsi <= 70:
		return 50 - ((rsi-50)/20)*17, nil
	default:
		return 33 - ((rsi-70)/30)*33, nil
	}
}

func (t *TechnicalScorer) macdScore(candles []models.Candle) (float64, error) {
	values, err := indicators.NewMACD(12, 26, 9).Calculate(candles)
	if err != nil {
		return 0, err
	}
	n := len(candles)
	macd := values["macd"]
	signal := values["signal"]
	hist := values["histogram"]

	curr := macd[n-1] - signal[n-1]
	prev := macd[n-2] - signal[n-2]

	switch {
	case prev <= 0 && curr > 0:
		return 90, nil // bullish crossover
	case prev >= 0 && curr < 0:
		return 10, nil // bearish crossover
	case curr > 0 && hist[n-1] > hist[n-2]:
		return 75, nil
	case curr > 0:
		return 60, nil
	case curr < 0 && hist[n-1] > hist[n-2]:
		return 45, nil
	default:
		return 25, nil
	}
}

// bollingerScore rewards price near the lower band.
func (t *TechnicalScorer) bollingerScore(candles []models.Candle) (float64, error) {
	values, err := indicators.NewBollingerBands(20, 2.0).Calculate(candles)
	if err != nil {
		return 0, err
	}
	n := len(candles)
	upper := values["upper"][n-1]
	lower := values["lower"][n-1]
	close := candles[n-1].Close

	if upper == lower {
		return 50, nil
	}
	percentB := (close - lower) / (upper - lower)
	return 100 * (1 - clamp(percentB, 0, 1)), nil
}

func (t *TechnicalScorer) maScore(candles []models.Candle) (float64, error) {
	fast, err := indicators.NewSMA(20).Calculate(candles)
	if err != nil {
		return 0, err
	}
	slow, err := indicators.NewSMA(50).Calculate(candles)
	if err != nil {
		return 0, err
	}
	n := len(candles)
	close := candles[n-1].Close
	ma20 := fast[n-1]
	ma50 := slow[n-1]

	switch {
	case close > ma20 && ma20 > ma50:
		return 85, nil
	case close > ma20:
		return 65, nil
	case close > ma50:
		return 50, nil
	case ma20 > ma50:
		return 40, nil
	default:
		return 20, nil
	}
}

// obvScore compares the OBV slope over the last ten candles with the
// price slope to detect accumulation.
func (t *TechnicalScorer) obvScore(candles []models.Candle) (float64, error) {
	values, err := indicators.NewOBV().Calculate(candles)
	if err != nil {
		return 0, err
	}
	n := len(candles)
	if n < 11 {
		return 50, nil
	}
	obvRising := values[n-1] > values[n-11]
	priceRising := candles[n-1].Close > candles[n-11].Close

	switch {
	case obvRising && priceRising:
		return 75, nil
	case obvRising && !priceRising:
		return 65, nil // accumulation divergence
	case !obvRising && priceRising:
		return 35, nil // distribution divergence
	default:
		return 25, nil
	}
}

func (t *TechnicalScorer) stochasticScore(candles []models.Candle) (float64, error) {
	values, err := indicators.NewStochastic(14, 3, 3).Calculate(candles)
	if err != nil {
		return 0, err
	}
	n := len(candles)
	k := values["percent_k"][n-1]
	d := values["percent_d"][n-1]

	switch {
	case k < 20 && k > d:
		return 85, nil // oversold turning up
	case k < 20:
		return 70, nil
	case k > 80 && k < d:
		return 15, nil // overbought turning down
	case k > 80:
		return 30, nil
	case k > d:
		return 60, nil
	default:
		return 40, nil
	}
}

func (t *TechnicalScorer) vwapScore(candles []models.Candle) (float64, error) {
	values, err := indicators.NewVWAP().Calculate(candles)
	if err != nil {
		return 0, err
	}
	n := len(candles)
	vwap := values[n-1]
	close := candles[n-1].Close
	if vwap <= 0 {
		return 50, nil
	}

	dev := (close - vwap) / vwap
	switch {
	case dev > 0.02:
		return 40, nil // extended above
	case dev > 0:
		return 65, nil
	case dev > -0.02:
		return 55, nil
	default:
		return 70, nil // discount to VWAP
	}
}

// atrScore prefers tradable volatility over dead or chaotic tape.
func (t *TechnicalScorer) atrScore(candles []models.Candle) (float64, float64, error) {
	values, err := indicators.NewATR(14).Calculate(candles)
	if err != nil {
		return 0, 0, err
	}
	n := len(candles)
	close := candles[n-1].Close
	if close <= 0 {
		return 50, 0, nil
	}
	atrPct := values[n-1] / close

	switch {
	case atrPct < 0.005:
		return 40, atrPct, nil
	case atrPct <= 0.03:
		return 70, atrPct, nil
	case atrPct <= 0.06:
		return 50, atrPct, nil
	default:
		return 30, atrPct, nil
	}
}

func (t *TechnicalScorer) volumeScore(candles []models.Candle) (float64, error) {
	values, err := indicators.NewVolumeSMA(20).Calculate(candles)
	if err != nil {
		return 0, err
	}
	n := len(candles)
	avg := values[n-1]
	if avg <= 0 {
		return 50, nil
	}
	ratio := candles[n-1].Volume / avg

	switch {
	case ratio >= 2.0:
		return 90, nil
	case ratio >= 1.5:
		return 75, nil
	case ratio >= 1.0:
		return 55, nil
	case ratio >= 0.5:
		return 40, nil
	default:
		return 30, nil
	}
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
