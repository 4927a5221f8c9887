package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"ibis-agent/internal/models"
)

// candleSeriesGen generates a series of n valid OHLCV candles built from
// random close-to-close moves so consecutive candles stay coherent.
func candleSeriesGen(n int) gopter.Gen {
	return gen.SliceOfN(n, gen.Float64Range(-0.04, 0.04)).Map(func(moves []float64) []models.Candle {
		candles := make([]models.Candle, len(moves))
		price := 100.0
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, move := range moves {
			open := price
			price = price * (1 + move)
			high := math.Max(open, price) * 1.005
			low := math.Min(open, price) * 0.995
			candles[i] = models.Candle{
				Timestamp: base.Add(time.Duration(i) * time.Hour),
				Open:      open,
				High:      high,
				Low:       low,
				Close:     price,
				Volume:    1000 + 100*float64(i%7),
			}
		}
		return candles
	})
}

// Oscillators must stay inside their defined ranges no matter what the
// price path looks like.
func TestProperty_OscillatorBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("RSI values are within [0, 100]", prop.ForAll(
		func(candles []models.Candle) bool {
			rsi := NewRSI(14)
			values, err := rsi.Calculate(candles)
			if err != nil {
				t.Logf("rsi: %v", err)
				return false
			}
			for i := rsi.Period(); i < len(values); i++ {
				if values[i] < 0 || values[i] > 100 {
					t.Logf("rsi out of bounds at %d: %f", i, values[i])
					return false
				}
			}
			return true
		},
		candleSeriesGen(60),
	))

	properties.Property("Stochastic %K and %D are within [0, 100]", prop.ForAll(
		func(candles []models.Candle) bool {
			stoch := NewStochastic(14, 3, 3)
			values, err := stoch.Calculate(candles)
			if err != nil {
				t.Logf("stochastic: %v", err)
				return false
			}
			for i := stoch.Period(); i < len(candles); i++ {
				k := values["percent_k"][i]
				d := values["percent_d"][i]
				if k < -1e-9 || k > 100+1e-9 || d < -1e-9 || d > 100+1e-9 {
					t.Logf("stochastic out of bounds at %d: k=%f d=%f", i, k, d)
					return false
				}
			}
			return true
		},
		candleSeriesGen(60),
	))

	properties.TestingRun(t)
}

// Moving averages stay inside the envelope of the closes they average.
func TestProperty_MovingAverageEnvelope(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	check := func(name string, calc func([]models.Candle) ([]float64, error), period int) func([]models.Candle) bool {
		return func(candles []models.Candle) bool {
			values, err := calc(candles)
			if err != nil {
				t.Logf("%s: %v", name, err)
				return false
			}
			lo, hi := math.Inf(1), math.Inf(-1)
			for _, c := range candles {
				lo = math.Min(lo, c.Close)
				hi = math.Max(hi, c.Close)
			}
			for i := period - 1; i < len(values); i++ {
				if values[i] < lo-1e-9 || values[i] > hi+1e-9 {
					t.Logf("%s escaped close envelope at %d: %f not in [%f, %f]", name, i, values[i], lo, hi)
					return false
				}
			}
			return true
		}
	}

	properties.Property("SMA stays within the close range", prop.ForAll(
		check("sma", NewSMA(20).Calculate, 20), candleSeriesGen(50)))
	properties.Property("EMA stays within the close range", prop.ForAll(
		check("ema", NewEMA(20).Calculate, 20), candleSeriesGen(50)))

	properties.TestingRun(t)
}

// Bollinger bands are symmetric around the middle band and ordered.
func TestProperty_BollingerBandOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("upper >= middle >= lower with symmetric spread", prop.ForAll(
		func(candles []models.Candle) bool {
			bb := NewBollingerBands(20, 2.0)
			bands, err := bb.Calculate(candles)
			if err != nil {
				t.Logf("bollinger: %v", err)
				return false
			}
			for i := bb.Period() - 1; i < len(candles); i++ {
				upper, middle, lower := bands["upper"][i], bands["middle"][i], bands["lower"][i]
				if upper < middle || middle < lower {
					t.Logf("band ordering broken at %d: %f %f %f", i, upper, middle, lower)
					return false
				}
				if math.Abs((upper-middle)-(middle-lower)) > 1e-9 {
					t.Logf("band spread asymmetric at %d", i)
					return false
				}
			}
			return true
		},
		candleSeriesGen(50),
	))

	properties.TestingRun(t)
}

// True range is non-negative so its average must be as well.
func TestProperty_ATRNonNegative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("ATR values are non-negative", prop.ForAll(
		func(candles []models.Candle) bool {
			atr := NewATR(14)
			values, err := atr.Calculate(candles)
			if err != nil {
				t.Logf("atr: %v", err)
				return false
			}
			for i := atr.Period(); i < len(values); i++ {
				if values[i] < 0 {
					t.Logf("negative atr at %d: %f", i, values[i])
					return false
				}
			}
			return true
		},
		candleSeriesGen(40),
	))

	properties.TestingRun(t)
}

// Each OBV step moves by exactly the candle volume in the direction of
// the close-to-close change.
func TestProperty_OBVStepsMatchVolume(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("OBV deltas equal signed volume", prop.ForAll(
		func(candles []models.Candle) bool {
			values, err := NewOBV().Calculate(candles)
			if err != nil {
				t.Logf("obv: %v", err)
				return false
			}
			for i := 1; i < len(candles); i++ {
				delta := values[i] - values[i-1]
				switch {
				case candles[i].Close > candles[i-1].Close:
					if delta != candles[i].Volume {
						return false
					}
				case candles[i].Close < candles[i-1].Close:
					if delta != -candles[i].Volume {
						return false
					}
				default:
					if delta != 0 {
						return false
					}
				}
			}
			return true
		},
		candleSeriesGen(30),
	))

	properties.TestingRun(t)
}

// VWAP is a volume weighted mean of typical prices, so it can never
// leave the high/low envelope seen so far.
func TestProperty_VWAPWithinPriceEnvelope(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("VWAP stays within the running high/low range", prop.ForAll(
		func(candles []models.Candle) bool {
			values, err := NewVWAP().Calculate(candles)
			if err != nil {
				t.Logf("vwap: %v", err)
				return false
			}
			lo, hi := math.Inf(1), math.Inf(-1)
			for i, c := range candles {
				lo = math.Min(lo, c.Low)
				hi = math.Max(hi, c.High)
				if values[i] < lo-1e-9 || values[i] > hi+1e-9 {
					t.Logf("vwap escaped envelope at %d: %f not in [%f, %f]", i, values[i], lo, hi)
					return false
				}
			}
			return true
		},
		candleSeriesGen(30),
	))

	properties.TestingRun(t)
}

func TestInsufficientDataErrors(t *testing.T) {
	short := []models.Candle{{Close: 100, High: 101, Low: 99, Volume: 10}}

	if _, err := NewRSI(14).Calculate(short); err != ErrInsufficientData {
		t.Fatalf("rsi: expected ErrInsufficientData, got %v", err)
	}
	if _, err := NewSMA(5).Calculate(short); err != ErrInsufficientData {
		t.Fatalf("sma: expected ErrInsufficientData, got %v", err)
	}
	if _, err := NewATR(14).Calculate(short); err != ErrInsufficientData {
		t.Fatalf("atr: expected ErrInsufficientData, got %v", err)
	}
	if _, err := NewRSI(0).Calculate(short); err != ErrInvalidPeriod {
		t.Fatalf("rsi: expected ErrInvalidPeriod, got %v", err)
	}
	if _, err := NewMACD(26, 12, 9).Calculate(short); err != ErrInvalidPeriod {
		t.Fatalf("macd: expected ErrInvalidPeriod for fast >= slow, got %v", err)
	}
}
