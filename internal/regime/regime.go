// Package regime classifies the overall market mood from the cross
// sectional distribution of 24h returns.
package regime

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"ibis-agent/internal/models"
)

// Thresholds holds the classification cut-offs as fractions.
type Thresholds struct {
	StrongMomentum    float64 // median return for STRONG_BULL / STRONG_BEAR
	MildMomentum      float64 // median return for BULL / BEAR
	StrongConsistency float64
	MildConsistency   float64
	FlatVolatility    float64
	HighVolatility    float64
	MinSample         int
}

// DefaultThresholds returns the standard classification cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StrongMomentum:    0.05,
		MildMomentum:      0.01,
		StrongConsistency: 0.70,
		MildConsistency:   0.55,
		FlatVolatility:    0.02,
		HighVolatility:    0.08,
		MinSample:         10,
	}
}

// Detector classifies the market regime with hysteresis: a new reading
// must repeat before it takes effect, except transitions into VOLATILE
// or STRONG_BEAR which apply immediately.
type Detector struct {
	thresholds Thresholds
	sampleSize int
	logger     zerolog.Logger

	current   models.Regime
	candidate models.Regime
	streak    int
}

// NewDetector creates a detector sampling the top sampleSize symbols
// by volume.
func NewDetector(sampleSize int, logger zerolog.Logger) *Detector {
	if sampleSize <= 0 {
		sampleSize = 50
	}
	return &Detector{
		thresholds: DefaultThresholds(),
		sampleSize: sampleSize,
		logger:     logger,
		current:    models.RegimeUnknown,
	}
}

// Current returns the effective regime.
func (d *Detector) Current() models.Regime { return d.current }

// Detect classifies the regime from the ticker snapshot and applies
// hysteresis. Returns the effective reading.
func (d *Detector) Detect(tickers []models.Ticker, now time.Time) models.RegimeReading {
	sample := topByVolume(tickers, d.sampleSize)
	reading := d.classify(sample, now)
	effective := d.apply(reading.Regime)

	if effective != reading.Regime {
		reading.Regime = effective
	}
	return reading
}

func (d *Detector) classify(sample []models.Ticker, now time.Time) models.RegimeReading {
	reading := models.RegimeReading{
		Regime:     models.RegimeUnknown,
		SampleSize: len(sample),
		At:         now,
	}
	if len(sample) < d.thresholds.MinSample {
		return reading
	}

	returns := make([]float64, len(sample))
	for i, t := range sample {
		returns[i] = t.Change24h
	}

	med := median(returns)
	vol := stdDev(returns)
	cons := consistency(returns, med)

	reading.Momentum = med
	reading.Volatility = vol
	reading.Consistency = cons

	t := d.thresholds
	switch {
	case vol > t.HighVolatility:
		reading.Regime = models.RegimeVolatile
	case med >= t.StrongMomentum && cons >= t.StrongConsistency:
		reading.Regime = models.RegimeStrongBull
	case med <= -t.StrongMomentum && cons >= t.StrongConsistency:
		reading.Regime = models.RegimeStrongBear
	case med >= t.MildMomentum && cons >= t.MildConsistency:
		reading.Regime = models.RegimeBull
	case med <= -t.MildMomentum:
		reading.Regime = models.RegimeBear
	case math.Abs(med) < t.MildMomentum && vol < t.FlatVolatility:
		reading.Regime = models.RegimeFlat
	default:
		reading.Regime = models.RegimeNormal
	}
	return reading
}

// apply runs the hysteresis state machine and returns the effective
// regime.
func (d *Detector) apply(observed models.Regime) models.Regime {
	if observed == d.current {
		d.candidate = ""
		d.streak = 0
		return d.current
	}

	// Risk-off regimes take effect immediately.
	if observed == models.RegimeVolatile || observed == models.RegimeStrongBear {
		d.transition(observed)
		return d.current
	}

	if observed == d.candidate {
		d.streak++
	} else {
		d.candidate = observed
		d.streak = 1
	}

	if d.streak >= 2 {
		d.transition(observed)
	}
	return d.current
}

func (d *Detector) transition(to models.Regime) {
	d.logger.Info().
		Str("event", "regime").
		Str("from", string(d.current)).
		Str("to", string(to)).
		Msg("Regime transition")
	d.current = to
	d.candidate = ""
	d.streak = 0
}

func topByVolume(tickers []models.Ticker, n int) []models.Ticker {
	sorted := append([]models.Ticker(nil), tickers...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Volume24h != sorted[j].Volume24h {
			return sorted[i].Volume24h > sorted[j].Volume24h
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var m float64
	for _, v := range values {
		m += v
	}
	m /= float64(len(values))
	var variance float64
	for _, v := range values {
		diff := v - m
		variance += diff * diff
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

// consistency is the share of the sample moving with the median.
func consistency(values []float64, med float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var with int
	for _, v := range values {
		if (med >= 0 && v >= 0) || (med < 0 && v < 0) {
			with++
		}
	}
	return float64(with) / float64(len(values))
}
