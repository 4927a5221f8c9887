package regime

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibis-agent/internal/models"
)

// uniform returns n tickers all moving by the same fraction.
func uniform(n int, change float64) []models.Ticker {
	out := make([]models.Ticker, n)
	for i := range out {
		out[i] = models.Ticker{
			Symbol:    fmt.Sprintf("S%02dUSDT", i),
			Price:     100,
			Volume24h: float64(1000 + i),
			Change24h: change,
		}
	}
	return out
}

// alternating returns n tickers split between +spread and -spread.
func alternating(n int, spread float64) []models.Ticker {
	out := uniform(n, spread)
	for i := range out {
		if i%2 == 1 {
			out[i].Change24h = -spread
		}
	}
	return out
}

func TestClassification(t *testing.T) {
	cases := []struct {
		name    string
		tickers []models.Ticker
		want    models.Regime
	}{
		{"strong bull", uniform(20, 0.06), models.RegimeStrongBull},
		{"bull", uniform(20, 0.02), models.RegimeBull},
		{"bear", uniform(20, -0.02), models.RegimeBear},
		{"strong bear", uniform(20, -0.06), models.RegimeStrongBear},
		{"flat", uniform(20, 0.0), models.RegimeFlat},
		{"volatile", alternating(20, 0.20), models.RegimeVolatile},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDetector(50, zerolog.Nop())
			reading := d.classify(topByVolume(tc.tickers, d.sampleSize), time.Now())
			assert.Equal(t, tc.want, reading.Regime)
		})
	}
}

func TestSmallSampleIsUnknown(t *testing.T) {
	d := NewDetector(50, zerolog.Nop())
	reading := d.Detect(uniform(5, 0.06), time.Now())
	assert.Equal(t, models.RegimeUnknown, reading.Regime)
}

func TestHysteresisRequiresRepeat(t *testing.T) {
	d := NewDetector(50, zerolog.Nop())
	now := time.Now()

	// First bull reading is only a candidate.
	reading := d.Detect(uniform(20, 0.02), now)
	assert.Equal(t, models.RegimeUnknown, reading.Regime)
	assert.Equal(t, models.RegimeUnknown, d.Current())

	// Repeat confirms the transition.
	reading = d.Detect(uniform(20, 0.02), now.Add(time.Minute))
	assert.Equal(t, models.RegimeBull, reading.Regime)
	assert.Equal(t, models.RegimeBull, d.Current())
}

func TestHysteresisResetsOnFlappingCandidate(t *testing.T) {
	d := NewDetector(50, zerolog.Nop())
	now := time.Now()

	d.Detect(uniform(20, 0.02), now)  // bull candidate
	d.Detect(uniform(20, -0.02), now) // bear candidate replaces it
	reading := d.Detect(uniform(20, 0.02), now)
	assert.Equal(t, models.RegimeUnknown, reading.Regime, "candidate streak restarted")
}

func TestRiskOffAppliesImmediately(t *testing.T) {
	d := NewDetector(50, zerolog.Nop())
	now := time.Now()

	// Settle into a bull market first.
	d.Detect(uniform(20, 0.02), now)
	d.Detect(uniform(20, 0.02), now)
	require.Equal(t, models.RegimeBull, d.Current())

	reading := d.Detect(alternating(20, 0.20), now.Add(time.Minute))
	assert.Equal(t, models.RegimeVolatile, reading.Regime)
	assert.Equal(t, models.RegimeVolatile, d.Current())

	reading = d.Detect(uniform(20, -0.06), now.Add(2*time.Minute))
	assert.Equal(t, models.RegimeStrongBear, reading.Regime)
}

func TestDetectSamplesTopVolume(t *testing.T) {
	d := NewDetector(10, zerolog.Nop())
	now := time.Now()

	// The ten highest-volume symbols rally; the tail crashes. Only the
	// sampled head should drive the reading.
	tickers := uniform(10, 0.06)
	tail := uniform(30, -0.10)
	for i := range tail {
		tail[i].Symbol = fmt.Sprintf("T%02dUSDT", i)
		tail[i].Volume24h = 1
	}
	tickers = append(tickers, tail...)

	d.Detect(tickers, now)
	reading := d.Detect(tickers, now.Add(time.Minute))
	assert.Equal(t, models.RegimeStrongBull, reading.Regime)
}

func TestMedianAndConsistency(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{3, 1, 2}))
	assert.Equal(t, 1.5, median([]float64{1, 2}))
	assert.Zero(t, median(nil))

	assert.Equal(t, 0.75, consistency([]float64{1, 2, 3, -1}, 1.5))
	assert.Zero(t, consistency(nil, 0))
}
