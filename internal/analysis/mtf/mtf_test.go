package mtf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibis-agent/internal/models"
)

// trending builds n candles moving by drift per step, enough history
// for the EMA and MACD reads.
func trending(n int, drift float64) []models.Candle {
	candles := make([]models.Candle, n)
	price := 100.0
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		open := price
		price = price * (1 + drift)
		high, low := price, open
		if open > price {
			high, low = open, price
		}
		candles[i] = models.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      open,
			High:      high * 1.001,
			Low:       low * 0.999,
			Close:     price,
			Volume:    1000,
		}
	}
	return candles
}

func allTimeframes(candles []models.Candle) map[string][]models.Candle {
	out := make(map[string][]models.Candle, len(Timeframes))
	for _, tf := range Timeframes {
		out[tf] = candles
	}
	return out
}

func TestFullBullishAlignmentScores100(t *testing.T) {
	a := NewAnalyzer()
	res := a.Analyze(allTimeframes(trending(60, 0.005)))

	assert.Equal(t, 100.0, res.Score)
	assert.Equal(t, len(Timeframes), res.Aligned)
	require.Len(t, res.Readings, len(Timeframes))
	for _, r := range res.Readings {
		assert.Equal(t, DirectionBullish, r.Direction)
	}
}

func TestFullBearishAlignmentScoresZero(t *testing.T) {
	a := NewAnalyzer()
	res := a.Analyze(allTimeframes(trending(60, -0.005)))

	assert.Equal(t, 0.0, res.Score)
	assert.Zero(t, res.Aligned)
}

func TestMissingTimeframesReadNeutral(t *testing.T) {
	a := NewAnalyzer()
	res := a.Analyze(map[string][]models.Candle{
		"1m": trending(60, 0.005),
	})

	require.Len(t, res.Readings, len(Timeframes))
	assert.Equal(t, 1, res.Aligned)
	// One bullish read among neutrals lands above the coin-flip line.
	assert.Equal(t, 65.0, res.Score)
}

func TestShortHistoryIsNeutral(t *testing.T) {
	a := NewAnalyzer()
	res := a.Analyze(allTimeframes(trending(10, 0.005)))

	assert.Equal(t, 50.0, res.Score)
	for _, r := range res.Readings {
		assert.Equal(t, DirectionNeutral, r.Direction)
	}
}

func TestAlignmentScoreTable(t *testing.T) {
	cases := []struct {
		bullish, bearish int
		want             float64
	}{
		{4, 0, 100},
		{3, 0, 80},
		{3, 1, 65},
		{2, 2, 50},
		{0, 4, 0},
		{0, 3, 20},
		{1, 3, 35},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, alignmentScore(tc.bullish, tc.bearish, 4),
			"bullish=%d bearish=%d", tc.bullish, tc.bearish)
	}
}
