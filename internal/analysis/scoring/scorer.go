package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"ibis-agent/internal/models"
)

// ComponentWeights defines the blend of signal families in the
// composite score.
type ComponentWeights struct {
	Technical      float64
	Intelligence   float64
	MultiTimeframe float64
	Volume         float64
	Sentiment      float64
}

// BaseWeights returns the standard component weights.
func BaseWeights() ComponentWeights {
	return ComponentWeights{
		Technical:      0.40,
		Intelligence:   0.30,
		MultiTimeframe: 0.15,
		Volume:         0.10,
		Sentiment:      0.05,
	}
}

// WeightsForRegime shifts the base weights by regime. Choppy and
// hostile regimes trust raw technicals less; strong trends lean
// harder on timeframe confirmation.
func WeightsForRegime(regime models.Regime) ComponentWeights {
	w := BaseWeights()
	switch regime {
	case models.RegimeVolatile, models.RegimeStrongBear:
		w.Technical -= 0.10
		w.MultiTimeframe += 0.05
		w.Sentiment += 0.05
	case models.RegimeStrongBull:
		w.MultiTimeframe += 0.05
		w.Sentiment -= 0.05
	}
	return w
}

// Sum returns the weight total, which stays 1.0 across regime shifts.
func (w ComponentWeights) Sum() float64 {
	return w.Technical + w.Intelligence + w.MultiTimeframe + w.Volume + w.Sentiment
}

// Inputs carries the per-symbol component scores, each in [0,100].
type Inputs struct {
	Symbol       string
	Technical    float64
	Intelligence float64
	MTF          float64
	Volume       float64
	Sentiment    float64
	Price        float64
	Volume24h    float64
	ATRPct       float64
}

// TierAdviser adjusts tiers from accumulated trade outcomes.
type TierAdviser interface {
	AdjustTier(symbol string, regime models.Regime, tier models.Tier) models.Tier
	Avoid(symbol string) bool
}

// Scorer combines component scores into ranked opportunities.
type Scorer struct {
	topK    int
	adviser TierAdviser
	logger  zerolog.Logger
}

// NewScorer creates a scorer that returns at most topK opportunities.
func NewScorer(topK int, adviser TierAdviser, logger zerolog.Logger) *Scorer {
	if topK <= 0 {
		topK = 25
	}
	return &Scorer{topK: topK, adviser: adviser, logger: logger}
}

// Composite computes the weighted composite for the inputs under the
// given weights.
func Composite(in Inputs, w ComponentWeights) float64 {
	return w.Technical*in.Technical +
		w.Intelligence*in.Intelligence +
		w.MultiTimeframe*in.MTF +
		w.Volume*in.Volume +
		w.Sentiment*in.Sentiment
}

// Score ranks all candidates and returns the top K opportunities,
// composite descending. Ties break on technical subscore, then 24h
// volume, then symbol.
func (s *Scorer) Score(candidates []Inputs, regime models.Regime, now time.Time) []models.Opportunity {
	weights := WeightsForRegime(regime)

	opps := make([]models.Opportunity, 0, len(candidates))
	for _, in := range candidates {
		if s.adviser != nil && s.adviser.Avoid(in.Symbol) {
			s.logger.Debug().Str("symbol", in.Symbol).Msg("symbol on avoid list, skipped")
			continue
		}

		composite := Composite(in, weights)
		tier := models.TierForScore(composite)
		if s.adviser != nil && tier != models.TierSkip {
			tier = s.adviser.AdjustTier(in.Symbol, regime, tier)
		}
		if tier == models.TierSkip {
			continue
		}

		opps = append(opps, models.Opportunity{
			Symbol:         in.Symbol,
			Composite:      composite,
			Technical:      in.Technical,
			Intelligence:   in.Intelligence,
			MultiTimeframe: in.MTF,
			Volume:         in.Volume,
			Sentiment:      in.Sentiment,
			Tier:           tier,
			Entry:          in.Price,
			Volume24h:      in.Volume24h,
			ATRPct:         in.ATRPct,
			ScoredAt:       now,
		})
	}

	sort.Slice(opps, func(i, j int) bool {
		if !almostEqual(opps[i].Composite, opps[j].Composite) {
			return opps[i].Composite > opps[j].Composite
		}
		if !almostEqual(opps[i].Technical, opps[j].Technical) {
			return opps[i].Technical > opps[j].Technical
		}
		if opps[i].Volume24h != opps[j].Volume24h {
			return opps[i].Volume24h > opps[j].Volume24h
		}
		return opps[i].Symbol < opps[j].Symbol
	})

	if len(opps) > s.topK {
		opps = opps[:s.topK]
	}
	return opps
}

// MarketPrimed reports whether the tape is hot: at least minCount
// candidates averaging minScore or better.
func MarketPrimed(candidates []Inputs, regime models.Regime, minCount int, minScore float64) bool {
	weights := WeightsForRegime(regime)
	var total float64
	var count int
	for _, in := range candidates {
		c := Composite(in, weights)
		if c >= minScore {
			total += c
			count++
		}
	}
	return count >= minCount && count > 0 && total/float64(count) >= minScore
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
