package scoring

import (
	"math"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"ibis-agent/internal/models"
)

var allRegimes = []models.Regime{
	models.RegimeStrongBull, models.RegimeBull, models.RegimeNormal,
	models.RegimeVolatile, models.RegimeFlat, models.RegimeBear,
	models.RegimeStrongBear, models.RegimeUnknown,
}

// Property: the composite equals the weighted component sum and stays
// inside [0,100] when every component is inside [0,100], for every
// regime weight profile.
func TestProperty_CompositeIsWeightedSum(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("composite matches the weighted sum in every regime", prop.ForAll(
		func(tech, intel, mtf, vol, sent float64, regimeIdx int) bool {
			in := Inputs{
				Symbol:       "BTCUSDT",
				Technical:    tech,
				Intelligence: intel,
				MTF:          mtf,
				Volume:       vol,
				Sentiment:    sent,
			}
			regime := allRegimes[regimeIdx%len(allRegimes)]
			w := WeightsForRegime(regime)

			got := Composite(in, w)
			want := w.Technical*tech + w.Intelligence*intel + w.MultiTimeframe*mtf + w.Volume*vol + w.Sentiment*sent
			if math.Abs(got-want) > 1e-6 {
				t.Logf("composite mismatch: got %v want %v", got, want)
				return false
			}
			if got < -1e-9 || got > 100+1e-9 {
				t.Logf("composite out of range: %v", got)
				return false
			}
			return true
		},
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
		gen.IntRange(0, 7),
	))

	properties.TestingRun(t)
}

// Property: regime shifts redistribute weight, they never mint or burn
// it. The total stays 1.0 for every regime.
func TestProperty_WeightsSumToOne(t *testing.T) {
	for _, regime := range allRegimes {
		w := WeightsForRegime(regime)
		if math.Abs(w.Sum()-1.0) > 1e-9 {
			t.Errorf("weights for %s sum to %v, want 1.0", regime, w.Sum())
		}
	}
}

// Property: Score returns at most topK opportunities, sorted composite
// descending with deterministic tie-breaks, and every returned tier is
// above SKIP.
func TestProperty_ScoreRankingDeterministic(t *testing.T) {
	scorer := NewScorer(10, nil, zerolog.Nop())

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	symbolGen := gen.OneConstOf("BTCUSDT", "ETHUSDT", "SOLUSDT", "ADAUSDT", "XRPUSDT", "DOGEUSDT")

	properties.Property("ranking is ordered, capped and SKIP-free", prop.ForAll(
		func(symbols []string, base float64) bool {
			now := time.Now()
			candidates := make([]Inputs, 0, len(symbols))
			for i, s := range symbols {
				v := math.Mod(base+float64(i)*7.3, 100)
				candidates = append(candidates, Inputs{
					Symbol:       s,
					Technical:    v,
					Intelligence: v,
					MTF:          v,
					Volume:       v,
					Sentiment:    v,
					Price:        100,
					Volume24h:    float64(1000 * (i + 1)),
				})
			}

			opps := scorer.Score(candidates, models.RegimeNormal, now)
			if len(opps) > 10 {
				t.Logf("topK exceeded: %d", len(opps))
				return false
			}
			if !sort.SliceIsSorted(opps, func(i, j int) bool {
				return opps[i].Composite > opps[j].Composite
			}) {
				// Equal composites are allowed in either adjacency.
				for i := 1; i < len(opps); i++ {
					if opps[i].Composite > opps[i-1].Composite+1e-9 {
						t.Logf("out of order at %d", i)
						return false
					}
				}
			}
			for _, o := range opps {
				if o.Tier == models.TierSkip {
					t.Logf("SKIP tier leaked: %s", o.Symbol)
					return false
				}
				if o.Composite < 70-1e-9 {
					t.Logf("sub-threshold composite returned: %v", o.Composite)
					return false
				}
			}
			return true
		},
		gen.SliceOf(symbolGen),
		gen.Float64Range(0, 100),
	))

	properties.TestingRun(t)
}

// Property: MarketPrimed requires both the count and the average.
func TestMarketPrimed(t *testing.T) {
	hot := func(n int, score float64) []Inputs {
		out := make([]Inputs, n)
		for i := range out {
			out[i] = Inputs{
				Technical: score, Intelligence: score, MTF: score,
				Volume: score, Sentiment: score,
			}
		}
		return out
	}

	if MarketPrimed(hot(4, 80), models.RegimeNormal, 5, 70) {
		t.Error("primed with too few candidates")
	}
	if MarketPrimed(hot(6, 60), models.RegimeNormal, 5, 70) {
		t.Error("primed with sub-threshold scores")
	}
	if !MarketPrimed(hot(6, 80), models.RegimeNormal, 5, 70) {
		t.Error("not primed with six candidates at 80")
	}
}
