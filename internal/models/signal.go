package models

import "time"

// Signal is a bounded, timestamped score produced by one signal source.
// Score is in [0,100] with 50 neutral; Confidence is in [0,1].
type Signal struct {
	Source      string    `json:"source"`
	Symbol      string    `json:"symbol"`
	Score       float64   `json:"score"`
	Confidence  float64   `json:"confidence"`
	GeneratedAt time.Time `json:"generated_at"`
	Payload     float64   `json:"payload,omitempty"`
}

// NeutralSignal returns the zero-confidence neutral signal a source emits
// on failure.
func NeutralSignal(source, symbol string) Signal {
	return Signal{
		Source:      source,
		Symbol:      symbol,
		Score:       50,
		Confidence:  0,
		GeneratedAt: time.Now().UTC(),
	}
}

// Stale reports whether the signal is older than ttl at the given instant.
func (s Signal) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.GeneratedAt) > ttl
}

// Regime classifies the overall market mood.
type Regime string

const (
	RegimeStrongBull Regime = "STRONG_BULL"
	RegimeBull       Regime = "BULL"
	RegimeNormal     Regime = "NORMAL"
	RegimeVolatile   Regime = "VOLATILE"
	RegimeFlat       Regime = "FLAT"
	RegimeBear       Regime = "BEAR"
	RegimeStrongBear Regime = "STRONG_BEAR"
	RegimeUnknown    Regime = "UNKNOWN"
)

// RegimeReading is a regime classification plus the diagnostics it was
// derived from.
type RegimeReading struct {
	Regime      Regime    `json:"regime"`
	Momentum    float64   `json:"momentum"`    // median 24h return, fractional
	Volatility  float64   `json:"volatility"`  // realized vol, fractional
	Consistency float64   `json:"consistency"` // share of sample moving with the median
	SampleSize  int       `json:"sample_size"`
	At          time.Time `json:"at"`
}

// SizeMultiplier returns the regime position-size multiplier. STRONG_BEAR
// admits no new entries.
func (r Regime) SizeMultiplier() float64 {
	switch r {
	case RegimeStrongBull:
		return 1.25
	case RegimeBull:
		return 1.10
	case RegimeNormal:
		return 1.0
	case RegimeVolatile, RegimeFlat:
		return 0.75
	case RegimeBear:
		return 0.50
	case RegimeStrongBear:
		return 0.0
	default:
		return 0.50
	}
}

// Tier is the discrete quality band assigned to an opportunity.
type Tier string

const (
	TierGod            Tier = "GOD_TIER"
	TierHighConfidence Tier = "HIGH_CONFIDENCE"
	TierStrongSetup    Tier = "STRONG_SETUP"
	TierGood           Tier = "GOOD"
	TierStandard       Tier = "STANDARD"
	TierSkip           Tier = "SKIP"
)

// TierForScore maps a composite score to its tier.
func TierForScore(composite float64) Tier {
	switch {
	case composite >= 95:
		return TierGod
	case composite >= 90:
		return TierHighConfidence
	case composite >= 85:
		return TierStrongSetup
	case composite >= 80:
		return TierGood
	case composite >= 70:
		return TierStandard
	default:
		return TierSkip
	}
}

// SizeMultiplier returns the base-size multiplier for the tier.
func (t Tier) SizeMultiplier() float64 {
	switch t {
	case TierGod:
		return 4.0
	case TierHighConfidence:
		return 3.0
	case TierStrongSetup:
		return 2.0
	case TierGood:
		return 1.5
	case TierStandard:
		return 1.0
	default:
		return 0
	}
}

// Promote returns the next tier up, capped at GOD_TIER.
func (t Tier) Promote() Tier {
	switch t {
	case TierHighConfidence:
		return TierGod
	case TierStrongSetup:
		return TierHighConfidence
	case TierGood:
		return TierStrongSetup
	case TierStandard:
		return TierGood
	default:
		return t
	}
}

// Demote returns the next tier down; STANDARD demotes to SKIP.
func (t Tier) Demote() Tier {
	switch t {
	case TierGod:
		return TierHighConfidence
	case TierHighConfidence:
		return TierStrongSetup
	case TierStrongSetup:
		return TierGood
	case TierGood:
		return TierStandard
	case TierStandard:
		return TierSkip
	default:
		return t
	}
}

// Opportunity is a scored trading candidate, transient per cycle.
type Opportunity struct {
	Symbol         string    `json:"symbol"`
	Composite      float64   `json:"composite"`
	Technical      float64   `json:"technical"`
	Intelligence   float64   `json:"intelligence"`
	MultiTimeframe float64   `json:"multi_timeframe"`
	Volume         float64   `json:"volume"`
	Sentiment      float64   `json:"sentiment"`
	Tier           Tier      `json:"tier"`
	Entry          float64   `json:"entry"`
	TakeProfit     float64   `json:"take_profit"`
	StopLoss       float64   `json:"stop_loss"`
	Notional       float64   `json:"notional"`
	Rationale      string    `json:"rationale"`
	Volume24h      float64   `json:"volume_24h"`
	ATRPct         float64   `json:"atr_pct"`
	ScoredAt       time.Time `json:"scored_at"`
}
