// Package risk derives position size, targets and stops from tier,
// regime, volatility and available capital.
package risk

import (
	"github.com/rs/zerolog"

	apperrors "ibis-agent/internal/errors"
	"ibis-agent/internal/models"
	"ibis-agent/pkg/utils"
)

// FeeModel estimates trading friction.
type FeeModel struct {
	MakerPct    float64
	TakerPct    float64
	SlippagePct float64
}

// EntryFee returns the expected cost of entering at the given notional.
func (f FeeModel) EntryFee(notional float64) float64 {
	return notional * (f.TakerPct + f.SlippagePct)
}

// ExitFee returns the expected cost of a maker exit at the given
// notional.
func (f FeeModel) ExitFee(notional float64) float64 {
	return notional * (f.MakerPct + f.SlippagePct)
}

// RoundTrip returns the expected total friction for an entry at
// entryNotional and exit at exitNotional.
func (f FeeModel) RoundTrip(entryNotional, exitNotional float64) float64 {
	return f.EntryFee(entryNotional) + f.ExitFee(exitNotional)
}

// Config holds sizing and stop parameters.
type Config struct {
	BasePct          float64 // fraction of capital per unit multiplier
	MinNotional      float64
	MaxNotional      float64
	TakeProfitPct    float64 // STANDARD tier baseline
	StopLossPct      float64 // fallback when ATR is unavailable
	StopLossFloorPct float64
	StopLossCeilPct  float64
	MinProfitBuffer  float64 // quote currency
	TrailActivatePct float64
	Fees             FeeModel
}

// DefaultConfig returns standard risk parameters.
func DefaultConfig() Config {
	return Config{
		BasePct:          0.02,
		MinNotional:      11.0,
		MaxNotional:      30.0,
		TakeProfitPct:    0.015,
		StopLossPct:      0.02,
		StopLossFloorPct: 0.005,
		StopLossCeilPct:  0.05,
		MinProfitBuffer:  0.05,
		TrailActivatePct: 0.01,
		Fees: FeeModel{
			MakerPct:    0.001,
			TakerPct:    0.001,
			SlippagePct: 0.0005,
		},
	}
}

// Plan is the sizing decision for one opportunity.
type Plan struct {
	Symbol     string
	Notional   float64
	Quantity   float64
	Entry      float64
	TakeProfit float64
	StopLoss   float64
	Score      float64 // composite score at planning time
}

// Planner turns opportunities into executable plans.
type Planner struct {
	cfg    Config
	logger zerolog.Logger
}

// NewPlanner creates a planner.
func NewPlanner(cfg Config, logger zerolog.Logger) *Planner {
	return &Planner{cfg: cfg, logger: logger}
}

// takeProfitPct returns the tier's take-profit percentage.
func (p *Planner) takeProfitPct(tier models.Tier) float64 {
	switch tier {
	case models.TierGod:
		return 0.030
	case models.TierHighConfidence, models.TierStrongSetup:
		return 0.025
	case models.TierGood:
		return 0.020
	default:
		return p.cfg.TakeProfitPct
	}
}

// atrMultiplier scales the stop distance by realized volatility.
func atrMultiplier(atrPct float64) float64 {
	switch {
	case atrPct < 0.01:
		return 1.0
	case atrPct <= 0.04:
		return 1.5
	default:
		return 2.0
	}
}

// stopLossPct derives the stop distance from ATR, clamped to the
// configured band.
func (p *Planner) stopLossPct(entry, atrPct float64) float64 {
	if atrPct <= 0 || entry <= 0 {
		return utils.Clamp(p.cfg.StopLossPct, p.cfg.StopLossFloorPct, p.cfg.StopLossCeilPct)
	}
	atr := atrPct * entry
	raw := atr * atrMultiplier(atrPct) / entry
	return utils.Clamp(raw, p.cfg.StopLossFloorPct, p.cfg.StopLossCeilPct)
}

// Plan sizes the opportunity against available capital and exchange
// rules. Rejects plans whose target cannot clear fees plus the
// minimum profit buffer.
func (p *Planner) Plan(opp models.Opportunity, regime models.Regime, capitalAvailable float64, rule models.SymbolRule) (*Plan, error) {
	if !rule.Valid() {
		return nil, apperrors.ErrUnknownSymbol
	}
	if opp.Entry <= 0 {
		return nil, apperrors.NewOrderError("", opp.Symbol, "plan", "no entry price", nil)
	}

	regimeMult := regime.SizeMultiplier()
	if regimeMult == 0 {
		return nil, apperrors.NewOrderError("", opp.Symbol, "plan", "regime admits no entries", nil)
	}

	notional := p.cfg.BasePct * opp.Tier.SizeMultiplier() * regimeMult * capitalAvailable
	notional = utils.Clamp(notional, p.cfg.MinNotional, p.cfg.MaxNotional)
	if notional > capitalAvailable {
		return nil, apperrors.ErrInsufficientBalance
	}

	entry := utils.RoundToTick(opp.Entry, rule.TickSize)
	if entry <= 0 {
		return nil, apperrors.ErrPriceIncrementInvalid
	}

	qty := utils.RoundToLot(notional/entry, rule.LotSize)
	if qty <= 0 {
		return nil, apperrors.ErrBelowMinimum
	}
	// Rounding may leave the order under the exchange minimum; bump by
	// one lot rather than reject.
	if qty*entry < rule.MinNotional {
		qty += rule.LotSize
	}
	if qty*entry < rule.MinNotional {
		return nil, apperrors.ErrBelowMinimum
	}

	tpPct := p.takeProfitPct(opp.Tier)
	tp := utils.RoundToTick(entry*(1+tpPct), rule.TickSize)
	slPct := p.stopLossPct(entry, opp.ATRPct)
	sl := utils.RoundToTick(entry*(1-slPct), rule.TickSize)

	if tp <= entry || sl >= entry || sl <= 0 {
		return nil, apperrors.ErrPriceIncrementInvalid
	}

	// Micro-profit guard: the rounded target must clear fees plus the
	// minimum buffer or the trade is not worth carrying.
	gross := qty * (tp - entry)
	fees := p.cfg.Fees.RoundTrip(qty*entry, qty*tp)
	if gross < p.cfg.MinProfitBuffer+fees {
		p.logger.Debug().
			Str("symbol", opp.Symbol).
			Float64("gross", gross).
			Float64("fees", fees).
			Msg("target below viable minimum, rejected")
		return nil, apperrors.ErrBelowMinimum
	}

	return &Plan{
		Symbol:     opp.Symbol,
		Notional:   qty * entry,
		Quantity:   qty,
		Entry:      entry,
		TakeProfit: tp,
		StopLoss:   sl,
		Score:      opp.Composite,
	}, nil
}

// AdvanceStop returns the trailing stop for the position at the given
// price, never below the current stop. Activation begins at +1%
// unrealized gain; the stop rises to half the gain at +2% and seventy
// percent at +3%.
func (p *Planner) AdvanceStop(pos models.Position, price float64) float64 {
	if pos.EntryPrice <= 0 || price <= pos.EntryPrice {
		return pos.StopLoss
	}
	gain := (price - pos.EntryPrice) / pos.EntryPrice
	if gain < p.cfg.TrailActivatePct {
		return pos.StopLoss
	}

	var target float64
	switch {
	case gain >= 0.03:
		target = pos.EntryPrice * (1 + 0.70*gain)
	case gain >= 0.02:
		target = pos.EntryPrice * (1 + 0.50*gain)
	default:
		target = pos.EntryPrice
	}

	if target > pos.StopLoss {
		return target
	}
	return pos.StopLoss
}
