// Package monitor evaluates open positions against their exit rules and
// produces a deterministic close queue.
package monitor

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"ibis-agent/internal/models"
	"ibis-agent/internal/risk"
	"ibis-agent/internal/state"
)

// Config holds exit evaluation parameters.
type Config struct {
	MinProfitBuffer  float64       // quote currency
	TrailActivatePct float64
	RecycleGainMin   float64 // fractional
	RecycleGainMax   float64
	RecycleScoreDrop float64 // composite points
	DecayTimeout     time.Duration
	DecayGainMax     float64 // fractional
}

// DefaultConfig returns standard monitoring parameters.
func DefaultConfig() Config {
	return Config{
		MinProfitBuffer:  0.05,
		TrailActivatePct: 0.01,
		RecycleGainMin:   0.005,
		RecycleGainMax:   0.01,
		RecycleScoreDrop: 15,
		DecayTimeout:     2 * time.Hour,
		DecayGainMax:     0.005,
	}
}

// CloseRequest is one position the monitor wants closed.
type CloseRequest struct {
	Position models.Position
	Reason   models.CloseReason
}

// Monitor walks open positions once per cycle.
type Monitor struct {
	cfg     Config
	planner *risk.Planner
	fees    risk.FeeModel
	store   *state.Store
	logger  zerolog.Logger
}

// New creates a monitor.
func New(cfg Config, planner *risk.Planner, fees risk.FeeModel, store *state.Store, logger zerolog.Logger) *Monitor {
	return &Monitor{cfg: cfg, planner: planner, fees: fees, store: store, logger: logger}
}

// Evaluate refreshes every position from the price map, advances
// trailing stops, and returns the closes to execute. The queue is
// ordered by symbol then close priority so execution is deterministic.
// scores carries the current cycle's composite score per symbol, used
// for the recycle decision; a symbol absent from the map is treated as
// not rescored this cycle.
func (m *Monitor) Evaluate(prices map[string]float64, scores map[string]float64, now time.Time) []CloseRequest {
	snap := m.store.Snapshot()
	var queue []CloseRequest

	for _, pos := range snap.Positions {
		price, ok := prices[pos.Symbol]
		if !ok || price <= 0 {
			m.logger.Warn().Str("symbol", pos.Symbol).Msg("no fresh price, position not evaluated")
			continue
		}

		pos.CurrentPrice = price
		if price > pos.HighWaterMark {
			pos.HighWaterMark = price
		}

		if reason, ok := m.exitReason(pos, scores, now); ok {
			queue = append(queue, CloseRequest{Position: pos, Reason: reason})
			m.store.UpdatePosition(pos)
			continue
		}

		if newStop := m.planner.AdvanceStop(pos, price); newStop > pos.StopLoss {
			m.logger.Info().
				Str("symbol", pos.Symbol).
				Float64("old_sl", pos.StopLoss).
				Float64("new_sl", newStop).
				Msg("trailing stop advanced")
			pos.StopLoss = newStop
		}
		m.store.UpdatePosition(pos)
	}

	sort.Slice(queue, func(i, j int) bool {
		if queue[i].Position.Symbol != queue[j].Position.Symbol {
			return queue[i].Position.Symbol < queue[j].Position.Symbol
		}
		return queue[i].Reason.Priority() < queue[j].Reason.Priority()
	})
	return queue
}

// exitReason applies the exit rules in strict order.
func (m *Monitor) exitReason(pos models.Position, scores map[string]float64, now time.Time) (models.CloseReason, bool) {
	price := pos.CurrentPrice

	if price <= pos.StopLoss {
		return models.CloseStopLoss, true
	}

	if price >= pos.TakeProfit && m.netProfit(pos, price) >= m.cfg.MinProfitBuffer {
		return models.CloseTakeProfit, true
	}

	gain := pos.UnrealizedGainPct()
	if score, rescored := scores[pos.Symbol]; rescored {
		drop := pos.EntryScore - score
		if gain >= m.cfg.RecycleGainMin && gain <= m.cfg.RecycleGainMax && drop >= m.cfg.RecycleScoreDrop {
			return models.CloseRecycleProfit, true
		}
	}

	if pos.Age(now) > m.cfg.DecayTimeout && gain < m.cfg.DecayGainMax {
		return models.CloseAlphaDecay, true
	}

	return "", false
}

// netProfit projects the realized outcome of exiting at price, fees
// included.
func (m *Monitor) netProfit(pos models.Position, price float64) float64 {
	gross := pos.Quantity * (price - pos.EntryPrice)
	return gross - pos.EntryFee - m.fees.ExitFee(pos.Quantity*price)
}
