package state

import (
	"time"

	apperrors "ibis-agent/internal/errors"
	"ibis-agent/internal/models"
)

// ReservePendingBuy records a pending buy before any network call.
// Fails when the symbol already has a position or an in-flight buy.
func (s *Store) ReservePendingBuy(pb models.PendingBuy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cur.Positions[pb.Symbol]; exists {
		return apperrors.ErrDuplicateInFlight
	}
	if _, exists := s.cur.PendingBuys[pb.Symbol]; exists {
		return apperrors.ErrDuplicateInFlight
	}
	s.cur.PendingBuys[pb.Symbol] = pb
	s.dirty = true
	return nil
}

// DropPendingBuy removes a pending buy, returning its reservation.
func (s *Store) DropPendingBuy(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cur.PendingBuys[symbol]; ok {
		delete(s.cur.PendingBuys, symbol)
		s.dirty = true
	}
}

// PromotePendingBuy converts a filled pending buy into a position.
func (s *Store) PromotePendingBuy(symbol string, pos models.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cur.PendingBuys, symbol)
	s.cur.Positions[symbol] = pos
	s.dirty = true
}

// RemovePosition deletes a position. Callers must have appended the
// closing trade record to the ledger first.
func (s *Store) RemovePosition(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cur.Positions[symbol]; ok {
		delete(s.cur.Positions, symbol)
		s.dirty = true
	}
}

// UpdatePosition replaces a position's record.
func (s *Store) UpdatePosition(pos models.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Positions[pos.Symbol] = pos
	s.dirty = true
}

// Quarantine blocks trading on a symbol for the rest of the given day.
func (s *Store) Quarantine(symbol, day string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Quarantined[symbol] = day
	s.dirty = true
}

// IsQuarantined reports whether the symbol is quarantined for the day.
func (s *Store) IsQuarantined(symbol, day string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.Quarantined[symbol] == day
}

// RecordClose folds a realized trade into the daily counters,
// resetting them at the day boundary.
func (s *Store) RecordClose(rec models.TradeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := rec.Timestamp.UTC().Format("2006-01-02")
	if s.cur.Daily.Day != day {
		s.cur.Daily = models.DailyCounters{Day: day}
		// Quarantines expire with the trading day.
		for symbol, qday := range s.cur.Quarantined {
			if qday != day {
				delete(s.cur.Quarantined, symbol)
			}
		}
	}

	s.cur.Daily.Trades++
	s.cur.Daily.RealizedPnL += rec.RealizedPnL
	s.cur.Daily.FeesPaid += rec.Fee
	if rec.RealizedPnL >= 0 {
		s.cur.Daily.Wins++
		s.cur.Daily.ConsecutiveLosses = 0
	} else {
		s.cur.Daily.Losses++
		s.cur.Daily.ConsecutiveLosses++
	}
	s.dirty = true
}

// SetCapital replaces the capital awareness view.
func (s *Store) SetCapital(c models.CapitalAwareness) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Capital = c
	s.dirty = true
}

// SetRegime records the effective regime.
func (s *Store) SetRegime(r models.Regime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.LastRegime != r {
		s.cur.LastRegime = r
		s.dirty = true
	}
}

// SetAgentMode records whether the agent may open new positions.
func (s *Store) SetAgentMode(m models.AgentMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.AgentMode != m {
		s.cur.AgentMode = m
		s.dirty = true
	}
}

// StalePendingBuys returns pending buys older than ttl at now.
func (s *Store) StalePendingBuys(now time.Time, ttl time.Duration) []models.PendingBuy {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PendingBuy
	for _, pb := range s.cur.PendingBuys {
		if now.Sub(pb.PlacedAt) > ttl {
			out = append(out, pb)
		}
	}
	return out
}
