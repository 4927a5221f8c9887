// Package learning keeps durable per-(regime,strategy) and per-symbol
// outcome counters and feeds them back into tier assignment.
package learning

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ibis-agent/internal/models"
	"ibis-agent/pkg/utils"
)

// Bucket accumulates realized outcomes for one key. Counters are
// monotonic.
type Bucket struct {
	Trades      int       `json:"trades"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	RealizedPnL float64   `json:"realized_pnl"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WinRate returns wins over trades, zero when empty.
func (b Bucket) WinRate() float64 {
	if b.Trades == 0 {
		return 0
	}
	return float64(b.Wins) / float64(b.Trades)
}

// memoryFile is the durable layout.
type memoryFile struct {
	Buckets map[string]Bucket `json:"buckets"` // regime|strategy
	Symbols map[string]Bucket `json:"symbols"`
	Seen    map[string]bool   `json:"seen_trade_ids"`
}

// StrategyStat is one entry of a best-strategies ranking.
type StrategyStat struct {
	Strategy string
	Bucket   Bucket
}

// Memory folds closed trades into win-rate buckets. Folds are
// idempotent per trade id so ledger replays converge.
type Memory struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	buckets map[string]Bucket
	symbols map[string]Bucket
	seen    map[string]bool
	dirty   bool
}

// Thresholds for tier adjustment and symbol avoidance.
const (
	demoteWinRate  = 0.30
	demoteMinN     = 5
	promoteWinRate = 0.70
	promoteMinN    = 10
	avoidWinRate   = 0.25
	avoidMinN      = 10
)

// Open loads the memory file, starting blank when absent. A corrupt
// file is renamed aside and memory restarts blank rather than failing
// the agent.
func Open(path string, logger zerolog.Logger) (*Memory, error) {
	m := &Memory{
		path:    path,
		logger:  logger,
		buckets: make(map[string]Bucket),
		symbols: make(map[string]Bucket),
		seen:    make(map[string]bool),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading learning memory: %w", err)
	}

	var file memoryFile
	if err := json.Unmarshal(data, &file); err != nil {
		bad := path + ".corrupt"
		os.Rename(path, bad)
		logger.Warn().Err(err).Str("moved_to", bad).Msg("learning memory corrupt, starting blank")
		return m, nil
	}
	if file.Buckets != nil {
		m.buckets = file.Buckets
	}
	if file.Symbols != nil {
		m.symbols = file.Symbols
	}
	if file.Seen != nil {
		m.seen = file.Seen
	}
	logger.Info().
		Int("buckets", len(m.buckets)).
		Int("symbols", len(m.symbols)).
		Msg("learning memory loaded")
	return m, nil
}

func bucketKey(regime models.Regime, strategy models.CloseReason) string {
	return string(regime) + "|" + string(strategy)
}

// Fold applies one realized sell to the counters. Buys and already-seen
// trade ids are ignored.
func (m *Memory) Fold(rec models.TradeRecord) {
	if rec.Side != models.OrderSideSell || rec.ID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seen[rec.ID] {
		return
	}
	m.seen[rec.ID] = true

	win := rec.RealizedPnL >= 0
	apply := func(b Bucket) Bucket {
		b.Trades++
		if win {
			b.Wins++
		} else {
			b.Losses++
		}
		b.RealizedPnL += rec.RealizedPnL
		b.UpdatedAt = rec.Timestamp
		return b
	}

	key := bucketKey(rec.Mode, rec.Reason)
	m.buckets[key] = apply(m.buckets[key])
	m.symbols[rec.Symbol] = apply(m.symbols[rec.Symbol])
	m.dirty = true
}

// WinRate returns the win rate and sample size for a bucket.
func (m *Memory) WinRate(regime models.Regime, strategy models.CloseReason) (rate float64, n int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.buckets[bucketKey(regime, strategy)]
	return b.WinRate(), b.Trades
}

// BestStrategies ranks strategies for a regime by win rate, ties broken
// by realized PnL then name.
func (m *Memory) BestStrategies(regime models.Regime) []StrategyStat {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := string(regime) + "|"
	var out []StrategyStat
	for key, b := range m.buckets {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, StrategyStat{Strategy: key[len(prefix):], Bucket: b})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Bucket.WinRate(), out[j].Bucket.WinRate()
		if ri != rj {
			return ri > rj
		}
		if out[i].Bucket.RealizedPnL != out[j].Bucket.RealizedPnL {
			return out[i].Bucket.RealizedPnL > out[j].Bucket.RealizedPnL
		}
		return out[i].Strategy < out[j].Strategy
	})
	return out
}

// Avoid reports whether the symbol's record is bad enough to skip it.
func (m *Memory) Avoid(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.symbols[symbol]
	return b.Trades >= avoidMinN && b.WinRate() < avoidWinRate
}

// AdjustTier modulates a tier by accumulated track record. The exit
// strategy is unknown at admission time, so the regime aggregate across
// strategy buckets drives promotion and demotion; a poor symbol record
// also demotes.
func (m *Memory) AdjustTier(symbol string, regime models.Regime, tier models.Tier) models.Tier {
	m.mu.RLock()
	var agg Bucket
	prefix := string(regime) + "|"
	for key, b := range m.buckets {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			agg.Trades += b.Trades
			agg.Wins += b.Wins
			agg.Losses += b.Losses
		}
	}
	sym := m.symbols[symbol]
	m.mu.RUnlock()

	if agg.Trades >= demoteMinN && agg.WinRate() < demoteWinRate {
		return tier.Demote()
	}
	if sym.Trades >= demoteMinN && sym.WinRate() < demoteWinRate {
		return tier.Demote()
	}
	if agg.Trades >= promoteMinN && agg.WinRate() >= promoteWinRate {
		return tier.Promote()
	}
	return tier
}

// SymbolStats returns the symbol bucket.
func (m *Memory) SymbolStats(symbol string) Bucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.symbols[symbol]
}

// Persist writes the memory durably if dirty.
func (m *Memory) Persist() error {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	file := memoryFile{
		Buckets: make(map[string]Bucket, len(m.buckets)),
		Symbols: make(map[string]Bucket, len(m.symbols)),
		Seen:    make(map[string]bool, len(m.seen)),
	}
	for k, v := range m.buckets {
		file.Buckets[k] = v
	}
	for k, v := range m.symbols {
		file.Symbols[k] = v
	}
	for k := range m.seen {
		file.Seen[k] = true
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling learning memory: %w", err)
	}
	if err := utils.WriteFileAtomic(m.path, data, 0644); err != nil {
		return fmt.Errorf("persisting learning memory: %w", err)
	}

	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()

	m.logger.Debug().Msg("learning memory persisted")
	return nil
}
