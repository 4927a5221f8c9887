package risk

import (
	"github.com/rs/zerolog"

	"ibis-agent/internal/models"
)

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	DailyLossLimit       float64
	ConsecutiveLossLimit int
}

// CircuitBreaker gates new entries after adverse events. When tripped
// the agent runs close-only.
type CircuitBreaker struct {
	cfg    BreakerConfig
	logger zerolog.Logger

	tripped bool
	reason  string
}

// NewCircuitBreaker creates a breaker.
func NewCircuitBreaker(cfg BreakerConfig, logger zerolog.Logger) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, logger: logger}
}

// Evaluate updates the breaker from the daily counters and the last
// reconciler verdict. Returns true when entries are blocked.
func (b *CircuitBreaker) Evaluate(counters models.DailyCounters, reconcileCritical bool) bool {
	wasTripped := b.tripped
	b.tripped = false
	b.reason = ""

	switch {
	case counters.RealizedPnL < -b.cfg.DailyLossLimit:
		b.tripped = true
		b.reason = "daily loss limit breached"
	case b.cfg.ConsecutiveLossLimit > 0 && counters.ConsecutiveLosses >= b.cfg.ConsecutiveLossLimit:
		b.tripped = true
		b.reason = "consecutive loss limit reached"
	case reconcileCritical:
		b.tripped = true
		b.reason = "reconciler reported critical"
	}

	if b.tripped && !wasTripped {
		b.logger.Warn().
			Str("reason", b.reason).
			Float64("realized_pnl", counters.RealizedPnL).
			Int("consecutive_losses", counters.ConsecutiveLosses).
			Msg("circuit breaker tripped, close-only mode")
	}
	if !b.tripped && wasTripped {
		b.logger.Info().Msg("circuit breaker reset")
	}
	return b.tripped
}

// Tripped reports the current breaker state.
func (b *CircuitBreaker) Tripped() bool { return b.tripped }

// Reason returns why the breaker is tripped, empty when armed.
func (b *CircuitBreaker) Reason() string { return b.reason }

// Mode maps the breaker state to the agent mode.
func (b *CircuitBreaker) Mode() models.AgentMode {
	if b.tripped {
		return models.AgentModeObserving
	}
	return models.AgentModeTrading
}
