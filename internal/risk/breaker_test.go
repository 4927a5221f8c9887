package risk

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"ibis-agent/internal/models"
)

func newTestBreaker() *CircuitBreaker {
	return NewCircuitBreaker(BreakerConfig{
		DailyLossLimit:       50,
		ConsecutiveLossLimit: 3,
	}, zerolog.Nop())
}

func TestBreakerTripsOnDailyLoss(t *testing.T) {
	b := newTestBreaker()

	assert.False(t, b.Evaluate(models.DailyCounters{RealizedPnL: -49.99}, false))
	assert.Equal(t, models.AgentModeTrading, b.Mode())

	assert.True(t, b.Evaluate(models.DailyCounters{RealizedPnL: -50.01}, false))
	assert.Equal(t, models.AgentModeObserving, b.Mode())
	assert.Equal(t, "daily loss limit breached", b.Reason())
}

func TestBreakerTripsOnConsecutiveLosses(t *testing.T) {
	b := newTestBreaker()

	assert.False(t, b.Evaluate(models.DailyCounters{ConsecutiveLosses: 2}, false))
	assert.True(t, b.Evaluate(models.DailyCounters{ConsecutiveLosses: 3}, false))
	assert.Equal(t, "consecutive loss limit reached", b.Reason())
}

func TestBreakerTripsOnCriticalReconcile(t *testing.T) {
	b := newTestBreaker()

	assert.True(t, b.Evaluate(models.DailyCounters{}, true))
	assert.Equal(t, "reconciler reported critical", b.Reason())
}

func TestBreakerResetsWhenConditionsClear(t *testing.T) {
	b := newTestBreaker()

	assert.True(t, b.Evaluate(models.DailyCounters{RealizedPnL: -60}, false))
	assert.True(t, b.Tripped())

	// Day rollover resets the counters; the breaker re-arms.
	assert.False(t, b.Evaluate(models.DailyCounters{}, false))
	assert.False(t, b.Tripped())
	assert.Empty(t, b.Reason())
	assert.Equal(t, models.AgentModeTrading, b.Mode())
}
