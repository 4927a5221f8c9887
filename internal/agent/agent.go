// Package agent runs the trading loop: a single cooperative scheduler
// driving every component through fixed phases each cycle.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"ibis-agent/internal/config"
	apperrors "ibis-agent/internal/errors"
	"ibis-agent/internal/exchange"
	"ibis-agent/internal/execution"
	"ibis-agent/internal/ledger"
	"ibis-agent/internal/learning"
	"ibis-agent/internal/logging"
	"ibis-agent/internal/models"
	"ibis-agent/internal/monitor"
	"ibis-agent/internal/reconcile"
	"ibis-agent/internal/regime"
	"ibis-agent/internal/risk"
	"ibis-agent/internal/signals"
	"ibis-agent/internal/state"
	"ibis-agent/internal/store"
	"ibis-agent/internal/universe"

	"ibis-agent/internal/analysis/mtf"
	"ibis-agent/internal/analysis/scoring"
	"ibis-agent/pkg/utils"
)

// Health is the runtime status surfaced by the status probe.
type Health string

const (
	HealthOK       Health = "OK"
	HealthDegraded Health = "DEGRADED"
	HealthCritical Health = "CRITICAL"
)

// Market-primed thresholds: this many symbols at or above this average
// composite pin the cycle to the minimum interval.
const (
	primedMinCount = 5
	primedMinScore = 70.0
)

// Agent owns every component and sequences them.
type Agent struct {
	cfg    *config.Config
	logger zerolog.Logger

	client     exchange.Client
	universe   *universe.Universe
	registry   *signals.Registry
	tech       *scoring.TechnicalScorer
	mtf        *mtf.Analyzer
	detector   *regime.Detector
	scorer     *scoring.Scorer
	planner    *risk.Planner
	breaker    *risk.CircuitBreaker
	engine     *execution.Engine
	monitor    *monitor.Monitor
	reconciler *reconcile.Reconciler
	state      *state.Store
	ledger     *ledger.Ledger
	learning   *learning.Memory
	trades     *store.SQLiteStore
	stream     *exchange.TickerStream

	// per-cycle scratch, reset in runCycle; plans and reading carry over
	// between cycles
	tickers       map[string]models.Ticker
	candidates    []scoring.Inputs
	opportunities []models.Opportunity
	plans         map[string]*risk.Plan
	scores        map[string]float64
	reading       models.RegimeReading
	primed        bool

	lastReconcile      time.Time
	lastUniverseUpdate time.Time
	lastCritical       bool
	criticalStreak     int
	foldedLedgerLines  int
	health             Health
	cycle              uint64
}

// Deps bundles the constructed components.
type Deps struct {
	Client     exchange.Client
	Universe   *universe.Universe
	Registry   *signals.Registry
	Detector   *regime.Detector
	Scorer     *scoring.Scorer
	Planner    *risk.Planner
	Breaker    *risk.CircuitBreaker
	Engine     *execution.Engine
	Monitor    *monitor.Monitor
	Reconciler *reconcile.Reconciler
	State      *state.Store
	Ledger     *ledger.Ledger
	Learning   *learning.Memory
	Trades     *store.SQLiteStore
	Stream     *exchange.TickerStream
}

// New assembles the agent.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Agent {
	return &Agent{
		cfg:        cfg,
		logger:     logger,
		client:     deps.Client,
		universe:   deps.Universe,
		registry:   deps.Registry,
		tech:       scoring.NewTechnicalScorer(),
		mtf:        mtf.NewAnalyzer(),
		detector:   deps.Detector,
		scorer:     deps.Scorer,
		planner:    deps.Planner,
		breaker:    deps.Breaker,
		engine:     deps.Engine,
		monitor:    deps.Monitor,
		reconciler: deps.Reconciler,
		state:      deps.State,
		ledger:     deps.Ledger,
		learning:   deps.Learning,
		trades:     deps.Trades,
		stream:     deps.Stream,
		plans:      make(map[string]*risk.Plan),
		health:     HealthOK,
	}
}

// Health returns the current runtime status.
func (a *Agent) Health() Health { return a.health }

// Run executes cycles until the context is cancelled or a fatal
// condition is hit. A graceful stop completes the persist phase before
// returning.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().
		Bool("paper", a.cfg.IsPaperMode()).
		Dur("interval", a.cfg.Agent.ScanInterval).
		Msg("agent starting")

	if err := a.startup(ctx); err != nil {
		return err
	}

	if a.stream != nil {
		go a.stream.Run(ctx)
	}

	for {
		if ctx.Err() != nil {
			break
		}

		start := time.Now()
		err := a.runCycle(ctx)
		if err != nil {
			if errors.Is(err, apperrors.ErrFatalReconciliation) {
				a.persistPhase()
				return err
			}
			if errors.Is(err, context.Canceled) {
				break
			}
			a.logger.Error().Err(err).Msg("cycle failed")
			a.health = HealthDegraded
		}

		interval := a.cycleInterval()
		elapsed := time.Since(start)
		if sleep := interval - elapsed; sleep > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(sleep):
			}
		}
	}

	a.persistPhase()
	a.logger.Info().Uint64("cycles", a.cycle).Msg("agent stopped")
	return nil
}

// startup replays history and takes the first reconciliation pass.
func (a *Agent) startup(ctx context.Context) error {
	if err := a.universe.Refresh(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("initial universe refresh failed, using cache")
	}
	a.lastUniverseUpdate = time.Now()

	// Replay the full ledger into learning and the derived trade store.
	// Both folds are idempotent per trade id.
	lines := 0
	err := a.ledger.Replay(func(rec models.TradeRecord) error {
		lines++
		a.learning.Fold(rec)
		if a.trades != nil {
			if err := a.trades.RecordTrade(ctx, rec); err != nil {
				a.logger.Warn().Err(err).Str("trade_id", rec.ID).Msg("trade store backfill failed")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.foldedLedgerLines = lines

	report := a.reconciler.Run(ctx, time.Now())
	a.lastReconcile = time.Now()
	a.lastCritical = report.Status == reconcile.StatusCritical
	if a.lastCritical {
		a.criticalStreak = 1
		a.health = HealthCritical
	}
	return nil
}

// transientRetry retries transport-level failures inside a phase; any
// other error surfaces immediately.
func (a *Agent) transientRetry() utils.RetryConfig {
	cfg := utils.DefaultRetryConfig()
	cfg.Retryable = func(err error) bool {
		return errors.Is(err, apperrors.ErrTransport) || errors.Is(err, apperrors.ErrRateLimited)
	}
	return cfg
}

// cycleInterval derives the sleep target from regime and market heat.
func (a *Agent) cycleInterval() time.Duration {
	interval := a.cfg.Agent.ScanInterval
	switch a.reading.Regime {
	case models.RegimeStrongBull:
		interval = a.cfg.Agent.MinScanInterval
	case models.RegimeFlat, models.RegimeStrongBear:
		interval = a.cfg.Agent.MaxScanInterval
	}
	if a.primed {
		interval = a.cfg.Agent.MinScanInterval
	}
	if interval < a.cfg.Agent.MinScanInterval {
		interval = a.cfg.Agent.MinScanInterval
	}
	if interval > a.cfg.Agent.MaxScanInterval {
		interval = a.cfg.Agent.MaxScanInterval
	}
	return interval
}

// phase runs fn under the phase budget. A budget overrun abandons the
// phase's partial results and the cycle moves on.
func (a *Agent) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	pctx, cancel := context.WithTimeout(ctx, a.cfg.Agent.PhaseBudget)
	defer cancel()

	start := time.Now()
	err := fn(pctx)
	elapsed := time.Since(start)

	log := logging.WithCycle(a.logger, a.cycle)
	if pctx.Err() == context.DeadlineExceeded {
		log.Warn().Str("phase", name).Dur("elapsed", elapsed).Msg("phase budget exceeded, results discarded")
		a.health = HealthDegraded
		return apperrors.ErrPhaseBudgetExceeded
	}
	if err != nil {
		return err
	}
	log.Debug().Str("phase", name).Dur("elapsed", elapsed).Msg("phase complete")
	return nil
}

// runCycle executes the cycle phases in strict order, ending with
// PersistPhase; the sleep that closes each cycle happens in Run. PersistPhase
// always runs, even when an earlier phase failed or the context was
// cancelled.
func (a *Agent) runCycle(ctx context.Context) error {
	a.cycle++
	a.tickers = nil
	a.candidates = nil
	a.opportunities = nil
	a.scores = make(map[string]float64)
	a.primed = false

	var fatal error
	phases := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"housekeeping", a.housekeepingPhase},
		{"awareness", a.awarenessPhase},
		{"learning", a.learningPhase},
		{"detection", a.detectionPhase},
		{"scan", a.scanPhase},
		{"score", a.scorePhase},
		{"decide", a.decidePhase},
		{"execute", a.executePhase},
		{"monitor", a.monitorPhase},
	}

	healthy := true
	for _, p := range phases {
		if ctx.Err() != nil {
			break
		}
		if err := a.phase(ctx, p.name, p.fn); err != nil {
			if errors.Is(err, apperrors.ErrFatalReconciliation) {
				fatal = err
				break
			}
			a.logger.Warn().Str("phase", p.name).Err(err).Msg("phase degraded")
			healthy = false
		}
	}

	a.persistPhase()

	if fatal != nil {
		return fatal
	}
	if healthy && !a.lastCritical {
		a.health = HealthOK
	} else if !healthy && a.health == HealthOK {
		a.health = HealthDegraded
	}
	return ctx.Err()
}
