package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ibis-agent/internal/agent"
	apperrors "ibis-agent/internal/errors"
	"ibis-agent/internal/exchange"
	"ibis-agent/internal/execution"
	"ibis-agent/internal/ledger"
	"ibis-agent/internal/learning"
	"ibis-agent/internal/monitor"
	"ibis-agent/internal/reconcile"
	"ibis-agent/internal/regime"
	"ibis-agent/internal/risk"
	"ibis-agent/internal/signals"
	"ibis-agent/internal/state"
	"ibis-agent/internal/store"
	"ibis-agent/internal/universe"

	"ibis-agent/internal/analysis/scoring"
)

// ErrInterrupted marks a run ended by SIGINT.
var ErrInterrupted = errors.New("interrupted")

// Exit codes for the run command.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitFatalReconcile = 2
	ExitInterrupted    = 130
)

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, apperrors.ErrFatalReconciliation):
		return ExitFatalReconcile
	case errors.Is(err, ErrInterrupted):
		return ExitInterrupted
	default:
		return ExitError
	}
}

// addAgentCommands adds the agent lifecycle commands.
func addAgentCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newReconcileCmd(app))
}

// components bundles everything the run command constructs, with the
// handles that need closing on the way out.
type components struct {
	deps     agent.Deps
	state    *state.Store
	ledger   *ledger.Ledger
	trades   *store.SQLiteStore
	learning *learning.Memory
}

func (c *components) close(app *App) {
	if c.learning != nil {
		if err := c.learning.Persist(); err != nil {
			app.Logger.Warn().Err(err).Msg("learning persist on shutdown failed")
		}
	}
	if c.trades != nil {
		if err := c.trades.Close(); err != nil {
			app.Logger.Warn().Err(err).Msg("trade store close failed")
		}
	}
	if c.ledger != nil {
		if err := c.ledger.Close(); err != nil {
			app.Logger.Warn().Err(err).Msg("ledger close failed")
		}
	}
	if c.state != nil {
		if err := c.state.Close(); err != nil {
			app.Logger.Warn().Err(err).Msg("state close failed")
		}
	}
}

// buildClient wires the exchange client, paper wrapped around live data
// when paper mode is on.
func buildClient(app *App) exchange.Client {
	cfg := app.Config
	limiter := exchange.NewRateLimiter(cfg.Exchange.RatePerSecond, cfg.Exchange.RateBurst)
	rest := exchange.NewRESTClient(cfg.Exchange.BaseURL, limiter, app.Logger)
	if !cfg.IsPaperMode() {
		return rest
	}
	return exchange.NewPaperClient(exchange.PaperClientConfig{
		Data:        rest,
		QuoteAsset:  cfg.Exchange.QuoteAsset,
		TakerFeePct: cfg.Exchange.TakerFeePct,
		Logger:      app.Logger,
	})
}

// buildComponents constructs the full dependency graph for the agent.
func buildComponents(app *App) (*components, error) {
	cfg := app.Config
	logger := app.Logger

	client := buildClient(app)

	uni := universe.New(universe.Config{
		QuoteAsset:   cfg.Exchange.QuoteAsset,
		MinVolume24h: cfg.Trading.MinVolume24h,
		CachePath:    cfg.Paths.RulesCache,
		MaxRuleAge:   24 * time.Hour,
	}, client, logger)

	var sources []signals.Source
	if cfg.Signals.SentimentURL != "" {
		sources = append(sources, signals.NewSentimentSource(cfg.Signals.SentimentURL, cfg.Signals.FetchTimeout, logger))
	}
	if cfg.Signals.OnChainURL != "" {
		sources = append(sources, signals.NewOnChainSource(cfg.Signals.OnChainURL, cfg.Signals.FetchTimeout, logger))
	}
	if cfg.Signals.CrossExchangeURL != "" {
		sources = append(sources, signals.NewCrossExchangeSource(cfg.Signals.CrossExchangeURL, cfg.Signals.FetchTimeout, logger))
	}
	registry := signals.NewRegistry(cfg.Signals.TTL, logger, sources...)

	mem, err := learning.Open(cfg.Paths.LearningFile, logger)
	if err != nil {
		return nil, err
	}

	fees := risk.FeeModel{
		MakerPct:    cfg.Exchange.MakerFeePct,
		TakerPct:    cfg.Exchange.TakerFeePct,
		SlippagePct: cfg.Exchange.SlippagePct,
	}

	riskCfg := risk.DefaultConfig()
	riskCfg.MinNotional = cfg.Trading.MinCapitalPerTrade
	riskCfg.MaxNotional = cfg.Trading.MaxCapitalPerTrade
	riskCfg.TakeProfitPct = cfg.Risk.TakeProfitPct
	riskCfg.StopLossPct = cfg.Risk.StopLossPct
	riskCfg.StopLossFloorPct = cfg.Risk.StopLossFloorPct
	riskCfg.StopLossCeilPct = cfg.Risk.StopLossCeilPct
	riskCfg.TrailActivatePct = cfg.Risk.TrailActivatePct
	riskCfg.Fees = fees
	planner := risk.NewPlanner(riskCfg, logger)

	breaker := risk.NewCircuitBreaker(risk.BreakerConfig{
		DailyLossLimit:       cfg.Risk.DailyLossLimit,
		ConsecutiveLossLimit: cfg.Risk.ConsecutiveLossLimit,
	}, logger)

	st, err := state.Open(cfg.Paths.StateFile, logger)
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(cfg.Paths.LedgerFile, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	trades, err := store.NewSQLiteStore(cfg.Paths.TradesDB)
	if err != nil {
		led.Close()
		st.Close()
		return nil, err
	}

	execCfg := execution.DefaultConfig()
	if cfg.Trading.PendingBuyTTL > 0 {
		execCfg.PendingBuyTTL = cfg.Trading.PendingBuyTTL
	}
	engine := execution.NewEngine(client, st, led, fees, execCfg, logger)

	monCfg := monitor.DefaultConfig()
	monCfg.MinProfitBuffer = riskCfg.MinProfitBuffer
	monCfg.TrailActivatePct = cfg.Risk.TrailActivatePct
	monCfg.RecycleGainMin = cfg.Trading.RecycleMinGainPct
	monCfg.RecycleGainMax = cfg.Trading.RecycleMaxGainPct
	monCfg.RecycleScoreDrop = cfg.Trading.RecycleScoreDrop
	if cfg.Trading.AlphaDecayAge > 0 {
		monCfg.DecayTimeout = cfg.Trading.AlphaDecayAge
	}
	monCfg.DecayGainMax = cfg.Trading.AlphaDecayMaxGain
	mon := monitor.New(monCfg, planner, fees, st, logger)

	recCfg := reconcile.DefaultConfig()
	recCfg.QuoteAsset = cfg.Exchange.QuoteAsset
	recCfg.DustThreshold = cfg.Risk.DustThreshold
	reconciler := reconcile.New(recCfg, client, st, led, uni, logger)

	var stream *exchange.TickerStream
	if cfg.Exchange.StreamURL != "" {
		stream = exchange.NewTickerStream(cfg.Exchange.StreamURL, logger)
	}

	return &components{
		deps: agent.Deps{
			Client:     client,
			Universe:   uni,
			Registry:   registry,
			Detector:   regime.NewDetector(0, logger),
			Scorer:     scoring.NewScorer(cfg.Agent.TopOpportunities, mem, logger),
			Planner:    planner,
			Breaker:    breaker,
			Engine:     engine,
			Monitor:    mon,
			Reconciler: reconciler,
			State:      st,
			Ledger:     led,
			Learning:   mem,
			Trades:     trades,
			Stream:     stream,
		},
		state:    st,
		ledger:   led,
		trades:   trades,
		learning: mem,
	}, nil
}

func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trading agent loop",
		Long: `Start the agent and run trade cycles until interrupted.

The agent reconciles against the exchange on startup, then repeats the
cycle phases: housekeeping, awareness, learning, regime detection,
scan, score, decide, execute, monitor, persist. SIGINT and SIGTERM
trigger a graceful stop that completes the persist phase.`,
		Example: `  ibis run
  ibis run --debug
  PAPER_TRADING=true ibis run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := buildComponents(app)
			if err != nil {
				return err
			}
			defer comps.close(app)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ag := agent.New(app.Config, comps.deps, app.Logger)
			err = ag.Run(ctx)
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ErrInterrupted
			}
			return nil
		},
	}
}

func newReconcileCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and exit",
		Long: `Converge local state, the trade ledger and live exchange balances
into one consistent view, then report what was repaired.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			comps, err := buildComponents(app)
			if err != nil {
				return err
			}
			defer comps.close(app)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report := comps.deps.Reconciler.Run(ctx, time.Now().UTC())
			if err := comps.state.Persist(); err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(report)
			}
			switch report.Status {
			case reconcile.StatusOK:
				output.Success("reconciliation OK")
			case reconcile.StatusWarn:
				output.Warning("reconciliation WARN")
			default:
				output.Error("reconciliation CRITICAL")
			}
			output.Printf("  cleaned dust:     %d\n", report.CleanedDust)
			output.Printf("  adopted holdings: %d\n", report.AdoptedHolding)
			output.Printf("  dropped pending:  %d\n", report.DroppedPending)
			output.Printf("  adopted pending:  %d\n", report.AdoptedPending)
			output.Printf("  synced fills:     %d\n", report.SyncedFills)
			for _, issue := range report.Issues {
				output.Dim("  - %s", issue)
			}
			if report.Status == reconcile.StatusCritical {
				return apperrors.ErrFatalReconciliation
			}
			return nil
		},
	}
}
