package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "ibis-agent/internal/errors"
	"ibis-agent/internal/models"
	"ibis-agent/internal/reconcile"
	"ibis-agent/internal/signals"

	"ibis-agent/internal/analysis/mtf"
	"ibis-agent/internal/analysis/scoring"
	"ibis-agent/pkg/utils"
)

// housekeepingPhase reconciles and refreshes rules when due, and
// cancels stale pending buys.
func (a *Agent) housekeepingPhase(ctx context.Context) error {
	now := time.Now()

	if a.engine.ConsumeRuleRefreshRequest() || now.Sub(a.lastUniverseUpdate) > a.cfg.Agent.UniverseRefresh {
		err := utils.Retry(ctx, a.transientRetry(), func() error {
			return a.universe.Refresh(ctx)
		})
		if err != nil {
			a.logger.Warn().Err(err).Msg("universe refresh failed, cache retained")
		} else {
			a.lastUniverseUpdate = now
		}
	}

	if a.engine.ConsumeReconcileRequest() || now.Sub(a.lastReconcile) > a.cfg.Agent.ReconcileInterval {
		report := a.reconciler.Run(ctx, now)
		a.lastReconcile = now
		critical := report.Status == reconcile.StatusCritical
		if critical {
			a.criticalStreak++
			a.health = HealthCritical
			if a.criticalStreak >= 2 {
				return apperrors.Wrap(apperrors.ErrFatalReconciliation, "two consecutive critical reconciliations")
			}
		} else {
			a.criticalStreak = 0
		}
		a.lastCritical = critical
	}

	a.engine.CancelStalePending(ctx, now)
	return nil
}

// awarenessPhase refreshes tickers, balances and open positions, and
// promotes any filled entries.
func (a *Agent) awarenessPhase(ctx context.Context) error {
	now := time.Now()

	tickers, err := utils.RetryWithResult(ctx, a.transientRetry(), func() ([]models.Ticker, error) {
		return a.client.Tickers(ctx)
	})
	if err != nil {
		return err
	}
	a.tickers = make(map[string]models.Ticker, len(tickers))
	for _, t := range tickers {
		a.tickers[t.Symbol] = t
	}

	a.engine.ConfirmFills(ctx, a.plans, a.reading.Regime, now)

	snap := a.state.Snapshot()
	for symbol := range a.plans {
		_, pending := snap.PendingBuys[symbol]
		_, open := snap.Positions[symbol]
		if !pending && !open {
			delete(a.plans, symbol)
		}
	}

	for symbol, pos := range snap.Positions {
		price := a.priceFor(symbol)
		if price <= 0 {
			continue
		}
		pos.CurrentPrice = price
		if price > pos.HighWaterMark {
			pos.HighWaterMark = price
		}
		a.state.UpdatePosition(pos)
	}

	if a.stream != nil {
		symbols := make([]string, 0, len(snap.Positions))
		for symbol := range snap.Positions {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
		a.stream.Subscribe(symbols)
	}

	balances, err := a.client.Balances(ctx)
	if err != nil {
		return err
	}
	var quoteFree float64
	for _, b := range balances {
		if b.Asset == a.cfg.Exchange.QuoteAsset {
			quoteFree = b.Free
		}
	}
	var locked, holdings float64
	for _, pb := range snap.PendingBuys {
		locked += pb.Notional
	}
	for symbol, pos := range snap.Positions {
		price := a.priceFor(symbol)
		if price <= 0 {
			price = pos.CurrentPrice
		}
		holdings += pos.Quantity * price
	}
	a.state.SetCapital(models.CapitalAwareness{
		QuoteAvailable: quoteFree,
		QuoteLocked:    locked,
		HoldingsValue:  holdings,
		TotalAssets:    quoteFree + locked + holdings,
		UpdatedAt:      now,
	})
	return nil
}

// priceFor returns the freshest price for a symbol: stream first, then
// the cycle's ticker snapshot.
func (a *Agent) priceFor(symbol string) float64 {
	if a.stream != nil {
		if price, at, ok := a.stream.Price(symbol); ok && time.Since(at) < a.cfg.Signals.TTL {
			return price
		}
	}
	if t, ok := a.tickers[symbol]; ok {
		return t.Price
	}
	return 0
}

// learningPhase folds ledger records appended since the last fold.
func (a *Agent) learningPhase(ctx context.Context) error {
	line := 0
	start := a.foldedLedgerLines
	err := a.ledger.Replay(func(rec models.TradeRecord) error {
		line++
		if line <= start {
			return nil
		}
		a.learning.Fold(rec)
		if a.trades != nil {
			if err := a.trades.RecordTrade(ctx, rec); err != nil {
				a.logger.Warn().Err(err).Str("trade_id", rec.ID).Msg("trade store insert failed")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.foldedLedgerLines = line
	return nil
}

// detectionPhase classifies the market regime from the ticker tape.
func (a *Agent) detectionPhase(ctx context.Context) error {
	tickers := make([]models.Ticker, 0, len(a.tickers))
	for _, t := range a.tickers {
		tickers = append(tickers, t)
	}
	a.reading = a.detector.Detect(tickers, time.Now())
	a.state.SetRegime(a.reading.Regime)
	return nil
}

// scanJob is one symbol's market data after the fan-out.
type scanJob struct {
	symbol string
	inputs scoring.Inputs
	ok     bool
}

// scanPhase pulls candles and signals for candidate symbols with a
// bounded worker pool, joining before the next phase.
func (a *Agent) scanPhase(ctx context.Context) error {
	candidates := a.universe.Tradable(a.tickers)
	sort.Slice(candidates, func(i, j int) bool {
		vi, vj := a.tickers[candidates[i]].Volume24h, a.tickers[candidates[j]].Volume24h
		if vi != vj {
			return vi > vj
		}
		return candidates[i] < candidates[j]
	})
	limit := a.cfg.Agent.TopOpportunities * 2
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	jobs := make(chan string)
	results := make(chan scanJob, len(candidates))
	var wg sync.WaitGroup

	workers := a.cfg.Agent.Workers
	if workers <= 0 {
		workers = 8
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				results <- a.scanSymbol(ctx, symbol)
			}
		}()
	}

	for _, symbol := range candidates {
		select {
		case <-ctx.Done():
		case jobs <- symbol:
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	a.candidates = a.candidates[:0]
	for job := range results {
		if job.ok {
			a.candidates = append(a.candidates, job.inputs)
		}
	}
	return ctx.Err()
}

// scanSymbol gathers one symbol's inputs. Failures yield ok=false and
// the symbol drops out of this cycle.
func (a *Agent) scanSymbol(ctx context.Context, symbol string) scanJob {
	ticker := a.tickers[symbol]

	byTimeframe := make(map[string][]models.Candle, len(mtf.Timeframes))
	for _, tf := range mtf.Timeframes {
		candles, err := a.client.Candles(ctx, symbol, tf, 100)
		if err != nil {
			a.logger.Debug().Err(err).Str("symbol", symbol).Str("timeframe", tf).Msg("candle fetch failed")
			continue
		}
		byTimeframe[tf] = candles
	}

	primary := byTimeframe["5m"]
	tech, err := a.tech.Score(primary)
	if err != nil {
		return scanJob{symbol: symbol}
	}

	mtfResult := a.mtf.Analyze(byTimeframe)

	sigs := a.registry.Collect(ctx, symbol, signals.Context{Ticker: ticker, Candles: primary})
	intelligence := blendSignals(sigs, "onchain", "cross_exchange")
	sentiment := 50.0
	if s, ok := sigs["sentiment"]; ok && s.Confidence > 0 {
		sentiment = s.Score
	}

	volumeScore, ok := tech.Components["Volume"]
	if !ok {
		volumeScore = 50
	}

	return scanJob{
		symbol: symbol,
		ok:     true,
		inputs: scoring.Inputs{
			Symbol:       symbol,
			Technical:    tech.Score,
			Intelligence: intelligence,
			MTF:          mtfResult.Score,
			Volume:       volumeScore,
			Sentiment:    sentiment,
			Price:        ticker.Price,
			Volume24h:    ticker.Volume24h,
			ATRPct:       tech.ATRPct,
		},
	}
}

// blendSignals averages the named sources weighted by confidence,
// neutral when none report.
func blendSignals(sigs map[string]models.Signal, names ...string) float64 {
	var sum, weight float64
	for _, name := range names {
		s, ok := sigs[name]
		if !ok || s.Confidence <= 0 {
			continue
		}
		sum += s.Score * s.Confidence
		weight += s.Confidence
	}
	if weight == 0 {
		return 50
	}
	return sum / weight
}

// scorePhase ranks candidates into opportunities.
func (a *Agent) scorePhase(ctx context.Context) error {
	now := time.Now()
	a.opportunities = a.scorer.Score(a.candidates, a.reading.Regime, now)

	weights := scoring.WeightsForRegime(a.reading.Regime)
	for _, in := range a.candidates {
		a.scores[in.Symbol] = scoring.Composite(in, weights)
	}

	a.primed = scoring.MarketPrimed(a.candidates, a.reading.Regime, primedMinCount, primedMinScore)
	if a.primed {
		a.logger.Info().Int("candidates", len(a.candidates)).Msg("market primed, running at minimum interval")
	}
	return nil
}

// decidePhase runs admission control.
func (a *Agent) decidePhase(ctx context.Context) error {
	snap := a.state.Snapshot()
	a.breaker.Evaluate(snap.Daily, a.lastCritical)
	a.state.SetAgentMode(a.breaker.Mode())
	return nil
}

// executePhase opens new positions, at most one new order per symbol
// per cycle.
func (a *Agent) executePhase(ctx context.Context) error {
	snap := a.state.Snapshot()
	if snap.AgentMode != models.AgentModeTrading {
		return nil
	}

	capacity := a.cfg.Trading.MaxTotalPositions - len(snap.Positions) - len(snap.PendingBuys)
	available := snap.Capital.QuoteAvailable
	day := time.Now().UTC().Format("2006-01-02")

	for _, opp := range a.opportunities {
		if capacity <= 0 {
			break
		}
		if a.state.IsQuarantined(opp.Symbol, day) {
			continue
		}
		if _, open := snap.Positions[opp.Symbol]; open {
			continue
		}
		if _, pending := snap.PendingBuys[opp.Symbol]; pending {
			continue
		}

		rule, err := a.universe.Rule(opp.Symbol)
		if err != nil {
			a.logger.Debug().Err(err).Str("symbol", opp.Symbol).Msg("rule unavailable, skipped")
			continue
		}

		plan, err := a.planner.Plan(opp, a.reading.Regime, available, rule)
		if err != nil {
			a.logger.Debug().Err(err).Str("symbol", opp.Symbol).Msg("plan rejected")
			continue
		}

		if _, err := a.engine.Open(ctx, plan, time.Now()); err != nil {
			a.logger.Warn().Err(err).Str("symbol", opp.Symbol).Msg("entry failed")
			continue
		}
		a.plans[opp.Symbol] = plan
		capacity--
		available -= plan.Notional
	}
	return nil
}

// monitorPhase evaluates open positions and executes any closes.
func (a *Agent) monitorPhase(ctx context.Context) error {
	now := time.Now()

	prices := make(map[string]float64)
	snap := a.state.Snapshot()
	for symbol := range snap.Positions {
		if price := a.priceFor(symbol); price > 0 {
			prices[symbol] = price
		}
	}

	queue := a.monitor.Evaluate(prices, a.scores, now)
	for _, req := range queue {
		rec, err := a.engine.Close(ctx, req.Position, req.Reason, now)
		if err != nil {
			a.logger.Warn().Err(err).
				Str("symbol", req.Position.Symbol).
				Str("reason", string(req.Reason)).
				Msg("close failed")
			continue
		}
		a.learning.Fold(rec)
		if a.trades != nil {
			if err := a.trades.RecordTrade(ctx, rec); err != nil {
				a.logger.Warn().Err(err).Str("trade_id", rec.ID).Msg("trade store insert failed")
			}
		}
	}
	return nil
}

// persistPhase flushes all durable state. Always runs, even after a
// failed cycle.
func (a *Agent) persistPhase() {
	if err := a.state.Persist(); err != nil {
		a.logger.Error().Err(err).Msg("state persist failed")
		a.health = HealthDegraded
	}
	if err := a.learning.Persist(); err != nil {
		a.logger.Error().Err(err).Msg("learning persist failed")
		a.health = HealthDegraded
	}
	if a.trades != nil {
		snap := a.state.Snapshot()
		if snap.Daily.Day != "" {
			if err := a.trades.SaveDailySummary(context.Background(), snap.Daily); err != nil {
				a.logger.Warn().Err(err).Msg("daily summary save failed")
			}
		}
		if err := a.trades.SetMeta("health", string(a.health)); err == nil {
			a.trades.SetMeta("last_cycle", time.Now().UTC().Format(time.RFC3339))
		}
	}
}
