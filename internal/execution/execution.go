// Package execution places entry and exit orders, keeping state and
// ledger consistent with the exchange.
package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "ibis-agent/internal/errors"
	"ibis-agent/internal/exchange"
	"ibis-agent/internal/ledger"
	"ibis-agent/internal/logging"
	"ibis-agent/internal/models"
	"ibis-agent/internal/risk"
	"ibis-agent/internal/state"
	"ibis-agent/pkg/utils"
)

// Config holds execution parameters.
type Config struct {
	PendingBuyTTL  time.Duration
	FillPollTries  int
	FillPollDelay  time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultConfig returns standard execution parameters.
func DefaultConfig() Config {
	return Config{
		PendingBuyTTL:  2 * time.Minute,
		FillPollTries:  3,
		FillPollDelay:  500 * time.Millisecond,
		BackoffInitial: 2 * time.Second,
		BackoffMax:     60 * time.Second,
	}
}

// symbolBackoff tracks per-symbol rate-limit backoff.
type symbolBackoff struct {
	attempts int
	until    time.Time
}

// Engine is the only component that talks to the exchange's order
// endpoints. The pending-buy reservation is written to state before the
// network call so a crash mid-flight leaves a visible marker for the
// reconciler.
type Engine struct {
	client exchange.Client
	store  *state.Store
	ledger *ledger.Ledger
	fees   risk.FeeModel
	cfg    Config
	logger zerolog.Logger

	mu                sync.Mutex
	backoffs          map[string]symbolBackoff
	reconcileNeeded   bool
	ruleRefreshNeeded bool
}

// NewEngine creates an execution engine.
func NewEngine(client exchange.Client, store *state.Store, led *ledger.Ledger, fees risk.FeeModel, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		client:   client,
		store:    store,
		ledger:   led,
		fees:     fees,
		cfg:      cfg,
		logger:   logger,
		backoffs: make(map[string]symbolBackoff),
	}
}

// Open places an entry limit order for the plan. The reservation is
// recorded before the network call and rolled back on failure.
func (e *Engine) Open(ctx context.Context, plan *risk.Plan, now time.Time) (models.PendingBuy, error) {
	if e.inBackoff(plan.Symbol, now) {
		return models.PendingBuy{}, apperrors.ErrRateLimited
	}

	pb := models.PendingBuy{
		Symbol:   plan.Symbol,
		Notional: plan.Notional,
		Price:    plan.Entry,
		Quantity: plan.Quantity,
		PlacedAt: now,
	}
	if err := e.store.ReservePendingBuy(pb); err != nil {
		return models.PendingBuy{}, err
	}

	order, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:   plan.Symbol,
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeLimit,
		Quantity: plan.Quantity,
		Price:    plan.Entry,
	})
	if err != nil {
		e.store.DropPendingBuy(plan.Symbol)
		e.noteOrderError(plan.Symbol, err, now)
		return models.PendingBuy{}, apperrors.NewOrderError("", plan.Symbol, "open", "entry order failed", err)
	}

	pb.OrderID = order.ID
	e.store.Mutate(func(snap *state.Snapshot) {
		snap.PendingBuys[plan.Symbol] = pb
	})
	e.clearBackoff(plan.Symbol)

	e.logger.Info().
		Str("symbol", plan.Symbol).
		Str("order_id", order.ID).
		Float64("qty", plan.Quantity).
		Float64("price", plan.Entry).
		Msg("entry order placed")
	return pb, nil
}

// ConfirmFills checks every pending buy's order status and promotes
// filled entries into positions. Filled buys are appended to the ledger
// before promotion.
func (e *Engine) ConfirmFills(ctx context.Context, plans map[string]*risk.Plan, regime models.Regime, now time.Time) {
	snap := e.store.Snapshot()
	for symbol, pb := range snap.PendingBuys {
		if pb.OrderID == "" {
			continue
		}
		order, err := e.client.OrderStatus(ctx, symbol, pb.OrderID)
		if err != nil {
			if errors.Is(err, apperrors.ErrOrderNotFound) {
				e.logger.Warn().Str("symbol", symbol).Str("order_id", pb.OrderID).Msg("pending buy order vanished, dropping reservation")
				e.store.DropPendingBuy(symbol)
				e.requestReconcile()
			}
			continue
		}
		if order.Status != models.OrderStatusFilled {
			continue
		}

		entryFee := e.fees.EntryFee(pb.Quantity * pb.Price)
		rec := models.TradeRecord{
			Symbol:    symbol,
			Side:      models.OrderSideBuy,
			Quantity:  pb.Quantity,
			Price:     pb.Price,
			Fee:       entryFee,
			Timestamp: now,
			Source:    models.FillSourceLive,
		}
		if _, err := e.ledger.Append(rec); err != nil {
			e.logger.Error().Err(err).Str("symbol", symbol).Msg("ledger append failed, fill promotion deferred")
			continue
		}

		pos := models.Position{
			Symbol:        symbol,
			Quantity:      pb.Quantity,
			EntryPrice:    pb.Price,
			EntryFee:      entryFee,
			CurrentPrice:  pb.Price,
			HighWaterMark: pb.Price,
			OpenedAt:      now,
			Mode:          regime,
		}
		if plan, ok := plans[symbol]; ok {
			pos.TakeProfit = plan.TakeProfit
			pos.StopLoss = plan.StopLoss
			pos.EntryScore = plan.Score
		}
		e.store.PromotePendingBuy(symbol, pos)
		e.logger.Info().
			Str("symbol", symbol).
			Float64("qty", pos.Quantity).
			Float64("entry", pos.EntryPrice).
			Msg("entry filled, position opened")
	}
}

// Close exits the position. TAKE_PROFIT and RECYCLE_PROFIT go out as
// maker limit orders at the take-profit price; everything else is a
// market order. The trade record is appended to the ledger before the
// position leaves state.
func (e *Engine) Close(ctx context.Context, pos models.Position, reason models.CloseReason, now time.Time) (models.TradeRecord, error) {
	req := exchange.OrderRequest{
		Symbol:   pos.Symbol,
		Side:     models.OrderSideSell,
		Quantity: pos.Quantity,
	}
	maker := false
	switch reason {
	case models.CloseTakeProfit, models.CloseRecycleProfit:
		req.Type = models.OrderTypeLimit
		req.Price = pos.TakeProfit
		maker = true
	default:
		req.Type = models.OrderTypeMarket
	}

	order, err := e.client.PlaceOrder(ctx, req)
	if err != nil {
		e.noteOrderError(pos.Symbol, err, now)
		return models.TradeRecord{}, apperrors.NewOrderError("", pos.Symbol, "close", string(reason), err)
	}

	fillPrice, filled := e.awaitFill(ctx, order)
	if !filled {
		// The marketable limit did not fill within the cycle; fall back
		// to a market exit so the close is not left dangling.
		if cancelErr := e.client.CancelOrder(ctx, pos.Symbol, order.ID); cancelErr != nil && !errors.Is(cancelErr, apperrors.ErrOrderNotFound) {
			e.logger.Warn().Err(cancelErr).Str("symbol", pos.Symbol).Msg("cancel of unfilled close failed")
			return models.TradeRecord{}, apperrors.NewOrderError(order.ID, pos.Symbol, "close", "unfilled close order", nil)
		}
		maker = false
		mkt, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:   pos.Symbol,
			Side:     models.OrderSideSell,
			Type:     models.OrderTypeMarket,
			Quantity: pos.Quantity,
		})
		if err != nil {
			e.noteOrderError(pos.Symbol, err, now)
			return models.TradeRecord{}, apperrors.NewOrderError("", pos.Symbol, "close", "market fallback failed", err)
		}
		fillPrice = mkt.Price
		order = mkt
	}
	if fillPrice <= 0 {
		fillPrice = pos.CurrentPrice
	}

	notional := pos.Quantity * fillPrice
	var exitFee float64
	if maker {
		exitFee = e.fees.ExitFee(notional)
	} else {
		exitFee = e.fees.EntryFee(notional)
	}
	realized := pos.Quantity*(fillPrice-pos.EntryPrice) - pos.EntryFee - exitFee

	rec := models.TradeRecord{
		Symbol:      pos.Symbol,
		Side:        models.OrderSideSell,
		Quantity:    pos.Quantity,
		Price:       fillPrice,
		Fee:         exitFee,
		Timestamp:   now,
		Reason:      reason,
		RealizedPnL: realized,
		Source:      models.FillSourceLive,
		Mode:        pos.Mode,
	}
	rec, err = e.ledger.Append(rec)
	if err != nil {
		return rec, err
	}

	e.store.RemovePosition(pos.Symbol)
	e.store.RecordClose(rec)
	e.clearBackoff(pos.Symbol)

	symLogger := logging.WithSymbol(e.logger, pos.Symbol)
	symLogger.Info().
		Str("reason", string(reason)).
		Float64("exit", fillPrice).
		Float64("realized_pnl", realized).
		Msg("position closed")
	return rec, nil
}

// awaitFill polls the order a few times, returning the fill price.
func (e *Engine) awaitFill(ctx context.Context, order *models.Order) (float64, bool) {
	if order.Status == models.OrderStatusFilled {
		return order.Price, true
	}
	for i := 0; i < e.cfg.FillPollTries; i++ {
		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(e.cfg.FillPollDelay):
		}
		cur, err := e.client.OrderStatus(ctx, order.Symbol, order.ID)
		if err != nil {
			continue
		}
		if cur.Status == models.OrderStatusFilled {
			return cur.Price, true
		}
	}
	return 0, false
}

// CancelStalePending cancels pending buys older than the TTL and
// returns their reserved notional.
func (e *Engine) CancelStalePending(ctx context.Context, now time.Time) int {
	stale := e.store.StalePendingBuys(now, e.cfg.PendingBuyTTL)
	cancelled := 0
	for _, pb := range stale {
		if pb.OrderID != "" {
			if err := e.client.CancelOrder(ctx, pb.Symbol, pb.OrderID); err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
				e.logger.Warn().Err(err).Str("symbol", pb.Symbol).Msg("stale pending cancel failed")
				continue
			}
		}
		e.store.DropPendingBuy(pb.Symbol)
		cancelled++
		e.logger.Info().
			Str("symbol", pb.Symbol).
			Dur("age", now.Sub(pb.PlacedAt)).
			Msg("stale pending buy cancelled")
	}
	return cancelled
}

// noteOrderError classifies an order failure into follow-up actions.
func (e *Engine) noteOrderError(symbol string, err error, now time.Time) {
	switch {
	case errors.Is(err, apperrors.ErrRateLimited):
		e.mu.Lock()
		b := e.backoffs[symbol]
		delay := utils.CalculateBackoff(b.attempts, e.cfg.BackoffInitial, e.cfg.BackoffMax, 2.0)
		e.backoffs[symbol] = symbolBackoff{attempts: b.attempts + 1, until: now.Add(delay)}
		e.mu.Unlock()
		e.logger.Warn().Str("symbol", symbol).Dur("backoff", delay).Msg("rate limited, backing off symbol")
	case errors.Is(err, apperrors.ErrInsufficientBalance):
		e.requestReconcile()
	case errors.Is(err, apperrors.ErrPriceIncrementInvalid):
		e.requestRuleRefresh()
	}
}

func (e *Engine) inBackoff(symbol string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.backoffs[symbol]
	return ok && now.Before(b.until)
}

func (e *Engine) clearBackoff(symbol string) {
	e.mu.Lock()
	delete(e.backoffs, symbol)
	e.mu.Unlock()
}

func (e *Engine) requestReconcile() {
	e.mu.Lock()
	e.reconcileNeeded = true
	e.mu.Unlock()
}

func (e *Engine) requestRuleRefresh() {
	e.mu.Lock()
	e.ruleRefreshNeeded = true
	e.mu.Unlock()
}

// ConsumeReconcileRequest reports and clears the reconcile flag.
func (e *Engine) ConsumeReconcileRequest() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.reconcileNeeded
	e.reconcileNeeded = false
	return v
}

// ConsumeRuleRefreshRequest reports and clears the rule refresh flag.
func (e *Engine) ConsumeRuleRefreshRequest() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.ruleRefreshNeeded
	e.ruleRefreshNeeded = false
	return v
}
