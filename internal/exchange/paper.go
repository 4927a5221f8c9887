package exchange

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	apperrors "ibis-agent/internal/errors"
	"ibis-agent/internal/models"
)

// PaperClient simulates an exchange account against real market data.
// Market data reads pass through to the data client; account state and
// order fills are simulated locally.
type PaperClient struct {
	data   Client
	logger zerolog.Logger

	mu       sync.RWMutex
	balances map[string]*models.Balance
	orders   map[string]*models.Order
	fills    []models.FilledOrder
	prices   map[string]float64
	rules    map[string]models.SymbolRule
	quote    string
	takerFee float64
	entropy  *rand.Rand
}

// PaperClientConfig holds paper client configuration.
type PaperClientConfig struct {
	Data           Client
	QuoteAsset     string
	InitialBalance float64
	TakerFeePct    float64
	Logger         zerolog.Logger
}

// NewPaperClient creates a paper trading client.
func NewPaperClient(cfg PaperClientConfig) *PaperClient {
	quote := cfg.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}
	initial := cfg.InitialBalance
	if initial == 0 {
		initial = 1000
	}
	p := &PaperClient{
		data:     cfg.Data,
		logger:   cfg.Logger,
		balances: make(map[string]*models.Balance),
		orders:   make(map[string]*models.Order),
		prices:   make(map[string]float64),
		rules:    make(map[string]models.SymbolRule),
		quote:    quote,
		takerFee: cfg.TakerFeePct,
		entropy:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	p.balances[quote] = &models.Balance{Asset: quote, Free: initial}
	return p
}

func (p *PaperClient) newOrderID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), p.entropy).String()
}

// SymbolRules passes through to the data client and caches the result
// for base-asset resolution.
func (p *PaperClient) SymbolRules(ctx context.Context) ([]models.SymbolRule, error) {
	rules, err := p.data.SymbolRules(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	for _, r := range rules {
		p.rules[r.Symbol] = r
	}
	p.mu.Unlock()
	return rules, nil
}

// Tickers passes through to the data client and refreshes the local
// price cache, filling any crossed limit orders.
func (p *PaperClient) Tickers(ctx context.Context) ([]models.Ticker, error) {
	tickers, err := p.data.Tickers(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	for _, t := range tickers {
		p.prices[t.Symbol] = t.Price
	}
	p.fillCrossedLocked()
	p.mu.Unlock()
	return tickers, nil
}

// Candles passes through to the data client.
func (p *PaperClient) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return p.data.Candles(ctx, symbol, interval, limit)
}

// MarkPrice injects a price, filling any crossed limit orders. Used by
// the ticker stream and by simulation.
func (p *PaperClient) MarkPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	p.fillCrossedLocked()
}

// Balances returns the simulated account balances.
func (p *PaperClient) Balances(ctx context.Context) ([]models.Balance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.Balance, 0, len(p.balances))
	for _, b := range p.balances {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// PlaceOrder simulates order placement. Market orders fill immediately
// at the cached price; limit orders rest until crossed.
func (p *PaperClient) PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[req.Symbol]
	if !ok {
		return nil, apperrors.NewExchangeError("place_order", req.Symbol, apperrors.ErrUnknownSymbol)
	}

	order := &models.Order{
		ID:       p.newOrderID(),
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Quantity: req.Quantity,
		Price:    req.Price,
		Status:   models.OrderStatusOpen,
		PlacedAt: time.Now().UTC(),
	}

	switch req.Type {
	case models.OrderTypeMarket:
		if err := p.settleLocked(order, price); err != nil {
			return nil, err
		}
	case models.OrderTypeLimit:
		if err := p.reserveLocked(order); err != nil {
			return nil, err
		}
		p.orders[order.ID] = order
		// A marketable limit order fills here, before PlaceOrder returns.
		p.fillCrossedLocked()
	}

	return p.snapshotLocked(order.ID, order), nil
}

// snapshotLocked returns a copy of order safe to hand to callers outside the lock.
func (p *PaperClient) snapshotLocked(orderID string, order *models.Order) *models.Order {
	cp := *order
	return &cp
}

// reserveLocked locks the funds a resting order requires.
func (p *PaperClient) reserveLocked(order *models.Order) error {
	if order.Side == models.OrderSideBuy {
		notional := order.Quantity * order.Price
		quote := p.balance(p.quote)
		if quote.Free < notional {
			return apperrors.NewExchangeError("place_order", order.Symbol, apperrors.ErrInsufficientBalance)
		}
		quote.Free -= notional
		quote.Locked += notional
		return nil
	}
	base := p.balance(p.baseAsset(order.Symbol))
	if base.Free < order.Quantity {
		return apperrors.NewExchangeError("place_order", order.Symbol, apperrors.ErrInsufficientBalance)
	}
	base.Free -= order.Quantity
	base.Locked += order.Quantity
	return nil
}

// settleLocked executes an order at the given price and records the fill.
func (p *PaperClient) settleLocked(order *models.Order, price float64) error {
	notional := order.Quantity * price
	fee := notional * p.takerFee
	baseAsset := p.baseAsset(order.Symbol)

	if order.Side == models.OrderSideBuy {
		quote := p.balance(p.quote)
		if order.Status == models.OrderStatusOpen && p.orders[order.ID] != nil {
			// Resting order: funds were locked at limit price.
			locked := order.Quantity * order.Price
			quote.Locked -= locked
			quote.Free += locked - notional - fee
		} else {
			if quote.Free < notional+fee {
				return apperrors.NewExchangeError("fill", order.Symbol, apperrors.ErrInsufficientBalance)
			}
			quote.Free -= notional + fee
		}
		p.balance(baseAsset).Free += order.Quantity
	} else {
		base := p.balance(baseAsset)
		if p.orders[order.ID] != nil {
			base.Locked -= order.Quantity
		} else {
			if base.Free < order.Quantity {
				return apperrors.NewExchangeError("fill", order.Symbol, apperrors.ErrInsufficientBalance)
			}
			base.Free -= order.Quantity
		}
		p.balance(p.quote).Free += notional - fee
	}

	order.Status = models.OrderStatusFilled
	p.fills = append(p.fills, models.FilledOrder{
		OrderID:  order.ID,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Quantity: order.Quantity,
		Price:    price,
		Fee:      fee,
		FilledAt: time.Now().UTC(),
	})
	p.logger.Debug().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("price", price).
		Msg("paper fill")
	return nil
}

// fillCrossedLocked fills resting limit orders crossed by cached prices.
func (p *PaperClient) fillCrossedLocked() {
	for _, order := range p.orders {
		if order.Status != models.OrderStatusOpen {
			continue
		}
		price, ok := p.prices[order.Symbol]
		if !ok {
			continue
		}
		crossed := (order.Side == models.OrderSideBuy && price <= order.Price) ||
			(order.Side == models.OrderSideSell && price >= order.Price)
		if crossed {
			// Limit orders fill at their limit price.
			_ = p.settleLocked(order, order.Price)
		}
	}
}

// CancelOrder cancels a resting order and releases its reservation.
func (p *PaperClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok || order.Status != models.OrderStatusOpen {
		return apperrors.NewExchangeError("cancel_order", symbol, apperrors.ErrOrderNotFound)
	}

	if order.Side == models.OrderSideBuy {
		notional := order.Quantity * order.Price
		quote := p.balance(p.quote)
		quote.Locked -= notional
		quote.Free += notional
	} else {
		base := p.balance(p.baseAsset(order.Symbol))
		base.Locked -= order.Quantity
		base.Free += order.Quantity
	}
	order.Status = models.OrderStatusCancelled
	return nil
}

// OrderStatus returns the current state of an order.
func (p *PaperClient) OrderStatus(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	order, ok := p.orders[orderID]
	if !ok {
		// Market orders are not retained; report them from fills.
		for _, f := range p.fills {
			if f.OrderID == orderID {
				return &models.Order{
					ID:       f.OrderID,
					Symbol:   f.Symbol,
					Side:     f.Side,
					Type:     models.OrderTypeMarket,
					Quantity: f.Quantity,
					Price:    f.Price,
					Status:   models.OrderStatusFilled,
					PlacedAt: f.FilledAt,
				}, nil
			}
		}
		return nil, apperrors.NewExchangeError("order_status", symbol, apperrors.ErrOrderNotFound)
	}
	cp := *order
	return &cp, nil
}

// OpenOrders returns all resting orders.
func (p *PaperClient) OpenOrders(ctx context.Context) ([]models.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []models.Order
	for _, o := range p.orders {
		if o.Status == models.OrderStatusOpen {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out, nil
}

// RecentFills returns simulated fills since the given instant.
func (p *PaperClient) RecentFills(ctx context.Context, symbol string, since time.Time) ([]models.FilledOrder, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []models.FilledOrder
	for _, f := range p.fills {
		if f.Symbol == symbol && f.FilledAt.After(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (p *PaperClient) balance(asset string) *models.Balance {
	b, ok := p.balances[asset]
	if !ok {
		b = &models.Balance{Asset: asset}
		p.balances[asset] = b
	}
	return b
}

func (p *PaperClient) baseAsset(symbol string) string {
	if r, ok := p.rules[symbol]; ok && r.BaseAsset != "" {
		return r.BaseAsset
	}
	return strings.TrimSuffix(symbol, p.quote)
}
