// Package exchange provides the exchange client contract and its
// implementations.
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	apperrors "ibis-agent/internal/errors"
	"ibis-agent/internal/models"
)

// OrderRequest describes an order to be placed.
type OrderRequest struct {
	Symbol   string
	Side     models.OrderSide
	Type     models.OrderType
	Quantity float64
	Price    float64 // limit orders only
}

// Client is the exchange surface the agent depends on. Implementations
// must be safe for concurrent use.
type Client interface {
	// SymbolRules returns the current trading rules for all symbols.
	SymbolRules(ctx context.Context) ([]models.SymbolRule, error)
	// Tickers returns 24h snapshots for all symbols.
	Tickers(ctx context.Context) ([]models.Ticker, error)
	// Candles returns up to limit most recent closed candles.
	Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	// Balances returns free and locked amounts per asset.
	Balances(ctx context.Context) ([]models.Balance, error)
	// PlaceOrder submits an order and returns the exchange's view of it.
	PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error)
	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// OrderStatus returns the current state of an order.
	OrderStatus(ctx context.Context, symbol, orderID string) (*models.Order, error)
	// OpenOrders returns all resting orders.
	OpenOrders(ctx context.Context) ([]models.Order, error)
	// RecentFills returns fills executed since the given instant.
	RecentFills(ctx context.Context, symbol string, since time.Time) ([]models.FilledOrder, error)
}

// RESTClient talks to the exchange REST API.
type RESTClient struct {
	http    *resty.Client
	limiter *RateLimiter
	logger  zerolog.Logger
}

// NewRESTClient creates a REST client against the given base URL.
func NewRESTClient(baseURL string, limiter *RateLimiter, logger zerolog.Logger) *RESTClient {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(0)

	return &RESTClient{
		http:    http,
		limiter: limiter,
		logger:  logger,
	}
}

func (c *RESTClient) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		Get(path)
	c.logCall("GET", path, start, err)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransport, err.Error())
	}
	return c.mapStatus(resp)
}

func (c *RESTClient) post(ctx context.Context, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		Post(path)
	c.logCall("POST", path, start, err)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransport, err.Error())
	}
	return c.mapStatus(resp)
}

func (c *RESTClient) delete(ctx context.Context, path string, params map[string]string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Delete(path)
	c.logCall("DELETE", path, start, err)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransport, err.Error())
	}
	return c.mapStatus(resp)
}

func (c *RESTClient) logCall(method, path string, start time.Time, err error) {
	event := c.logger.Debug().
		Str("event", "api_call").
		Str("method", method).
		Str("endpoint", path).
		Dur("duration", time.Since(start))
	if err != nil {
		event.Err(err).Msg("API call failed")
	} else {
		event.Msg("API call completed")
	}
}

func (c *RESTClient) mapStatus(resp *resty.Response) error {
	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return apperrors.ErrRateLimited
	case resp.StatusCode() == http.StatusNotFound:
		return apperrors.ErrOrderNotFound
	case resp.StatusCode() >= 500:
		return apperrors.Wrap(apperrors.ErrExchangeUnavailable, fmt.Sprintf("status %d", resp.StatusCode()))
	case resp.StatusCode() >= 400:
		return apperrors.Wrap(apperrors.ErrTransport, fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	return nil
}

// SymbolRules returns the current trading rules for all symbols.
func (c *RESTClient) SymbolRules(ctx context.Context) ([]models.SymbolRule, error) {
	var rules []models.SymbolRule
	if err := c.get(ctx, "/api/v1/exchangeInfo", nil, &rules); err != nil {
		return nil, apperrors.NewExchangeError("symbol_rules", "", err)
	}
	return rules, nil
}

// Tickers returns 24h snapshots for all symbols.
func (c *RESTClient) Tickers(ctx context.Context) ([]models.Ticker, error) {
	var tickers []models.Ticker
	if err := c.get(ctx, "/api/v1/ticker/24hr", nil, &tickers); err != nil {
		return nil, apperrors.NewExchangeError("tickers", "", err)
	}
	return tickers, nil
}

// Candles returns up to limit most recent closed candles.
func (c *RESTClient) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	var candles []models.Candle
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    fmt.Sprintf("%d", limit),
	}
	if err := c.get(ctx, "/api/v1/klines", params, &candles); err != nil {
		return nil, apperrors.NewExchangeError("candles", symbol, err)
	}
	return candles, nil
}

// Balances returns free and locked amounts per asset.
func (c *RESTClient) Balances(ctx context.Context) ([]models.Balance, error) {
	var balances []models.Balance
	if err := c.get(ctx, "/api/v1/account/balances", nil, &balances); err != nil {
		return nil, apperrors.NewExchangeError("balances", "", err)
	}
	return balances, nil
}

// PlaceOrder submits an order and returns the exchange's view of it.
func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	var order models.Order
	if err := c.post(ctx, "/api/v1/order", req, &order); err != nil {
		return nil, apperrors.NewExchangeError("place_order", req.Symbol, err)
	}
	return &order, nil
}

// CancelOrder cancels a resting order.
func (c *RESTClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	if err := c.delete(ctx, "/api/v1/order", params); err != nil {
		return apperrors.NewExchangeError("cancel_order", symbol, err)
	}
	return nil
}

// OrderStatus returns the current state of an order.
func (c *RESTClient) OrderStatus(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	var order models.Order
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	if err := c.get(ctx, "/api/v1/order", params, &order); err != nil {
		return nil, apperrors.NewExchangeError("order_status", symbol, err)
	}
	return &order, nil
}

// OpenOrders returns all resting orders.
func (c *RESTClient) OpenOrders(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	if err := c.get(ctx, "/api/v1/openOrders", nil, &orders); err != nil {
		return nil, apperrors.NewExchangeError("open_orders", "", err)
	}
	return orders, nil
}

// RecentFills returns fills executed since the given instant.
func (c *RESTClient) RecentFills(ctx context.Context, symbol string, since time.Time) ([]models.FilledOrder, error) {
	var fills []models.FilledOrder
	params := map[string]string{
		"symbol":    symbol,
		"startTime": fmt.Sprintf("%d", since.UnixMilli()),
	}
	if err := c.get(ctx, "/api/v1/myTrades", params, &fills); err != nil {
		return nil, apperrors.NewExchangeError("recent_fills", symbol, err)
	}
	return fills, nil
}
