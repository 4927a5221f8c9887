// Package models provides domain models for the trading agent.
package models

import (
	"time"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus represents the lifecycle state of an exchange order.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// SymbolRule holds the exchange-enforced trading rules for a symbol.
// Tick and lot increments discretize price and quantity; MinNotional is
// the minimum order value in quote currency.
type SymbolRule struct {
	Symbol      string    `json:"symbol"`
	BaseAsset   string    `json:"base_asset"`
	QuoteAsset  string    `json:"quote_asset"`
	TickSize    float64   `json:"tick_size"`
	LotSize     float64   `json:"lot_size"`
	MinNotional float64   `json:"min_notional"`
	Active      bool      `json:"active"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Valid reports whether the rule carries usable increments.
func (r SymbolRule) Valid() bool {
	return r.TickSize > 0 && r.LotSize > 0 && r.MinNotional > 0
}

// Candle represents OHLCV data for a time period. Immutable once closed.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Ticker represents a 24h market snapshot for a symbol.
type Ticker struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Volume24h     float64   `json:"volume_24h"`
	Change24h     float64   `json:"change_24h"` // fractional, +0.05 == +5%
	Timestamp     time.Time `json:"timestamp"`
}

// Balance represents free and locked amounts for one asset.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Total returns free plus locked.
func (b Balance) Total() float64 { return b.Free + b.Locked }

// Order represents an order resting on the exchange.
type Order struct {
	ID       string      `json:"id"`
	Symbol   string      `json:"symbol"`
	Side     OrderSide   `json:"side"`
	Type     OrderType   `json:"type"`
	Quantity float64     `json:"quantity"`
	Price    float64     `json:"price"`
	Status   OrderStatus `json:"status"`
	PlacedAt time.Time   `json:"placed_at"`
}

// FilledOrder represents a completed fill reported by the exchange.
type FilledOrder struct {
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     OrderSide `json:"side"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	Fee      float64   `json:"fee"`
	FilledAt time.Time `json:"filled_at"`
}

// Notional returns the quote-currency value of the fill.
func (f FilledOrder) Notional() float64 { return f.Quantity * f.Price }
