package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "ibis-agent/internal/errors"
	"ibis-agent/internal/models"
)

func newPaper(t *testing.T, initial float64) *PaperClient {
	t.Helper()
	return NewPaperClient(PaperClientConfig{
		QuoteAsset:     "USDT",
		InitialBalance: initial,
		TakerFeePct:    0.001,
		Logger:         zerolog.Nop(),
	})
}

func balanceOf(t *testing.T, p *PaperClient, asset string) models.Balance {
	t.Helper()
	balances, err := p.Balances(context.Background())
	require.NoError(t, err)
	for _, b := range balances {
		if b.Asset == asset {
			return b
		}
	}
	return models.Balance{Asset: asset}
}

func TestMarketBuyFillsImmediately(t *testing.T) {
	p := newPaper(t, 1000)
	p.MarkPrice("BTCUSDT", 50000)

	order, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: 0.01,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, order.Status)

	// 0.01 * 50000 = 500 notional plus 0.50 taker fee.
	assert.InDelta(t, 499.5, balanceOf(t, p, "USDT").Free, 1e-9)
	assert.InDelta(t, 0.01, balanceOf(t, p, "BTC").Free, 1e-9)

	fills, err := p.RecentFills(context.Background(), "BTCUSDT", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.InDelta(t, 0.5, fills[0].Fee, 1e-9)
}

func TestMarketOrderWithoutPriceFails(t *testing.T) {
	p := newPaper(t, 1000)

	_, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "NOPRICEUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: 1,
	})
	assert.ErrorIs(t, err, apperrors.ErrUnknownSymbol)
}

func TestInsufficientBalanceRejected(t *testing.T) {
	p := newPaper(t, 100)
	p.MarkPrice("BTCUSDT", 50000)

	_, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: 0.01,
	})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
	assert.InDelta(t, 100, balanceOf(t, p, "USDT").Free, 1e-9)
}

func TestLimitBuyRestsUntilCrossed(t *testing.T) {
	p := newPaper(t, 1000)
	p.MarkPrice("BTCUSDT", 50000)

	order, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Quantity: 0.01, Price: 49000,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOpen, order.Status)

	// Reservation locks the notional at the limit price.
	quote := balanceOf(t, p, "USDT")
	assert.InDelta(t, 510, quote.Free, 1e-9)
	assert.InDelta(t, 490, quote.Locked, 1e-9)

	open, err := p.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Price crosses the limit: the order fills at its limit price.
	p.MarkPrice("BTCUSDT", 48900)

	got, err := p.OrderStatus(context.Background(), "BTCUSDT", order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
	assert.InDelta(t, 0.01, balanceOf(t, p, "BTC").Free, 1e-9)
	assert.Zero(t, balanceOf(t, p, "USDT").Locked)

	open, err = p.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCancelReleasesReservation(t *testing.T) {
	p := newPaper(t, 1000)
	p.MarkPrice("BTCUSDT", 50000)

	order, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Quantity: 0.01, Price: 49000,
	})
	require.NoError(t, err)

	require.NoError(t, p.CancelOrder(context.Background(), "BTCUSDT", order.ID))

	quote := balanceOf(t, p, "USDT")
	assert.InDelta(t, 1000, quote.Free, 1e-9)
	assert.Zero(t, quote.Locked)

	// A cancelled order cannot be cancelled again.
	err = p.CancelOrder(context.Background(), "BTCUSDT", order.ID)
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestMarketOrderStatusServedFromFills(t *testing.T) {
	p := newPaper(t, 1000)
	p.MarkPrice("ETHUSDT", 3000)

	order, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "ETHUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: 0.1,
	})
	require.NoError(t, err)

	got, err := p.OrderStatus(context.Background(), "ETHUSDT", order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
	assert.Equal(t, 3000.0, got.Price)

	_, err = p.OrderStatus(context.Background(), "ETHUSDT", "missing")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

// A buy/sell round trip at one price must cost exactly the two taker
// fees; the simulator can never mint or burn quote currency.
func TestProperty_RoundTripCostsExactlyFees(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("quote shrinks by exactly two fees", prop.ForAll(
		func(price, qty float64) bool {
			p := NewPaperClient(PaperClientConfig{
				QuoteAsset:     "USDT",
				InitialBalance: 1_000_000,
				TakerFeePct:    0.001,
				Logger:         zerolog.Nop(),
			})
			p.MarkPrice("BTCUSDT", price)

			ctx := context.Background()
			if _, err := p.PlaceOrder(ctx, OrderRequest{
				Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: qty,
			}); err != nil {
				t.Logf("buy: %v", err)
				return false
			}
			if _, err := p.PlaceOrder(ctx, OrderRequest{
				Symbol: "BTCUSDT", Side: models.OrderSideSell, Type: models.OrderTypeMarket, Quantity: qty,
			}); err != nil {
				t.Logf("sell: %v", err)
				return false
			}

			balances, err := p.Balances(ctx)
			if err != nil {
				return false
			}
			var quote models.Balance
			for _, b := range balances {
				if b.Asset == "USDT" {
					quote = b
				}
			}

			expected := 1_000_000 - 2*qty*price*0.001
			if diff := quote.Free - expected; diff > 1e-6 || diff < -1e-6 {
				t.Logf("quote drifted: have %f want %f", quote.Free, expected)
				return false
			}
			return true
		},
		gen.Float64Range(0.01, 80000),
		gen.Float64Range(0.001, 2),
	))

	properties.TestingRun(t)
}
