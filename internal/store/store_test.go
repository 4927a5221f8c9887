package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibis-agent/internal/models"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func trade(id, symbol string, side models.OrderSide, pnl float64, ts time.Time) models.TradeRecord {
	rec := models.TradeRecord{
		ID:        id,
		Symbol:    symbol,
		Side:      side,
		Quantity:  1,
		Price:     100,
		Fee:       0.1,
		Timestamp: ts,
		Source:    models.FillSourceLive,
		Mode:      models.RegimeNormal,
	}
	if side == models.OrderSideSell {
		rec.Reason = models.CloseTakeProfit
		rec.RealizedPnL = pnl
	}
	return rec
}

func TestRecordTradeIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := trade("t-1", "BTCUSDT", models.OrderSideSell, 5, now)
	require.NoError(t, s.RecordTrade(ctx, rec))
	require.NoError(t, s.RecordTrade(ctx, rec))

	got, err := s.GetTrades(ctx, TradeFilter{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t-1", got[0].ID)
	assert.Equal(t, models.CloseTakeProfit, got[0].Reason)
	assert.Equal(t, models.RegimeNormal, got[0].Mode)
}

func TestRecordTradesBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	recs := []models.TradeRecord{
		trade("b-1", "ETHUSDT", models.OrderSideBuy, 0, now.Add(-2*time.Minute)),
		trade("b-2", "ETHUSDT", models.OrderSideSell, 3, now.Add(-time.Minute)),
		trade("b-2", "ETHUSDT", models.OrderSideSell, 3, now.Add(-time.Minute)), // duplicate id
	}
	require.NoError(t, s.RecordTrades(ctx, recs))
	require.NoError(t, s.RecordTrades(ctx, nil))

	got, err := s.GetTrades(ctx, TradeFilter{Symbol: "ETHUSDT"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestGetTradesFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.RecordTrade(ctx, trade("f-1", "BTCUSDT", models.OrderSideBuy, 0, now.Add(-48*time.Hour))))
	require.NoError(t, s.RecordTrade(ctx, trade("f-2", "BTCUSDT", models.OrderSideSell, 2, now.Add(-time.Hour))))
	require.NoError(t, s.RecordTrade(ctx, trade("f-3", "ETHUSDT", models.OrderSideSell, -1, now)))

	sells, err := s.GetTrades(ctx, TradeFilter{Side: models.OrderSideSell})
	require.NoError(t, err)
	require.Len(t, sells, 2)
	// Newest first.
	assert.Equal(t, "f-3", sells[0].ID)
	assert.Equal(t, "f-2", sells[1].ID)

	recent, err := s.GetTrades(ctx, TradeFilter{StartDate: now.Add(-24 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := s.GetTrades(ctx, TradeFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "f-3", limited[0].ID)
}

func TestSymbolPerformanceAggregates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Buys never count toward performance.
	require.NoError(t, s.RecordTrade(ctx, trade("p-0", "BTCUSDT", models.OrderSideBuy, 0, now)))
	for i, pnl := range []float64{4, 3, -2} {
		require.NoError(t, s.RecordTrade(ctx, trade(fmt.Sprintf("p-btc-%d", i), "BTCUSDT", models.OrderSideSell, pnl, now)))
	}
	require.NoError(t, s.RecordTrade(ctx, trade("p-eth-0", "ETHUSDT", models.OrderSideSell, 1, now)))

	stats, err := s.SymbolPerformance(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "BTCUSDT", stats[0].Symbol)
	assert.Equal(t, 3, stats[0].Closes)
	assert.Equal(t, 2, stats[0].Wins)
	assert.Equal(t, 1, stats[0].Losses)
	assert.InDelta(t, 5, stats[0].RealizedPnL, 1e-9)
	assert.InDelta(t, 0.3, stats[0].FeesPaid, 1e-9)

	assert.Equal(t, "ETHUSDT", stats[1].Symbol)
}

func TestDailySummaryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	day := models.DailyCounters{Day: "2026-08-05", Trades: 4, Wins: 3, Losses: 1, RealizedPnL: 6.5, FeesPaid: 0.4}
	require.NoError(t, s.SaveDailySummary(ctx, day))

	// Upsert replaces the row for the same day.
	day.Trades = 5
	require.NoError(t, s.SaveDailySummary(ctx, day))
	require.NoError(t, s.SaveDailySummary(ctx, models.DailyCounters{Day: "2026-08-04", Trades: 1}))

	got, err := s.GetDailySummaries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2026-08-05", got[0].Day)
	assert.Equal(t, 5, got[0].Trades)
	assert.Equal(t, "2026-08-04", got[1].Day)
}

func TestMetaRoundTrip(t *testing.T) {
	s := openTestStore(t)

	assert.Empty(t, s.GetMeta("last_reconcile"))
	require.NoError(t, s.SetMeta("last_reconcile", "2026-08-06T10:00:00Z"))
	assert.Equal(t, "2026-08-06T10:00:00Z", s.GetMeta("last_reconcile"))

	require.NoError(t, s.SetMeta("last_reconcile", "2026-08-06T11:00:00Z"))
	assert.Equal(t, "2026-08-06T11:00:00Z", s.GetMeta("last_reconcile"))
}
