package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "ibis-agent/internal/errors"
	"ibis-agent/internal/models"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestPersistRoundTrip(t *testing.T) {
	s, path := openTestStore(t)

	pos := models.Position{
		Symbol:     "BTCUSDT",
		Quantity:   0.002,
		EntryPrice: 50000,
		StopLoss:   49000,
		TakeProfit: 51000,
		OpenedAt:   time.Now().UTC().Truncate(time.Second),
		Mode:       models.RegimeNormal,
	}
	s.UpdatePosition(pos)
	s.SetRegime(models.RegimeBull)
	require.NoError(t, s.Persist())
	require.NoError(t, s.Close())

	reopened, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	snap := reopened.Snapshot()
	assert.Equal(t, models.RegimeBull, snap.LastRegime)
	require.Contains(t, snap.Positions, "BTCUSDT")
	assert.Equal(t, pos.Quantity, snap.Positions["BTCUSDT"].Quantity)
	assert.Equal(t, pos.EntryPrice, snap.Positions["BTCUSDT"].EntryPrice)
	assert.Equal(t, uint64(1), snap.Version)
}

func TestReserveRejectsDuplicates(t *testing.T) {
	s, _ := openTestStore(t)

	pb := models.PendingBuy{Symbol: "ETHUSDT", Notional: 20, PlacedAt: time.Now()}
	require.NoError(t, s.ReservePendingBuy(pb))

	err := s.ReservePendingBuy(pb)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateInFlight)

	// A live position blocks a new reservation too.
	s.DropPendingBuy("ETHUSDT")
	s.UpdatePosition(models.Position{Symbol: "ETHUSDT", Quantity: 0.01, EntryPrice: 3000})
	err = s.ReservePendingBuy(pb)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateInFlight)
}

func TestPromoteReplacesReservation(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.ReservePendingBuy(models.PendingBuy{Symbol: "SOLUSDT", Notional: 15}))
	s.PromotePendingBuy("SOLUSDT", models.Position{Symbol: "SOLUSDT", Quantity: 0.1, EntryPrice: 150})

	snap := s.Snapshot()
	assert.NotContains(t, snap.PendingBuys, "SOLUSDT")
	assert.Contains(t, snap.Positions, "SOLUSDT")
}

func TestRecordCloseDayRollover(t *testing.T) {
	s, _ := openTestStore(t)

	day1 := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	s.Quarantine("ADAUSDT", day1.Format("2006-01-02"))
	s.RecordClose(models.TradeRecord{Timestamp: day1, RealizedPnL: -3, Fee: 0.05})
	s.RecordClose(models.TradeRecord{Timestamp: day1, RealizedPnL: -2, Fee: 0.05})

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.Daily.Trades)
	assert.Equal(t, 2, snap.Daily.ConsecutiveLosses)
	assert.InDelta(t, -5, snap.Daily.RealizedPnL, 1e-9)
	assert.True(t, s.IsQuarantined("ADAUSDT", day1.Format("2006-01-02")))

	s.RecordClose(models.TradeRecord{Timestamp: day2, RealizedPnL: 4, Fee: 0.05})

	snap = s.Snapshot()
	assert.Equal(t, day2.Format("2006-01-02"), snap.Daily.Day)
	assert.Equal(t, 1, snap.Daily.Trades)
	assert.Equal(t, 0, snap.Daily.ConsecutiveLosses)
	assert.InDelta(t, 4, snap.Daily.RealizedPnL, 1e-9)
	assert.False(t, s.IsQuarantined("ADAUSDT", day2.Format("2006-01-02")))
}

func TestStalePendingBuys(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Now()

	require.NoError(t, s.ReservePendingBuy(models.PendingBuy{Symbol: "OLDUSDT", PlacedAt: now.Add(-5 * time.Minute)}))
	require.NoError(t, s.ReservePendingBuy(models.PendingBuy{Symbol: "NEWUSDT", PlacedAt: now.Add(-30 * time.Second)}))

	stale := s.StalePendingBuys(now, 2*time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, "OLDUSDT", stale[0].Symbol)
}

func TestLockBlocksSecondWriter(t *testing.T) {
	s, path := openTestStore(t)
	_ = s

	_, err := Open(path, zerolog.Nop())
	assert.Error(t, err)
}

func TestCorruptStateRestoresBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	s.UpdatePosition(models.Position{Symbol: "BTCUSDT", Quantity: 0.001, EntryPrice: 40000})
	require.NoError(t, s.Persist())
	// A second persist writes the first snapshot to the .bak file.
	s.SetRegime(models.RegimeFlat)
	require.NoError(t, s.Persist())
	require.NoError(t, s.Close())

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	restored, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer restored.Close()

	snap := restored.Snapshot()
	assert.Contains(t, snap.Positions, "BTCUSDT")
}

func TestSnapshotIsIsolated(t *testing.T) {
	s, _ := openTestStore(t)
	s.UpdatePosition(models.Position{Symbol: "BTCUSDT", Quantity: 1})

	snap := s.Snapshot()
	snap.Positions["BTCUSDT"] = models.Position{Symbol: "BTCUSDT", Quantity: 99}

	assert.Equal(t, 1.0, s.Snapshot().Positions["BTCUSDT"].Quantity)
}
