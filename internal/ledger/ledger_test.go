package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibis-agent/internal/models"
)

func openTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func buy(symbol string, qty, price float64) models.TradeRecord {
	return models.TradeRecord{
		Symbol:    symbol,
		Side:      models.OrderSideBuy,
		Quantity:  qty,
		Price:     price,
		Timestamp: time.Now().UTC(),
		Source:    models.FillSourceLive,
	}
}

func sell(symbol string, qty, price float64) models.TradeRecord {
	return models.TradeRecord{
		Symbol:    symbol,
		Side:      models.OrderSideSell,
		Quantity:  qty,
		Price:     price,
		Timestamp: time.Now().UTC(),
		Reason:    models.CloseTakeProfit,
		Source:    models.FillSourceLive,
	}
}

func TestAppendReplayRoundTrip(t *testing.T) {
	l, _ := openTestLedger(t)

	first, err := l.Append(buy("BTCUSDT", 0.001, 50000))
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	second, err := l.Append(sell("BTCUSDT", 0.001, 51000))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	all, err := l.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, models.OrderSideBuy, all[0].Side)
	assert.Equal(t, second.ID, all[1].ID)
	assert.Equal(t, models.OrderSideSell, all[1].Side)
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	l, path := openTestLedger(t)

	_, err := l.Append(buy("ETHUSDT", 0.01, 3000))
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{truncated garbage\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = l.Append(sell("ETHUSDT", 0.01, 3100))
	require.NoError(t, err)

	all, err := l.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestOpenLotsFIFO(t *testing.T) {
	l, _ := openTestLedger(t)
	const tol = 1e-9

	mustAppend := func(rec models.TradeRecord) {
		_, err := l.Append(rec)
		require.NoError(t, err)
	}

	mustAppend(buy("SOLUSDT", 1.0, 100))
	mustAppend(buy("SOLUSDT", 1.0, 120))
	mustAppend(sell("SOLUSDT", 1.0, 130))

	qty, avgEntry, err := l.OpenLots("SOLUSDT", tol)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, qty, tol)
	// FIFO: the sell consumed the 100 lot, the 120 lot remains.
	assert.InDelta(t, 120, avgEntry, 1e-9)
}

func TestOpenLotsPartialFill(t *testing.T) {
	l, _ := openTestLedger(t)
	const tol = 1e-9

	_, err := l.Append(buy("ADAUSDT", 10, 0.50))
	require.NoError(t, err)
	_, err = l.Append(sell("ADAUSDT", 4, 0.55))
	require.NoError(t, err)

	qty, avgEntry, err := l.OpenLots("ADAUSDT", tol)
	require.NoError(t, err)
	assert.InDelta(t, 6, qty, tol)
	assert.InDelta(t, 0.50, avgEntry, 1e-9)
}

func TestOpenLotsIgnoresOtherSymbols(t *testing.T) {
	l, _ := openTestLedger(t)

	_, err := l.Append(buy("BTCUSDT", 0.001, 50000))
	require.NoError(t, err)

	qty, avgEntry, err := l.OpenLots("ETHUSDT", 1e-9)
	require.NoError(t, err)
	assert.Zero(t, qty)
	assert.Zero(t, avgEntry)
}

func TestOpenLotsFlat(t *testing.T) {
	l, _ := openTestLedger(t)

	_, err := l.Append(buy("XRPUSDT", 100, 0.60))
	require.NoError(t, err)
	_, err = l.Append(sell("XRPUSDT", 100, 0.66))
	require.NoError(t, err)

	qty, _, err := l.OpenLots("XRPUSDT", 1e-9)
	require.NoError(t, err)
	assert.Zero(t, qty)
}
