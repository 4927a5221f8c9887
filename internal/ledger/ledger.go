// Package ledger is the append-only durable log of realized trades.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"ibis-agent/internal/models"
)

// Ledger appends trade records to a JSONL file. Each append is synced
// before returning so a record is durable before dependent state
// mutations proceed.
type Ledger struct {
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	file    *os.File
	entropy *rand.Rand
}

// Open opens or creates the ledger file for appending.
func Open(path string, logger zerolog.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return &Ledger{
		path:    path,
		logger:  logger,
		file:    f,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// NewID returns a fresh ULID trade id. Ids from different milliseconds
// sort by time; ids from the same millisecond are in random order.
func (l *Ledger) NewID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), l.entropy).String()
}

// Append writes one record durably. Assigns an id if the record lacks
// one.
func (l *Ledger) Append(rec models.TradeRecord) (models.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.ID == "" {
		rec.ID = ulid.MustNew(ulid.Timestamp(time.Now()), l.entropy).String()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("marshaling trade record: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return rec, fmt.Errorf("appending trade record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return rec, fmt.Errorf("syncing ledger: %w", err)
	}
	l.logger.Debug().Str("trade_id", rec.ID).Str("symbol", rec.Symbol).Msg("ledger append")
	return rec, nil
}

// Replay streams every record in append order. Malformed lines are
// skipped with a warning rather than poisoning the whole history.
func (l *Ledger) Replay(fn func(models.TradeRecord) error) error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var rec models.TradeRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			l.logger.Warn().Int("line", lineNo).Err(err).Msg("skipping malformed ledger line")
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// All returns every record in append order.
func (l *Ledger) All() ([]models.TradeRecord, error) {
	var out []models.TradeRecord
	err := l.Replay(func(rec models.TradeRecord) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

// OpenLots returns the FIFO-unmatched buy quantity and entry price for
// a symbol: buys consumed by later sells within the lot tolerance are
// excluded. Used by the reconciler to reconstruct entries.
func (l *Ledger) OpenLots(symbol string, lotTolerance float64) (qty, avgEntry float64, err error) {
	type lot struct {
		qty   float64
		price float64
	}
	var lots []lot

	err = l.Replay(func(rec models.TradeRecord) error {
		if rec.Symbol != symbol {
			return nil
		}
		switch rec.Side {
		case models.OrderSideBuy:
			lots = append(lots, lot{qty: rec.Quantity, price: rec.Price})
		case models.OrderSideSell:
			remaining := rec.Quantity
			for i := 0; i < len(lots) && remaining > lotTolerance; i++ {
				take := lots[i].qty
				if take > remaining {
					take = remaining
				}
				lots[i].qty -= take
				remaining -= take
			}
			// Compact consumed lots.
			alive := lots[:0]
			for _, lt := range lots {
				if lt.qty > lotTolerance {
					alive = append(alive, lt)
				}
			}
			lots = alive
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	var notional float64
	for _, lt := range lots {
		qty += lt.qty
		notional += lt.qty * lt.price
	}
	if qty > 0 {
		avgEntry = notional / qty
	}
	return qty, avgEntry, nil
}

// Close closes the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
