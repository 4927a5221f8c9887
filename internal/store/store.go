// Package store mirrors ledger trades into SQLite for querying.
// The JSONL ledger is authoritative; this store is a derived view and
// may be rebuilt from it at any time.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ibis-agent/internal/models"
)

// TradeFilter represents filters for querying trades.
type TradeFilter struct {
	Symbol    string
	Side      models.OrderSide
	Reason    models.CloseReason
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}

// SymbolStats aggregates realized outcomes for one symbol.
type SymbolStats struct {
	Symbol      string
	Closes      int
	Wins        int
	Losses      int
	RealizedPnL float64
	FeesPaid    float64
}

// SQLiteStore keeps trades and run metadata in SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex

	metaCache map[string]string
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:        db,
		metaCache: make(map[string]string),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Trades table, mirrored from the ledger. id is the ledger trade id
	-- so replays are idempotent.
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		fee REAL NOT NULL,
		reason TEXT,
		realized_pnl REAL,
		source TEXT NOT NULL,
		regime TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Daily summary rows, one per UTC trading day.
	CREATE TABLE IF NOT EXISTS daily_summary (
		day TEXT PRIMARY KEY,
		trades INTEGER NOT NULL,
		wins INTEGER NOT NULL,
		losses INTEGER NOT NULL,
		realized_pnl REAL NOT NULL,
		fees_paid REAL NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Run metadata key/value pairs (last reconcile, schema notes).
	CREATE TABLE IF NOT EXISTS system_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
	CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp);
	CREATE INDEX IF NOT EXISTS idx_trades_side ON trades(side);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordTrade inserts a trade row. Re-inserting the same trade id is a
// no-op so ledger replays converge.
func (s *SQLiteStore) RecordTrade(ctx context.Context, rec models.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (id, timestamp, symbol, side, quantity, price, fee, reason, realized_pnl, source, regime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Timestamp.UTC(), rec.Symbol, string(rec.Side), rec.Quantity, rec.Price, rec.Fee, string(rec.Reason), rec.RealizedPnL, string(rec.Source), string(rec.Mode))
	if err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// RecordTrades inserts a batch in one transaction.
func (s *SQLiteStore) RecordTrades(ctx context.Context, recs []models.TradeRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO trades (id, timestamp, symbol, side, quantity, price, fee, reason, realized_pnl, source, regime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		_, err := stmt.ExecContext(ctx, rec.ID, rec.Timestamp.UTC(), rec.Symbol, string(rec.Side), rec.Quantity, rec.Price, rec.Fee, string(rec.Reason), rec.RealizedPnL, string(rec.Source), string(rec.Mode))
		if err != nil {
			return fmt.Errorf("failed to insert trade: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTrades retrieves trades matching the filter, newest first.
func (s *SQLiteStore) GetTrades(ctx context.Context, filter TradeFilter) ([]models.TradeRecord, error) {
	query := "SELECT id, timestamp, symbol, side, quantity, price, fee, reason, realized_pnl, source, regime FROM trades WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Side != "" {
		query += " AND side = ?"
		args = append(args, string(filter.Side))
	}
	if filter.Reason != "" {
		query += " AND reason = ?"
		args = append(args, string(filter.Reason))
	}
	if !filter.StartDate.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartDate.UTC())
	}
	if !filter.EndDate.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndDate.UTC())
	}

	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.TradeRecord
	for rows.Next() {
		var t models.TradeRecord
		var side, reason, source, regime string
		if err := rows.Scan(&t.ID, &t.Timestamp, &t.Symbol, &side, &t.Quantity, &t.Price, &t.Fee, &reason, &t.RealizedPnL, &source, &regime); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Side = models.OrderSide(side)
		t.Reason = models.CloseReason(reason)
		t.Source = models.FillSource(source)
		t.Mode = models.Regime(regime)
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// SymbolPerformance aggregates realized sells per symbol over the window.
func (s *SQLiteStore) SymbolPerformance(ctx context.Context, since time.Time) ([]SymbolStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			symbol,
			COUNT(*),
			SUM(CASE WHEN realized_pnl >= 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN realized_pnl < 0 THEN 1 ELSE 0 END),
			COALESCE(SUM(realized_pnl), 0),
			COALESCE(SUM(fee), 0)
		FROM trades
		WHERE side = ? AND timestamp >= ?
		GROUP BY symbol
		ORDER BY SUM(realized_pnl) DESC
	`, string(models.OrderSideSell), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query symbol performance: %w", err)
	}
	defer rows.Close()

	var stats []SymbolStats
	for rows.Next() {
		var st SymbolStats
		if err := rows.Scan(&st.Symbol, &st.Closes, &st.Wins, &st.Losses, &st.RealizedPnL, &st.FeesPaid); err != nil {
			return nil, fmt.Errorf("failed to scan symbol stats: %w", err)
		}
		stats = append(stats, st)
	}

	return stats, rows.Err()
}

// SaveDailySummary upserts the summary row for one day.
func (s *SQLiteStore) SaveDailySummary(ctx context.Context, c models.DailyCounters) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO daily_summary (day, trades, wins, losses, realized_pnl, fees_paid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.Day, c.Trades, c.Wins, c.Losses, c.RealizedPnL, c.FeesPaid, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save daily summary: %w", err)
	}
	return nil
}

// GetDailySummaries returns summaries for the most recent days.
func (s *SQLiteStore) GetDailySummaries(ctx context.Context, limit int) ([]models.DailyCounters, error) {
	query := "SELECT day, trades, wins, losses, realized_pnl, fees_paid FROM daily_summary ORDER BY day DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily summaries: %w", err)
	}
	defer rows.Close()

	var out []models.DailyCounters
	for rows.Next() {
		var c models.DailyCounters
		if err := rows.Scan(&c.Day, &c.Trades, &c.Wins, &c.Losses, &c.RealizedPnL, &c.FeesPaid); err != nil {
			return nil, fmt.Errorf("failed to scan daily summary: %w", err)
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

// GetMeta returns a system_state value, empty when absent.
func (s *SQLiteStore) GetMeta(key string) string {
	s.mu.RLock()
	if v, ok := s.metaCache[key]; ok {
		s.mu.RUnlock()
		return v
	}
	s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM system_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return ""
	}

	s.mu.Lock()
	s.metaCache[key] = value
	s.mu.Unlock()

	return value
}

// SetMeta sets a system_state value.
func (s *SQLiteStore) SetMeta(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set system state: %w", err)
	}

	s.mu.Lock()
	s.metaCache[key] = value
	s.mu.Unlock()

	return nil
}
