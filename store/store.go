// Package store is the persistence layer: a SQLite file holding
// engine snapshots (ledger, live orders, tuner parameters) and the
// realized trade log. Snapshots are written atomically after every
// state mutation so a restart can pick up mid-flight.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"hypergrid/logger"
)

// snapshot kinds
const (
	KindLedger = "ledger"
	KindOrders = "orders"
	KindParams = "params"
)

// snapshotKeep generations retained per kind
const snapshotKeep = 5

// ErrNotFound no snapshot of the requested kind exists
var ErrNotFound = fmt.Errorf("snapshot not found")

// Store is the SQLite-backed persistence handle
type Store struct {
	db *sql.DB
}

// Open creates or opens the database under dir
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "hypergrid.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}
	logger.Infof("✅ Database initialized at %s", dir)
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_kind ON snapshots(kind, id DESC)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			profit REAL DEFAULT 0,
			total_value REAL DEFAULT 0,
			traded_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol, id DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot writes one snapshot generation and prunes old ones of
// the same kind in a single transaction
func (s *Store) SaveSnapshot(kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s snapshot: %w", kind, err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO snapshots (kind, data, created_at) VALUES (?, ?, ?)`,
		kind, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to insert %s snapshot: %w", kind, err)
	}
	if _, err := tx.Exec(`DELETE FROM snapshots WHERE kind = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE kind = ? ORDER BY id DESC LIMIT ?
		)`, kind, kind, snapshotKeep); err != nil {
		return fmt.Errorf("failed to prune %s snapshots: %w", kind, err)
	}
	return tx.Commit()
}

// LoadSnapshot unmarshals the latest snapshot of kind into out and
// returns when it was written. Returns ErrNotFound when none exists.
func (s *Store) LoadSnapshot(kind string, out any) (time.Time, error) {
	var data string
	var createdAt time.Time
	err := s.db.QueryRow(`SELECT data, created_at FROM snapshots WHERE kind = ? ORDER BY id DESC LIMIT 1`,
		kind).Scan(&data, &createdAt)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load %s snapshot: %w", kind, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode %s snapshot: %w", kind, err)
	}
	return createdAt, nil
}

// TradeRow one realized trade in the log
type TradeRow struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	Profit     float64   `json:"profit"`
	TotalValue float64   `json:"total_value"`
	TradedAt   time.Time `json:"traded_at"`
}

// RecordTrade appends to the trade log
func (s *Store) RecordTrade(t TradeRow) error {
	_, err := s.db.Exec(`INSERT INTO trades (symbol, side, price, quantity, profit, total_value, traded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, t.Side, t.Price, t.Quantity, t.Profit, t.TotalValue, t.TradedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// RecentTrades returns up to limit trades, newest first
func (s *Store) RecentTrades(symbol string, limit int) ([]TradeRow, error) {
	rows, err := s.db.Query(`SELECT id, symbol, side, price, quantity, profit, total_value, traded_at
		FROM trades WHERE symbol = ? ORDER BY id DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var t TradeRow
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.Price, &t.Quantity, &t.Profit, &t.TotalValue, &t.TradedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
