// Package tradedb is the relational trading data store: two SQLite tables,
// trades and orders, plus the in-memory drawdown trackers that feed
// UpdateTradeMetrics. Exported methods follow the swallow-and-log policy for
// storage failures — the trading loop must never fault on a store error — so
// most of them return benign defaults instead of errors. The exceptions are
// the validation sentinels: ErrTradeExists, ErrTradeNotFound, ErrInvalidTrade.
package tradedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/kestrade/orbweaver/internal/models"
)

var (
	// ErrTradeExists is returned by StartTrade when the trade id is taken.
	ErrTradeExists = errors.New("tradedb: trade already exists")
	// ErrTradeNotFound is returned when a trade id matches no row.
	ErrTradeNotFound = errors.New("tradedb: trade not found")
	// ErrInvalidTrade is returned by StartTrade when required ids are blank.
	ErrInvalidTrade = errors.New("tradedb: trade id and strategy id required")
)

// snapshotCap bounds the in-memory (ts, pnl) ring per open trade.
const snapshotCap = 1000

// Store is the SQLite-backed trading data store.
type Store struct {
	db     *sql.DB
	logger *logrus.Entry

	mu       sync.Mutex
	trackers map[string]*tracker
}

// tracker holds the in-memory drawdown extrema and PnL snapshots of one open
// trade between metric updates.
type tracker struct {
	initialized bool
	maxProfit   float64
	maxLoss     float64
	maxLossTime time.Time
	samples     []models.PnLSample
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id         TEXT PRIMARY KEY,
	strategy_id      TEXT NOT NULL,
	instrument_id    TEXT NOT NULL,
	trade_type       TEXT NOT NULL,
	direction        TEXT NOT NULL,
	quantity         REAL NOT NULL,
	entry_time       TEXT NOT NULL,
	entry_price      REAL NOT NULL,
	exit_time        TEXT,
	exit_price       REAL,
	gross_pnl        REAL NOT NULL DEFAULT 0,
	commission       REAL NOT NULL DEFAULT 0,
	net_pnl          REAL NOT NULL DEFAULT 0,
	result           TEXT,
	max_profit       REAL NOT NULL DEFAULT 0,
	max_loss         REAL NOT NULL DEFAULT 0,
	max_unrealized_profit   REAL NOT NULL DEFAULT 0,
	max_unrealized_loss     REAL NOT NULL DEFAULT 0,
	max_unrealized_loss_time TEXT,
	snapshots        TEXT,
	strikes          TEXT,
	legs             TEXT,
	status           TEXT NOT NULL DEFAULT 'OPEN',
	exit_reason      TEXT,
	duration_secs    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_trades_strategy_id ON trades(strategy_id);
CREATE INDEX IF NOT EXISTS idx_trades_entry_time  ON trades(entry_time);
CREATE INDEX IF NOT EXISTS idx_trades_status      ON trades(status);

CREATE TABLE IF NOT EXISTS orders (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	trade_id          TEXT,
	strategy_id       TEXT NOT NULL,
	instrument_id     TEXT NOT NULL,
	direction         TEXT NOT NULL,
	side              TEXT NOT NULL,
	order_type        TEXT NOT NULL,
	quantity          REAL NOT NULL,
	limit_price       REAL,
	status            TEXT NOT NULL,
	submitted_time    TEXT NOT NULL,
	filled_time       TEXT,
	filled_qty        REAL NOT NULL DEFAULT 0,
	avg_fill_price    REAL NOT NULL DEFAULT 0,
	commission        REAL NOT NULL DEFAULT 0,
	exchange_order_id TEXT,
	client_order_id   TEXT,
	raw               TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_exchange_id ON orders(exchange_order_id)
	WHERE exchange_order_id IS NOT NULL AND exchange_order_id != '';
CREATE INDEX IF NOT EXISTS idx_orders_trade_id    ON orders(trade_id);
CREATE INDEX IF NOT EXISTS idx_orders_filled_time ON orders(filled_time);
`

// Open opens (or creates) the trading database at path. WAL journal mode and
// a busy timeout keep the single-writer workload snappy.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening trading db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging trading db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer, avoid SQLITE_BUSY churn
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{
		db:       db,
		logger:   logger.WithField("component", "tradedb"),
		trackers: make(map[string]*tracker),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the connection for maintenance jobs (WAL checkpoints).
func (s *Store) DB() *sql.DB { return s.db }

// --- time plumbing -----------------------------------------------------------

func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func encodeTimePtr(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return encodeTime(t)
}

func decodeTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
