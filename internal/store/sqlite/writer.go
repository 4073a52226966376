// Package sqlite records raw trades and cycle reports in SQLite (WAL mode)
// and reads trades back for replay.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/dexety/dex-trading-system/internal/logger"
	"github.com/dexety/dex-trading-system/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/trades.db"
}

// Writer is a single-goroutine SQLite writer with transaction batching.
type Writer struct {
	db  *sql.DB
	log zerolog.Logger

	// OnFlush is called after every committed batch.
	OnFlush func(n int, took time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	l := logger.For("sqlite")
	l.Info().Str("path", cfg.DBPath).Msg("opened database")
	return &Writer{db: db, log: l}, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol         TEXT    NOT NULL,
			ts             INTEGER NOT NULL,
			price          REAL    NOT NULL,
			qty            REAL    NOT NULL,
			buyer_is_maker INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts ON trades(symbol, ts);

		CREATE TABLE IF NOT EXISTS cycles (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT    NOT NULL,
			cycle       INTEGER NOT NULL,
			symbol      TEXT    NOT NULL,
			side        TEXT    NOT NULL,
			outcome     TEXT    NOT NULL,
			quantity    TEXT    NOT NULL,
			open_price  TEXT    NOT NULL,
			close_price TEXT    NOT NULL,
			closed_by   TEXT    NOT NULL,
			profit      TEXT    NOT NULL,
			signal      TEXT    NOT NULL,
			started_at  INTEGER NOT NULL,
			ended_at    INTEGER NOT NULL,
			UNIQUE (run_id, symbol, cycle)
		);
		CREATE INDEX IF NOT EXISTS idx_cycles_symbol ON cycles(symbol, ended_at);
	`)
	return err
}

// Run reads trades from tradeCh and inserts them in batched transactions.
// Flushes every batchSize trades OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or tradeCh is closed.
func (w *Writer) Run(ctx context.Context, tradeCh <-chan model.Trade) {
	batch := make([]model.Trade, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.insertBatch(batch); err != nil {
			w.log.Error().Err(err).Int("rows", len(batch)).Msg("batch insert error")
		} else {
			took := time.Since(start)
			w.log.Debug().Int("rows", len(batch)).Dur("took", took).Msg("committed trades")
			if w.OnFlush != nil {
				w.OnFlush(len(batch), took)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case t, ok := <-tradeCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, t)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// insertBatch inserts a batch of trades in a single transaction.
func (w *Writer) insertBatch(trades []model.Trade) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO trades (symbol, ts, price, qty, buyer_is_maker)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.Exec(t.Symbol, t.TS, t.Price, t.Qty, t.BuyerIsMaker); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// GetLastTimestamp returns the last stored trade timestamp for a symbol.
// Returns 0 if no trades exist.
func (w *Writer) GetLastTimestamp(symbol string) (int64, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(`SELECT MAX(ts) FROM trades WHERE symbol = ?`, symbol).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
