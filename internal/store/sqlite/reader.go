package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/dexety/dex-trading-system/internal/model"
)

// Reader provides read-only access to recorded trades for replay.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	return &Reader{db: db}, nil
}

// ReadTrades returns the trades of symbol with fromMs <= ts < toMs, in
// arrival order. A non-positive toMs means no upper bound.
func (r *Reader) ReadTrades(symbol string, fromMs, toMs int64) ([]model.Trade, error) {
	q := `SELECT symbol, ts, price, qty, buyer_is_maker FROM trades WHERE symbol = ? AND ts >= ?`
	args := []any{symbol, fromMs}
	if toMs > 0 {
		q += ` AND ts < ?`
		args = append(args, toMs)
	}
	q += ` ORDER BY ts ASC, id ASC`

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query trades: %w", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.Symbol, &t.TS, &t.Price, &t.Qty, &t.BuyerIsMaker); err != nil {
			return nil, fmt.Errorf("sqlite scan trades: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Symbols lists every symbol with recorded trades.
func (r *Reader) Symbols() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT symbol FROM trades ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
