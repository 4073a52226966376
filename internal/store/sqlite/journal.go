package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dexety/dex-trading-system/internal/model"
)

// Journal persists cycle reports for analysis and audit.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// NewJournal opens (or creates) the cycle journal.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// DB exposes the connection for liveness probes.
func (j *Journal) DB() *sql.DB { return j.db }

// RecordCycle persists a cycle report. Re-recording the same cycle of the
// same run replaces the row.
func (j *Journal) RecordCycle(ctx context.Context, r model.CycleReport) error {
	sig, err := json.Marshal(r.Signal)
	if err != nil {
		return fmt.Errorf("journal: marshal signal: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	_, err = j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cycles
		 (run_id, cycle, symbol, side, outcome, quantity, open_price, close_price, closed_by, profit, signal, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID,
		r.Cycle,
		r.Symbol,
		string(r.Side),
		string(r.Outcome),
		r.Quantity.String(),
		r.OpenPrice.String(),
		r.ClosePrice.String(),
		r.ClosedBy.String(),
		r.Profit.String(),
		string(sig),
		r.StartedAt.UnixMilli(),
		r.EndedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("journal: insert cycle: %w", err)
	}
	return nil
}

// RecentCycles returns the last N cycles of a symbol, newest first.
func (j *Journal) RecentCycles(symbol string, limit int) ([]model.CycleReport, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT run_id, cycle, symbol, side, outcome, quantity, open_price, close_price, closed_by, profit, signal, started_at, ended_at
		 FROM cycles WHERE symbol = ? ORDER BY ended_at DESC, id DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query cycles: %w", err)
	}
	defer rows.Close()

	var out []model.CycleReport
	for rows.Next() {
		var (
			r                            model.CycleReport
			side, outcome, closedBy, sig string
			qty, openPx, closePx, profit string
			startedMs, endedMs           int64
		)
		if err := rows.Scan(&r.RunID, &r.Cycle, &r.Symbol, &side, &outcome, &qty, &openPx, &closePx,
			&closedBy, &profit, &sig, &startedMs, &endedMs); err != nil {
			return nil, fmt.Errorf("journal: scan cycle: %w", err)
		}
		r.Side = model.Side(side)
		r.Outcome = model.Outcome(outcome)
		r.StartedAt = time.UnixMilli(startedMs).UTC()
		r.EndedAt = time.UnixMilli(endedMs).UTC()
		if err := decodeCycleColumns(&r, closedBy, sig, qty, openPx, closePx, profit); err != nil {
			return nil, fmt.Errorf("journal: decode cycle %s:%d: %w", r.Symbol, r.Cycle, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeCycleColumns(r *model.CycleReport, closedBy, sig, qty, openPx, closePx, profit string) error {
	if err := r.ClosedBy.UnmarshalText([]byte(closedBy)); err != nil {
		return err
	}
	if sig != "" {
		if err := json.Unmarshal([]byte(sig), &r.Signal); err != nil {
			return fmt.Errorf("signal: %w", err)
		}
	}
	for _, col := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"quantity", qty, &r.Quantity},
		{"open_price", openPx, &r.OpenPrice},
		{"close_price", closePx, &r.ClosePrice},
		{"profit", profit, &r.Profit},
	} {
		d, err := decimal.NewFromString(col.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", col.name, err)
		}
		*col.dst = d
	}
	return nil
}

// TotalProfit sums the profit of every traded cycle of a symbol.
func (j *Journal) TotalProfit(symbol string) (decimal.Decimal, error) {
	cycles, err := j.RecentCycles(symbol, -1)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for i := range cycles {
		if cycles[i].Traded() {
			total = total.Add(cycles[i].Profit)
		}
	}
	return total, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
