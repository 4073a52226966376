// Package portfolio tracks the realized result of a trading session: the
// cumulative profit of finished cycles, win/loss counts and drawdown, and
// the risk limits derived from them.
package portfolio

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/dexety/dex-trading-system/internal/model"
)

// Summary is a point-in-time view of the session.
type Summary struct {
	Cycles      int                   `json:"cycles"`
	Traded      int                   `json:"traded"`
	Wins        int                   `json:"wins"`
	Losses      int                   `json:"losses"`
	Profit      decimal.Decimal       `json:"profit"`
	Best        decimal.Decimal       `json:"best"`
	Worst       decimal.Decimal       `json:"worst"`
	MaxDrawdown decimal.Decimal       `json:"max_drawdown"`
	ByOutcome   map[model.Outcome]int `json:"by_outcome"`
	ByExit      map[string]int        `json:"by_exit"`
}

// WinRate returns wins / traded cycles, 0 when nothing traded.
func (s Summary) WinRate() float64 {
	if s.Traded == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Traded)
}

// Tracker accumulates cycle reports. It implements trader.CycleSink.
type Tracker struct {
	mu      sync.RWMutex
	sum     Summary
	peak    decimal.Decimal
	history []model.CycleReport
	keep    int

	// OnUpdate is called with the new summary after every report.
	OnUpdate func(s Summary)
}

// NewTracker creates a tracker keeping the last keep reports (default 500).
func NewTracker(keep int) *Tracker {
	if keep <= 0 {
		keep = 500
	}
	return &Tracker{
		sum: Summary{
			ByOutcome: make(map[model.Outcome]int),
			ByExit:    make(map[string]int),
		},
		history: make([]model.CycleReport, 0, 64),
		keep:    keep,
	}
}

// RecordCycle folds r into the session totals.
func (t *Tracker) RecordCycle(_ context.Context, r model.CycleReport) error {
	t.mu.Lock()
	s := &t.sum
	s.Cycles++
	s.ByOutcome[r.Outcome]++

	if r.Traded() {
		s.Traded++
		s.ByExit[r.ClosedBy.String()]++
		if r.Profit.IsPositive() {
			s.Wins++
		} else {
			s.Losses++
		}
		if s.Traded == 1 || r.Profit.GreaterThan(s.Best) {
			s.Best = r.Profit
		}
		if s.Traded == 1 || r.Profit.LessThan(s.Worst) {
			s.Worst = r.Profit
		}

		s.Profit = s.Profit.Add(r.Profit)
		if s.Profit.GreaterThan(t.peak) {
			t.peak = s.Profit
		}
		if dd := t.peak.Sub(s.Profit); dd.GreaterThan(s.MaxDrawdown) {
			s.MaxDrawdown = dd
		}
	}

	if len(t.history) >= t.keep {
		t.history = t.history[1:]
	}
	t.history = append(t.history, r)
	snap := t.snapshotLocked()
	t.mu.Unlock()

	if t.OnUpdate != nil {
		t.OnUpdate(snap)
	}
	return nil
}

// Summary returns a copy of the session totals.
func (t *Tracker) Summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// Drawdown returns the distance of the current profit below its peak.
func (t *Tracker) Drawdown() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peak.Sub(t.sum.Profit)
}

// History returns the retained reports, oldest first.
func (t *Tracker) History() []model.CycleReport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp := make([]model.CycleReport, len(t.history))
	copy(cp, t.history)
	return cp
}

func (t *Tracker) snapshotLocked() Summary {
	s := t.sum
	s.ByOutcome = make(map[model.Outcome]int, len(t.sum.ByOutcome))
	for k, v := range t.sum.ByOutcome {
		s.ByOutcome[k] = v
	}
	s.ByExit = make(map[string]int, len(t.sum.ByExit))
	for k, v := range t.sum.ByExit {
		s.ByExit[k] = v
	}
	return s
}
