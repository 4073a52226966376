// Package replay re-emits recorded trades in event-time order at a
// configurable speed for backtesting, and exposes the replayed event time as
// a clock.
package replay

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dexety/dex-trading-system/internal/logger"
	"github.com/dexety/dex-trading-system/internal/model"
)

const maxGap = 5 * time.Second

// TradeSource loads recorded trades of a symbol with fromMs <= ts < toMs.
type TradeSource interface {
	ReadTrades(symbol string, fromMs, toMs int64) ([]model.Trade, error)
}

// Replayer replays trades from a TradeSource.
type Replayer struct {
	src   TradeSource
	clock atomic.Int64 // event time of the last emitted trade, ms
	log   zerolog.Logger

	mu        sync.Mutex
	deadlines []*deadline
	finished  bool

	// OnTrade is called synchronously for every trade once the clock has
	// moved to it, before the trade is sent to out.
	OnTrade func(t model.Trade)
}

type deadline struct {
	at       int64 // ms
	fired    chan struct{}
	released chan struct{}
	once     sync.Once
}

func (d *deadline) release() { d.once.Do(func() { close(d.released) }) }

// New creates a Replayer backed by src.
func New(src TradeSource) *Replayer {
	return &Replayer{src: src, log: logger.For("replay")}
}

// Now returns the event time of the last emitted trade, or the zero time
// before the first one.
func (r *Replayer) Now() time.Time {
	ms := r.clock.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Deadline returns a channel closed when the replay reaches at. Trades at
// or after at are held back until release is called, so whoever waits on the
// deadline acts before the market moves on. Once the replay has ended every
// deadline fires immediately.
func (r *Replayer) Deadline(at time.Time) (<-chan struct{}, func()) {
	d := &deadline{
		at:       at.UnixMilli(),
		fired:    make(chan struct{}),
		released: make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || (r.clock.Load() != 0 && d.at <= r.clock.Load()) {
		close(d.fired)
		d.release()
		return d.fired, d.release
	}
	r.deadlines = append(r.deadlines, d)
	return d.fired, func() {
		d.release()
		r.drop(d)
	}
}

func (r *Replayer) drop(d *deadline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.deadlines {
		if p == d {
			r.deadlines = append(r.deadlines[:i], r.deadlines[i+1:]...)
			return
		}
	}
}

// fireDue fires the deadlines at or before ts and waits until each is
// released.
func (r *Replayer) fireDue(ctx context.Context, ts int64) error {
	r.mu.Lock()
	var due []*deadline
	kept := r.deadlines[:0]
	for _, d := range r.deadlines {
		if d.at <= ts {
			due = append(due, d)
		} else {
			kept = append(kept, d)
		}
	}
	r.deadlines = kept
	r.mu.Unlock()

	for _, d := range due {
		close(d.fired)
		select {
		case <-d.released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// finish fires every pending deadline without waiting; no trade follows.
func (r *Replayer) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	for _, d := range r.deadlines {
		close(d.fired)
	}
	r.deadlines = nil
}

// Run emits the trades of symbol into out and returns the number emitted.
// speed controls the playback rate: 1 = real time, 10 = 10x, 0 = as fast
// as the consumers read. Gaps between trades are capped at 5s of wall time.
// out is not closed.
func (r *Replayer) Run(ctx context.Context, symbol string, fromMs, toMs int64, speed float64, out chan<- model.Trade) (int, error) {
	defer r.finish()

	trades, err := r.src.ReadTrades(symbol, fromMs, toMs)
	if err != nil {
		return 0, err
	}
	if len(trades) == 0 {
		r.log.Warn().Str("symbol", symbol).Msg("no trades recorded")
		return 0, nil
	}

	sort.SliceStable(trades, func(i, j int) bool { return trades[i].TS < trades[j].TS })

	r.log.Info().
		Str("symbol", symbol).
		Int("trades", len(trades)).
		Time("from", trades[0].Time()).
		Time("to", trades[len(trades)-1].Time()).
		Float64("speed", speed).
		Msg("replay loaded")

	emitted := 0
	var prevTS int64
	for _, t := range trades {
		if speed > 0 && prevTS != 0 {
			if gap := time.Duration(t.TS-prevTS) * time.Millisecond; gap > 0 {
				scaled := time.Duration(float64(gap) / speed)
				if scaled > maxGap {
					scaled = maxGap
				}
				timer := time.NewTimer(scaled)
				select {
				case <-ctx.Done():
					timer.Stop()
					return emitted, ctx.Err()
				case <-timer.C:
				}
			}
		}
		prevTS = t.TS

		if err := r.fireDue(ctx, t.TS); err != nil {
			return emitted, err
		}
		r.clock.Store(t.TS)
		if r.OnTrade != nil {
			r.OnTrade(t)
		}

		select {
		case <-ctx.Done():
			r.log.Info().Int("emitted", emitted).Msg("replay cancelled")
			return emitted, ctx.Err()
		case out <- t:
		}
		emitted++
	}

	r.log.Info().Int("emitted", emitted).Msg("replay completed")
	return emitted, nil
}
