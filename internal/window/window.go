// Package window tracks the minimum and maximum price over a trailing
// event-time interval.
//
// Two monotonic deques hold the extremum candidates: mins is non-decreasing
// from the front, maxs is non-increasing from the front. A pushed point pops
// every back entry it dominates, so each point enters and leaves each deque at
// most once and Push is amortized O(1). A third FIFO holds every accepted
// timestamp and drives expiry.
//
// The window is event-time based: expiry is measured against the newest
// accepted timestamp, never the wall clock, so it lags when trades stop.
// Samples older than the newest accepted timestamp are dropped, not
// reordered; under clock skew between venues the window can therefore miss
// late prints.
package window

import (
	"github.com/dexety/dex-trading-system/internal/model"
	"github.com/dexety/dex-trading-system/internal/ringbuf"
)

// Values reported while the window is empty. Callers must treat them as
// "no signal possible yet", never as prices.
const (
	EmptyMin      = 1e8
	EmptyMax      = -1e8
	NoTimestamp   = -1
	DefaultSizeMs = 1000
)

// Window is a sliding min/max tracker. Not safe for concurrent use.
type Window struct {
	sizeMs int64

	mins       *ringbuf.Deque[model.PricePoint]
	maxs       *ringbuf.Deque[model.PricePoint]
	timestamps *ringbuf.Deque[int64]
}

// New creates a window spanning sizeMs milliseconds. A non-positive size
// falls back to DefaultSizeMs.
func New(sizeMs int64) *Window {
	if sizeMs <= 0 {
		sizeMs = DefaultSizeMs
	}
	return &Window{
		sizeMs:     sizeMs,
		mins:       ringbuf.New[model.PricePoint](64),
		maxs:       ringbuf.New[model.PricePoint](64),
		timestamps: ringbuf.New[int64](1024),
	}
}

// Size returns the window span in milliseconds.
func (w *Window) Size() int64 { return w.sizeMs }

// Len returns the number of samples currently inside the window.
func (w *Window) Len() int { return w.timestamps.Len() }

// Push adds a sample and reports whether the reported min or max value
// changed. Samples with ts before the last accepted timestamp are dropped and
// leave the window untouched.
func (w *Window) Push(price float64, ts int64) bool {
	if last, ok := w.timestamps.Back(); ok && ts < last {
		return false
	}

	oldMin, oldMax := w.MinValue(), w.MaxValue()

	w.expire(ts)
	w.timestamps.PushBack(ts)

	p := model.PricePoint{Price: price, TS: ts}
	for {
		back, ok := w.mins.Back()
		if !ok || back.Price < price {
			break
		}
		w.mins.PopBack()
	}
	w.mins.PushBack(p)

	for {
		back, ok := w.maxs.Back()
		if !ok || back.Price > price {
			break
		}
		w.maxs.PopBack()
	}
	w.maxs.PushBack(p)

	return oldMin != w.MinValue() || oldMax != w.MaxValue()
}

// PushPoint is Push for a PricePoint.
func (w *Window) PushPoint(p model.PricePoint) bool {
	return w.Push(p.Price, p.TS)
}

// expire drops every sample more than sizeMs older than newest. A sample
// exactly sizeMs old stays in the window.
func (w *Window) expire(newest int64) {
	for {
		first, ok := w.timestamps.Front()
		if !ok || newest-first <= w.sizeMs {
			return
		}
		w.timestamps.PopFront()
		if m, ok := w.mins.Front(); ok && m.TS == first {
			w.mins.PopFront()
		}
		if m, ok := w.maxs.Front(); ok && m.TS == first {
			w.maxs.PopFront()
		}
	}
}

// MinValue returns the lowest price in the window, or EmptyMin.
func (w *Window) MinValue() float64 {
	if p, ok := w.mins.Front(); ok {
		return p.Price
	}
	return EmptyMin
}

// MaxValue returns the highest price in the window, or EmptyMax.
func (w *Window) MaxValue() float64 {
	if p, ok := w.maxs.Front(); ok {
		return p.Price
	}
	return EmptyMax
}

// MinTimestamp returns the timestamp of the current minimum, or NoTimestamp.
// Among equal minima the latest one is kept.
func (w *Window) MinTimestamp() int64 {
	if p, ok := w.mins.Front(); ok {
		return p.TS
	}
	return NoTimestamp
}

// MaxTimestamp returns the timestamp of the current maximum, or NoTimestamp.
func (w *Window) MaxTimestamp() int64 {
	if p, ok := w.maxs.Front(); ok {
		return p.TS
	}
	return NoTimestamp
}

// LastTimestamp returns the newest accepted timestamp, or 0 when empty.
func (w *Window) LastTimestamp() int64 {
	if ts, ok := w.timestamps.Back(); ok {
		return ts
	}
	return 0
}

// Clear empties the window. The next Push behaves as on a fresh window.
func (w *Window) Clear() {
	w.timestamps.Clear()
	w.mins.Clear()
	w.maxs.Clear()
}
