// Package strategy turns the trade stream into jump signals.
//
// A JumpDetector feeds every price into a sliding min/max window and fires
// when max/min within the window crosses 1+threshold. Which extremum happened
// last decides the direction; Polarity decides whether that direction is
// traded with the move (continuation) or against it (reversion).
package strategy

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dexety/dex-trading-system/internal/logger"
	"github.com/dexety/dex-trading-system/internal/model"
	"github.com/dexety/dex-trading-system/internal/window"
)

// Polarity maps a detected move to an order side.
type Polarity int

const (
	// Continuation buys after a move up and sells after a move down.
	Continuation Polarity = iota
	// Reversion fades the move.
	Reversion
)

func (p Polarity) String() string {
	if p == Reversion {
		return "reversion"
	}
	return "continuation"
}

// ParsePolarity accepts "continuation" (or "") and "reversion".
func ParsePolarity(s string) (Polarity, error) {
	switch strings.ToLower(s) {
	case "", "continuation":
		return Continuation, nil
	case "reversion":
		return Reversion, nil
	}
	return Continuation, fmt.Errorf("strategy: unknown polarity %q", s)
}

// aliveEvery controls how often the detector logs its current ratio.
const aliveEvery = 100

// JumpDetector emits a Signal when the window ratio crosses the threshold.
// It never clears its window; the owner decides when a signal consumes it.
type JumpDetector struct {
	win       *window.Window
	threshold float64
	polarity  Polarity

	observed uint64
	log      zerolog.Logger
}

// NewJumpDetector creates a detector over a window of windowMs milliseconds.
func NewJumpDetector(windowMs int64, threshold float64, polarity Polarity) *JumpDetector {
	return &JumpDetector{
		win:       window.New(windowMs),
		threshold: threshold,
		polarity:  polarity,
		log:       logger.For("detector"),
	}
}

// Window exposes the underlying window so the owner can clear it.
func (d *JumpDetector) Window() *window.Window { return d.win }

// Threshold returns the configured signal threshold.
func (d *JumpDetector) Threshold() float64 { return d.threshold }

// Observe pushes a sample and returns a signal, or nil.
func (d *JumpDetector) Observe(price float64, ts int64) *model.Signal {
	d.observed++
	changed := d.win.Push(price, ts)

	if d.observed%aliveEvery == 0 {
		d.log.Debug().
			Float64("ratio", d.Ratio()).
			Int("window_len", d.win.Len()).
			Msg("listener alive")
	}

	if !changed {
		return nil
	}

	minV, maxV := d.win.MinValue(), d.win.MaxValue()
	ratio := maxV / minV
	if ratio < 1+d.threshold {
		return nil
	}

	minTS, maxTS := d.win.MinTimestamp(), d.win.MaxTimestamp()
	var dir model.Side
	switch {
	case maxTS > minTS:
		dir = model.SideBuy
	case maxTS < minTS:
		dir = model.SideSell
	default:
		return nil
	}
	if d.polarity == Reversion {
		dir = dir.Opposite()
	}

	return &model.Signal{
		Direction:  dir,
		DetectedAt: ts,
		Min:        minV,
		Max:        maxV,
		Ratio:      ratio,
	}
}

// ObserveTrade is Observe for a trade tick.
func (d *JumpDetector) ObserveTrade(t model.Trade) *model.Signal {
	return d.Observe(t.Price, t.TS)
}

// Ratio returns max/min of the current window, or 0 when it is empty.
func (d *JumpDetector) Ratio() float64 {
	if d.win.Len() == 0 {
		return 0
	}
	return d.win.MaxValue() / d.win.MinValue()
}
