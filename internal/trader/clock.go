package trader

import (
	"sync"
	"time"
)

// Clock is the coordinator's time source. The mirror-leg timeout is measured
// on it, so a replay clock keeps backtest timeouts in event time.
type Clock interface {
	Now() time.Time
	// Deadline returns a channel closed once the clock reaches at. The
	// coordinator calls release when it stops waiting or has acted on the
	// deadline; a replay clock holds back later trades until then.
	Deadline(at time.Time) (fired <-chan struct{}, release func())
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Deadline(at time.Time) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	var once sync.Once
	t := time.AfterFunc(time.Until(at), func() { once.Do(func() { close(ch) }) })
	return ch, func() { t.Stop() }
}
