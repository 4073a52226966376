package trader

import "sync"

// latch is a level-triggered flag: once Set it stays set, and every waiter
// on Done is released, until Reset arms it again.
type latch struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

// Set releases waiters. Setting an already-set latch is a no-op.
func (l *latch) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		return
	}
	l.set = true
	close(l.ch)
}

func (l *latch) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// Done returns a channel closed once the latch is set.
func (l *latch) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

// Reset re-arms the latch. Waiters holding the old channel are unaffected.
func (l *latch) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set {
		return
	}
	l.set = false
	l.ch = make(chan struct{})
}
