package redis

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned instead of calling Redis while the breaker is
// cooling down.
var ErrCircuitOpen = errors.New("redis: circuit open")

// State of a CircuitBreaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreaker stops cycle-report writes from piling onto a Redis that
// keeps failing. After maxFailures consecutive errors it trips; once
// resetTimeout has passed since the last error a single trial write is let
// through, and its result decides whether the breaker closes or trips again.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	// OnStateChange runs under the breaker lock; it must not call back in.
	OnStateChange func(from, to State)

	mu       sync.Mutex
	state    State
	failures int
	failedAt time.Time
	trial    bool // a half-open trial write is in flight
}

func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  max(maxFailures, 1),
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// Execute runs write unless the breaker refuses it, and records the outcome.
func (cb *CircuitBreaker) Execute(write func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := write()
	cb.settle(err)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.failedAt) > cb.resetTimeout {
		cb.moveTo(StateHalfOpen)
	}
	switch cb.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if cb.trial {
			return false
		}
		cb.trial = true
	}
	return true
}

func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasTrial := cb.state == StateHalfOpen
	cb.trial = false
	if err == nil {
		cb.failures = 0
		if wasTrial {
			cb.moveTo(StateClosed)
		}
		return
	}

	cb.failures++
	cb.failedAt = cb.now()
	if wasTrial || cb.failures >= cb.maxFailures {
		cb.moveTo(StateOpen)
	}
}

func (cb *CircuitBreaker) moveTo(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}

// CurrentState reports the state as of the last call; an open breaker whose
// timeout has passed still reads open until the next Execute.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures is the current run of consecutive errors.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
