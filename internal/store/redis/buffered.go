package redis

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dexety/dex-trading-system/internal/logger"
	"github.com/dexety/dex-trading-system/internal/model"
)

const defaultMaxBuffer = 10000

type cycleWriter interface {
	writeCycle(ctx context.Context, r model.CycleReport) error
}

// BufferedPublisher routes cycle writes through a circuit breaker. Reports
// that cannot be written are kept locally (oldest dropped past maxBuffer)
// and replayed in order once a write succeeds again.
type BufferedPublisher struct {
	w   cycleWriter
	cb  *CircuitBreaker
	log zerolog.Logger

	mu     sync.Mutex
	buffer []model.CycleReport
	maxBuf int

	// OnBuffer is called when a report is buffered.
	OnBuffer func()
	// OnFlush is called after buffered reports were replayed.
	OnFlush func(count int)
}

// NewBufferedPublisher wraps p with cb.
func NewBufferedPublisher(p *Publisher, cb *CircuitBreaker, maxBufferSize int) *BufferedPublisher {
	return newBuffered(p, cb, maxBufferSize)
}

func newBuffered(w cycleWriter, cb *CircuitBreaker, maxBufferSize int) *BufferedPublisher {
	if maxBufferSize <= 0 {
		maxBufferSize = defaultMaxBuffer
	}
	return &BufferedPublisher{
		w:      w,
		cb:     cb,
		log:    logger.For("redis-buffer"),
		buffer: make([]model.CycleReport, 0, 64),
		maxBuf: maxBufferSize,
	}
}

// RecordCycle implements trader.CycleSink. A report that could not be
// written is buffered and nil is returned; it is not lost.
func (bp *BufferedPublisher) RecordCycle(ctx context.Context, r model.CycleReport) error {
	err := bp.cb.Execute(func() error { return bp.w.writeCycle(ctx, r) })
	if err != nil {
		if !errors.Is(err, ErrCircuitOpen) {
			bp.log.Warn().Err(err).Str("cycle", r.Key()).Msg("write failed, buffering")
		}
		bp.push(r)
		return nil
	}
	bp.flush(ctx)
	return nil
}

func (bp *BufferedPublisher) push(r model.CycleReport) {
	bp.mu.Lock()
	if len(bp.buffer) >= bp.maxBuf {
		bp.buffer = bp.buffer[1:]
	}
	bp.buffer = append(bp.buffer, r)
	bp.mu.Unlock()

	if bp.OnBuffer != nil {
		bp.OnBuffer()
	}
}

// flush replays buffered reports. It stops at the first failure and keeps
// the rest for the next successful write.
func (bp *BufferedPublisher) flush(ctx context.Context) {
	bp.mu.Lock()
	if len(bp.buffer) == 0 {
		bp.mu.Unlock()
		return
	}
	pending := bp.buffer
	bp.buffer = make([]model.CycleReport, 0, 64)
	bp.mu.Unlock()

	flushed := 0
	for i, r := range pending {
		err := bp.cb.Execute(func() error { return bp.w.writeCycle(ctx, r) })
		if err != nil {
			bp.mu.Lock()
			bp.buffer = append(pending[i:len(pending):len(pending)], bp.buffer...)
			if over := len(bp.buffer) - bp.maxBuf; over > 0 {
				bp.buffer = bp.buffer[over:]
			}
			bp.mu.Unlock()
			break
		}
		flushed++
	}

	if flushed > 0 {
		bp.log.Info().Int("count", flushed).Msg("flushed buffered cycles")
		if bp.OnFlush != nil {
			bp.OnFlush(flushed)
		}
	}
}

// PendingCount returns the number of buffered reports.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}

// Breaker returns the circuit breaker guarding writes.
func (bp *BufferedPublisher) Breaker() *CircuitBreaker { return bp.cb }
