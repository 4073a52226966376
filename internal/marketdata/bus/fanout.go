// Package bus distributes one input stream to several consumers.
package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dexety/dex-trading-system/internal/logger"
)

// FanOut broadcasts values from a single input channel to N output channels.
// If a lossy output channel is full, the value is dropped for that consumer.
// Lossless outputs are waited on instead, so they see every value.
type FanOut[T any] struct {
	mu       sync.RWMutex
	outputs  []chan T
	names    []string
	lossless []bool
	bufSize  int
	log      zerolog.Logger

	// OnDrop is called when a value is dropped for a subscriber.
	OnDrop func(subscriber string)
}

// New creates a FanOut with the given buffer size for output channels.
func New[T any](outputBufferSize int) *FanOut[T] {
	return &FanOut[T]{
		bufSize: outputBufferSize,
		log:     logger.For("bus"),
	}
}

// Subscribe creates and returns a new named lossy output channel.
func (f *FanOut[T]) Subscribe(name string) <-chan T {
	return f.subscribe(name, false)
}

// SubscribeLossless creates an output channel that never drops; a slow
// reader on it slows down every subscriber.
func (f *FanOut[T]) SubscribeLossless(name string) <-chan T {
	return f.subscribe(name, true)
}

func (f *FanOut[T]) subscribe(name string, lossless bool) <-chan T {
	ch := make(chan T, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.names = append(f.names, name)
	f.lossless = append(f.lossless, lossless)
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed; outputs are closed on return.
func (f *FanOut[T]) Run(ctx context.Context, input <-chan T) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for i, ch := range f.outputs {
				if f.lossless[i] {
					select {
					case ch <- v:
					case <-ctx.Done():
						f.mu.RUnlock()
						return
					}
					continue
				}
				select {
				case ch <- v:
				default:
					if f.OnDrop != nil {
						f.OnDrop(f.names[i])
					} else {
						f.log.Debug().Str("subscriber", f.names[i]).Msg("output channel full, dropping")
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat is the fill level of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns the fill level of every subscriber channel.
func (f *FanOut[T]) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Name: f.names[i], Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
