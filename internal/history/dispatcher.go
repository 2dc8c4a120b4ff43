package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultBuffer      = 256
	defaultSendTimeout = 5 * time.Second
)

// Dispatcher fans events out to sinks on a background goroutine. Emit never
// blocks: when the buffer is full the event is dropped and counted.
// A nil *Dispatcher accepts and discards events.
type Dispatcher struct {
	sinks   []Sink
	logger  *slog.Logger
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewDispatcher starts a dispatcher. buffer <= 0 uses DefaultBuffer.
func NewDispatcher(logger *slog.Logger, buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sinks:  sinks,
		logger: logger,
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go d.loop()
	return d
}

// Emit queues e for delivery.
func (d *Dispatcher) Emit(e Event) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- e:
	default:
		d.dropped.Add(1)
		d.logger.Warn("history buffer full, dropping event", "type", e.Type)
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for e := range d.ch {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
			if err := s.Send(ctx, e); err != nil {
				d.logger.Warn("history sink send failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close stops accepting events, flushes what is queued and closes sinks that
// implement io.Closer. It returns ctx.Err() if flushing outlives ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.ch)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				d.logger.Warn("history sink close failed", "error", err)
			}
		}
	}
	return nil
}
