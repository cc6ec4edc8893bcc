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
	defaultQueueSize   = 64
	defaultSendTimeout = 5 * time.Second
)

// Dispatcher fans events out to sinks on a background goroutine so that the
// supervisor never waits on a database. Events published while the queue is
// full are dropped and counted.
type Dispatcher struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	done    chan struct{}
	dropped atomic.Uint64
}

// NewDispatcher starts a dispatcher. With no sinks it still accepts events
// and discards them.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sinks:   append([]Sink(nil), sinks...),
		logger:  logger,
		timeout: defaultSendTimeout,
		queue:   make(chan Event, defaultQueueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish enqueues e without blocking.
func (d *Dispatcher) Publish(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- e:
	default:
		d.dropped.Add(1)
		d.logger.Warn("history queue full, dropping event", "type", e.Type, "name", e.Record.Name)
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := s.Send(ctx, e); err != nil {
				d.logger.Warn("history sink send failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events and closes sinks that implement io.Closer.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
	var firstErr error
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
