package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/observability"
)

var (
	ErrQueueFull = errors.New("publish queue full")
	ErrClosed    = errors.New("publisher closed")
)

// Async puts a bounded queue in front of a synchronous publisher. Publish
// calls never block: when the queue is full the event is dropped and
// ErrQueueFull returned. A single goroutine drains the queue, giving every
// delivery its own timeout.
type Async struct {
	next    Publisher
	sink    string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}
}

type job struct {
	name string
	run  func(ctx context.Context) error
}

func NewAsync(next Publisher, sink string, buffer int, timeout time.Duration, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	a := &Async{
		next:    next,
		sink:    sink,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan job, buffer),
		done:    make(chan struct{}),
	}
	go a.drain()
	return a
}

func (a *Async) PublishLocation(_ context.Context, rec models.DriverLocationRecord) error {
	return a.enqueue(job{name: "location", run: func(ctx context.Context) error {
		return a.next.PublishLocation(ctx, rec)
	}})
}

func (a *Async) PublishTripStatus(_ context.Context, ev models.TripStatusEvent) error {
	return a.enqueue(job{name: "trip", run: func(ctx context.Context) error {
		return a.next.PublishTripStatus(ctx, ev)
	}})
}

func (a *Async) enqueue(j job) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- j:
		return nil
	default:
		observability.PublishErrors.WithLabelValues(a.sink).Inc()
		return ErrQueueFull
	}
}

func (a *Async) drain() {
	defer close(a.done)
	for j := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := j.run(ctx)
		cancel()
		if err != nil {
			observability.PublishErrors.WithLabelValues(a.sink).Inc()
			if a.logger != nil {
				a.logger.Warn("publish_failed", "sink", a.sink, "event", j.name, "error", err)
			}
		}
	}
}

// Close stops accepting events, delivers what is already queued and closes
// the wrapped publisher.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
	return a.next.Close()
}
