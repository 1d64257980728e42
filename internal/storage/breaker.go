package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/observability"
)

// NewCircuitBreaker opens after three consecutive infrastructure failures.
// Validation errors from the store do not count as failures.
func NewCircuitBreaker(name string, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrIllegalTransition)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.BreakerStateChanges.WithLabelValues(name, to.String()).Inc()
			if logger != nil {
				logger.Warn("circuit_breaker_state", "name", name, "from", from.String(), "to", to.String())
			}
		},
	})
}

// BreakerStore guards a TripStore with a circuit breaker.
type BreakerStore struct {
	next TripStore
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerStore(next TripStore, cb *gobreaker.CircuitBreaker) *BreakerStore {
	return &BreakerStore{next: next, cb: cb}
}

func (b *BreakerStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.GetTrip(ctx, id)
	})
	if err != nil {
		return models.Trip{}, err
	}
	return v.(models.Trip), nil
}

func (b *BreakerStore) UpdateStatus(ctx context.Context, id string, from, to models.TripStatus) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.UpdateStatus(ctx, id, from, to)
	})
	return err
}
