// Package ingest forwards accepted hub events to external streams.
package ingest

import (
	"context"
	"errors"

	"github.com/example/fleet-dispatch/internal/models"
)

// Publisher receives every accepted location update and trip transition.
type Publisher interface {
	PublishLocation(ctx context.Context, rec models.DriverLocationRecord) error
	PublishTripStatus(ctx context.Context, ev models.TripStatusEvent) error
	Close() error
}

// Fanout forwards to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) PublishLocation(ctx context.Context, rec models.DriverLocationRecord) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishLocation(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) PublishTripStatus(ctx context.Context, ev models.TripStatusEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishTripStatus(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
