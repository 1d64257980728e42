package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fleet-dispatch/internal/models"
)

// stalledBroker blocks every publish until its context expires.
type stalledBroker struct {
	mu        sync.Mutex
	attempts  int
	deadlines int
	closed    bool
}

func (b *stalledBroker) wait(ctx context.Context) error {
	b.mu.Lock()
	b.attempts++
	if _, ok := ctx.Deadline(); ok {
		b.deadlines++
	}
	b.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (b *stalledBroker) PublishLocation(ctx context.Context, _ models.DriverLocationRecord) error {
	return b.wait(ctx)
}

func (b *stalledBroker) PublishTripStatus(ctx context.Context, _ models.TripStatusEvent) error {
	return b.wait(ctx)
}

func (b *stalledBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func TestAsyncDropsInsteadOfBlocking(t *testing.T) {
	broker := &stalledBroker{}
	a := NewAsync(broker, "amqp", 2, 200*time.Millisecond, nil)

	dropped := 0
	for i := 0; i < 10; i++ {
		err := a.PublishLocation(context.Background(), models.DriverLocationRecord{DriverID: "drv-1"})
		if err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
			dropped++
		}
	}
	assert.GreaterOrEqual(t, dropped, 7)

	require.NoError(t, a.Close())
	broker.mu.Lock()
	defer broker.mu.Unlock()
	assert.True(t, broker.closed)
	assert.Equal(t, 10-dropped, broker.attempts, "queued events are delivered before close")
	assert.Equal(t, broker.attempts, broker.deadlines, "every delivery carries a timeout")
}

func TestAsyncDeliversInOrderAndRejectsAfterClose(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, "amqp", 8, time.Second, nil)
	ctx := context.Background()
	require.NoError(t, a.PublishLocation(ctx, models.DriverLocationRecord{DriverID: "drv-1"}))
	require.NoError(t, a.PublishLocation(ctx, models.DriverLocationRecord{DriverID: "drv-2"}))
	require.NoError(t, a.PublishTripStatus(ctx, models.TripStatusEvent{TripID: "t1"}))
	require.NoError(t, a.Close())

	assert.Equal(t, []string{"drv-1", "drv-2"}, rec.locations)
	assert.Equal(t, []string{"t1"}, rec.trips)
	assert.True(t, rec.closed)

	assert.ErrorIs(t, a.PublishLocation(ctx, models.DriverLocationRecord{DriverID: "drv-3"}), ErrClosed)
	assert.NoError(t, a.Close())
}
