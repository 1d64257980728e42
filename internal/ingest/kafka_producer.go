package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/observability"
)

// KafkaPublisher writes locations keyed by driver and trip transitions keyed
// by trip, so per-key order survives partitioning. Writes are asynchronous and
// never hold up the hub.
type KafkaPublisher struct {
	locations *kafka.Writer
	trips     *kafka.Writer
}

func NewKafkaPublisher(brokers []string, locationTopic, tripTopic string, logger *slog.Logger) *KafkaPublisher {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
			Async:    true,
			Completion: func(_ []kafka.Message, err error) {
				if err != nil {
					observability.PublishErrors.WithLabelValues("kafka").Inc()
					if logger != nil {
						logger.Warn("kafka_write_failed", "topic", topic, "error", err)
					}
				}
			},
		}
	}
	return &KafkaPublisher{locations: newWriter(locationTopic), trips: newWriter(tripTopic)}
}

func (k *KafkaPublisher) PublishLocation(ctx context.Context, rec models.DriverLocationRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(rec.DriverID), Value: b})
}

func (k *KafkaPublisher) PublishTripStatus(ctx context.Context, ev models.TripStatusEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.trips.WriteMessages(ctx, kafka.Message{Key: []byte(ev.TripID), Value: b})
}

func (k *KafkaPublisher) Close() error {
	return errors.Join(k.locations.Close(), k.trips.Close())
}
