package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/fleet-dispatch/internal/models"
)

// AMQPPublisher publishes to a topic exchange with routing keys
// driver.location.{org} and trip.status.{org}.
type AMQPPublisher struct {
	conn     *amqp.Connection
	mu       sync.Mutex // amqp channels are not safe for concurrent publishes
	ch       *amqp.Channel
	exchange string
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func locationRoutingKey(org string) string { return "driver.location." + org }
func tripRoutingKey(org string) string     { return "trip.status." + org }

func (p *AMQPPublisher) PublishLocation(ctx context.Context, rec models.DriverLocationRecord) error {
	return p.publish(ctx, locationRoutingKey(rec.OrganizationID), rec)
}

func (p *AMQPPublisher) PublishTripStatus(ctx context.Context, ev models.TripStatusEvent) error {
	return p.publish(ctx, tripRoutingKey(ev.OrganizationID), ev)
}

func (p *AMQPPublisher) publish(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}
