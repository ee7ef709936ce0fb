package notify

import (
	"context"
	"fmt"

	"github.com/streadway/amqp"

	"coinflow/config"
)

type amqpPublisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP publishes events as persistent JSON messages.
type AMQP struct {
	ch         amqpPublisher
	conn       *amqp.Connection
	exchange   string
	routingKey string
}

// DialAMQP connects to the broker and opens a channel.
func DialAMQP(cfg config.AMQPConfig) (*AMQP, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	return newAMQP(ch, cfg, conn), nil
}

func newAMQP(ch amqpPublisher, cfg config.AMQPConfig, conn *amqp.Connection) *AMQP {
	key := cfg.RoutingKey
	if key == "" {
		key = "coinflow.runs"
	}
	return &AMQP{ch: ch, conn: conn, exchange: cfg.Exchange, routingKey: key}
}

func (a *AMQP) Notify(_ context.Context, event Event) error {
	body, err := event.encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.RunID,
		Timestamp:    event.RunAt,
		Type:         string(event.Status),
		Body:         body,
	}
	if err := a.ch.Publish(a.exchange, a.routingKey, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish message to RabbitMQ: %w", err)
	}
	return nil
}

func (a *AMQP) Close() error {
	var errs []error
	if c, ok := a.ch.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing RabbitMQ channel: %w", err))
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing RabbitMQ connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors occurred during RabbitMQ shutdown: %v", errs)
	}
	return nil
}
