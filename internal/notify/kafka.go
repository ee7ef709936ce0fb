package notify

import (
	"context"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	"coinflow/config"
	"coinflow/logger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes events keyed by run id.
type Kafka struct {
	writer messageWriter
	topic  string
	log    *logger.Log
}

func NewKafka(cfg config.KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "coinflow.runs"
	}
	k := &Kafka{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		topic: topic,
		log:   logger.GetLogger(),
	}
	k.log.WithComponent("kafka_notifier").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   topic,
	}).Debug("kafka notifier initialized")
	return k, nil
}

func (k *Kafka) Notify(ctx context.Context, event Event) error {
	data, err := event.encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.RunID),
		Value: data,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	k.log.WithComponent("kafka_notifier").WithFields(logger.Fields{
		"run_id": event.RunID,
		"topic":  k.topic,
	}).Debug("event written to kafka")
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
