// Package notify delivers the single end-of-run event of every pipeline run.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coinflow/config"
	"coinflow/logger"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Event is the outcome of one run. TaskID is empty on success.
type Event struct {
	RunID   string    `json:"run_id"`
	RunAt   time.Time `json:"run_at"`
	Status  Status    `json:"status"`
	TaskID  string    `json:"task_id,omitempty"`
	Message string    `json:"message"`
}

func (e Event) String() string {
	if e.TaskID == "" {
		return fmt.Sprintf("coinflow run %s %s: %s", e.RunID, e.Status, e.Message)
	}
	return fmt.Sprintf("coinflow run %s %s at task %s: %s", e.RunID, e.Status, e.TaskID, e.Message)
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Log writes events to the application log. It is always part of the sink
// set built by New.
type Log struct {
	log *logger.Log
}

func NewLog() *Log {
	return &Log{log: logger.GetLogger()}
}

func (l *Log) Notify(_ context.Context, event Event) error {
	entry := l.log.WithComponent("notify").WithFields(logger.Fields{
		"run_id":  event.RunID,
		"run_at":  event.RunAt,
		"status":  event.Status,
		"task_id": event.TaskID,
	})
	if event.Status == StatusFailed {
		entry.Error(event.Message)
		return nil
	}
	entry.Info(event.Message)
	return nil
}

// Multi fans an event out to every sink. A failing sink does not stop the
// others; their errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases sinks that hold connections.
func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if c, ok := n.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// New builds the log sink plus every sink enabled in cfg.
func New(cfg config.NotifyConfig) (Multi, error) {
	sinks := Multi{NewLog()}

	if cfg.Slack.WebhookURL != "" {
		sinks = append(sinks, NewSlack(cfg.Slack, nil))
	}
	if cfg.AMQP.URL != "" {
		a, err := DialAMQP(cfg.AMQP)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, a)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := NewKafka(cfg.Kafka)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, k)
	}
	return sinks, nil
}
