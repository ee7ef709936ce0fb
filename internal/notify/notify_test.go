package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinflow/config"
)

var failedEvent = Event{
	RunID:   "4f7c1f0e-run",
	RunAt:   time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
	Status:  StatusFailed,
	TaskID:  "ingestion.global",
	Message: "extract global_stats: status 500",
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "coinflow run 4f7c1f0e-run failed at task ingestion.global: extract global_stats: status 500", failedEvent.String())

	ok := Event{RunID: "r1", Status: StatusSucceeded, Message: "market=250 trending=7 global=1"}
	assert.Equal(t, "coinflow run r1 succeeded: market=250 trending=7 global=1", ok.String())
}

func TestSlackPostsWebhook(t *testing.T) {
	var got slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSlack(config.SlackConfig{WebhookURL: srv.URL, Username: "coinflow"}, srv.Client())
	require.NoError(t, s.Notify(context.Background(), failedEvent))

	assert.Equal(t, "coinflow", got.Username)
	assert.Contains(t, got.Text, ":red_circle:")
	assert.Contains(t, got.Text, "ingestion.global")
}

func TestSlackRejectedWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewSlack(config.SlackConfig{WebhookURL: srv.URL}, srv.Client()).Notify(context.Background(), failedEvent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "invalid_token")
}

type fakePublisher struct {
	exchange, key string
	msgs          []amqp.Publishing
	err           error
}

func (f *fakePublisher) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key = exchange, key
	f.msgs = append(f.msgs, msg)
	return f.err
}

func TestAMQPPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	a := newAMQP(pub, config.AMQPConfig{Exchange: "events"}, nil)

	require.NoError(t, a.Notify(context.Background(), failedEvent))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "events", pub.exchange)
	assert.Equal(t, "coinflow.runs", pub.key)

	msg := pub.msgs[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "failed", msg.Type)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, failedEvent, decoded)
	assert.NoError(t, a.Close())
}

func TestAMQPPublishError(t *testing.T) {
	a := newAMQP(&fakePublisher{err: amqp.ErrClosed}, config.AMQPConfig{RoutingKey: "runs"}, nil)
	err := a.Notify(context.Background(), failedEvent)
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaWritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	k, err := NewKafka(config.KafkaConfig{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	k.writer = w

	require.NoError(t, k.Notify(context.Background(), failedEvent))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte(failedEvent.RunID), w.msgs[0].Key)
	assert.JSONEq(t, `{"run_id":"4f7c1f0e-run","run_at":"2026-03-01T12:05:00Z","status":"failed","task_id":"ingestion.global","message":"extract global_stats: status 500"}`, string(w.msgs[0].Value))
	assert.Equal(t, "coinflow.runs", k.topic)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	_, err := NewKafka(config.KafkaConfig{Topic: "runs"})
	assert.Error(t, err)
}

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestMultiDeliversToEverySink(t *testing.T) {
	boom := errors.New("boom")
	first := &recordingNotifier{err: boom}
	second := &recordingNotifier{}

	err := Multi{first, second}.Notify(context.Background(), failedEvent)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, first.events, 1)
	assert.Len(t, second.events, 1)
}

func TestNewWithoutSinksKeepsLog(t *testing.T) {
	sinks, err := New(config.NotifyConfig{})
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.IsType(t, &Log{}, sinks[0])
	assert.NoError(t, sinks.Notify(context.Background(), failedEvent))
	assert.NoError(t, sinks.Close())
}

func TestNewWithSlackAndKafka(t *testing.T) {
	sinks, err := New(config.NotifyConfig{
		Slack: config.SlackConfig{WebhookURL: "http://127.0.0.1:1/hook"},
		Kafka: config.KafkaConfig{Brokers: []string{"127.0.0.1:9092"}},
	})
	require.NoError(t, err)
	require.Len(t, sinks, 3)
	assert.IsType(t, &Slack{}, sinks[1])
	assert.IsType(t, &Kafka{}, sinks[2])
	assert.NoError(t, sinks.Close())
}
