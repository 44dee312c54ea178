package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"task-dispatch-service/internal/task-dispatch/events"
)

const (
	DefaultBrokers     = "localhost:9092"
	DefaultEventTopic  = "task_dispatch_events"
	DefaultStatusTopic = "task_status_reports"
	DefaultStatusGroup = "task-dispatch-status-group"

	ContentTypeProtobuf = "application/x-protobuf"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns an async writer keyed by task id, so events for one task
// land on one partition in order. Delivery failures are only logged.
func NewWriter(brokers []string, topic string, log zerolog.Logger) *kafka.Writer {
	if topic == "" {
		topic = DefaultEventTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error().Err(err).Int("messages", len(messages)).Msg("event delivery failed")
			}
		},
	}
	log.Info().Str("topic", topic).Strs("brokers", brokers).Msg("kafka event producer configured")
	return w
}

// Publisher writes events as protobuf-encoded google.protobuf.Struct values.
type Publisher struct {
	Writer MessageWriter
	Log    zerolog.Logger
}

func NewPublisher(writer MessageWriter, log zerolog.Logger) *Publisher {
	return &Publisher{Writer: writer, Log: log}
}

func (p *Publisher) Publish(ctx context.Context, eventType events.Type, tenantID string, payload events.TaskPayload) {
	evt := events.NewEvent(eventType, tenantID, payload)
	value, err := Encode(evt)
	if err != nil {
		p.Log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to encode event")
		return
	}
	msg := kafka.Message{
		Key:   []byte(payload.TaskID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(evt.ID)},
			{Key: "event-type", Value: []byte(eventType)},
			{Key: "tenant-id", Value: []byte(tenantID)},
			{Key: "content-type", Value: []byte(ContentTypeProtobuf)},
		},
		Time: evt.OccurredAt,
	}
	// The operation already committed; its caller going away must not drop the event.
	if err := p.Writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		p.Log.Error().Err(err).Str("event_type", string(eventType)).Str("task_id", payload.TaskID).Msg("failed to publish event")
	}
}

func (p *Publisher) Close() error {
	return p.Writer.Close()
}

func Encode(e events.Event) ([]byte, error) {
	s, err := structpb.NewStruct(e.AsMap())
	if err != nil {
		return nil, fmt.Errorf("failed to build event struct: %w", err)
	}
	return proto.Marshal(s)
}

func Decode(b []byte) (map[string]interface{}, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return s.AsMap(), nil
}
