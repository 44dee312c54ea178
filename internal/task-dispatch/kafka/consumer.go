package kafka

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader used by consumers that commit
// explicitly after handling a message.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewReader(brokers []string, topic, groupID string, log zerolog.Logger) *kafka.Reader {
	if topic == "" {
		topic = DefaultStatusTopic
	}
	if groupID == "" {
		groupID = DefaultStatusGroup
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 10e3,
		MaxBytes: 10e6,
		MaxWait:  3 * time.Second,
	})
	log.Info().Str("topic", topic).Str("group_id", groupID).Msg("kafka status consumer configured")
	return r
}
