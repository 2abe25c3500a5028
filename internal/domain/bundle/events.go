package bundle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Event is published after a bundle submission completes. Consumers see
// one event per submission, duplicates included.
type Event struct {
	ID          string    `json:"id"`
	Tenant      string    `json:"tenant"`
	BundleLogID string    `json:"bundle_log_id"`
	Status      string    `json:"status"`
	EntryCount  int       `json:"entry_count"`
	Duplicate   bool      `json:"duplicate"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventPublisher writes bundle events to Kafka. A nil publisher is a
// no-op, for deployments without brokers.
type EventPublisher struct {
	writer *kafka.Writer
}

func NewEventPublisher(brokers []string, topic string) *EventPublisher {
	return &EventPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
			BatchSize:    1,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish emits a bundle event. Delivery problems are logged, never
// surfaced: the bundle already committed and its outcome must not
// depend on the broker.
func (p *EventPublisher) Publish(ctx context.Context, event Event) {
	if p == nil {
		return
	}
	event.ID = uuid.New().String()
	event.Timestamp = time.Now().UTC()

	value, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("marshal bundle event")
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.Tenant),
		Value: value,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(event.Status)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Error().Err(err).Str("bundle_log_id", event.BundleLogID).Msg("publish bundle event failed")
		return
	}
	log.Debug().Str("bundle_log_id", event.BundleLogID).Str("status", event.Status).Msg("bundle event published")
}

func (p *EventPublisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
