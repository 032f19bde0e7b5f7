package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/richardliu001/incident-command-service/internal/model"
	"github.com/segmentio/kafka-go"
)

// Envelope is the value of every event written to Kafka.
type Envelope struct {
	ID            string    `json:"id"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	EventType     string    `json:"event_type"`
	CreatedAt     time.Time `json:"created_at"`
}

// KafkaPublisher keys messages by aggregate id so the events of one command stay
// on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(w *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg, err := newMessage(evt, time.Now())
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

func newMessage(evt model.OutboxEvent, now time.Time) (kafka.Message, error) {
	value, err := json.Marshal(Envelope{
		ID:            evt.ID,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		CreatedAt:     evt.CreatedAt,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %s: %w", evt.ID, err)
	}
	return kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: value,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "aggregate_type", Value: []byte(evt.AggregateType)},
		},
	}, nil
}
