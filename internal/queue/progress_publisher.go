package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/acme/power-dialer/internal/dialer"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProgressPublisher writes run deltas to the progress topic. It is attached
// to the broadcaster as its sink.
type ProgressPublisher struct {
	writer messageWriter
}

// NewProgressPublisher constructs a publisher for the given topic.
func NewProgressPublisher(k *Kafka, topic string) *ProgressPublisher {
	return &ProgressPublisher{writer: k.NewWriter(topic)}
}

// PublishDelta implements dialer.Sink. Messages are keyed by run id.
func (p *ProgressPublisher) PublishDelta(ctx context.Context, d dialer.Delta) error {
	msg := NewProgressMessage(d)
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("progress publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(msg.RunID),
		Value: value,
		Time:  msg.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(msg.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("progress publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *ProgressPublisher) Close() error {
	return p.writer.Close()
}
