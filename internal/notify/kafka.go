package notify

import (
	"context"
	"fmt"

	"labforge/internal/common/mq"

	"github.com/google/uuid"
)

// KafkaSink publishes notifications to a Kafka topic keyed by user.
type KafkaSink struct {
	producer mq.Producer
	topic    string
}

// NewKafkaSink creates a Kafka notification sink.
func NewKafkaSink(producer mq.Producer, topic string) (*KafkaSink, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return &KafkaSink{producer: producer, topic: topic}, nil
}

func (s *KafkaSink) Notify(ctx context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	payload, err := encode(n)
	if err != nil {
		return fmt.Errorf("encode notification failed: %w", err)
	}
	msg := mq.NewMessage(payload)
	msg.ID = n.ID
	msg.Key = n.UserID
	msg.SetHeader("type", n.Type)
	if !n.CreatedAt.IsZero() {
		msg.Timestamp = n.CreatedAt
	}
	return s.producer.Publish(ctx, s.topic, msg)
}
