// Package events publishes treasury domain events to external consumers.
// Publishing is best-effort and always happens after the owning unit of work
// has committed; a failed publish is logged, never rolled back.
package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
)

// Topics emitted by the treasury layer.
const (
	TopicDepositCompleted       = "treasury.deposit.completed"
	TopicAllocationApplied      = "treasury.allocation.applied"
	TopicDepositUnallocated     = "treasury.deposit.unallocated"
	TopicReconciliationRecorded = "treasury.reconciliation.recorded"
)

// Publisher delivers a domain event to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// Noop discards every event. Used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }

// Kafka publishes events to a Kafka cluster, one topic per event kind.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka creates a publisher writing to the given brokers.
func NewKafka(brokers []string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Publish marshals event as JSON and writes it to topic.
func (k *Kafka) Publish(ctx context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Value: data,
	})
}

// Close flushes and closes the underlying writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
