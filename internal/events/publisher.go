// Package events emits completed decisions to downstream consumers. Event
// delivery is best effort: a publish failure never changes or delays the
// decision itself.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/sentinex/pkg/metrics"
	"github.com/Aidin1998/sentinex/pkg/models"
)

// Publisher delivers decision events.
type Publisher interface {
	PublishDecision(ctx context.Context, event models.DecisionEvent) error
	Close() error
}

// messageWriter is the slice of kafka.Writer the publisher uses; tests
// substitute a fake.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes decision events to a Kafka topic, keyed by
// idempotency key so replays of one assessment land on one partition.
type KafkaPublisher struct {
	writer  messageWriter
	topic   string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewKafkaPublisher builds a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger, m *metrics.Metrics) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.CRC32Balancer{},
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		Async:        false,
	}
	return newKafkaPublisher(writer, topic, logger, m)
}

func newKafkaPublisher(writer messageWriter, topic string, logger *zap.Logger, m *metrics.Metrics) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &KafkaPublisher{writer: writer, topic: topic, logger: logger, metrics: m}
}

// PublishDecision writes one event, keyed by the idempotency key.
func (p *KafkaPublisher) PublishDecision(ctx context.Context, event models.DecisionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.metrics.EventsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("encode decision event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.IdempotencyKey),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte("sentinex")},
			{Key: "event_type", Value: []byte("decision.completed")},
			{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))},
		},
		Time: time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		p.metrics.EventsPublished.WithLabelValues("error").Inc()
		p.logger.Error("failed to publish decision event",
			zap.String("topic", p.topic),
			zap.String("idempotency_key", event.IdempotencyKey),
			zap.Error(err))
		return fmt.Errorf("publish decision event to %s: %w", p.topic, err)
	}

	p.metrics.EventsPublished.WithLabelValues("success").Inc()
	p.logger.Debug("decision event published",
		zap.String("topic", p.topic),
		zap.String("decision_id", event.DecisionID.String()),
		zap.String("status", string(event.Status)))
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	if closer, ok := p.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// NopPublisher drops every event. It stands in when no broker is
// configured.
type NopPublisher struct{}

// PublishDecision discards the event.
func (NopPublisher) PublishDecision(context.Context, models.DecisionEvent) error { return nil }

// Close is a no-op.
func (NopPublisher) Close() error { return nil }
