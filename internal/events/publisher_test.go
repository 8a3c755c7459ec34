package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/Aidin1998/sentinex/pkg/models"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func sampleEvent() models.DecisionEvent {
	return models.DecisionEvent{
		DecisionID:     uuid.New(),
		IdempotencyKey: "key-42",
		SubjectID:      "acct-1",
		Status:         models.DecisionEscalated,
		Score:          63.5,
		PolicyVersion:  "us-7",
		DecidedAt:      time.Now().UTC(),
	}
}

func TestKafkaPublisherKeysByIdempotencyKey(t *testing.T) {
	writer := &fakeWriter{}
	pub := newKafkaPublisher(writer, "sentinex.decisions", nil, nil)

	event := sampleEvent()
	if err := pub.PublishDecision(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(writer.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(writer.messages))
	}

	msg := writer.messages[0]
	if string(msg.Key) != "key-42" {
		t.Fatalf("message key = %q, want idempotency key", msg.Key)
	}

	var decoded models.DecisionEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.DecisionID != event.DecisionID || decoded.Status != models.DecisionEscalated {
		t.Fatalf("payload mismatch: %+v", decoded)
	}

	var foundType bool
	for _, h := range msg.Headers {
		if h.Key == "event_type" && string(h.Value) == "decision.completed" {
			foundType = true
		}
	}
	if !foundType {
		t.Fatal("event_type header missing")
	}
}

func TestKafkaPublisherWrapsWriteErrors(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	pub := newKafkaPublisher(writer, "sentinex.decisions", nil, nil)

	err := pub.PublishDecision(context.Background(), sampleEvent())
	if err == nil {
		t.Fatal("expected error from failed write")
	}
}

func TestNopPublisher(t *testing.T) {
	var pub NopPublisher
	if err := pub.PublishDecision(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("nop close: %v", err)
	}
}
