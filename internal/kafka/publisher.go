package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
)

const eventVersion = 1

// Sink is where enveloped messages go; *Producer is the production sink.
type Sink interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error
}

// EventPublisher wraps domain events into envelopes and hands them to a Sink
// keyed by order id.
type EventPublisher struct {
	Sink        Sink
	ServiceName string
	NewID       func() string
	Clock       func() time.Time
}

var _ orders.Publisher = (*EventPublisher)(nil)

func NewEventPublisher(sink Sink, serviceName string) *EventPublisher {
	return &EventPublisher{Sink: sink, ServiceName: serviceName, NewID: uuid.NewString, Clock: time.Now}
}

func (p *EventPublisher) Publish(ctx context.Context, events ...orders.Event) error {
	for _, ev := range events {
		topic, ok := orders.TopicFor(ev.Type)
		if !ok {
			return fmt.Errorf("no topic for event type %q", ev.Type)
		}
		env, err := p.Envelope(ev)
		if err != nil {
			return err
		}
		b, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}
		if err := p.Sink.Publish(ctx, topic, orders.PartitionKey(ev.OrderID), b,
			kafka.Header{Key: HeaderEventType, Value: []byte(ev.Type)},
			kafka.Header{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(eventVersion))},
		); err != nil {
			return fmt.Errorf("publish %s: %w", ev.Type, err)
		}
	}
	return nil
}

func (p *EventPublisher) Envelope(ev orders.Event) (orders.Envelope, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return orders.Envelope{}, fmt.Errorf("encode %s payload: %w", ev.Type, err)
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = p.Clock()
	}
	return orders.Envelope{
		EventID:       p.NewID(),
		EventType:     ev.Type,
		EventVersion:  eventVersion,
		OccurredAt:    at.UTC(),
		Producer:      p.ServiceName,
		CorrelationID: ev.OrderID,
		Payload:       payload,
	}, nil
}
