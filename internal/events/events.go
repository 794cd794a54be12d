// Package events carries pipeline events between stages with at-least-once
// delivery. A message is acknowledged only after its handler succeeds or it
// has been parked in the dead-letter store.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/case-surveillance-pipeline/internal/domain"
)

// ErrMalformedEvent marks a message whose payload cannot be decoded. It is
// never retried.
var ErrMalformedEvent = errors.New("malformed event")

// ErrBusClosed is returned when publishing on a closed in-memory bus.
var ErrBusClosed = errors.New("event bus closed")

// Message is one delivery of an event.
type Message struct {
	Stream     string
	ID         string
	Type       domain.EventType
	Payload    []byte
	Deliveries int64
}

// Handler processes one message. Returning nil acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// Publisher publishes events to the stream of their type.
type Publisher interface {
	domain.EventPublisher
	// PublishRaw publishes an already encoded payload, used to requeue
	// parked messages.
	PublishRaw(ctx context.Context, stream string, eventType domain.EventType, payload []byte) error
}

// Subscriber delivers messages of a stream to a processor until ctx is done.
type Subscriber interface {
	Consume(ctx context.Context, stream, consumer string, p *Processor) error
}

// Parker stores messages that will not be retried.
type Parker interface {
	Park(ctx context.Context, msg domain.ParkedMessage) error
}

// Decode unmarshals the payload of msg into T.
func Decode[T any](msg Message) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("decoding %s message %s: %w: %w", msg.Type, msg.ID, ErrMalformedEvent, err)
	}
	return v, nil
}

func encode(event domain.Event) (string, []byte, error) {
	stream := domain.StreamFor(event.EventType())
	if stream == "" {
		return "", nil, fmt.Errorf("no stream for event type %q", event.EventType())
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return "", nil, fmt.Errorf("encoding %s: %w", event.EventType(), err)
	}
	return stream, payload, nil
}
