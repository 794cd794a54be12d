package domain

import (
	"time"

	"github.com/google/uuid"
)

// ParkedMessage is an event that exhausted its deliveries or failed
// terminally, kept for manual inspection and requeue.
type ParkedMessage struct {
	ID         uuid.UUID  `json:"id"`
	Stream     string     `json:"stream"`
	MessageID  string     `json:"message_id"`
	EventType  EventType  `json:"event_type"`
	Payload    []byte     `json:"payload"`
	Reason     string     `json:"reason"`
	Attempts   int64      `json:"attempts"`
	ParkedAt   time.Time  `json:"parked_at"`
	RequeuedAt *time.Time `json:"requeued_at,omitempty"`
}
