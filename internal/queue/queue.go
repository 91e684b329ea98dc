// Package queue is the durable, delay-capable FIFO of system events that
// drives the message state machine. Enqueued events survive restarts and are
// delivered at least once after their delay elapses; the single consumer must
// be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"done-light/internal/ids"
)

type EventType string

const (
	EventMessageReceived EventType = "MESSAGE_RECEIVED"
	EventMessageQueued   EventType = "MESSAGE_QUEUED"
	EventMessageRetry    EventType = "MESSAGE_RETRY"
	EventStoreCreate     EventType = "STORE_CREATE_EVENT"
	EventStoreUpdate     EventType = "STORE_UPDATE_EVENT"
	EventStoreDelete     EventType = "STORE_DELETE_EVENT"
)

// ObjectMessages is the only event object in use.
const ObjectMessages = "messages"

type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Object    string          `json:"object"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// StoreEventData is the payload of STORE_*_EVENTs: the snapshots around the
// write. Create events carry only after, delete events only before.
type StoreEventData struct {
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}

// NewEvent stamps id and created_at and marshals the payload.
func NewEvent(eventType EventType, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event data: %w", err)
	}
	return &Event{
		ID:        ids.New("evt"),
		Type:      eventType,
		Object:    ObjectMessages,
		Data:      raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Handler processes one dequeued event. A non-nil error leaves the event on
// the queue for redelivery.
type Handler func(ctx context.Context, evt *Event) error

type Queue interface {
	// Enqueue makes the event visible after at least delay; zero or negative
	// delay means immediately.
	Enqueue(ctx context.Context, evt *Event, delay time.Duration) error

	// Consume blocks, invoking the handler for each visible event in arrival
	// order, until ctx is cancelled. Single consumer per queue.
	Consume(ctx context.Context, handler Handler) error

	Depth(ctx context.Context) (int64, error)

	Close() error
}

// visibilityTimeout bounds how long a claimed event may sit unacknowledged
// before redelivery (crash recovery).
const visibilityTimeout = time.Minute

// retryBackoff delays redelivery after a handler error.
const retryBackoff = 5 * time.Second

// timeLayout is fixed-width so stored timestamps compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
