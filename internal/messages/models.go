package messages

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusQueued   Status = "QUEUED"
	StatusDeliver  Status = "DELIVER"
	StatusSent     Status = "SENT"
	StatusRetry    Status = "RETRY"
	StatusDLQ      Status = "DLQ"
	StatusArchived Status = "ARCHIVED"
)

// AllStatuses lists every message status, in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusCreated, StatusQueued, StatusDeliver,
		StatusSent, StatusRetry, StatusDLQ, StatusArchived,
	}
}

// ParseStatus resolves a case-insensitive status name.
func ParseStatus(s string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllStatuses() {
		if candidate == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Terminal reports whether no further delivery work happens in this status.
// DLQ is terminal for delivery even though one failure-callback POST may
// still be attempted after the transition.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusDLQ || s == StatusArchived
}

// CommandFailureCallback is the command-header key carrying the URL to POST
// once when a message enters DLQ.
const CommandFailureCallback = "failure-callback"

// Headers splits client-supplied headers into entries forwarded verbatim on
// the outbound callback and entries that control the system itself.
type Headers struct {
	Forward map[string]string `json:"forward"`
	Command map[string]string `json:"command"`
}

// Payload is the client-submitted delivery request: where to POST, which
// headers to carry, and an optional JSON body.
type Payload struct {
	Headers Headers         `json:"headers"`
	URL     string          `json:"url"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DeliveryError records one failed delivery attempt. Status is nil for
// transport failures (DNS, timeout, connection) and carries the HTTP status
// code when the target answered with a non-success status.
type DeliveryError struct {
	URL       string    `json:"url"`
	Status    *int      `json:"status,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID          string          `json:"id"`
	Payload     Payload         `json:"payload"`
	PublishAt   time.Time       `json:"publish_at"`
	Status      Status          `json:"status"`
	Retried     int             `json:"retried"`
	RetryAt     *time.Time      `json:"retry_at,omitempty"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	LastErrors  []DeliveryError `json:"last_errors"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so before/after snapshots stay independent of
// later mutation.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.RetryAt != nil {
		t := *m.RetryAt
		cp.RetryAt = &t
	}
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		cp.DeliveredAt = &t
	}
	if m.LastErrors != nil {
		cp.LastErrors = append([]DeliveryError(nil), m.LastErrors...)
	}
	if m.Payload.Headers.Forward != nil {
		cp.Payload.Headers.Forward = make(map[string]string, len(m.Payload.Headers.Forward))
		for k, v := range m.Payload.Headers.Forward {
			cp.Payload.Headers.Forward[k] = v
		}
	}
	if m.Payload.Headers.Command != nil {
		cp.Payload.Headers.Command = make(map[string]string, len(m.Payload.Headers.Command))
		for k, v := range m.Payload.Headers.Command {
			cp.Payload.Headers.Command[k] = v
		}
	}
	if m.Payload.Data != nil {
		cp.Payload.Data = append(json.RawMessage(nil), m.Payload.Data...)
	}
	return &cp
}

// FailureCallbackURL returns the DLQ callback target, if the client supplied one.
func (m *Message) FailureCallbackURL() (string, bool) {
	u, ok := m.Payload.Headers.Command[CommandFailureCallback]
	return u, ok && u != ""
}

// transitions enumerates the permitted status changes. ARCHIVED is reachable
// from anywhere, admin-only; same-status updates are always permitted so
// non-status patches pass through.
var transitions = map[Status][]Status{
	StatusCreated:  {StatusQueued, StatusDeliver},
	StatusQueued:   {StatusDeliver},
	StatusDeliver:  {StatusSent, StatusRetry, StatusDLQ},
	StatusRetry:    {StatusDeliver},
	StatusSent:     {},
	StatusDLQ:      {},
	StatusArchived: {},
}

// ValidateTransition reports whether from -> to is a legal status change.
func ValidateTransition(from, to Status) error {
	if from == to || to == StatusArchived {
		return nil
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
