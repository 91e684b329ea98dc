// Package audit keeps the append-only log of message state transitions.
// Entries are written only when ENABLE_LOGS is set.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"done-light/internal/ids"
)

type EntryType string

const (
	EntryCreate EntryType = "CREATE"
	EntryUpdate EntryType = "UPDATE"
	EntryDelete EntryType = "DELETE"
)

// ObjectMessages is the only audited object type.
const ObjectMessages = "messages"

type Entry struct {
	ID         string          `json:"id"`
	Type       EntryType       `json:"type"`
	Object     string          `json:"object"`
	MessageID  string          `json:"message_id"`
	BeforeData json.RawMessage `json:"before_data,omitempty"`
	AfterData  json.RawMessage `json:"after_data,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewEntry stamps id and created_at; before/after may be nil.
func NewEntry(entryType EntryType, messageID string, before, after json.RawMessage) *Entry {
	return &Entry{
		ID:         ids.New("log"),
		Type:       entryType,
		Object:     ObjectMessages,
		MessageID:  messageID,
		BeforeData: before,
		AfterData:  after,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

type Store interface {
	Create(ctx context.Context, entry *Entry) error

	// ListByMessageID returns a message's entries in chronological order.
	ListByMessageID(ctx context.Context, messageID string) ([]*Entry, error)

	// ListAll returns the newest entries first, up to limit.
	ListAll(ctx context.Context, limit int) ([]*Entry, error)

	// Reset truncates all logs.
	Reset(ctx context.Context) error
}
