package messages

import (
	"context"
	"errors"
	"time"
)

// Closed error set for store operations; callers dispatch with errors.Is
// instead of string-matching backend failures.
var (
	ErrNotFound          = errors.New("message not found")
	ErrDuplicateID       = errors.New("duplicate message id")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownTable      = errors.New("unknown table")
	ErrProtectedTable    = errors.New("table cannot be reset")
)

// Patch is a partial update; nil fields are preserved. Slices replace the
// stored value wholesale when non-nil.
type Patch struct {
	Payload     *Payload
	PublishAt   *time.Time
	Status      *Status
	Retried     *int
	RetryAt     *time.Time
	DeliveredAt *time.Time
	LastErrors  []DeliveryError
}

// Store is the durable CRUD contract both backends satisfy. Status
// transitions are validated inside Update via ValidateTransition; writes for
// a single id are serialized by the backend (single sqlite writer, atomic
// redis read-modify-write under a per-id claim).
type Store interface {
	// Create persists a fully populated message. ErrDuplicateID on id collision.
	Create(ctx context.Context, msg *Message) error

	GetByID(ctx context.Context, id string) (*Message, error)

	// ListByStatus returns messages ordered by created_at descending.
	ListByStatus(ctx context.Context, status Status) ([]*Message, error)

	// ListByDate matches on publish_at's UTC calendar day, ordered by
	// publish_at ascending.
	ListByDate(ctx context.Context, date time.Time) ([]*Message, error)

	// Update merges the patch over the stored message, stamping updated_at.
	// Returns the before and after snapshots so callers can adjust derived
	// state (stats, audit log) and emit the update event.
	Update(ctx context.Context, id string, patch Patch) (before, after *Message, err error)

	// Delete removes the message; false when it did not exist. The removed
	// message is returned so callers can decrement counters.
	Delete(ctx context.Context, id string) (*Message, bool, error)

	Count(ctx context.Context) (int64, error)

	// Iterate visits every stored message; used to rebuild stats.
	Iterate(ctx context.Context, fn func(*Message) error) error

	// Raw dumps underlying rows/keys, optionally filtered by table or key
	// prefix. ErrUnknownTable for an unrecognized match.
	Raw(ctx context.Context, match string) (map[string]any, error)

	// Reset truncates messages ("messages" or empty match). "migrations" is
	// refused with ErrProtectedTable.
	Reset(ctx context.Context, match string) error

	Ping(ctx context.Context) error
	Close() error
}

// FormatTime renders the canonical stored timestamp form (ISO-8601 UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// FormatDate renders the UTC calendar day used by the BY_PUBLISH_DATE secondary.
func FormatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
