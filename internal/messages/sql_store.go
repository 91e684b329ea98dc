package messages

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"done-light/internal/db"
)

const messageColumns = "id, payload, publish_at, delivered_at, retry_at, retried, status, last_errors, created_at, updated_at"

// SQLStore backs the contract with the TURSO-flavored relational schema.
type SQLStore struct {
	db     *db.SQLDB
	logger *zap.Logger
}

func NewSQLStore(database *db.SQLDB, logger *zap.Logger) *SQLStore {
	return &SQLStore{db: database, logger: logger}
}

func (s *SQLStore) Create(ctx context.Context, msg *Message) error {
	payload, lastErrors, err := encodeMessageJSON(msg)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, payload, FormatTime(msg.PublishAt),
		nullableTime(msg.DeliveredAt), nullableTime(msg.RetryAt),
		msg.Retried, string(msg.Status), lastErrors,
		FormatTime(msg.CreatedAt), FormatTime(msg.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID)
		}
		return fmt.Errorf("failed to create message: %w", err)
	}

	s.logger.Debug("message created", zap.String("id", msg.ID), zap.String("status", string(msg.Status)))
	return nil
}

func (s *SQLStore) GetByID(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func (s *SQLStore) ListByStatus(ctx context.Context, status Status) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE status = ? ORDER BY created_at DESC",
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages by status: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *SQLStore) ListByDate(ctx context.Context, date time.Time) ([]*Message, error) {
	// RFC3339 UTC strings compare lexicographically, so a half-open range
	// covers the calendar day.
	from := FormatDate(date) + "T00:00:00Z"
	to := FormatDate(date.AddDate(0, 0, 1)) + "T00:00:00Z"

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE publish_at >= ? AND publish_at < ? ORDER BY publish_at ASC",
		from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages by date: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *SQLStore) Update(ctx context.Context, id string, patch Patch) (*Message, *Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	before, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read message for update: %w", err)
	}

	after, err := applyPatch(before, patch)
	if err != nil {
		return nil, nil, err
	}

	payload, lastErrors, err := encodeMessageJSON(after)
	if err != nil {
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages
		SET payload = ?, publish_at = ?, delivered_at = ?, retry_at = ?,
		    retried = ?, status = ?, last_errors = ?, updated_at = ?
		WHERE id = ?`,
		payload, FormatTime(after.PublishAt),
		nullableTime(after.DeliveredAt), nullableTime(after.RetryAt),
		after.Retried, string(after.Status), lastErrors,
		FormatTime(after.UpdatedAt), id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return before, after, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) (*Message, bool, error) {
	before, err := s.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
		return nil, false, fmt.Errorf("failed to delete message: %w", err)
	}
	return before, true, nil
}

func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Iterate(ctx context.Context, fn func(*Message) error) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages ORDER BY created_at ASC")
	if err != nil {
		return fmt.Errorf("failed to iterate messages: %w", err)
	}

	// Materialize before invoking the callback: open Rows pin the pool's
	// single connection, and callbacks (the stats rebuild) issue their own
	// queries on the same pool.
	var all []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return err
		}
		all = append(all, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, msg := range all {
		if err := fn(msg); err != nil {
			return err
		}
	}
	return nil
}

var rawTables = []string{"messages", "logs", "message_stats", "migrations", "queue_events"}

func (s *SQLStore) Raw(ctx context.Context, match string) (map[string]any, error) {
	tables := rawTables
	if match != "" {
		found := false
		for _, t := range rawTables {
			if t == match {
				tables = []string{t}
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTable, match)
		}
	}

	out := make(map[string]any, len(tables))
	for _, table := range tables {
		rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+table)
		if err != nil {
			return nil, fmt.Errorf("failed to dump %s: %w", table, err)
		}
		dump, err := dumpRows(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out[table] = dump
	}
	return out, nil
}

func (s *SQLStore) Reset(ctx context.Context, match string) error {
	switch match {
	case "migrations":
		return ErrProtectedTable
	case "messages", "":
		// A full messages reset takes the log history with it.
		if _, err := s.db.ExecContext(ctx, "DELETE FROM messages"); err != nil {
			return fmt.Errorf("failed to reset messages: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, "DELETE FROM logs"); err != nil {
			return fmt.Errorf("failed to reset logs: %w", err)
		}
		return nil
	case "logs":
		if _, err := s.db.ExecContext(ctx, "DELETE FROM logs"); err != nil {
			return fmt.Errorf("failed to reset logs: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTable, match)
	}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg                  Message
		payload, status      string
		publishAt, createdAt string
		updatedAt            string
		deliveredAt, retryAt sql.NullString
		lastErrors           sql.NullString
	)
	err := row.Scan(&msg.ID, &payload, &publishAt, &deliveredAt, &retryAt,
		&msg.Retried, &status, &lastErrors, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &msg.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload for %s: %w", msg.ID, err)
	}
	if lastErrors.Valid && lastErrors.String != "" {
		if err := json.Unmarshal([]byte(lastErrors.String), &msg.LastErrors); err != nil {
			return nil, fmt.Errorf("failed to decode last_errors for %s: %w", msg.ID, err)
		}
	}

	msg.Status = Status(status)
	if msg.PublishAt, err = time.Parse(time.RFC3339, publishAt); err != nil {
		return nil, fmt.Errorf("failed to parse publish_at for %s: %w", msg.ID, err)
	}
	if msg.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for %s: %w", msg.ID, err)
	}
	if msg.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for %s: %w", msg.ID, err)
	}
	if deliveredAt.Valid && deliveredAt.String != "" {
		t, err := time.Parse(time.RFC3339, deliveredAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse delivered_at for %s: %w", msg.ID, err)
		}
		msg.DeliveredAt = &t
	}
	if retryAt.Valid && retryAt.String != "" {
		t, err := time.Parse(time.RFC3339, retryAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse retry_at for %s: %w", msg.ID, err)
		}
		msg.RetryAt = &t
	}
	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func encodeMessageJSON(msg *Message) (payload, lastErrors string, err error) {
	p, err := json.Marshal(msg.Payload)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode payload: %w", err)
	}
	errs := msg.LastErrors
	if errs == nil {
		errs = []DeliveryError{}
	}
	le, err := json.Marshal(errs)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode last_errors: %w", err)
	}
	return string(p), string(le), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

// applyPatch merges a partial update over the stored message and validates
// the status transition. UpdatedAt is stamped here so both backends agree.
func applyPatch(before *Message, patch Patch) (*Message, error) {
	after := before.Clone()
	if patch.Payload != nil {
		after.Payload = *patch.Payload
	}
	if patch.PublishAt != nil {
		after.PublishAt = *patch.PublishAt
	}
	if patch.Status != nil {
		if err := ValidateTransition(before.Status, *patch.Status); err != nil {
			return nil, err
		}
		after.Status = *patch.Status
	}
	if patch.Retried != nil {
		after.Retried = *patch.Retried
	}
	if patch.RetryAt != nil {
		t := *patch.RetryAt
		after.RetryAt = &t
	}
	if patch.DeliveredAt != nil {
		t := *patch.DeliveredAt
		after.DeliveredAt = &t
	}
	if patch.LastErrors != nil {
		after.LastErrors = append([]DeliveryError(nil), patch.LastErrors...)
	}
	after.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	return after, nil
}

func dumpRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
