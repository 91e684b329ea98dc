package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"done-light/internal/db"
)

type SQLStore struct {
	db     *db.SQLDB
	logger *zap.Logger
}

func NewSQLStore(database *db.SQLDB, logger *zap.Logger) *SQLStore {
	return &SQLStore{db: database, logger: logger}
}

func (s *SQLStore) Create(ctx context.Context, entry *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (id, type, object, message_id, before_data, after_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Type), entry.Object, entry.MessageID,
		nullableJSON(entry.BeforeData), nullableJSON(entry.AfterData),
		entry.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to create log entry: %w", err)
	}
	return nil
}

func (s *SQLStore) ListByMessageID(ctx context.Context, messageID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, object, message_id, before_data, after_data, created_at
		FROM logs WHERE message_id = ? ORDER BY created_at ASC, id ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *SQLStore) ListAll(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, object, message_id, before_data, after_data, created_at
		FROM logs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *SQLStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM logs"); err != nil {
		return fmt.Errorf("failed to reset logs: %w", err)
	}
	return nil
}

func collectEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		var (
			entry         Entry
			entryType     string
			before, after sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&entry.ID, &entryType, &entry.Object, &entry.MessageID,
			&before, &after, &createdAt); err != nil {
			return nil, err
		}
		entry.Type = EntryType(entryType)
		if before.Valid && before.String != "" {
			entry.BeforeData = json.RawMessage(before.String)
		}
		if after.Valid && after.String != "" {
			entry.AfterData = json.RawMessage(after.String)
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse log created_at: %w", err)
		}
		entry.CreatedAt = t
		out = append(out, &entry)
	}
	return out, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
