package stats

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"done-light/internal/db"
)

// SQLService projects onto the message_stats table; total and the per-status
// breakdown are derived from the messages table itself, which makes them
// exact on this backend.
type SQLService struct {
	db     *db.SQLDB
	logger *zap.Logger
}

func NewSQLService(database *db.SQLDB, logger *zap.Logger) *SQLService {
	return &SQLService{db: database, logger: logger}
}

func (s *SQLService) Increment(ctx context.Context, status string, ts time.Time) error {
	ts = ts.UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_stats (date, hour, status, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (date, hour, status) DO UPDATE SET count = count + 1`,
		ts.Format("2006-01-02"), ts.Hour(), status)
	if err != nil {
		return fmt.Errorf("failed to increment stats: %w", err)
	}
	return nil
}

func (s *SQLService) Decrement(ctx context.Context, status string, ts time.Time) error {
	ts = ts.UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_stats
		SET count = CASE WHEN count > 0 THEN count - 1 ELSE 0 END
		WHERE date = ? AND hour = ? AND status = ?`,
		ts.Format("2006-01-02"), ts.Hour(), status)
	if err != nil {
		return fmt.Errorf("failed to decrement stats: %w", err)
	}
	return nil
}

func (s *SQLService) RecordCreate(ctx context.Context) error { return nil }
func (s *SQLService) RecordDelete(ctx context.Context) error { return nil }

func (s *SQLService) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Statuses: make(map[string]int64, len(knownStatuses))}
	for _, st := range knownStatuses {
		snap.Statuses[st] = 0
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM messages").Scan(&snap.Total); err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(1) FROM messages GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to read status breakdown: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Statuses[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -7).Format("2006-01-02")
	cellRows, err := s.db.QueryContext(ctx,
		"SELECT date, hour, status, count FROM message_stats WHERE date >= ?", cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats cells: %w", err)
	}
	defer cellRows.Close()

	var cells []cell
	for cellRows.Next() {
		var c cell
		if err := cellRows.Scan(&c.date, &c.hour, &c.status, &c.count); err != nil {
			return nil, err
		}
		cells = append(cells, c)
	}
	if err := cellRows.Err(); err != nil {
		return nil, err
	}

	aggregate(snap, cells, time.Now())
	return snap, nil
}

func (s *SQLService) Initialize(ctx context.Context, iter Iterator) error {
	return rebuild(ctx, s, iter)
}

func (s *SQLService) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM message_stats"); err != nil {
		return fmt.Errorf("failed to reset stats: %w", err)
	}
	return nil
}
