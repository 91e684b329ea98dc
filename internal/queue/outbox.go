package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"done-light/internal/db"
)

// Outbox is the relational queue backing: events land in the queue_events
// table and a polling worker claims rows whose visibility time has passed.
// Claimed rows are deleted on success and released (with a short backoff) on
// handler failure, which gives at-least-once delivery.
type Outbox struct {
	db       *db.SQLDB
	logger   *zap.Logger
	interval time.Duration
}

func NewOutbox(database *db.SQLDB, logger *zap.Logger) *Outbox {
	return &Outbox{db: database, logger: logger, interval: 250 * time.Millisecond}
}

func (o *Outbox) Enqueue(ctx context.Context, evt *Event, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	visibleAt := time.Now().UTC().Add(delay)

	_, err := o.db.ExecContext(ctx, `
		INSERT INTO queue_events (id, type, object, data, visible_at, claimed_at, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)`,
		evt.ID, string(evt.Type), evt.Object, string(evt.Data),
		visibleAt.Format(timeLayout), evt.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}

	o.logger.Debug("event enqueued",
		zap.String("event_id", evt.ID),
		zap.String("type", string(evt.Type)),
		zap.Duration("delay", delay))
	return nil
}

func (o *Outbox) Consume(ctx context.Context, handler Handler) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Drain everything currently visible before sleeping again.
			for {
				evt, ok, err := o.claim(ctx)
				if err != nil {
					o.logger.Error("failed to claim event", zap.Error(err))
					break
				}
				if !ok {
					break
				}
				if err := handler(ctx, evt); err != nil {
					o.logger.Error("event handler failed",
						zap.String("event_id", evt.ID),
						zap.String("type", string(evt.Type)),
						zap.Error(err))
					o.release(ctx, evt.ID)
					continue
				}
				o.ack(ctx, evt.ID)
			}
		}
	}
}

// claim atomically marks the oldest visible event as in-flight and returns
// it. Events claimed longer than the visibility timeout ago are fair game
// again (crash recovery).
func (o *Outbox) claim(ctx context.Context) (*Event, bool, error) {
	now := time.Now().UTC()
	stale := now.Add(-visibilityTimeout)

	row := o.db.QueryRowContext(ctx, `
		UPDATE queue_events
		SET claimed_at = ?
		WHERE id = (
			SELECT id FROM queue_events
			WHERE visible_at <= ?
			  AND (claimed_at IS NULL OR claimed_at <= ?)
			ORDER BY visible_at ASC, id ASC
			LIMIT 1
		)
		RETURNING id, type, object, data, created_at`,
		now.Format(timeLayout),
		now.Format(timeLayout),
		stale.Format(timeLayout))

	var (
		evt       Event
		eventType string
		data      sql.NullString
		createdAt string
	)
	err := row.Scan(&evt.ID, &eventType, &evt.Object, &data, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim event: %w", err)
	}

	evt.Type = EventType(eventType)
	if data.Valid {
		evt.Data = json.RawMessage(data.String)
	}
	if t, perr := time.Parse(timeLayout, createdAt); perr == nil {
		evt.CreatedAt = t
	}
	return &evt, true, nil
}

func (o *Outbox) ack(ctx context.Context, id string) {
	if _, err := o.db.ExecContext(ctx, "DELETE FROM queue_events WHERE id = ?", id); err != nil {
		o.logger.Error("failed to ack event", zap.String("event_id", id), zap.Error(err))
	}
}

// release puts a failed event back with a short backoff.
func (o *Outbox) release(ctx context.Context, id string) {
	visibleAt := time.Now().UTC().Add(retryBackoff)
	_, err := o.db.ExecContext(ctx,
		"UPDATE queue_events SET claimed_at = NULL, visible_at = ? WHERE id = ?",
		visibleAt.Format(timeLayout), id)
	if err != nil {
		o.logger.Error("failed to release event", zap.String("event_id", id), zap.Error(err))
	}
}

func (o *Outbox) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := o.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM queue_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to measure queue depth: %w", err)
	}
	return n, nil
}

func (o *Outbox) Close() error { return nil }
