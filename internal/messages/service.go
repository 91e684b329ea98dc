package messages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"done-light/internal/audit"
	"done-light/internal/ids"
	"done-light/internal/queue"
	"done-light/internal/stats"
)

// Service is the single write path over the message store. Every write
// adjusts the stats projection, appends an audit entry when logging is
// enabled, and enqueues the corresponding STORE_*_EVENT. The event is built
// from the write's return value and enqueued here, so the store backends
// stay plain CRUD with no hidden self-callback.
type Service struct {
	store    Store
	stats    stats.Service
	auditLog audit.Store // nil when ENABLE_LOGS is off
	queue    queue.Queue
	logger   *zap.Logger
}

func NewService(store Store, statsSvc stats.Service, auditLog audit.Store, q queue.Queue, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		stats:    statsSvc,
		auditLog: auditLog,
		queue:    q,
		logger:   logger,
	}
}

// CreateOptions tweak the create path for callers that bypass the normal
// ingress flow (the seeding utility): supplied ids and timestamps are kept.
type CreateOptions struct {
	PreserveTimestamps bool
}

func (s *Service) Create(ctx context.Context, msg *Message, opts *CreateOptions) (*Message, error) {
	now := time.Now().UTC().Truncate(time.Second)

	if msg.ID == "" {
		msg.ID = ids.New("msg")
	}
	if msg.Status == "" {
		msg.Status = StatusCreated
	}
	if msg.PublishAt.IsZero() {
		msg.PublishAt = now
	}
	if opts == nil || !opts.PreserveTimestamps || msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
		msg.UpdatedAt = now
	}
	if msg.LastErrors == nil {
		msg.LastErrors = []DeliveryError{}
	}

	if err := s.store.Create(ctx, msg); err != nil {
		return nil, err
	}

	if err := s.stats.Increment(ctx, string(msg.Status), msg.CreatedAt); err != nil {
		s.logger.Error("failed to increment stats", zap.String("id", msg.ID), zap.Error(err))
	}
	// Every creation counts toward the all-time total, seeded messages
	// included; the rebuild path replays exactly this, one RecordCreate per
	// surviving message.
	if err := s.stats.RecordCreate(ctx); err != nil {
		s.logger.Error("failed to record creation", zap.String("id", msg.ID), zap.Error(err))
	}

	s.writeAudit(ctx, audit.EntryCreate, msg.ID, nil, msg)

	if err := s.emitStoreEvent(ctx, queue.EventStoreCreate, nil, msg); err != nil {
		return nil, err
	}

	s.logger.Info("message created",
		zap.String("id", msg.ID),
		zap.String("status", string(msg.Status)),
		zap.Time("publish_at", msg.PublishAt))
	return msg, nil
}

// Update applies a partial patch; a STORE_UPDATE_EVENT and an audit entry
// are produced even when the patch changes nothing, to keep the audit trail
// complete.
func (s *Service) Update(ctx context.Context, id string, patch Patch) (*Message, error) {
	before, after, err := s.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.stats.Decrement(ctx, string(before.Status), now); err != nil {
		s.logger.Error("failed to decrement stats", zap.String("id", id), zap.Error(err))
	}
	if err := s.stats.Increment(ctx, string(after.Status), now); err != nil {
		s.logger.Error("failed to increment stats", zap.String("id", id), zap.Error(err))
	}

	s.writeAudit(ctx, audit.EntryUpdate, id, before, after)

	if err := s.emitStoreEvent(ctx, queue.EventStoreUpdate, before, after); err != nil {
		return nil, err
	}

	if before.Status != after.Status {
		s.logger.Info("message transitioned",
			zap.String("id", id),
			zap.String("from", string(before.Status)),
			zap.String("to", string(after.Status)))
	}
	return after, nil
}

func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	before, existed, err := s.store.Delete(ctx, id)
	if err != nil || !existed {
		return false, err
	}

	now := time.Now().UTC()
	if err := s.stats.Decrement(ctx, string(before.Status), now); err != nil {
		s.logger.Error("failed to decrement stats", zap.String("id", id), zap.Error(err))
	}
	if err := s.stats.RecordDelete(ctx); err != nil {
		s.logger.Error("failed to record deletion", zap.String("id", id), zap.Error(err))
	}

	s.writeAudit(ctx, audit.EntryDelete, id, before, nil)

	if err := s.emitStoreEvent(ctx, queue.EventStoreDelete, before, nil); err != nil {
		return true, err
	}

	s.logger.Info("message deleted", zap.String("id", id))
	return true, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*Message, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) ListByStatus(ctx context.Context, status Status) ([]*Message, error) {
	return s.store.ListByStatus(ctx, status)
}

func (s *Service) ListByDate(ctx context.Context, date time.Time) ([]*Message, error) {
	return s.store.ListByDate(ctx, date)
}

func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.Count(ctx)
}

func (s *Service) Raw(ctx context.Context, match string) (map[string]any, error) {
	return s.store.Raw(ctx, match)
}

// Reset truncates per the admin contract; messages resets also clear the
// stats projection so invariant counters restart from zero.
func (s *Service) Reset(ctx context.Context, match string) error {
	if err := s.store.Reset(ctx, match); err != nil {
		return err
	}
	if s.auditLog != nil && (match == "" || match == "messages" || match == "logs") {
		if err := s.auditLog.Reset(ctx); err != nil {
			return err
		}
	}
	if match == "" || match == "messages" {
		if err := s.stats.Reset(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ReinitializeStats rebuilds the projection from the store; the recovery
// path after a crash between a message write and a counter write.
func (s *Service) ReinitializeStats(ctx context.Context) error {
	return s.stats.Initialize(ctx, func(ctx context.Context, fn func(status string, createdAt time.Time) error) error {
		return s.store.Iterate(ctx, func(m *Message) error {
			return fn(string(m.Status), m.CreatedAt)
		})
	})
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) writeAudit(ctx context.Context, entryType audit.EntryType, id string, before, after *Message) {
	if s.auditLog == nil {
		return
	}
	entry := audit.NewEntry(entryType, id, marshalMessage(before), marshalMessage(after))
	if err := s.auditLog.Create(ctx, entry); err != nil {
		s.logger.Error("failed to write audit entry", zap.String("id", id), zap.Error(err))
	}
}

func (s *Service) emitStoreEvent(ctx context.Context, eventType queue.EventType, before, after *Message) error {
	evt, err := queue.NewEvent(eventType, queue.StoreEventData{
		Before: marshalMessage(before),
		After:  marshalMessage(after),
	})
	if err != nil {
		return err
	}
	if err := s.queue.Enqueue(ctx, evt, 0); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", eventType, err)
	}
	return nil
}

func marshalMessage(msg *Message) json.RawMessage {
	if msg == nil {
		return nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return raw
}
