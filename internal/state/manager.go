// Package state implements the message state machine. The Manager is the
// sole consumer of the durable queue: every system event lands here, is
// mapped to its subject message, and drives exactly one status decision.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"done-light/internal/delivery"
	"done-light/internal/messages"
	"done-light/internal/observability"
	"done-light/internal/queue"
)

const (
	// MaxRetries bounds delivery attempts: the initial attempt plus three
	// retries, then DLQ.
	MaxRetries = 3

	// RetryDelay spaces consecutive delivery attempts.
	RetryDelay = time.Minute
)

type Manager struct {
	service *messages.Service
	queue   queue.Queue
	worker  deliverer
	logger  *zap.Logger
	metrics *observability.Metrics

	maxRetries int
	retryDelay time.Duration
}

// deliverer is what the manager needs from the delivery worker.
type deliverer interface {
	Deliver(ctx context.Context, msg *messages.Message) *delivery.Result
	FailureCallback(ctx context.Context, msg *messages.Message, target string) error
}

func NewManager(service *messages.Service, q queue.Queue, worker *delivery.Worker, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		service:    service,
		queue:      q,
		worker:     worker,
		logger:     logger,
		metrics:    metrics,
		maxRetries: MaxRetries,
		retryDelay: RetryDelay,
	}
}

// Run consumes the durable queue until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	return m.queue.Consume(ctx, m.Handle)
}

// Handle processes one event. Events redeliver on error, so every path that
// cannot make progress by retrying (stale snapshots, vanished messages,
// undecodable payloads) must swallow the condition instead of returning it.
func (m *Manager) Handle(ctx context.Context, evt *queue.Event) error {
	if m.metrics != nil {
		m.metrics.EventsProcessedTotal.WithLabelValues(string(evt.Type)).Inc()
	}
	m.logger.Debug("processing event",
		zap.String("event_id", evt.ID),
		zap.String("type", string(evt.Type)))

	switch evt.Type {
	case queue.EventMessageReceived:
		return m.handleReceived(ctx, evt)
	case queue.EventMessageQueued, queue.EventMessageRetry:
		return m.handleWakeup(ctx, evt)
	case queue.EventStoreCreate, queue.EventStoreUpdate:
		return m.handleStoreEvent(ctx, evt)
	case queue.EventStoreDelete:
		// Nothing left to drive once the message is gone.
		return nil
	default:
		m.logger.Warn("dropping event of unknown type", zap.String("type", string(evt.Type)))
		return nil
	}
}

// handleReceived persists the ingress message. The resulting
// STORE_CREATE_EVENT re-enters the machine and makes the first status
// decision.
func (m *Manager) handleReceived(ctx context.Context, evt *queue.Event) error {
	var msg messages.Message
	if err := json.Unmarshal(evt.Data, &msg); err != nil {
		m.logger.Error("dropping undecodable MESSAGE_RECEIVED", zap.String("event_id", evt.ID), zap.Error(err))
		return nil
	}

	_, err := m.service.Create(ctx, &msg, nil)
	if errors.Is(err, messages.ErrDuplicateID) {
		// Redelivered event; the first delivery already created the message
		// but may have died before its STORE_CREATE_EVENT was enqueued, so
		// dispatch the stored state rather than dropping the event.
		current, err := m.service.GetByID(ctx, msg.ID)
		if errors.Is(err, messages.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return m.dispatch(ctx, current)
	}
	return err
}

// handleWakeup fires when a MESSAGE_QUEUED or MESSAGE_RETRY delay elapses:
// move the message to DELIVER so the update event triggers the worker.
func (m *Manager) handleWakeup(ctx context.Context, evt *queue.Event) error {
	var msg messages.Message
	if err := json.Unmarshal(evt.Data, &msg); err != nil {
		m.logger.Error("dropping undecodable wakeup event", zap.String("event_id", evt.ID), zap.Error(err))
		return nil
	}

	current, err := m.service.GetByID(ctx, msg.ID)
	if errors.Is(err, messages.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := messages.ValidateTransition(current.Status, messages.StatusDeliver); err != nil {
		// A stale wakeup for a message that already moved on.
		m.logger.Debug("ignoring stale wakeup",
			zap.String("id", current.ID),
			zap.String("status", string(current.Status)))
		return nil
	}

	status := messages.StatusDeliver
	_, err = m.service.Update(ctx, current.ID, messages.Patch{Status: &status})
	if errors.Is(err, messages.ErrNotFound) || errors.Is(err, messages.ErrInvalidTransition) {
		return nil
	}
	return err
}

// handleStoreEvent re-reads the subject and dispatches on its current status.
// Reading fresh state rather than the event snapshot keeps redelivered and
// reordered events harmless.
func (m *Manager) handleStoreEvent(ctx context.Context, evt *queue.Event) error {
	var data queue.StoreEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		m.logger.Error("dropping undecodable store event", zap.String("event_id", evt.ID), zap.Error(err))
		return nil
	}
	var snapshot messages.Message
	if err := json.Unmarshal(data.After, &snapshot); err != nil {
		m.logger.Error("dropping store event without subject", zap.String("event_id", evt.ID), zap.Error(err))
		return nil
	}

	msg, err := m.service.GetByID(ctx, snapshot.ID)
	if errors.Is(err, messages.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.dispatch(ctx, msg)
}

// dispatch runs the status handler for the message's current state.
func (m *Manager) dispatch(ctx context.Context, msg *messages.Message) error {
	switch msg.Status {
	case messages.StatusCreated:
		return m.handleCreated(ctx, msg)
	case messages.StatusQueued:
		return m.handleQueued(ctx, msg)
	case messages.StatusDeliver:
		return m.handleDeliver(ctx, msg)
	case messages.StatusRetry, messages.StatusSent, messages.StatusDLQ, messages.StatusArchived:
		// RETRY waits for its MESSAGE_RETRY wakeup; the rest are terminal.
		return nil
	default:
		m.logger.Warn("message in unknown status",
			zap.String("id", msg.ID),
			zap.String("status", string(msg.Status)))
		return nil
	}
}

// handleCreated decides where a fresh message goes: due now, due later
// today, or left for the Daily Activator.
func (m *Manager) handleCreated(ctx context.Context, msg *messages.Message) error {
	now := time.Now().UTC()

	if !msg.PublishAt.After(now) {
		status := messages.StatusDeliver
		_, err := m.service.Update(ctx, msg.ID, messages.Patch{Status: &status})
		return ignoreStale(err)
	}

	if messages.FormatDate(msg.PublishAt) == messages.FormatDate(now) {
		status := messages.StatusQueued
		_, err := m.service.Update(ctx, msg.ID, messages.Patch{Status: &status})
		return ignoreStale(err)
	}

	// Due on a later day; a midnight sweep will pick it up.
	return nil
}

// handleQueued schedules the wakeup that will move the message to DELIVER
// when publish_at arrives. Both ingress-queued and activator-promoted
// messages pass through here.
func (m *Manager) handleQueued(ctx context.Context, msg *messages.Message) error {
	delay := time.Until(msg.PublishAt)
	if delay < 0 {
		delay = 0
	}

	evt, err := queue.NewEvent(queue.EventMessageQueued, msg)
	if err != nil {
		return err
	}
	if err := m.queue.Enqueue(ctx, evt, delay); err != nil {
		return fmt.Errorf("failed to schedule wakeup for %s: %w", msg.ID, err)
	}

	m.logger.Info("message scheduled",
		zap.String("id", msg.ID),
		zap.Time("publish_at", msg.PublishAt),
		zap.Duration("delay", delay))
	return nil
}

// handleDeliver runs one delivery attempt and applies the outcome:
// SENT on success, RETRY while attempts remain, DLQ once they are spent.
func (m *Manager) handleDeliver(ctx context.Context, msg *messages.Message) error {
	result := m.worker.Deliver(ctx, msg)
	if result.Success {
		now := time.Now().UTC().Truncate(time.Second)
		status := messages.StatusSent
		_, err := m.service.Update(ctx, msg.ID, messages.Patch{
			Status:      &status,
			DeliveredAt: &now,
		})
		return ignoreStale(err)
	}

	if msg.Retried < m.maxRetries {
		return m.scheduleRetry(ctx, msg, result)
	}
	return m.deadLetter(ctx, msg)
}

func (m *Manager) scheduleRetry(ctx context.Context, msg *messages.Message, result *delivery.Result) error {
	now := time.Now().UTC().Truncate(time.Second)
	retryAt := now.Add(m.retryDelay)
	retried := msg.Retried + 1
	status := messages.StatusRetry
	lastErrors := append(append([]messages.DeliveryError(nil), msg.LastErrors...),
		result.Error(msg.Payload.URL))

	updated, err := m.service.Update(ctx, msg.ID, messages.Patch{
		Status:     &status,
		Retried:    &retried,
		RetryAt:    &retryAt,
		LastErrors: lastErrors,
	})
	if err != nil {
		return ignoreStale(err)
	}
	if m.metrics != nil {
		m.metrics.RetriesTotal.Inc()
	}

	evt, err := queue.NewEvent(queue.EventMessageRetry, updated)
	if err != nil {
		return err
	}
	if err := m.queue.Enqueue(ctx, evt, m.retryDelay); err != nil {
		return fmt.Errorf("failed to schedule retry for %s: %w", msg.ID, err)
	}

	m.logger.Info("retry scheduled",
		zap.String("id", msg.ID),
		zap.Int("retried", retried),
		zap.Time("retry_at", retryAt))
	return nil
}

// deadLetter parks the message and fires the one-shot failure callback when
// the client asked for one. Callback failures are logged, never retried.
func (m *Manager) deadLetter(ctx context.Context, msg *messages.Message) error {
	status := messages.StatusDLQ
	updated, err := m.service.Update(ctx, msg.ID, messages.Patch{Status: &status})
	if err != nil {
		return ignoreStale(err)
	}

	m.logger.Warn("message dead-lettered",
		zap.String("id", msg.ID),
		zap.Int("retried", msg.Retried),
		zap.String("url", msg.Payload.URL))

	if target, ok := updated.FailureCallbackURL(); ok {
		if err := m.worker.FailureCallback(ctx, updated, target); err != nil {
			m.logger.Warn("failure callback failed",
				zap.String("id", msg.ID),
				zap.String("url", target),
				zap.Error(err))
		}
	}
	return nil
}

// ignoreStale swallows the errors a redelivered or reordered event produces
// when its subject already moved on.
func ignoreStale(err error) error {
	if errors.Is(err, messages.ErrNotFound) || errors.Is(err, messages.ErrInvalidTransition) {
		return nil
	}
	return err
}
