package api

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"done-light/internal/audit"
	"done-light/internal/ids"
	"done-light/internal/messages"
	"done-light/internal/queue"
	"done-light/internal/stats"
)

type Handlers struct {
	logger   *zap.Logger
	service  *messages.Service
	stats    stats.Service
	auditLog audit.Store // nil when the audit log is disabled
	queue    queue.Queue
}

func NewHandlers(logger *zap.Logger, service *messages.Service, statsSvc stats.Service, auditLog audit.Store, q queue.Queue) *Handlers {
	return &Handlers{
		logger:   logger,
		service:  service,
		stats:    statsSvc,
		auditLog: auditLog,
		queue:    q,
	}
}

// CreateMessage handles POST /v1/messages/<callback-url>. The message is not
// persisted here: ingress assigns the id, computes the schedule, and hands a
// MESSAGE_RECEIVED event to the state manager.
func (h *Handlers) CreateMessage(c *fiber.Ctx) error {
	target, err := callbackTarget(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": err.Error()})
	}

	now := time.Now().UTC()
	publishAt, hdrs, err := parseDirectives(c, now)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": err.Error()})
	}

	var data json.RawMessage
	if body := c.Body(); len(body) > 0 {
		if !json.Valid(body) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "request body must be valid JSON"})
		}
		data = append(json.RawMessage(nil), body...)
	}

	msg := messages.Message{
		ID: ids.New("msg"),
		Payload: messages.Payload{
			Headers: hdrs,
			URL:     target,
			Data:    data,
		},
		PublishAt:  publishAt,
		Status:     messages.StatusCreated,
		LastErrors: []messages.DeliveryError{},
	}

	evt, err := queue.NewEvent(queue.EventMessageReceived, msg)
	if err != nil {
		return h.internalError(c, "failed to build ingress event", err)
	}
	if err := h.queue.Enqueue(c.Context(), evt, 0); err != nil {
		return h.internalError(c, "failed to enqueue message", err)
	}

	h.logger.Info("message accepted",
		zap.String("id", msg.ID),
		zap.String("url", target),
		zap.Time("publish_at", publishAt))

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":         msg.ID,
		"publish_at": messages.FormatTime(publishAt),
	})
}

func (h *Handlers) GetMessage(c *fiber.Ctx) error {
	msg, err := h.service.GetByID(c.Context(), c.Params("id"))
	if errors.Is(err, messages.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "message not found"})
	}
	if err != nil {
		return h.internalError(c, "failed to fetch message", err)
	}
	return c.JSON(msg)
}

func (h *Handlers) ListByStatus(c *fiber.Ctx) error {
	status, err := messages.ParseStatus(c.Params("status"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": err.Error()})
	}

	list, err := h.service.ListByStatus(c.Context(), status)
	if err != nil {
		return h.internalError(c, "failed to list messages", err)
	}
	if list == nil {
		list = []*messages.Message{}
	}
	return c.JSON(list)
}

func (h *Handlers) AdminStats(c *fiber.Ctx) error {
	snapshot, err := h.stats.Snapshot(c.Context())
	if err != nil {
		return h.internalError(c, "failed to build stats snapshot", err)
	}
	return c.JSON(snapshot)
}

func (h *Handlers) AdminRaw(c *fiber.Ctx) error {
	dump, err := h.service.Raw(c.Context(), c.Params("match"))
	if errors.Is(err, messages.ErrUnknownTable) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": err.Error()})
	}
	if err != nil {
		return h.internalError(c, "failed to dump raw data", err)
	}
	return c.JSON(dump)
}

const adminLogsLimit = 100

func (h *Handlers) AdminLogs(c *fiber.Ctx) error {
	if h.auditLog == nil {
		return c.JSON([]*audit.Entry{})
	}
	entries, err := h.auditLog.ListAll(c.Context(), adminLogsLimit)
	if err != nil {
		return h.internalError(c, "failed to list logs", err)
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	return c.JSON(entries)
}

func (h *Handlers) AdminLogByMessage(c *fiber.Ctx) error {
	if h.auditLog == nil {
		return c.JSON([]*audit.Entry{})
	}
	entries, err := h.auditLog.ListByMessageID(c.Context(), c.Params("message_id"))
	if err != nil {
		return h.internalError(c, "failed to list message logs", err)
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	return c.JSON(entries)
}

func (h *Handlers) AdminReset(c *fiber.Ctx) error {
	match := c.Params("match")
	err := h.service.Reset(c.Context(), match)
	if errors.Is(err, messages.ErrProtectedTable) || errors.Is(err, messages.ErrUnknownTable) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": err.Error()})
	}
	if err != nil {
		return h.internalError(c, "failed to reset", err)
	}

	h.logger.Warn("admin reset executed", zap.String("match", match))
	if match == "" {
		match = "all"
	}
	return c.JSON(fiber.Map{"reset": match})
}

func (h *Handlers) Ping(c *fiber.Ctx) error {
	return c.SendString("pong")
}

func (h *Handlers) Health(c *fiber.Ctx) error {
	if err := h.service.Ping(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":    "unhealthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handlers) internalError(c *fiber.Ctx, msg string, err error) error {
	h.logger.Error(msg, zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "internal error"})
}
