package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"done-light/internal/auth"
	"done-light/internal/observability"
)

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	token *auth.Token,
	metricsEnabled bool,
) {
	SetupMiddleware(app, logger, metrics)

	if metricsEnabled {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	v1 := app.Group("/v1")

	// Ping is the only unauthenticated route.
	v1.Get("/system/ping", handlers.Ping)

	v1.Use(token.Middleware())

	v1.Get("/system/health", handlers.Health)

	// by-status must register before :id so status names are not taken for ids.
	v1.Get("/messages/by-status/:status", handlers.ListByStatus)
	v1.Get("/messages/:id", handlers.GetMessage)
	v1.Post("/messages/+", handlers.CreateMessage)

	admin := v1.Group("/admin")
	admin.Get("/stats", handlers.AdminStats)
	admin.Get("/raw", handlers.AdminRaw)
	admin.Get("/raw/:match", handlers.AdminRaw)
	admin.Get("/logs", handlers.AdminLogs)
	admin.Get("/log/:message_id", handlers.AdminLogByMessage)
	admin.Delete("/reset", handlers.AdminReset)
	admin.Delete("/reset/:match", handlers.AdminReset)
}
