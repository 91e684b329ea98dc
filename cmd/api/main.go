package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"done-light/internal/activator"
	"done-light/internal/api"
	"done-light/internal/audit"
	"done-light/internal/auth"
	"done-light/internal/config"
	"done-light/internal/db"
	"done-light/internal/delivery"
	"done-light/internal/messages"
	"done-light/internal/observability"
	"done-light/internal/queue"
	"done-light/internal/state"
	"done-light/internal/stats"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := observability.GetLogger(cfg.LogLevel)
	defer logger.Sync()
	logger.Info("Starting Done Light", zap.String("storage", cfg.StorageType))

	storage, err := cfg.Storage()
	if err != nil {
		logger.Fatal("Invalid storage configuration", zap.Error(err))
	}

	ctx := context.Background()

	var (
		store    messages.Store
		statsSvc stats.Service
		auditLog audit.Store
		q        queue.Queue
	)

	switch storage {
	case config.StorageTurso:
		database, err := db.NewSQL(ctx, cfg.TursoDBURL, cfg.TursoDBAuthToken)
		if err != nil {
			logger.Fatal("Failed to open database", zap.Error(err))
		}
		defer database.Close()

		if err := database.RunMigrations(ctx); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}

		store = messages.NewSQLStore(database, logger)
		statsSvc = stats.NewSQLService(database, logger)
		if cfg.EnableLogs {
			auditLog = audit.NewSQLStore(database, logger)
		}
		q = queue.NewOutbox(database, logger)

	case config.StorageKV:
		redis, err := db.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redis.Close()

		store = messages.NewKVStore(redis, logger)
		statsSvc = stats.NewKVService(redis, logger)
		if cfg.EnableLogs {
			auditLog = audit.NewKVStore(redis, logger)
		}
		q = queue.NewRedis(redis, logger)
	}
	defer q.Close()

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	token, err := auth.NewToken(cfg.AuthToken, logger)
	if err != nil {
		logger.Fatal("Failed to initialize auth", zap.Error(err))
	}

	service := messages.NewService(store, statsSvc, auditLog, q, logger)
	worker := delivery.NewWorker(logger, metrics)
	manager := state.NewManager(service, q, worker, logger, metrics)
	daily := activator.New(service, logger)
	handlers := api.NewHandlers(logger, service, statsSvc, auditLog, q)

	reconcileStats(ctx, service, statsSvc, logger)

	runCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	go func() {
		if err := manager.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("State manager stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := daily.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("Daily activator stopped", zap.Error(err))
		}
	}()
	if metrics != nil {
		go watchQueueDepth(runCtx, q, metrics)
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("Unhandled request error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "internal error"})
		},
	})

	api.SetupRoutes(app, logger, metrics, handlers, token, cfg.MetricsEnabled)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Done Light started", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown gracefully", zap.Error(err))
	}
	stopWorkers()

	logger.Info("Done Light stopped")
}

// reconcileStats rebuilds the stats projection when its per-status sum
// disagrees with the store, which happens after a crash between a message
// write and a counter write.
func reconcileStats(ctx context.Context, service *messages.Service, statsSvc stats.Service, logger *zap.Logger) {
	snapshot, err := statsSvc.Snapshot(ctx)
	if err != nil {
		logger.Warn("Failed to read stats snapshot", zap.Error(err))
		return
	}
	count, err := service.Count(ctx)
	if err != nil {
		logger.Warn("Failed to count messages", zap.Error(err))
		return
	}

	var sum int64
	for _, n := range snapshot.Statuses {
		sum += n
	}
	if sum == count {
		return
	}

	logger.Warn("Stats out of sync with store, rebuilding",
		zap.Int64("counted", sum),
		zap.Int64("stored", count))
	if err := service.ReinitializeStats(ctx); err != nil {
		logger.Error("Failed to rebuild stats", zap.Error(err))
	}
}

func watchQueueDepth(ctx context.Context, q queue.Queue, metrics *observability.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := q.Depth(ctx); err == nil {
				metrics.QueueDepth.Set(float64(depth))
			}
		}
	}
}
