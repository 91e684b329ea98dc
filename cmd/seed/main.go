// Seed loads messages from a JSON fixture file into the configured store,
// preserving any ids and timestamps the fixture carries. Useful for demos
// and for rebuilding a store from an admin raw dump.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	"go.uber.org/zap"

	"done-light/internal/audit"
	"done-light/internal/config"
	"done-light/internal/db"
	"done-light/internal/messages"
	"done-light/internal/observability"
	"done-light/internal/queue"
	"done-light/internal/stats"
)

func main() {
	file := flag.String("file", "seed.json", "path to a JSON array of messages")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := observability.GetLogger(cfg.LogLevel)
	defer logger.Sync()

	raw, err := os.ReadFile(*file)
	if err != nil {
		logger.Fatal("Failed to read fixture", zap.String("file", *file), zap.Error(err))
	}
	var fixture []messages.Message
	if err := json.Unmarshal(raw, &fixture); err != nil {
		logger.Fatal("Failed to decode fixture", zap.String("file", *file), zap.Error(err))
	}

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

	service := messages.NewService(store, statsSvc, auditLog, q, logger)

	seeded := 0
	for i := range fixture {
		msg := fixture[i]
		if _, err := service.Create(ctx, &msg, &messages.CreateOptions{PreserveTimestamps: true}); err != nil {
			logger.Error("Failed to seed message", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		seeded++
	}

	logger.Info("Seeding finished", zap.Int("seeded", seeded), zap.Int("total", len(fixture)))
}
