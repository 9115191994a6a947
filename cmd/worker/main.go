/**
 * @description
 * Worker Service Entry Point.
 * Consumes committed event batches from Kafka and writes order and fill history
 * to PostgreSQL.
 *
 * @dependencies
 * - backend/internal/config
 * - backend/internal/db
 * - backend/internal/services
 */

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bankai-project/clob/internal/config"
	"github.com/bankai-project/clob/internal/db"
	"github.com/bankai-project/clob/internal/logger"
	"github.com/bankai-project/clob/internal/services"
)

func main() {
	defer logger.Sync()
	logger.Info("🔥 Starting CLOB History Worker...")

	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}
	if err := cfg.RequireDatabase(); err != nil {
		logger.Fatal("%v", err)
	}
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required for the history worker")
	}

	// 2. Connect DB
	pgDB, err := db.ConnectPostgres(cfg)
	if err != nil {
		logger.Fatal("Postgres connection failed: %v", err)
	}
	if err := db.Migrate(pgDB); err != nil {
		logger.Fatal("%v", err)
	}

	// 3. Initialize Writer
	writer := services.NewHistoryWriter(pgDB, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)

	// 4. Context with Cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- writer.Run(ctx)
	}()

	// 5. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("Shutting down worker...")
		cancel()
		select {
		case err := <-done:
			if err != nil {
				logger.Error("History writer stopped with error: %v", err)
			}
		case <-time.After(10 * time.Second):
			logger.Error("History writer did not stop in time")
		}
	case err := <-done:
		if err != nil {
			logger.Error("❌ History writer failed: %v", err)
		}
	}

	if err := writer.Close(); err != nil {
		logger.Error("Error closing Kafka reader: %v", err)
	}
	logger.Info("Worker exited.")
}
