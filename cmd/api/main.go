/**
 * @description
 * Main entry point for the CLOB API.
 * Loads configuration, restores the live books from Redis and serves the trading API.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2: Web framework
 * - github.com/bankai-project/clob/internal/config: Config loader
 * - github.com/bankai-project/clob/internal/db: Redis connection
 * - github.com/bankai-project/clob/internal/services: matching engine
 *
 * @notes
 * - The engine must be the only writer of the Redis live state.
 * - On SIGINT/SIGTERM the HTTP server stops first, then queued units of work drain,
 *   then pending events are flushed.
 */

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bankai-project/clob/internal/api"
	"github.com/bankai-project/clob/internal/config"
	"github.com/bankai-project/clob/internal/db"
	"github.com/bankai-project/clob/internal/ledger"
	"github.com/bankai-project/clob/internal/logger"
	"github.com/bankai-project/clob/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	defer logger.Sync()

	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	// 2. Redis (live state + event feed)
	redisClient, err := db.ConnectRedis(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	// 3. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(registry)

	// 4. Event publishers
	publishers := []services.Publisher{services.NewRedisPublisher(redisClient, cfg.Redis.EventsChannel)}
	if len(cfg.Kafka.Brokers) > 0 {
		publishers = append(publishers, services.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		logger.Info("📨 Publishing events to Kafka topic %s", cfg.Kafka.Topic)
	}
	emitter := services.NewEventEmitter(cfg.Engine.EventBuffer, metrics, publishers...)

	// 5. Matching engine
	markets, err := services.NewMarketRegistry(cfg.Markets, cfg.Engine.AllowUnlistedMarkets)
	if err != nil {
		logger.Fatal("Invalid market configuration: %v", err)
	}
	opts, err := services.OptionsFromConfig(cfg)
	if err != nil {
		logger.Fatal("Invalid engine configuration: %v", err)
	}
	store := services.NewRedisStateStore(redisClient, 0)
	orders := services.NewOrderService(ledger.New(), markets, store, emitter, metrics, opts)

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), time.Minute)
	if err := orders.Restore(restoreCtx); err != nil {
		logger.Fatal("Failed to restore live state: %v", err)
	}
	cancelRestore()
	if err := orders.Audit(); err != nil {
		logger.Fatal("Restored state failed the consistency audit: %v", err)
	}

	hub := services.NewEventStreamHub(redisClient, cfg.Redis.EventsChannel)

	// 6. Initialize Fiber App
	app := fiber.New(fiber.Config{
		AppName:       "Bankai CLOB",
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))

	if err := api.SetupRoutes(app, cfg, orders, hub, registry); err != nil {
		logger.Fatal("Failed to set up routes: %v", err)
	}

	// 7. Start Server
	go func() {
		logger.Info("🚀 Starting CLOB API on port %s", cfg.Server.Port)
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			logger.Fatal("Failed to start server: %v", err)
		}
	}()

	// 8. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down API...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("Error shutting down HTTP server: %v", err)
	}
	hub.Close()
	orders.Close()
	emitter.Close()
	logger.Info("API exited.")
}
