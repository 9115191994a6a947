/**
 * @description
 * API Route definitions.
 * Sets up the router groups and assigns handlers.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2
 * - backend/internal/api/handlers
 * - backend/internal/api/middleware
 * - backend/internal/services
 */

package api

import (
	"github.com/bankai-project/clob/internal/api/handlers"
	"github.com/bankai-project/clob/internal/api/middleware"
	"github.com/bankai-project/clob/internal/config"
	"github.com/bankai-project/clob/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures all API routes. hub may be nil when Redis pub/sub is off;
// gatherer may be nil to skip /metrics.
func SetupRoutes(app *fiber.App, cfg *config.Config, orders *services.OrderService, hub *services.EventStreamHub, gatherer prometheus.Gatherer) error {
	// 1. Initialize Middleware
	if err := middleware.InitAuthMiddleware(cfg); err != nil {
		return err
	}

	// 2. Initialize Handlers
	orderHandler := handlers.NewOrderHandler(orders)
	marketHandler := handlers.NewMarketHandler(orders, hub)
	balanceHandler := handlers.NewBalanceHandler(orders)

	// 3. Define Routes
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := app.Group("/api")
	v1 := api.Group("/v1")

	// Public Routes
	v1.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	markets := v1.Group("/markets")
	markets.Get("/", marketHandler.GetMarkets)
	markets.Get("/:market/book/:outcome", marketHandler.GetBook)
	v1.Get("/stream", marketHandler.StreamEvents)

	// Trading Routes (Protected)
	orderRoutes := v1.Group("/orders", middleware.Protected())
	orderRoutes.Post("/", orderHandler.PlaceOrder)
	orderRoutes.Delete("/", orderHandler.CancelAllOrders)
	orderRoutes.Get("/:id", orderHandler.GetOrder)
	orderRoutes.Delete("/:id", orderHandler.CancelOrder)

	balances := v1.Group("/balances", middleware.Protected())
	balances.Get("/:market", balanceHandler.GetBalances)
	balances.Post("/:market/deposit", middleware.OperatorOnly(), balanceHandler.Deposit())
	balances.Post("/:market/withdraw", middleware.OperatorOnly(), balanceHandler.Withdraw())
	balances.Post("/:market/split", balanceHandler.Split())
	balances.Post("/:market/merge", balanceHandler.Merge())

	return nil
}
