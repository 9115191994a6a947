/**
 * @description
 * Market API Handlers.
 * Exposes the market registry, order book depth and the live event stream.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2
 * - backend/internal/services
 */

package handlers

import (
	"bufio"
	"context"
	"fmt"

	"github.com/bankai-project/clob/internal/matching"
	"github.com/bankai-project/clob/internal/services"
	"github.com/gofiber/fiber/v2"
)

const maxDepthLimit = 500

type MarketHandler struct {
	Service *services.OrderService
	Hub     *services.EventStreamHub
}

func NewMarketHandler(service *services.OrderService, hub *services.EventStreamHub) *MarketHandler {
	return &MarketHandler{Service: service, Hub: hub}
}

// GetMarkets lists configured markets
// GET /api/v1/markets
func (h *MarketHandler) GetMarkets(c *fiber.Ctx) error {
	return c.JSON(h.Service.Markets.List())
}

// GetBook returns aggregated depth for one outcome book
// GET /api/v1/markets/:market/book/:outcome?limit=
func (h *MarketHandler) GetBook(c *fiber.Ctx) error {
	outcome, err := matching.ParseOutcome(c.Params("outcome"))
	if err != nil {
		return respondError(c, err)
	}
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > maxDepthLimit {
		limit = maxDepthLimit
	}

	depth, err := h.Service.GetDepth(c.Params("market"), outcome, limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(depth)
}

// StreamEvents streams committed event batches over SSE
// GET /api/v1/stream
func (h *MarketHandler) StreamEvents(c *fiber.Ctx) error {
	if h.Hub == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Event stream disabled"})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	requestCtx := c.Context()
	ch, unsubscribe := h.Hub.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cancel()
			unsubscribe()
		}()

		requestDone := requestCtx.Done()

		for {
			select {
			case <-requestDone:
				return
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})

	return nil
}
