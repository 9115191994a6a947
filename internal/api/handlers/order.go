/**
 * @description
 * Order API Handlers.
 * Place, cancel and query orders for the authenticated user.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2
 * - backend/internal/services
 */

package handlers

import (
	"context"
	"time"

	"github.com/bankai-project/clob/internal/api/middleware"
	"github.com/bankai-project/clob/internal/matching"
	"github.com/bankai-project/clob/internal/services"
	"github.com/gofiber/fiber/v2"
)

// requestTimeout bounds how long a caller waits for a lane
const requestTimeout = 10 * time.Second

type OrderHandler struct {
	Service *services.OrderService
}

func NewOrderHandler(service *services.OrderService) *OrderHandler {
	return &OrderHandler{Service: service}
}

// PlaceOrder submits a new order
// POST /api/v1/orders
func (h *OrderHandler) PlaceOrder(c *fiber.Ctx) error {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	var req services.PlaceOrderParams
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	// the authenticated user always owns the order
	req.UserID = userID

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	res, err := h.Service.PlaceOrder(ctx, req)
	if err != nil {
		if res != nil && res.OrderID != "" {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"orderId": res.OrderID,
				"error":   err.Error(),
			})
		}
		return respondError(c, err)
	}
	if !res.Success {
		return c.Status(fiber.StatusOK).JSON(res)
	}
	if res.Duplicate {
		return c.JSON(res)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// GetOrder returns an order's current state
// GET /api/v1/orders/:id
func (h *OrderHandler) GetOrder(c *fiber.Ctx) error {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	order, err := h.Service.GetOrderStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	if order.UserID != userID {
		// do not reveal other users' orders
		return respondError(c, services.ErrOrderNotFound)
	}
	return c.JSON(newOrderView(order))
}

// CancelOrder cancels one resting order
// DELETE /api/v1/orders/:id
func (h *OrderHandler) CancelOrder(c *fiber.Ctx) error {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	res, err := h.Service.CancelOrder(ctx, c.Params("id"), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

// CancelAllOrders cancels every resting order of the user in a market
// DELETE /api/v1/orders?market=...&outcome=...
func (h *OrderHandler) CancelAllOrders(c *fiber.Ctx) error {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	market := c.Query("market")
	if market == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "market is required"})
	}
	var outcome matching.Outcome
	if raw := c.Query("outcome"); raw != "" {
		if outcome, err = matching.ParseOutcome(raw); err != nil {
			return respondError(c, err)
		}
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	res, err := h.Service.CancelAllOrders(ctx, userID, market, outcome)
	if err != nil {
		status := statusFor(err)
		return c.Status(status).JSON(fiber.Map{"error": err.Error(), "result": res})
	}
	return c.JSON(res)
}

// orderView renders an order with a decimal price
type orderView struct {
	OrderID         string               `json:"orderId"`
	ClientOrderID   string               `json:"clientOrderId,omitempty"`
	MarketID        string               `json:"marketId"`
	Outcome         matching.Outcome     `json:"outcome"`
	Side            matching.Side        `json:"side"`
	OrderType       matching.OrderType   `json:"orderType"`
	TimeInForce     matching.TimeInForce `json:"timeInForce"`
	Price           string               `json:"price,omitempty"`
	OriginalAmount  uint64               `json:"originalAmount"`
	FilledAmount    uint64               `json:"filledAmount"`
	RemainingAmount uint64               `json:"remainingAmount"`
	Status          matching.Status      `json:"status"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

func newOrderView(o *matching.Order) orderView {
	v := orderView{
		OrderID:         o.ID,
		ClientOrderID:   o.ClientOrderID,
		MarketID:        o.MarketID,
		Outcome:         o.Outcome,
		Side:            o.Side,
		OrderType:       o.Type,
		TimeInForce:     o.TimeInForce,
		OriginalAmount:  o.OriginalAmount,
		FilledAmount:    o.FilledAmount,
		RemainingAmount: o.LiveRemaining(),
		Status:          o.Status,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	if o.Type == matching.Limit {
		v.Price = o.Price.String()
	}
	return v
}
