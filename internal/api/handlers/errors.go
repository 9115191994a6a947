package handlers

import (
	"context"
	"errors"

	"github.com/bankai-project/clob/internal/ledger"
	"github.com/bankai-project/clob/internal/logger"
	"github.com/bankai-project/clob/internal/matching"
	"github.com/bankai-project/clob/internal/services"
	"github.com/gofiber/fiber/v2"
)

// statusFor maps engine errors onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, matching.ErrInvalidOrder):
		return fiber.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, services.ErrOrderNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrNotOwner):
		return fiber.StatusForbidden
	case errors.Is(err, services.ErrAlreadyTerminal):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrStoreUnavailable), errors.Is(err, services.ErrLaneClosed),
		errors.Is(err, services.ErrLaneHalted):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		logger.Error("❌ %s %s failed: %v", c.Method(), c.Path(), err)
		return c.Status(status).JSON(fiber.Map{"error": "Internal error"})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
