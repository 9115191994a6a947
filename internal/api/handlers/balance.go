package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/bankai-project/clob/internal/api/middleware"
	"github.com/bankai-project/clob/internal/ledger"
	"github.com/gofiber/fiber/v2"
)

type BalanceHandler struct {
	Service balanceService
}

// balanceService is the part of OrderService the balance routes use
type balanceService interface {
	GetBalances(userID, marketID string) ([]ledger.Balance, error)
	Deposit(ctx context.Context, userID, marketID string, amount uint64) ([]ledger.Balance, error)
	Withdraw(ctx context.Context, userID, marketID string, amount uint64) ([]ledger.Balance, error)
	Split(ctx context.Context, userID, marketID string, amount uint64) ([]ledger.Balance, error)
	Merge(ctx context.Context, userID, marketID string, amount uint64) ([]ledger.Balance, error)
}

func NewBalanceHandler(service balanceService) *BalanceHandler {
	return &BalanceHandler{Service: service}
}

type amountRequest struct {
	// accepts "100" or 100
	Amount jsonAmount `json:"amount"`
}

// transferRequest moves funds for another account. Only operators send it.
type transferRequest struct {
	UserID string     `json:"userId"`
	Amount jsonAmount `json:"amount"`
}

type jsonAmount uint64

func (a *jsonAmount) UnmarshalJSON(data []byte) error {
	v, err := strconv.ParseUint(strings.Trim(string(data), `"`), 10, 64)
	if err != nil {
		return err
	}
	*a = jsonAmount(v)
	return nil
}

// GetBalances returns USDC/YES/NO balances in a market
// GET /api/v1/balances/:market
func (h *BalanceHandler) GetBalances(c *fiber.Ctx) error {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}
	balances, err := h.Service.GetBalances(userID, c.Params("market"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(balances)
}

func (h *BalanceHandler) mutate(op func(ctx context.Context, userID, marketID string, amount uint64) ([]ledger.Balance, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := middleware.GetUserID(c)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}
		var req amountRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		balances, err := op(c.UserContext(), userID, c.Params("market"), uint64(req.Amount))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(balances)
	}
}

func (h *BalanceHandler) transfer(op func(ctx context.Context, userID, marketID string, amount uint64) ([]ledger.Balance, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req transferRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		userID := strings.TrimSpace(req.UserID)
		if userID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "userId is required"})
		}
		balances, err := op(c.UserContext(), userID, c.Params("market"), uint64(req.Amount))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(balances)
	}
}

// Deposit credits USDC to the account named in the body. Operators only.
// POST /api/v1/balances/:market/deposit
func (h *BalanceHandler) Deposit() fiber.Handler { return h.transfer(h.Service.Deposit) }

// Withdraw debits USDC from the account named in the body. Operators only.
// POST /api/v1/balances/:market/withdraw
func (h *BalanceHandler) Withdraw() fiber.Handler { return h.transfer(h.Service.Withdraw) }

// Split POST /api/v1/balances/:market/split
func (h *BalanceHandler) Split() fiber.Handler { return h.mutate(h.Service.Split) }

// Merge POST /api/v1/balances/:market/merge
func (h *BalanceHandler) Merge() fiber.Handler { return h.mutate(h.Service.Merge) }
