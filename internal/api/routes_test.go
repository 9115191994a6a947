package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bankai-project/clob/internal/api/middleware"
	"github.com/bankai-project/clob/internal/config"
	"github.com/bankai-project/clob/internal/ledger"
	"github.com/bankai-project/clob/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	cfg := &config.Config{
		Server:  config.ServerConfig{Env: "test"},
		Auth:    config.AuthConfig{Operators: []string{"ops"}},
		Markets: []config.MarketConfig{{ID: "m1", TickSize: "0.01", MinSize: 1}},
	}
	markets, err := services.NewMarketRegistry(cfg.Markets, false)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := services.NewMetrics(reg)
	orders := services.NewOrderService(ledger.New(), markets, services.NopStore{}, nil, metrics, services.OrderServiceOptions{})
	t.Cleanup(orders.Close)

	app := fiber.New()
	require.NoError(t, SetupRoutes(app, cfg, orders, nil, reg))
	return app
}

func call(t *testing.T, app *fiber.App, method, path, user, body string, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middleware.UserIDHeader, user)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	app := newTestApp(t)

	assert.Equal(t, http.StatusOK, call(t, app, http.MethodPost, "/api/v1/balances/m1/deposit", "ops", `{"userId":"alice","amount":100}`, nil))
	assert.Equal(t, http.StatusOK, call(t, app, http.MethodPost, "/api/v1/balances/m1/deposit", "ops", `{"userId":"bob","amount":"100"}`, nil))
	assert.Equal(t, http.StatusOK, call(t, app, http.MethodPost, "/api/v1/balances/m1/split", "bob", `{"amount":50}`, nil))

	var placed services.PlaceOrderResult
	status := call(t, app, http.MethodPost, "/api/v1/orders", "alice",
		`{"marketId":"m1","outcome":"YES","side":"buy","orderType":"limit","price":"0.40","amount":"100","clientOrderId":"a-1"}`, &placed)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "open", string(placed.Status))

	var dup services.PlaceOrderResult
	status = call(t, app, http.MethodPost, "/api/v1/orders", "alice",
		`{"marketId":"m1","outcome":"YES","side":"buy","orderType":"limit","price":"0.40","amount":"100","clientOrderId":"a-1"}`, &dup)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, placed.OrderID, dup.OrderID)

	var taker services.PlaceOrderResult
	status = call(t, app, http.MethodPost, "/api/v1/orders", "bob",
		`{"marketId":"m1","outcome":"YES","side":"sell","orderType":"limit","price":"0.40","amount":"30"}`, &taker)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "filled", string(taker.Status))
	require.Len(t, taker.Fills, 1)
	assert.Equal(t, "0.4", taker.Fills[0].Price)

	var depth services.DepthResult
	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/api/v1/markets/m1/book/yes?limit=5", "", "", &depth))
	require.Len(t, depth.Bids, 1)
	assert.Equal(t, uint64(70), depth.Bids[0].Size)

	var order map[string]interface{}
	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/api/v1/orders/"+placed.OrderID, "alice", "", &order))
	assert.Equal(t, "partial", order["status"])
	assert.Equal(t, "0.4", order["price"])
	assert.Equal(t, http.StatusNotFound, call(t, app, http.MethodGet, "/api/v1/orders/"+placed.OrderID, "bob", "", nil))

	assert.Equal(t, http.StatusForbidden, call(t, app, http.MethodDelete, "/api/v1/orders/"+placed.OrderID, "bob", "", nil))

	var cancelled services.CancelResult
	require.Equal(t, http.StatusOK, call(t, app, http.MethodDelete, "/api/v1/orders/"+placed.OrderID, "alice", "", &cancelled))
	assert.Equal(t, uint64(28), cancelled.UnlockedAmount)
	assert.Equal(t, http.StatusConflict, call(t, app, http.MethodDelete, "/api/v1/orders/"+placed.OrderID, "alice", "", nil))

	var balances []ledger.Balance
	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/api/v1/balances/m1", "alice", "", &balances))
	require.Len(t, balances, 3)
	assert.Equal(t, uint64(88), balances[0].Available)
	assert.Zero(t, balances[0].Locked)
	assert.Equal(t, uint64(30), balances[1].Available)
}

func TestOrderErrorsMapToStatuses(t *testing.T) {
	app := newTestApp(t)

	assert.Equal(t, http.StatusUnauthorized, call(t, app, http.MethodPost, "/api/v1/orders", "",
		`{"marketId":"m1","outcome":"YES","side":"buy","price":"0.40","amount":"10"}`, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, app, http.MethodPost, "/api/v1/orders", "alice", `{`, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, app, http.MethodPost, "/api/v1/orders", "alice",
		`{"marketId":"m1","outcome":"MAYBE","side":"buy","price":"0.40","amount":"10"}`, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, app, http.MethodPost, "/api/v1/orders", "alice",
		`{"marketId":"m1","outcome":"YES","side":"buy","price":"1.20","amount":"10"}`, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, app, http.MethodPost, "/api/v1/orders", "alice",
		`{"marketId":"zz","outcome":"YES","side":"buy","price":"0.40","amount":"10"}`, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, call(t, app, http.MethodPost, "/api/v1/orders", "alice",
		`{"marketId":"m1","outcome":"YES","side":"buy","price":"0.40","amount":"10"}`, nil))

	var fok services.PlaceOrderResult
	call(t, app, http.MethodPost, "/api/v1/balances/m1/deposit", "ops", `{"userId":"alice","amount":100}`, nil)
	status := call(t, app, http.MethodPost, "/api/v1/orders", "alice",
		`{"marketId":"m1","outcome":"YES","side":"buy","price":"0.40","amount":"10","timeInForce":"FOK"}`, &fok)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, fok.Success)
	assert.Equal(t, services.ReasonFOKUnsatisfied, fok.Reason)

	assert.Equal(t, http.StatusNotFound, call(t, app, http.MethodDelete, "/api/v1/orders/does-not-exist", "alice", "", nil))
	assert.Equal(t, http.StatusBadRequest, call(t, app, http.MethodDelete, "/api/v1/orders", "alice", "", nil))

	var all services.CancelAllResult
	assert.Equal(t, http.StatusOK, call(t, app, http.MethodDelete, "/api/v1/orders?market=m1&outcome=YES", "alice", "", &all))
	assert.Zero(t, all.CancelledCount)
}

func TestPublicEndpoints(t *testing.T) {
	app := newTestApp(t)

	var health map[string]string
	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/api/v1/health", "", "", &health))
	assert.Equal(t, "ok", health["status"])

	var markets []services.MarketInfo
	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/api/v1/markets", "", "", &markets))
	require.Len(t, markets, 1)
	assert.Equal(t, "0.01", markets[0].Tick)

	assert.Equal(t, http.StatusBadRequest, call(t, app, http.MethodGet, "/api/v1/markets/m1/book/maybe", "", "", nil))
	assert.Equal(t, http.StatusServiceUnavailable, call(t, app, http.MethodGet, "/api/v1/stream", "", "", nil))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "clob_")
}

func TestDepositAndWithdrawRequireOperator(t *testing.T) {
	app := newTestApp(t)

	assert.Equal(t, http.StatusForbidden, call(t, app, http.MethodPost, "/api/v1/balances/m1/deposit", "alice", `{"userId":"alice","amount":100}`, nil))
	assert.Equal(t, http.StatusForbidden, call(t, app, http.MethodPost, "/api/v1/balances/m1/withdraw", "alice", `{"userId":"alice","amount":1}`, nil))
	assert.Equal(t, http.StatusUnauthorized, call(t, app, http.MethodPost, "/api/v1/balances/m1/deposit", "", `{"userId":"alice","amount":100}`, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, app, http.MethodPost, "/api/v1/balances/m1/deposit", "ops", `{"amount":100}`, nil))

	var balances []ledger.Balance
	require.Equal(t, http.StatusOK, call(t, app, http.MethodGet, "/api/v1/balances/m1", "alice", "", &balances))
	require.Len(t, balances, 3)
	assert.Zero(t, balances[0].Available)

	require.Equal(t, http.StatusOK, call(t, app, http.MethodPost, "/api/v1/balances/m1/deposit", "ops", `{"userId":"alice","amount":100}`, &balances))
	assert.Equal(t, uint64(100), balances[0].Available)
	require.Equal(t, http.StatusOK, call(t, app, http.MethodPost, "/api/v1/balances/m1/withdraw", "ops", `{"userId":"alice","amount":"40"}`, &balances))
	assert.Equal(t, uint64(60), balances[0].Available)
	assert.Equal(t, http.StatusUnprocessableEntity, call(t, app, http.MethodPost, "/api/v1/balances/m1/withdraw", "ops", `{"userId":"alice","amount":61}`, nil))
}
