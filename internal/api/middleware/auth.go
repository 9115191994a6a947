/**
 * @description
 * Authentication middleware for the trading API.
 * Validates Bearer JWTs against a JWKS endpoint and exposes the subject as the
 * trading user id.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2: HTTP Context
 * - github.com/golang-jwt/jwt/v5: JWT parsing
 * - github.com/MicahParks/keyfunc/v2: JWKS fetching and caching
 *
 * @notes
 * - Outside production, an empty AUTH_JWKS_URL switches to header auth: the user id
 *   is read from X-User-ID. Production refuses to start without a JWKS URL.
 * - Deposits and withdrawals are operator actions; AUTH_OPERATORS lists the subjects.
 */

package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/bankai-project/clob/internal/config"
	"github.com/bankai-project/clob/internal/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// UserIDHeader carries the caller's id when header auth is enabled
const UserIDHeader = "X-User-ID"

const userIDLocal = "user_id"

// AuthMiddlewareConfig holds the JWKS function
type AuthMiddlewareConfig struct {
	JWKS       *keyfunc.JWKS
	HeaderAuth bool
	Operators  map[string]struct{}
}

var mwConfig *AuthMiddlewareConfig

// InitAuthMiddleware initializes the JWKS cache. Should be called at startup.
func InitAuthMiddleware(cfg *config.Config) error {
	operators := make(map[string]struct{}, len(cfg.Auth.Operators))
	for _, op := range cfg.Auth.Operators {
		operators[op] = struct{}{}
	}
	if len(operators) == 0 {
		logger.Info("⚠️ Warning: AUTH_OPERATORS is empty. Deposits and withdrawals are disabled.")
	}

	if cfg.Auth.JWKSURL == "" {
		if cfg.Server.Env == "production" {
			return errors.New("AUTH_JWKS_URL is required in production")
		}
		logger.Info("⚠️ Warning: AUTH_JWKS_URL is empty. Trusting the %s header.", UserIDHeader)
		mwConfig = &AuthMiddlewareConfig{HeaderAuth: true, Operators: operators}
		return nil
	}

	// Refresh the JWKS every hour.
	jwks, err := keyfunc.Get(cfg.Auth.JWKSURL, keyfunc.Options{
		RefreshInterval: time.Hour,
		RefreshErrorHandler: func(err error) {
			logger.Error("There was an error with the JWKS refresh: %v", err)
		},
	})
	if err != nil {
		return err
	}

	mwConfig = &AuthMiddlewareConfig{
		JWKS:      jwks,
		Operators: operators,
	}
	logger.Info("✅ Auth Middleware Initialized with JWKS")
	return nil
}

// Protected protects routes requiring authentication
func Protected() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if mwConfig == nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Auth configuration not initialized",
			})
		}

		if mwConfig.HeaderAuth {
			id := strings.TrimSpace(c.Get(UserIDHeader))
			if id == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Missing " + UserIDHeader + " header"})
			}
			c.Locals(userIDLocal, id)
			return c.Next()
		}

		// 1. Get Token from Header
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Missing authorization header"})
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token format"})
		}

		// 2. Parse and Validate Token
		token, err := jwt.Parse(tokenString, mwConfig.JWKS.Keyfunc)
		if err != nil || !token.Valid {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
		}

		// 3. Extract User ID (sub)
		sub, err := token.Claims.GetSubject()
		if err != nil || sub == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Token missing subject"})
		}

		c.Locals(userIDLocal, sub)
		return c.Next()
	}
}

// OperatorOnly lets through callers listed as operators. It must run after Protected.
func OperatorOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := GetUserID(c)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}
		if _, ok := mwConfig.Operators[id]; !ok {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Operator access required"})
		}
		return c.Next()
	}
}

// GetUserID returns the authenticated user's id from context
func GetUserID(c *fiber.Ctx) (string, error) {
	id, ok := c.Locals(userIDLocal).(string)
	if !ok || id == "" {
		return "", errors.New("user id not found in context")
	}
	return id, nil
}
