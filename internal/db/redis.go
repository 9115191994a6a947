/**
 * @description
 * Redis connection manager using go-redis.
 * Redis is the engine's authoritative live store (orders, balances, idempotency
 * keys) and carries the event pub/sub channel, so every unit of work blocks on it.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9
 *
 * @notes
 * Socket and pool timeouts follow ENGINE STORE_TIMEOUT: a save that cannot finish
 * inside it fails the unit of work instead of stalling the book's lane.
 * Values set explicitly in REDIS_URL query parameters win.
 */

package db

import (
	"context"
	"time"

	"github.com/bankai-project/clob/internal/config"
	"github.com/bankai-project/clob/internal/logger"
	"github.com/redis/go-redis/v9"
)

const defaultStoreTimeout = 2 * time.Second

// RedisOptions parses REDIS_URL and fills the timeouts the live store relies on
func RedisOptions(cfg *config.Config) (*redis.Options, error) {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}

	storeTimeout := cfg.Engine.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}

	if opt.ReadTimeout == 0 {
		opt.ReadTimeout = storeTimeout
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = storeTimeout
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = storeTimeout
	}
	// A lane waiting for a pooled connection is a lane not matching.
	if opt.PoolTimeout == 0 {
		opt.PoolTimeout = storeTimeout
	}
	// Per-call deadlines from the engine's store context cut socket waits short.
	opt.ContextTimeoutEnabled = true

	// Saves overwrite absolute values, so a retried MULTI/EXEC is harmless. One
	// retry with a short backoff keeps the worst case near two store timeouts.
	if opt.MaxRetries == 0 {
		opt.MaxRetries = 1
	}
	if opt.MinRetryBackoff == 0 {
		opt.MinRetryBackoff = 50 * time.Millisecond
	}
	if opt.MaxRetryBackoff == 0 {
		opt.MaxRetryBackoff = storeTimeout / 4
	}
	if opt.PoolSize == 0 {
		opt.PoolSize = 20
	}
	if opt.MinIdleConns == 0 {
		opt.MinIdleConns = 5
	}
	return opt, nil
}

// ConnectRedis initializes the Redis client
func ConnectRedis(cfg *config.Config) (*redis.Client, error) {
	opt, err := RedisOptions(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), opt.DialTimeout+opt.ReadTimeout)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("✅ Connected to Redis at %s (store timeout %s)", opt.Addr, opt.ReadTimeout)
	return client, nil
}
