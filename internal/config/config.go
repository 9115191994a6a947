/**
 * @description
 * Configuration loader for the Bankai CLOB.
 * Responsible for reading environment variables, setting defaults, loading the market
 * registry file and performing strict validation.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files
 * - gopkg.in/yaml.v3: For the optional markets file
 *
 * @notes
 * - Fails fast on malformed values (fee rates, self-trade policy, markets file).
 * - DATABASE_URL is only required by the history worker; see RequireDatabase.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server  ServerConfig
	DB      DBConfig
	Redis   RedisConfig
	Kafka   KafkaConfig
	Auth    AuthConfig
	Engine  EngineConfig
	Fees    FeeConfig
	Markets []MarketConfig
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port string
	Env  string // "development", "test" or "production"
}

// DBConfig holds PostgreSQL settings (history store)
type DBConfig struct {
	URL string
}

// RedisConfig holds Redis settings (live state + event pub/sub)
type RedisConfig struct {
	URL           string
	EventsChannel string
}

// KafkaConfig holds the event log settings. Empty Brokers disables Kafka.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// AuthConfig holds JWT validation settings
type AuthConfig struct {
	JWKSURL string
	// Operators are the subjects allowed to move funds in and out of the ledger
	Operators []string
}

// EngineConfig holds matching engine tuning
type EngineConfig struct {
	LaneQueueSize        int
	SelfTradePolicy      string
	OrderRetention       time.Duration
	StoreTimeout         time.Duration
	EventBuffer          int
	FeeCollectorID       string
	AllowUnlistedMarkets bool
}

// FeeConfig holds the taker fee curve, scaled by 10^6 (32000 == 3.2%)
type FeeConfig struct {
	CenterTakerRate  uint64
	ExtremeTakerRate uint64
	// MakerRebateRate is the share of each taker fee paid to the maker (200000 == 20%)
	MakerRebateRate uint64
}

// MarketConfig is one entry of the markets file
type MarketConfig struct {
	ID       string `yaml:"id"`
	Title    string `yaml:"title"`
	TickSize string `yaml:"tick_size"`
	MinSize  uint64 `yaml:"min_size"`
	Paused   bool   `yaml:"paused"`
}

type marketsFile struct {
	Markets []MarketConfig `yaml:"markets"`
}

// Load reads .env file and populates the Config struct
func Load() (*Config, error) {
	// Attempt to load .env, but don't crash if it fails (k8s/prod might inject env vars directly)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("GO_ENV", "development"),
		},
		DB: DBConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			URL:           getEnv("REDIS_URL", "redis://localhost:6379"),
			EventsChannel: getEnv("REDIS_EVENTS_CHANNEL", "clob:events"),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_TOPIC", "clob.events"),
			GroupID: getEnv("KAFKA_GROUP_ID", "clob-history"),
		},
		Auth: AuthConfig{
			JWKSURL:   getEnv("AUTH_JWKS_URL", ""),
			Operators: getEnvAsList("AUTH_OPERATORS"),
		},
		Engine: EngineConfig{
			LaneQueueSize:        getEnvAsInt("LANE_QUEUE_SIZE", 1024),
			SelfTradePolicy:      getEnv("SELF_TRADE_POLICY", "allow"),
			OrderRetention:       getEnvAsDuration("ORDER_RETENTION", 10*time.Minute),
			StoreTimeout:         getEnvAsDuration("STORE_TIMEOUT", 2*time.Second),
			EventBuffer:          getEnvAsInt("EVENT_BUFFER", 4096),
			FeeCollectorID:       getEnv("FEE_COLLECTOR_ID", "fee-collector"),
			AllowUnlistedMarkets: getEnv("ALLOW_UNLISTED_MARKETS", "false") == "true",
		},
	}

	var err error
	if cfg.Fees.CenterTakerRate, err = getEnvAsUint("TAKER_FEE_CENTER_RATE", 0); err != nil {
		return nil, err
	}
	if cfg.Fees.MakerRebateRate, err = getEnvAsUint("MAKER_REBATE_RATE", 200_000); err != nil {
		return nil, err
	}
	if cfg.Fees.ExtremeTakerRate, err = getEnvAsUint("TAKER_FEE_EXTREME_RATE", 0); err != nil {
		return nil, err
	}

	if path := getEnv("MARKETS_FILE", ""); path != "" {
		markets, err := LoadMarkets(path)
		if err != nil {
			return nil, err
		}
		cfg.Markets = markets
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadMarkets reads a YAML markets file:
//
//	markets:
//	  - id: election-2028
//	    tick_size: "0.01"
//	    min_size: 1000000
func LoadMarkets(path string) ([]MarketConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read markets file: %w", err)
	}
	var file marketsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse markets file: %w", err)
	}
	seen := make(map[string]struct{}, len(file.Markets))
	for i, m := range file.Markets {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			return nil, fmt.Errorf("markets[%d]: id is required", i)
		}
		if _, dup := seen[m.ID]; dup {
			return nil, fmt.Errorf("markets[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = struct{}{}
		file.Markets[i] = m
	}
	return file.Markets, nil
}

// RequireDatabase is called by processes that write history.
func (c *Config) RequireDatabase() error {
	if c.DB.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// validate checks for required variables
func validate(cfg *Config) error {
	switch cfg.Engine.SelfTradePolicy {
	case "allow", "cancel_resting":
	default:
		return fmt.Errorf("SELF_TRADE_POLICY must be allow or cancel_resting, got %q", cfg.Engine.SelfTradePolicy)
	}
	if cfg.Engine.LaneQueueSize <= 0 {
		return fmt.Errorf("LANE_QUEUE_SIZE must be positive")
	}
	if cfg.Fees.CenterTakerRate > 1_000_000 || cfg.Fees.ExtremeTakerRate > 1_000_000 || cfg.Fees.MakerRebateRate > 1_000_000 {
		return fmt.Errorf("fee rates are scaled by 10^6 and must not exceed 1000000")
	}
	if (cfg.Fees.CenterTakerRate > 0 || cfg.Fees.ExtremeTakerRate > 0) && cfg.Engine.FeeCollectorID == "" {
		return fmt.Errorf("FEE_COLLECTOR_ID is required when taker fees are enabled")
	}
	if len(cfg.Markets) == 0 && !cfg.Engine.AllowUnlistedMarkets && cfg.Server.Env != "test" {
		// Warning: every placement will be rejected as an unknown market
		fmt.Println("Warning: no MARKETS_FILE configured and ALLOW_UNLISTED_MARKETS is false.")
	}
	if cfg.Auth.JWKSURL == "" && cfg.Server.Env == "production" {
		return fmt.Errorf("AUTH_JWKS_URL is required in production")
	}
	return nil
}

// Helper to get env var with default
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return strings.TrimSpace(value)
	}
	return fallback
}

// Helper to get env var as int
func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsUint(key string, fallback uint64) (uint64, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback, nil
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an unsigned integer: %w", key, err)
	}
	return value, nil
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}

// Comma separated, blanks dropped
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
