package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GO_ENV", "test")
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")
	t.Setenv("ORDER_RETENTION", "90s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "allow", cfg.Engine.SelfTradePolicy)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 90*time.Second, cfg.Engine.OrderRetention)
	assert.Equal(t, "clob:events", cfg.Redis.EventsChannel)
	assert.Equal(t, uint64(200_000), cfg.Fees.MakerRebateRate)
	assert.Error(t, cfg.RequireDatabase())
}

func TestLoadRejectsUnknownSelfTradePolicy(t *testing.T) {
	t.Setenv("GO_ENV", "test")
	t.Setenv("SELF_TRADE_POLICY", "decrement")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadFeeRate(t *testing.T) {
	t.Setenv("GO_ENV", "test")
	t.Setenv("TAKER_FEE_CENTER_RATE", "-1")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadMarketsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
markets:
  - id: " election-2028 "
    title: Election
    tick_size: "0.01"
    min_size: 1000
  - id: rain-tomorrow
    paused: true
`), 0o600))

	t.Setenv("GO_ENV", "test")
	t.Setenv("MARKETS_FILE", path)
	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Markets, 2)
	assert.Equal(t, "election-2028", cfg.Markets[0].ID)
	assert.Equal(t, "0.01", cfg.Markets[0].TickSize)
	assert.Equal(t, uint64(1000), cfg.Markets[0].MinSize)
	assert.True(t, cfg.Markets[1].Paused)
}

func TestLoadMarketsRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("markets:\n  - id: a\n  - id: a\n"), 0o600))
	_, err := LoadMarkets(path)
	assert.ErrorContains(t, err, "duplicate")
}
