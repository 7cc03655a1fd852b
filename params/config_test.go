package params

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	def := Default()
	// Only keys the test environment leaves unset are compared.
	if os.Getenv("API_ADDR") == "" {
		assert.Equal(t, def.API.Addr, cfg.API.Addr)
	}
	if os.Getenv("SELF_TRADE_POLICY") == "" {
		assert.Equal(t, "allow", cfg.Engine.SelfTrade)
	}
	if os.Getenv("KAFKA_BROKERS") == "" {
		assert.Empty(t, cfg.Kafka.Brokers)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"KAFKA_TOPIC=from-file\nDEFAULT_DEPTH=5\nMARKET_LIQUIDITY_POLICY=reject\n",
	), 0o600))

	t.Setenv("API_ADDR", ":9999")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("ENGINE_MAILBOX_SIZE", "64")
	t.Setenv("ENGINE_RETAIN_TERMINAL", "500")
	t.Setenv("KAFKA_BUFFER", "not-a-number")
	t.Setenv("DEFAULT_DEPTH", "7") // environment beats the file
	t.Setenv("DATA_SYNC", "true")
	unsetEnv(t, "KAFKA_TOPIC")
	unsetEnv(t, "MARKET_LIQUIDITY_POLICY")

	cfg := LoadFromEnv(envFile)
	assert.Equal(t, ":9999", cfg.API.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 64, cfg.Engine.MailboxSize)
	assert.Equal(t, 500, cfg.Engine.RetainTerminal)
	assert.Equal(t, Default().Kafka.Buffer, cfg.Kafka.Buffer)
	assert.Equal(t, 7, cfg.API.DefaultDepth)
	assert.True(t, cfg.Storage.Sync)
	assert.Equal(t, "from-file", cfg.Kafka.Topic)
	assert.Equal(t, "reject", cfg.Engine.MarketLiquidity)
}

// unsetEnv clears key for the test. godotenv only fills variables that are
// absent, and it writes them to the process environment, so the previous
// state is restored on cleanup.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	prev, had := os.LookupEnv(key)
	require.NoError(t, os.Unsetenv(key))
	t.Cleanup(func() {
		if had {
			os.Setenv(key, prev)
		} else {
			os.Unsetenv(key)
		}
	})
}
