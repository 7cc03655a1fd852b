package params

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type API struct {
	Addr           string
	AllowedOrigins []string
	// DefaultDepth is the number of levels per side returned when a book
	// request does not ask for a depth. Zero means the whole book.
	DefaultDepth int
	// KeysFile optionally pre-provisions API keys (YAML).
	KeysFile string
}

type Log struct {
	File  string // empty logs to stdout only
	Level string // debug, info, warn, error
}

type Storage struct {
	DataDir string // pebble directory; empty disables persistence
	Sync    bool
}

type Kafka struct {
	Brokers []string // empty disables the broker sink
	Topic   string
	Buffer  int
}

type Engine struct {
	MailboxSize     int
	RetainTerminal  int // filled or cancelled orders kept in memory per instrument
	SelfTrade       string // allow, cancel_resting, cancel_incoming
	MarketLiquidity string // cancel_remainder, reject
	InstrumentsFile string
}

type Config struct {
	API     API
	Log     Log
	Storage Storage
	Kafka   Kafka
	Engine  Engine
}

func Default() Config {
	return Config{
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
			DefaultDepth:   20,
		},
		Log: Log{
			File:  "data/exchange.log",
			Level: "info",
		},
		Storage: Storage{
			DataDir: "data/pebble",
		},
		Kafka: Kafka{
			Topic:  "exchange.events",
			Buffer: 4096,
		},
		Engine: Engine{
			MailboxSize:     1024,
			RetainTerminal:  10000,
			SelfTrade:       "allow",
			MarketLiquidity: "cancel_remainder",
			InstrumentsFile: "instruments.yaml",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.API.AllowedOrigins = getList("API_ALLOWED_ORIGINS", cfg.API.AllowedOrigins)
	cfg.API.DefaultDepth = getInt("DEFAULT_DEPTH", cfg.API.DefaultDepth)
	cfg.API.KeysFile = getEnv("API_KEYS_FILE", cfg.API.KeysFile)

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)
	if v := os.Getenv("DATA_SYNC"); v != "" {
		cfg.Storage.Sync = v == "true"
	}

	cfg.Kafka.Brokers = getList("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Kafka.Buffer = getInt("KAFKA_BUFFER", cfg.Kafka.Buffer)

	cfg.Engine.MailboxSize = getInt("ENGINE_MAILBOX_SIZE", cfg.Engine.MailboxSize)
	cfg.Engine.RetainTerminal = getInt("ENGINE_RETAIN_TERMINAL", cfg.Engine.RetainTerminal)
	cfg.Engine.SelfTrade = getEnv("SELF_TRADE_POLICY", cfg.Engine.SelfTrade)
	cfg.Engine.MarketLiquidity = getEnv("MARKET_LIQUIDITY_POLICY", cfg.Engine.MarketLiquidity)
	cfg.Engine.InstrumentsFile = getEnv("INSTRUMENTS_FILE", cfg.Engine.InstrumentsFile)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt ignores values that do not parse.
func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getList reads a comma-separated list, e.g. "kafka1:9092,kafka2:9092".
func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
