package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Storage
	SQLitePath string

	// Ledger engine tuning
	BaseCurrency   string
	BatchThreshold int
	QueueCapacity  int
	DebounceHigh   time.Duration
	DebounceNormal time.Duration
	YearCacheSize  int
	QueryCacheSize int

	// Currency rates
	RatesAPIURL     string
	RatesRefresh    time.Duration
	RatesAutoUpdate bool

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Observability
	OTLPEndpoint string

	// JWT / Auth
	JWTSecret string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		SQLitePath: getEnv("SQLITE_PATH", "data/ledgerd.db"),

		BaseCurrency:   getEnv("BASE_CURRENCY", "USD"),
		BatchThreshold: getEnvInt("LEDGER_BATCH_THRESHOLD", 10),
		QueueCapacity:  getEnvInt("QUEUE_CAPACITY", 1024),
		DebounceHigh:   getEnvDuration("LEDGER_DEBOUNCE_HIGH", 50*time.Millisecond),
		DebounceNormal: getEnvDuration("LEDGER_DEBOUNCE_NORMAL", 300*time.Millisecond),
		YearCacheSize:  getEnvInt("YEAR_CACHE_SIZE", 8),
		QueryCacheSize: getEnvInt("QUERY_CACHE_SIZE", 256),

		RatesAPIURL:     getEnv("RATES_API_URL", "http://localhost:8091"),
		RatesRefresh:    getEnvDuration("RATES_REFRESH_INTERVAL", time.Hour),
		RatesAutoUpdate: getEnv("RATES_AUTO_UPDATE", "true") == "true",

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		JWTSecret: getEnv("JWT_SECRET", "ledgerd-default-dev-secret-change-me"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
