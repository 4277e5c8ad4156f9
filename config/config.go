// Package config provides configuration management for the application.
//
// Configuration is read once at startup from the environment (optionally
// seeded from a .env file) and carried as an explicit *Config value. Nothing
// below this package reads environment variables directly, so batch runs and
// tests can override any knob per call.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Cache   CacheConfig
	Fetch   FetchConfig
	TCGdex  TCGdexConfig
	TCGCSV  TCGCSVConfig
	Tracker TrackerConfig
	Batch   BatchConfig
	Graded  GradedConfig
	Logging LoggingConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string
	MasterKey       string
	MetricsEnabled  bool
	MetricsEndpoint string
}

// StorageConfig selects and configures the database backend.
type StorageConfig struct {
	// Type is "sqlite" or "postgresql".
	Type string
	// SQLitePath is the database file path for the sqlite backend.
	SQLitePath string
	// PostgresURL is the connection string for the postgresql backend.
	PostgresURL string
	// MaxConns is the postgres pool size.
	MaxConns int
}

// CacheConfig configures the provider listing cache.
type CacheConfig struct {
	// Backend is "local" or "redis".
	Backend string
	// Dir is the cache directory for the local backend.
	Dir string
	// RedisURL is the connection URL for the redis backend.
	RedisURL string
	// TTL bounds how long cached listings are served.
	TTL time.Duration
}

// FetchConfig controls the retried HTTP fetch used by all providers.
type FetchConfig struct {
	// Retries is the per-call attempt budget.
	Retries int
	// Backoff is the unit delay; attempt n sleeps Backoff*n.
	Backoff time.Duration
	// Timeout bounds each individual attempt.
	Timeout time.Duration
}

// TCGdexConfig configures the primary raw-card price provider.
type TCGdexConfig struct {
	BaseURL string
}

// TCGCSVConfig configures the secondary raw-card price provider.
type TCGCSVConfig struct {
	BaseURL string
	// CategoryID is the TCG category under which groups are listed.
	CategoryID int
}

// TrackerConfig configures the graded-card price provider.
type TrackerConfig struct {
	BaseURL string
	APIKey  string
}

// BatchConfig holds defaults for batch price runs.
type BatchConfig struct {
	// Mode selects the subjects: "tracked", "set", or "all".
	Mode string
	// SetCode and SetID narrow mode "set".
	SetCode string
	SetID   int64
	// Limit caps the number of subjects (0 = no cap).
	Limit int
	// Workers is the fetch pool width.
	Workers int
}

// GradedConfig holds graded resolution settings.
type GradedConfig struct {
	// FreshnessWindow is the max age of a cached price served without a refresh.
	FreshnessWindow time.Duration
	// SalesMode is "last3" or "window".
	SalesMode string
	// SalesWindowDays is the day cutoff for mode "window".
	SalesWindowDays int
}

// LoggingConfig configures the slog setup.
type LoggingConfig struct {
	// Pretty switches from JSON to colorized tint output.
	Pretty bool
	Level  string
}

// Load reads configuration from a .env file (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			MasterKey:       getEnv("CARDVAULT_MASTER_KEY", ""),
			MetricsEnabled:  getEnvBool("METRICS_ENABLED", false),
			MetricsEndpoint: getEnv("METRICS_ENDPOINT", "/metrics"),
		},
		Storage: StorageConfig{
			Type:        getEnv("STORAGE_TYPE", "sqlite"),
			SQLitePath:  getEnv("SQLITE_PATH", "data/cardvault.db"),
			PostgresURL: getEnv("POSTGRES_URL", ""),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 10),
		},
		Cache: CacheConfig{
			Backend:  getEnv("CACHE_BACKEND", "local"),
			Dir:      getEnv("CACHE_DIR", ".cache/listings"),
			RedisURL: getEnv("REDIS_URL", ""),
			TTL:      getEnvDuration("CACHE_TTL", 24*time.Hour),
		},
		Fetch: FetchConfig{
			Retries: getEnvInt("PRICE_RETRIES", 3),
			Backoff: getEnvDuration("PRICE_BACKOFF", 1500*time.Millisecond),
			Timeout: getEnvDuration("PRICE_TIMEOUT", 30*time.Second),
		},
		TCGdex: TCGdexConfig{
			BaseURL: getEnv("TCGDEX_BASE_URL", "https://api.tcgdex.net/v2/en"),
		},
		TCGCSV: TCGCSVConfig{
			BaseURL:    getEnv("TCGCSV_BASE_URL", "https://tcgcsv.com"),
			CategoryID: getEnvInt("TCGCSV_CATEGORY_ID", 3),
		},
		Tracker: TrackerConfig{
			BaseURL: getEnv("TRACKER_BASE_URL", "https://www.pokemonpricetracker.com"),
			APIKey:  getEnv("TRACKER_API_KEY", ""),
		},
		Batch: BatchConfig{
			Mode:    getEnv("SEED_MODE", "tracked"),
			SetCode: getEnv("SET_CODE", ""),
			SetID:   int64(getEnvInt("SET_ID", 0)),
			Limit:   getEnvInt("SEED_LIMIT", 0),
			Workers: getEnvInt("PRICE_WORKERS", 10),
		},
		Graded: GradedConfig{
			FreshnessWindow: getEnvDuration("GRADED_FRESHNESS_WINDOW", time.Hour),
			SalesMode:       getEnv("GRADED_SALES_MODE", "last3"),
			SalesWindowDays: getEnvInt("GRADED_SALES_MAX_DAYS", 30),
		},
		Logging: LoggingConfig{
			Pretty: getEnvBool("LOG_PRETTY", false),
			Level:  getEnv("LOG_LEVEL", "info"),
		},
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvDuration accepts either plain numbers (interpreted as seconds) or Go
// duration strings (e.g. "90s", "1h30m").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return defaultVal
}
