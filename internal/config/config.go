// Package config loads the service configuration from the environment.
// cmd/server calls godotenv first so a local .env file behaves like real
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Queue    QueueConfig
	Workers  WorkersConfig
	Catalog  CatalogConfig
	Assets   AssetsConfig
	Selector SelectorConfig
	Secrets  SecretsConfig
	SLA      SLAConfig
	Services ServicesConfig
}

type ServerConfig struct {
	Addr               string
	Environment        string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig is optional; an empty Addr keeps the service on the in-memory
// event bus only.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type EngineConfig struct {
	DedupWindowHours  int
	BackpressureDepth int
}

type QueueConfig struct {
	LeaseSeconds             int
	HeartbeatIntervalSeconds int
	ReaperIntervalSeconds    int
	RetryBaseSeconds         int
	RetryCapSeconds          int
}

type WorkersConfig struct {
	Min int
	Max int
}

type CatalogConfig struct {
	CacheSize       int
	CacheTTLSeconds int
	SeedDir         string
}

type AssetsConfig struct {
	ServiceURL       string
	CacheSize        int
	CacheTTLSeconds  int
	RequestTimeoutMS int
}

type SelectorConfig struct {
	AmbiguityEpsilon float64
	LLMTimeoutMS     int
	LLMURL           string
}

type SecretsConfig struct {
	KMSKey           string
	InternalKey      string
	HandleTTLSeconds int
}

// SLAConfig carries the per-class timeout budgets; the safety layer expands
// them into the full (sla, action) policy matrix.
type SLAConfig struct {
	FastStepTimeoutMS    int
	MediumStepTimeoutMS  int
	LongStepTimeoutMS    int
	FastTotalTimeoutMS   int
	MediumTotalTimeoutMS int
	LongTotalTimeoutMS   int
}

type ServicesConfig struct {
	AutomationURL    string
	RequestTimeoutMS int
}

// Load reads every recognized variable, applying defaults, and validates the
// required keys. It never logs values: SECRETS_KMS_KEY and INTERNAL_KEY must
// stay out of any sink.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:               envStr("HTTP_ADDR", ":8080"),
			Environment:        envStr("ENVIRONMENT", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
		},
		Database: DatabaseConfig{
			URL:          envStr("DATABASE_URL", "postgres://localhost:5432/opspilot?sslmode=disable"),
			MaxOpenConns: envInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns: envInt("DB_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     envStr("REDIS_ADDR", ""),
			Password: envStr("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			DedupWindowHours:  envInt("DEDUP_WINDOW_HOURS", 24),
			BackpressureDepth: envInt("QUEUE_BACKPRESSURE_DEPTH", 500),
		},
		Queue: QueueConfig{
			LeaseSeconds:             envInt("QUEUE_LEASE_SECONDS", 30),
			HeartbeatIntervalSeconds: envInt("HEARTBEAT_INTERVAL_SECONDS", 10),
			ReaperIntervalSeconds:    envInt("REAPER_INTERVAL_SECONDS", 15),
			RetryBaseSeconds:         envInt("QUEUE_RETRY_BASE_SECONDS", 5),
			RetryCapSeconds:          envInt("QUEUE_RETRY_CAP_SECONDS", 300),
		},
		Workers: WorkersConfig{
			Min: envInt("WORKERS_MIN", 2),
			Max: envInt("WORKERS_MAX", 16),
		},
		Catalog: CatalogConfig{
			CacheSize:       envInt("CATALOG_CACHE_SIZE", 1000),
			CacheTTLSeconds: envInt("CATALOG_CACHE_TTL_SECONDS", 300),
			SeedDir:         envStr("TOOLS_SEED_DIR", ""),
		},
		Assets: AssetsConfig{
			ServiceURL:       envStr("ASSET_SERVICE_URL", "http://localhost:9090"),
			CacheSize:        envInt("ASSET_CACHE_SIZE", 128),
			CacheTTLSeconds:  envInt("ASSET_CACHE_TTL_SECONDS", 120),
			RequestTimeoutMS: envInt("ASSET_REQUEST_TIMEOUT_MS", 5000),
		},
		Selector: SelectorConfig{
			AmbiguityEpsilon: envFloat("SELECTOR_AMBIGUITY_EPSILON", 0.08),
			LLMTimeoutMS:     envInt("SELECTOR_LLM_TIMEOUT_MS", 800),
			LLMURL:           envStr("SELECTOR_LLM_URL", ""),
		},
		Secrets: SecretsConfig{
			KMSKey:           envStr("SECRETS_KMS_KEY", ""),
			InternalKey:      envStr("INTERNAL_KEY", ""),
			HandleTTLSeconds: envInt("SECRETS_HANDLE_TTL_SECONDS", 120),
		},
		SLA: SLAConfig{
			FastStepTimeoutMS:    envInt("SLA_FAST_STEP_TIMEOUT_MS", 5000),
			MediumStepTimeoutMS:  envInt("SLA_MEDIUM_STEP_TIMEOUT_MS", 30000),
			LongStepTimeoutMS:    envInt("SLA_LONG_STEP_TIMEOUT_MS", 300000),
			FastTotalTimeoutMS:   envInt("SLA_FAST_TOTAL_TIMEOUT_MS", 15000),
			MediumTotalTimeoutMS: envInt("SLA_MEDIUM_TOTAL_TIMEOUT_MS", 120000),
			LongTotalTimeoutMS:   envInt("SLA_LONG_TOTAL_TIMEOUT_MS", 1800000),
		},
		Services: ServicesConfig{
			AutomationURL:    envStr("AUTOMATION_URL", "http://localhost:9091"),
			RequestTimeoutMS: envInt("AUTOMATION_REQUEST_TIMEOUT_MS", 30000),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.Secrets.KMSKey == "" {
		missing = append(missing, "SECRETS_KMS_KEY")
	}
	if c.Secrets.InternalKey == "" {
		missing = append(missing, "INTERNAL_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Workers.Min < 1 || c.Workers.Max < c.Workers.Min {
		return fmt.Errorf("invalid worker bounds: min=%d max=%d", c.Workers.Min, c.Workers.Max)
	}
	if c.Queue.HeartbeatIntervalSeconds*2 > c.Queue.LeaseSeconds {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SECONDS (%d) must be at most half of QUEUE_LEASE_SECONDS (%d)",
			c.Queue.HeartbeatIntervalSeconds, c.Queue.LeaseSeconds)
	}
	if c.Selector.AmbiguityEpsilon < 0 || c.Selector.AmbiguityEpsilon > 1 {
		return fmt.Errorf("SELECTOR_AMBIGUITY_EPSILON out of range: %f", c.Selector.AmbiguityEpsilon)
	}
	return nil
}

// IsProduction reports whether the service runs against production policy.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
