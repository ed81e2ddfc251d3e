// Package config loads the kernel configuration: defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverDGraph = "dgraph"
)

// Extractor providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAIService = "aiservice"
)

// Config holds every setting of the kernel and its binaries.
type Config struct {
	// Storage
	StoreDriver   string `yaml:"store_driver"`
	SQLitePath    string `yaml:"sqlite_path"`
	DGraphAddress string `yaml:"dgraph_address"`

	// Redis enables the shared ledger, locks and L2 cache when set.
	RedisAddress  string `yaml:"redis_address"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// NATS enables lifecycle event publishing when set.
	NATSAddress string `yaml:"nats_address"`

	// Extraction service
	ExtractorProvider string        `yaml:"extractor_provider"`
	OpenAIAPIKey      string        `yaml:"openai_api_key"`
	OpenAIBaseURL     string        `yaml:"openai_base_url"`
	OpenAIModel       string        `yaml:"openai_model"`
	AIServicesURL     string        `yaml:"ai_services_url"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	RatePerSecond     float64       `yaml:"rate_per_second"`
	ChunkSize         int           `yaml:"chunk_size"`
	ChunkOverlap      int           `yaml:"chunk_overlap"`
	MinConfidence     float64       `yaml:"min_confidence"`

	// Processing
	InputDir             string        `yaml:"input_dir"`
	BulkConcurrency      int           `yaml:"bulk_concurrency"`
	ReprocessMaxAttempts int           `yaml:"reprocess_max_attempts"`
	ReprocessRadius      int           `yaml:"reprocess_radius"`
	LockTimeout          time.Duration `yaml:"lock_timeout"`
	LedgerLease          time.Duration `yaml:"ledger_lease"`

	// HTTP
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	HTTPRateLimit  float64  `yaml:"http_rate_limit"`
	HTTPBurst      int      `yaml:"http_burst"`

	// Inngest runs processing as durable workflows when enabled.
	WorkflowEnabled   bool   `yaml:"workflow_enabled"`
	InngestAppID      string `yaml:"inngest_app_id"`
	InngestEventKey   string `yaml:"inngest_event_key"`
	InngestSigningKey string `yaml:"inngest_signing_key"`

	// Cache
	CacheMaxCost int64         `yaml:"cache_max_cost"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		StoreDriver:          DriverSQLite,
		SQLitePath:           "data/facts.db",
		DGraphAddress:        "localhost:9080",
		ExtractorProvider:    ProviderOpenAI,
		OpenAIModel:          "gpt-4o-mini",
		AIServicesURL:        "http://localhost:8000",
		MaxAttempts:          4,
		BaseDelay:            500 * time.Millisecond,
		MaxDelay:             8 * time.Second,
		CallTimeout:          90 * time.Second,
		RatePerSecond:        2,
		ChunkSize:            100,
		ChunkOverlap:         20,
		MinConfidence:        0.75,
		InputDir:             "data/conversations",
		BulkConcurrency:      4,
		ReprocessMaxAttempts: 3,
		ReprocessRadius:      5,
		LockTimeout:          30 * time.Second,
		LedgerLease:          30 * time.Minute,
		Port:                 "9000",
		AllowedOrigins:       []string{"http://localhost:3000"},
		HTTPRateLimit:        20,
		HTTPBurst:            40,
		InngestAppID:         "fact-memory-kernel",
		CacheMaxCost:         16 << 20,
		CacheTTL:             30 * time.Second,
		LogLevel:             "info",
	}
}

// Load builds the configuration. path may be empty; a missing file is an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.StoreDriver = getEnv("STORE_DRIVER", cfg.StoreDriver)
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)
	cfg.DGraphAddress = getEnv("DGRAPH_URL", cfg.DGraphAddress)
	cfg.RedisAddress = getEnv("REDIS_URL", cfg.RedisAddress)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.NATSAddress = getEnv("NATS_URL", cfg.NATSAddress)

	cfg.ExtractorProvider = getEnv("EXTRACTOR_PROVIDER", cfg.ExtractorProvider)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIModel = getEnv("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.AIServicesURL = getEnv("AI_SERVICES_URL", cfg.AIServicesURL)
	cfg.MaxAttempts = getEnvInt("EXTRACT_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.BaseDelay = getEnvDuration("EXTRACT_BASE_DELAY", cfg.BaseDelay)
	cfg.MaxDelay = getEnvDuration("EXTRACT_MAX_DELAY", cfg.MaxDelay)
	cfg.CallTimeout = getEnvDuration("EXTRACT_CALL_TIMEOUT", cfg.CallTimeout)
	cfg.RatePerSecond = getEnvFloat("EXTRACT_RATE_PER_SECOND", cfg.RatePerSecond)
	cfg.ChunkSize = getEnvInt("CHUNK_SIZE", cfg.ChunkSize)
	cfg.ChunkOverlap = getEnvInt("CHUNK_OVERLAP", cfg.ChunkOverlap)
	cfg.MinConfidence = getEnvFloat("MIN_CONFIDENCE", cfg.MinConfidence)

	cfg.InputDir = getEnv("INPUT_DIR", cfg.InputDir)
	cfg.BulkConcurrency = getEnvInt("BULK_CONCURRENCY", cfg.BulkConcurrency)
	cfg.ReprocessMaxAttempts = getEnvInt("REPROCESS_MAX_ATTEMPTS", cfg.ReprocessMaxAttempts)
	cfg.ReprocessRadius = getEnvInt("REPROCESS_RADIUS", cfg.ReprocessRadius)
	cfg.LockTimeout = getEnvDuration("LOCK_TIMEOUT", cfg.LockTimeout)
	cfg.LedgerLease = getEnvDuration("LEDGER_LEASE", cfg.LedgerLease)

	cfg.Port = getEnv("PORT", cfg.Port)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	cfg.HTTPRateLimit = getEnvFloat("HTTP_RATE_LIMIT", cfg.HTTPRateLimit)
	cfg.HTTPBurst = getEnvInt("HTTP_BURST", cfg.HTTPBurst)
	cfg.WorkflowEnabled = getEnvBool("WORKFLOW_ENABLED", cfg.WorkflowEnabled)
	cfg.InngestAppID = getEnv("INNGEST_APP_ID", cfg.InngestAppID)
	cfg.InngestEventKey = getEnv("INNGEST_EVENT_KEY", cfg.InngestEventKey)
	cfg.InngestSigningKey = getEnv("INNGEST_SIGNING_KEY", cfg.InngestSigningKey)
	cfg.CacheMaxCost = int64(getEnvInt("CACHE_MAX_COST", int(cfg.CacheMaxCost)))
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
}

// Validate rejects impossible settings.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite_path is required for the sqlite driver"))
		}
	case DriverDGraph:
		if c.DGraphAddress == "" {
			errs = append(errs, errors.New("dgraph_address is required for the dgraph driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store_driver %q", c.StoreDriver))
	}
	switch c.ExtractorProvider {
	case ProviderOpenAI, ProviderAIService:
	default:
		errs = append(errs, fmt.Errorf("unknown extractor_provider %q", c.ExtractorProvider))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("chunk_size must be positive"))
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk_overlap %d must be in [0, chunk_size)", c.ChunkOverlap))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max_attempts must be positive"))
	}
	if c.MaxDelay < c.BaseDelay {
		errs = append(errs, errors.New("max_delay must not be below base_delay"))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, errors.New("min_confidence must be within [0, 1]"))
	}
	if c.BulkConcurrency <= 0 {
		errs = append(errs, errors.New("bulk_concurrency must be positive"))
	}
	if c.ReprocessMaxAttempts <= 0 {
		errs = append(errs, errors.New("reprocess_max_attempts must be positive"))
	}
	if c.HTTPRateLimit < 0 {
		errs = append(errs, errors.New("http_rate_limit must not be negative"))
	}
	if c.WorkflowEnabled && c.InngestAppID == "" {
		errs = append(errs, errors.New("inngest_app_id is required when workflow_enabled is set"))
	}
	if c.ReprocessRadius < 0 {
		errs = append(errs, errors.New("reprocess_radius must not be negative"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
