// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional, oracle descriptors are kept in memory if not set)
	DatabaseURL string

	// Switch identity and wire format
	HubName string
	APIType fspiop.APIType

	// Registries
	CentralLedgerURL string // participant registry; empty serves participants from memory (development only)
	OracleEndpoints  []OracleSeed

	// Inter-scheme proxying
	ProxyCacheEnabled  bool
	RedisAddrs         []string
	RedisPassword      string
	ProxyDiscoveryTTL  time.Duration
	ProxyGetPartiesTTL time.Duration

	// Caches
	EndpointCacheTTL    time.Duration
	ParticipantCacheTTL time.Duration
	OracleCacheTTL      time.Duration

	// Outbound calls and detached work
	HTTPTimeout    time.Duration
	TaskTimeout    time.Duration
	WorkerPoolSize int

	// Timeout sweeper
	TimeoutSweepInterval time.Duration
	TimeoutBatchSize     int
	TimeoutLockTTL       time.Duration

	// Ingress rate limiting per FSPIOP-Source, 0 disables
	RateLimitPerMinute int
	RateLimitBurst     int

	// Tracing
	OTLPEndpoint string
}

// OracleSeed is one ORACLE_ENDPOINTS entry.
type OracleSeed struct {
	Type     fspiop.PartyIDType
	Currency string
	URL      string
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultHubName              = "Hub"
	DefaultProxyDiscoveryTTL    = 20 * time.Second
	DefaultProxyGetPartiesTTL   = 20 * time.Second
	DefaultEndpointCacheTTL     = 5 * time.Minute
	DefaultParticipantCacheTTL  = time.Minute
	DefaultOracleCacheTTL       = time.Minute
	DefaultHTTPTimeout          = 10 * time.Second
	DefaultTaskTimeout          = 30 * time.Second
	DefaultWorkerPoolSize       = 64
	DefaultTimeoutSweepInterval = 30 * time.Second
	DefaultTimeoutBatchSize     = 100
	DefaultTimeoutLockTTL       = time.Minute
	DefaultRateLimitPerMinute   = 6000
	DefaultRateLimitBurst       = 200
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	seeds, err := ParseOracleEndpoints(os.Getenv("ORACLE_ENDPOINTS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		HubName:              getEnv("HUB_NAME", DefaultHubName),
		APIType:              fspiop.APIType(strings.ToLower(getEnv("API_TYPE", string(fspiop.APIFSPIOP)))),
		CentralLedgerURL:     os.Getenv("CENTRAL_LEDGER_URL"),
		OracleEndpoints:      seeds,
		ProxyCacheEnabled:    getEnvBool("PROXY_CACHE_ENABLED", false),
		RedisAddrs:           splitList(os.Getenv("REDIS_ADDRS")),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		ProxyDiscoveryTTL:    getEnvDuration("PROXY_DISCOVERY_TTL", DefaultProxyDiscoveryTTL),
		ProxyGetPartiesTTL:   getEnvDuration("PROXY_GET_PARTIES_TTL", DefaultProxyGetPartiesTTL),
		EndpointCacheTTL:     getEnvDuration("ENDPOINT_CACHE_TTL", DefaultEndpointCacheTTL),
		ParticipantCacheTTL:  getEnvDuration("PARTICIPANT_CACHE_TTL", DefaultParticipantCacheTTL),
		OracleCacheTTL:       getEnvDuration("ORACLE_CACHE_TTL", DefaultOracleCacheTTL),
		HTTPTimeout:          getEnvDuration("HTTP_TIMEOUT", DefaultHTTPTimeout),
		TaskTimeout:          getEnvDuration("TASK_TIMEOUT", DefaultTaskTimeout),
		WorkerPoolSize:       int(getEnvInt64("WORKER_POOL_SIZE", DefaultWorkerPoolSize)),
		TimeoutSweepInterval: getEnvDuration("TIMEOUT_SWEEP_INTERVAL", DefaultTimeoutSweepInterval),
		TimeoutBatchSize:     int(getEnvInt64("TIMEOUT_BATCH_SIZE", DefaultTimeoutBatchSize)),
		TimeoutLockTTL:       getEnvDuration("TIMEOUT_LOCK_TTL", DefaultTimeoutLockTTL),
		RateLimitPerMinute:   int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute)),
		RateLimitBurst:       int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.HubName == "" {
		return fmt.Errorf("HUB_NAME is required")
	}
	if c.APIType != fspiop.APIFSPIOP && c.APIType != fspiop.APIISO20022 {
		return fmt.Errorf("API_TYPE must be %q or %q", fspiop.APIFSPIOP, fspiop.APIISO20022)
	}
	if c.CentralLedgerURL == "" && c.IsProduction() {
		return fmt.Errorf("CENTRAL_LEDGER_URL is required in production")
	}
	if c.ProxyCacheEnabled && len(c.RedisAddrs) == 0 && c.IsProduction() {
		return fmt.Errorf("REDIS_ADDRS is required when PROXY_CACHE_ENABLED is set in production")
	}
	if c.RateLimitPerMinute > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive when RATE_LIMIT_PER_MINUTE is set")
	}
	if c.TimeoutLockTTL < c.TimeoutSweepInterval/2 {
		return fmt.Errorf("TIMEOUT_LOCK_TTL must be at least half of TIMEOUT_SWEEP_INTERVAL")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ParseOracleEndpoints reads TYPE[:CUR]=URL entries separated by commas.
func ParseOracleEndpoints(s string) ([]OracleSeed, error) {
	var seeds []OracleSeed
	for _, entry := range splitList(s) {
		key, url, ok := strings.Cut(entry, "=")
		if !ok || url == "" {
			return nil, fmt.Errorf("ORACLE_ENDPOINTS: entry %q is not TYPE[:CUR]=URL", entry)
		}
		typ, cur, _ := strings.Cut(key, ":")
		seed := OracleSeed{Type: fspiop.PartyIDType(strings.ToUpper(typ)), Currency: strings.ToUpper(cur), URL: url}
		if !seed.Type.Valid() {
			return nil, fmt.Errorf("ORACLE_ENDPOINTS: unknown party type %q", typ)
		}
		if err := security.ValidateEndpointURL(url); err != nil {
			return nil, fmt.Errorf("ORACLE_ENDPOINTS: %s: %w", seed.Type, err)
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
