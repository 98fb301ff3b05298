// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	EscrowContract string // Escrow contract address on ChainID
	StartBlock     uint64 // 0 = start from the current head
	PollInterval   time.Duration

	// Identity
	AuthSecret          string   // HS256 secret shared with the identity provider
	AdminAllowlist      []string // addresses granted ADMIN at login
	SuperAdminAllowlist []string // addresses granted SUPER_ADMIN at login

	// Notifications
	WebhookURL   string // optional sink for immediate event pushes
	WebhookToken string // optional bearer token for the sink

	// Evidence blob store (S3-compatible)
	BlobEndpoint  string
	BlobRegion    string
	BlobBucket    string
	BlobAccessKey string
	BlobSecretKey string
	PresignTTL    time.Duration

	// Observability
	OTLPEndpoint string
	RateLimitRPS int
}

// Base Sepolia defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532 // Base Sepolia
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultPollInterval = 15 * time.Second
	DefaultPresignTTL   = 15 * time.Minute
	DefaultRateLimit    = 100
	DefaultBlobRegion   = "us-east-1"
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowContract:      os.Getenv("ESCROW_CONTRACT"),
		StartBlock:          uint64(getEnvInt64("START_BLOCK", 0)), //nolint:gosec // non-negative by validation
		PollInterval:        getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		AuthSecret:          os.Getenv("AUTH_SECRET"),
		AdminAllowlist:      splitList(os.Getenv("ADMIN_ALLOWLIST")),
		SuperAdminAllowlist: splitList(os.Getenv("SUPER_ADMIN_ALLOWLIST")),
		WebhookURL:          os.Getenv("WEBHOOK_URL"),
		WebhookToken:        os.Getenv("WEBHOOK_TOKEN"),
		BlobEndpoint:        os.Getenv("BLOB_ENDPOINT"),
		BlobRegion:          getEnv("BLOB_REGION", DefaultBlobRegion),
		BlobBucket:          os.Getenv("BLOB_BUCKET"),
		BlobAccessKey:       os.Getenv("BLOB_ACCESS_KEY"),
		BlobSecretKey:       os.Getenv("BLOB_SECRET_KEY"),
		PresignTTL:          getEnvDuration("PRESIGN_TTL", DefaultPresignTTL),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}
	if len(c.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be at least 32 bytes")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	return nil
}

// WatcherEnabled reports whether the chain watcher should run.
func (c *Config) WatcherEnabled() bool {
	return c.EscrowContract != ""
}

// BlobEnabled reports whether the evidence blob store is configured.
func (c *Config) BlobEnabled() bool {
	return c.BlobBucket != "" && c.BlobAccessKey != "" && c.BlobSecretKey != ""
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

// splitList parses a comma-separated list, trimming blanks.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
