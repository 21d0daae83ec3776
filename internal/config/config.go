// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/fubapay/fubapay/internal/security"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string
	LogFmt   string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	Network    string // Logical network name: POLYGON, ETHEREUM, BSC
	PrivateKey string // Hot wallet signing key, hex-encoded, 0x prefix optional

	// RPC endpoints per network, tried in order
	PolygonRPCs  []string
	EthereumRPCs []string
	BSCRPCs      []string

	// Settlement
	MinConfirmations int
	ConfirmInterval  time.Duration
	ConfirmTimeout   time.Duration

	// Risk advisor (OpenAI-compatible chat endpoint)
	AdvisorURL     string
	AdvisorAPIKey  string
	AdvisorModel   string
	AdvisorTimeout time.Duration

	// Observability
	OTLPEndpoint string
}

// Defaults.
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultNetwork         = "POLYGON"
	DefaultMinConfirms     = 3
	DefaultConfirmInterval = 4 * time.Second
	DefaultConfirmTimeout  = 90 * time.Second
	DefaultAdvisorURL      = "https://api.openai.com/v1"
	DefaultAdvisorModel    = "gpt-4o-mini"
	DefaultAdvisorTimeout  = 8 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFmt:           getEnv("LOG_FORMAT", "text"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		Network:          strings.ToUpper(getEnv("NETWORK", DefaultNetwork)),
		PrivateKey:       os.Getenv("PRIVATE_KEY"),
		PolygonRPCs:      []string{os.Getenv("POLYGON_RPC_1"), os.Getenv("POLYGON_RPC_2")},
		EthereumRPCs:     []string{os.Getenv("ETH_RPC_1"), os.Getenv("ETH_RPC_2")},
		BSCRPCs:          []string{os.Getenv("BSC_RPC_1"), os.Getenv("BSC_RPC_2")},
		MinConfirmations: int(getEnvInt64("MIN_CONFIRMATIONS", DefaultMinConfirms)),
		ConfirmInterval:  getEnvDuration("CONFIRM_INTERVAL", DefaultConfirmInterval),
		ConfirmTimeout:   getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		AdvisorURL:       getEnv("ADVISOR_URL", DefaultAdvisorURL),
		AdvisorAPIKey:    os.Getenv("ADVISOR_API_KEY"),
		AdvisorModel:     getEnv("ADVISOR_MODEL", DefaultAdvisorModel),
		AdvisorTimeout:   getEnvDuration("ADVISOR_TIMEOUT", DefaultAdvisorTimeout),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix.
	key := strings.TrimPrefix(c.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	switch c.Network {
	case "POLYGON", "ETHEREUM", "BSC":
	default:
		return fmt.Errorf("NETWORK must be one of POLYGON, ETHEREUM, BSC (got %q)", c.Network)
	}

	if c.MinConfirmations < 1 {
		return fmt.Errorf("MIN_CONFIRMATIONS must be at least 1")
	}

	// Outbound endpoints must not point at internal infrastructure in
	// production. Development allows local nodes and mock advisors.
	if c.IsProduction() {
		if err := security.ValidateEndpointURL(c.AdvisorURL); err != nil {
			return fmt.Errorf("ADVISOR_URL: %w", err)
		}
		for _, u := range c.RPCURLs(c.Network) {
			if u == "" {
				continue
			}
			if err := security.ValidateEndpointURL(u); err != nil {
				return fmt.Errorf("RPC endpoint %s: %w", u, err)
			}
		}
	}

	return nil
}

// RPCURLs returns the configured RPC endpoints for a logical network name.
func (c *Config) RPCURLs(network string) []string {
	switch strings.ToUpper(network) {
	case "POLYGON":
		return c.PolygonRPCs
	case "ETHEREUM":
		return c.EthereumRPCs
	case "BSC":
		return c.BSCRPCs
	default:
		return nil
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
