// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Flow gateway settings
	FlowAPIKey          string
	FlowSecretKey       string
	FlowBaseURL         string
	FlowURLConfirmation string // where Flow POSTs the server-to-server confirmation
	FlowURLReturn       string // where Flow redirects the buyer's browser

	// Internal collaborators
	ProductServiceURL string
	BillingServiceURL string
	InternalKey       string // shared secret sent as X-Internal-Key

	// Upstream HTTP behaviour
	UpstreamTimeout time.Duration

	// Observability
	CORSOrigins  []string
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultFlowBaseURL     = "https://sandbox.flow.cl/api"
	DefaultUpstreamTimeout = 15 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		FlowAPIKey:          os.Getenv("FLOW_API_KEY"),
		FlowSecretKey:       os.Getenv("FLOW_SECRET_KEY"),
		FlowBaseURL:         getEnv("FLOW_BASE_URL", DefaultFlowBaseURL),
		FlowURLConfirmation: os.Getenv("FLOW_URL_CONFIRMATION"),
		FlowURLReturn:       os.Getenv("FLOW_URL_RETURN"),
		ProductServiceURL:   os.Getenv("PRODUCT_SERVICE_URL"),
		BillingServiceURL:   os.Getenv("BILLING_SERVICE_URL"),
		InternalKey:         os.Getenv("INTERNAL_SERVICE_KEY"),
		UpstreamTimeout:     getEnvDuration("UPSTREAM_TIMEOUT", DefaultUpstreamTimeout),
		CORSOrigins:         splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FlowAPIKey == "" {
		return fmt.Errorf("FLOW_API_KEY is required")
	}
	if c.FlowSecretKey == "" {
		return fmt.Errorf("FLOW_SECRET_KEY is required")
	}
	if c.FlowBaseURL == "" {
		return fmt.Errorf("FLOW_BASE_URL is required")
	}
	// The gateway rejects sessions without callback URLs, so fail at startup
	// instead of on the first create request.
	if c.FlowURLConfirmation == "" {
		return fmt.Errorf("FLOW_URL_CONFIRMATION is required")
	}
	if c.FlowURLReturn == "" {
		return fmt.Errorf("FLOW_URL_RETURN is required")
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

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
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
