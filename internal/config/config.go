// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

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

	// Pricing
	Currency    string // ISO 4217 code the ramp quotes in
	PriceAPIURL string // mempool.space-compatible prices endpoint

	// Settlement
	ArkServerURL string // Ark server the settlement client talks to

	// Payment links
	PaylinkBaseURL string // static payment-link base (e.g. a revolut.me profile)
	PublicBaseURL  string // where users are sent to validate a payment
	StripeAPIKey   string // optional; enables Stripe payment links

	// Conversation
	BeginTrigger    string // exact text that starts a purchase
	MinAddressLen   int
	SessionCapacity int // bounded LRU session store size

	// HTTP behaviour
	HTTPTimeoutSeconds int // outbound timeout for price + settlement calls
	RateLimitRPM       int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort            = "3000"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultCurrency        = "GBP"
	DefaultPriceAPIURL     = "https://mempool.space/api/v1/prices"
	DefaultArkServerURL    = "https://arkade.computer"
	DefaultBeginTrigger    = "Buy Bitcoin"
	DefaultMinAddressLen   = 10
	DefaultSessionCapacity = 10000
	DefaultHTTPTimeout     = 15
	DefaultRateLimit       = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Currency:           getEnv("CURRENCY", DefaultCurrency),
		PriceAPIURL:        getEnv("PRICE_API_URL", DefaultPriceAPIURL),
		ArkServerURL:       getEnv("ARK_SERVER_URL", DefaultArkServerURL),
		PaylinkBaseURL:     os.Getenv("PAYLINK_BASE_URL"), // Required
		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", "http://localhost:"+getEnv("PORT", DefaultPort)),
		StripeAPIKey:       os.Getenv("STRIPE_API_KEY"), // Optional
		BeginTrigger:       getEnv("BEGIN_TRIGGER", DefaultBeginTrigger),
		MinAddressLen:      getEnvInt("MIN_ADDRESS_LEN", DefaultMinAddressLen),
		SessionCapacity:    getEnvInt("SESSION_CAPACITY", DefaultSessionCapacity),
		HTTPTimeoutSeconds: getEnvInt("HTTP_TIMEOUT_SECONDS", DefaultHTTPTimeout),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PaylinkBaseURL == "" {
		return fmt.Errorf("PAYLINK_BASE_URL is required")
	}
	for name, raw := range map[string]string{
		"PAYLINK_BASE_URL": c.PaylinkBaseURL,
		"PRICE_API_URL":    c.PriceAPIURL,
		"ARK_SERVER_URL":   c.ArkServerURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a three-letter ISO 4217 code")
	}
	if c.MinAddressLen < 1 {
		return fmt.Errorf("MIN_ADDRESS_LEN must be positive")
	}
	if c.SessionCapacity < 1 {
		return fmt.Errorf("SESSION_CAPACITY must be positive")
	}
	if c.HTTPTimeoutSeconds < 1 {
		return fmt.Errorf("HTTP_TIMEOUT_SECONDS must be positive")
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
