// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Storage modes.
const (
	StoragePostgres = "postgres"
	StorageJSON     = "json"
	StorageAuto     = "auto"
)

// Bot modes.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Chat platform
	BotToken           string
	BotMode            string // polling | webhook
	WebhookBaseURL     string
	WebhookSecretPath  string
	WebhookSecretToken string

	// Storage
	DatabaseURL string // PostgreSQL DSN; absent => file-backed fallback store
	StorageMode string // postgres | json | auto
	DataDir     string

	// Upstream generative-media API
	KIEAPIKey string
	KIEAPIURL string

	// Admins
	AdminIDs []int64

	// CI gates for outbound calls
	DryRun             bool
	TestMode           bool
	AllowRealGeneration bool

	// Pricing
	USDToRUB        float64
	PriceMultiplier float64

	// Tracing
	OTLPEndpoint string
}

// Defaults.
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultKIEAPIURL       = "https://api.kie.ai"
	DefaultDataDir         = "./data"
	DefaultUSDToRUB        = 100.0
	DefaultPriceMultiplier = 1.5
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		BotToken:           os.Getenv("TELEGRAM_BOT_TOKEN"),
		BotMode:            getEnv("BOT_MODE", ModePolling),
		WebhookBaseURL:     os.Getenv("WEBHOOK_BASE_URL"),
		WebhookSecretPath:  os.Getenv("WEBHOOK_SECRET_PATH"),
		WebhookSecretToken: os.Getenv("WEBHOOK_SECRET_TOKEN"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		StorageMode:        getEnv("STORAGE_MODE", StorageAuto),
		DataDir:            getEnv("DATA_DIR", DefaultDataDir),
		KIEAPIKey:          os.Getenv("KIE_API_KEY"),
		KIEAPIURL:          getEnv("KIE_API_URL", DefaultKIEAPIURL),
		AdminIDs:           parseAdminIDs(),
		DryRun:             getEnvBool("DRY_RUN", false),
		TestMode:           getEnvBool("TEST_MODE", false),
		AllowRealGeneration: getEnvBool("ALLOW_REAL_GENERATION", true),
		USDToRUB:           getEnvFloat("USD_TO_RUB", DefaultUSDToRUB),
		PriceMultiplier:    getEnvFloat("PRICE_MULTIPLIER", DefaultPriceMultiplier),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency. The bot token is only required
// when the process is expected to produce chat side effects.
func (c *Config) Validate() error {
	switch c.StorageMode {
	case StoragePostgres, StorageJSON, StorageAuto:
	default:
		return fmt.Errorf("STORAGE_MODE must be one of postgres, json, auto (got %q)", c.StorageMode)
	}
	if c.StorageMode == StoragePostgres && c.DatabaseURL == "" {
		return fmt.Errorf("STORAGE_MODE=postgres requires DATABASE_URL")
	}

	switch c.BotMode {
	case ModePolling, ModeWebhook:
	default:
		return fmt.Errorf("BOT_MODE must be polling or webhook (got %q)", c.BotMode)
	}
	if c.BotMode == ModeWebhook && c.WebhookBaseURL == "" {
		return fmt.Errorf("BOT_MODE=webhook requires WEBHOOK_BASE_URL")
	}

	if c.USDToRUB <= 0 {
		return fmt.Errorf("USD_TO_RUB must be positive")
	}
	if c.PriceMultiplier <= 0 {
		return fmt.Errorf("PRICE_MULTIPLIER must be positive")
	}

	return nil
}

// UsePostgres reports whether postgres storage should be used.
func (c *Config) UsePostgres() bool {
	if c.StorageMode == StorageJSON {
		return false
	}
	return c.DatabaseURL != ""
}

// OutboundAllowed reports whether real upstream API calls may be made.
// DRY_RUN and TEST_MODE force stubbed calls regardless of ALLOW_REAL_GENERATION.
func (c *Config) OutboundAllowed() bool {
	if c.DryRun || c.TestMode {
		return false
	}
	return c.AllowRealGeneration
}

// IsAdmin reports whether the user is in the configured admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// parseAdminIDs reads ADMIN_IDS (comma-separated) falling back to ADMIN_ID.
func parseAdminIDs() []int64 {
	raw := os.Getenv("ADMIN_IDS")
	if raw == "" {
		raw = os.Getenv("ADMIN_ID")
	}
	if raw == "" {
		return nil
	}

	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
