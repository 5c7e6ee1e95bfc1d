package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Database
	DatabaseURL string
	AutoMigrate bool

	// Redis
	RedisURL string

	// Master key for tenant-owned provider credentials (64 hex chars).
	// Empty disables BYOK resolution.
	EncryptionKey string

	// Platform provider API keys
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string
	MistralAPIKey   string

	// Provider endpoints (empty means the provider default)
	OpenAIBaseURL    string
	AnthropicBaseURL string
	GeminiBaseURL    string
	MistralBaseURL   string

	ProviderTimeout time.Duration

	// Rate Limiting
	DefaultRateLimit int

	// Caching
	GateCacheTTL  time.Duration
	SpendCacheTTL time.Duration

	// Spending jobs
	SpendSyncInterval   time.Duration
	PeriodResetInterval time.Duration
	AlertBandPercent    float64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", true),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		EncryptionKey:       strings.TrimSpace(getEnv("ENCRYPTION_KEY", "")),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:     getEnv("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		MistralAPIKey:       getEnv("MISTRAL_API_KEY", ""),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", ""),
		AnthropicBaseURL:    getEnv("ANTHROPIC_BASE_URL", ""),
		GeminiBaseURL:       getEnv("GEMINI_BASE_URL", ""),
		MistralBaseURL:      getEnv("MISTRAL_BASE_URL", ""),
		ProviderTimeout:     time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 30)) * time.Second,
		DefaultRateLimit:    getEnvInt("DEFAULT_RATE_LIMIT", 100),
		GateCacheTTL:        time.Duration(getEnvInt("GATE_CACHE_TTL_SECONDS", 60)) * time.Second,
		SpendCacheTTL:       time.Duration(getEnvInt("SPEND_CACHE_TTL_SECONDS", 30)) * time.Second,
		SpendSyncInterval:   getEnvDuration("SPEND_SYNC_INTERVAL", 5*time.Minute),
		PeriodResetInterval: getEnvDuration("PERIOD_RESET_INTERVAL", time.Hour),
		AlertBandPercent:    getEnvFloat("ALERT_BAND_PERCENT", 10),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.EncryptionKey != "" {
		raw, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("ENCRYPTION_KEY must be 64 hexadecimal characters")
		}
	}

	return cfg, nil
}

// PlatformKeysConfigured reports whether at least one shared provider key is set.
func (c *Config) PlatformKeysConfigured() bool {
	return c.OpenAIAPIKey != "" || c.AnthropicAPIKey != "" || c.GeminiAPIKey != "" || c.MistralAPIKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil && floatVal > 0 {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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
