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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Seen-event set for billing webhooks (optional)

	// Usage event stream
	AMQPURL      string
	AMQPExchange string

	// Payment provider
	StripeWebhookSecret string

	// Messaging platform
	TelegramBotToken      string
	TelegramAPIURL        string
	TelegramWebhookSecret string // Compared against X-Telegram-Bot-Api-Secret-Token when set

	// Classification service (OpenAI-compatible chat completions)
	ClassifierURL     string
	ClassifierAPIKey  string
	ClassifierModel   string
	ClassifierTimeout time.Duration

	// Workflow executor
	WorkflowBaseURL string
	WorkflowAPIKey  string
	WorkflowTimeout time.Duration

	// Links surfaced to users in gate messages
	SignupURL  string
	BillingURL string

	// Security
	AdminSecret           string
	RateLimitRPM          int
	ChatMessagesPerMinute int
	CORSAllowedOrigins    []string // Browser origins allowed to call the admin API

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultTelegramAPIURL    = "https://api.telegram.org"
	DefaultClassifierURL     = "https://api.openai.com/v1/chat/completions"
	DefaultClassifierModel   = "gpt-4o-mini"
	DefaultClassifierTimeout = 8 * time.Second
	DefaultWorkflowTimeout   = 10 * time.Second
	DefaultAMQPExchange      = "usage"
	DefaultSignupURL         = "https://chatgate.app/signup"
	DefaultBillingURL        = "https://chatgate.app/billing"
	DefaultRateLimitRPM      = 600
	DefaultChatPerMinute     = 20

	// MaxCallTimeout bounds outbound calls made while a chat webhook is in flight.
	MaxCallTimeout = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		AMQPURL:               os.Getenv("AMQP_URL"),
		AMQPExchange:          getEnv("AMQP_EXCHANGE", DefaultAMQPExchange),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		TelegramBotToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAPIURL:        getEnv("TELEGRAM_API_URL", DefaultTelegramAPIURL),
		TelegramWebhookSecret: os.Getenv("TELEGRAM_WEBHOOK_SECRET"),
		ClassifierURL:         getEnv("CLASSIFIER_URL", DefaultClassifierURL),
		ClassifierAPIKey:      os.Getenv("CLASSIFIER_API_KEY"),
		ClassifierModel:       getEnv("CLASSIFIER_MODEL", DefaultClassifierModel),
		ClassifierTimeout:     getEnvDuration("CLASSIFIER_TIMEOUT", DefaultClassifierTimeout),
		WorkflowBaseURL:       os.Getenv("WORKFLOW_BASE_URL"),
		WorkflowAPIKey:        os.Getenv("WORKFLOW_API_KEY"),
		WorkflowTimeout:       getEnvDuration("WORKFLOW_TIMEOUT", DefaultWorkflowTimeout),
		SignupURL:             getEnv("SIGNUP_URL", DefaultSignupURL),
		BillingURL:            getEnv("BILLING_URL", DefaultBillingURL),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		ChatMessagesPerMinute: int(getEnvInt64("CHAT_MESSAGES_PER_MINUTE", DefaultChatPerMinute)),
		CORSAllowedOrigins:    getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if c.ClassifierTimeout <= 0 || c.ClassifierTimeout > MaxCallTimeout {
		return fmt.Errorf("CLASSIFIER_TIMEOUT must be between 0 and %s", MaxCallTimeout)
	}
	if c.WorkflowTimeout <= 0 || c.WorkflowTimeout > MaxCallTimeout {
		return fmt.Errorf("WORKFLOW_TIMEOUT must be between 0 and %s", MaxCallTimeout)
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// Secrets lists the configured credentials that must never reach the logs.
func (c *Config) Secrets() []string {
	return []string{
		c.StripeWebhookSecret,
		c.TelegramBotToken,
		c.TelegramWebhookSecret,
		c.ClassifierAPIKey,
		c.WorkflowAPIKey,
		c.AdminSecret,
	}
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getEnvDuration accepts Go duration strings ("8s") or bare seconds ("8").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
