// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Durable store
	DatabasePath string

	// LLM settings
	AnthropicAPIKey   string
	OpenAIAPIKey      string
	DefaultLLM        string
	LLMModel          string
	LLMMaxTokens      int
	GenerationTimeout time.Duration

	// Conversation settings
	ContextMessages int
	ReplyLanguage   string

	// Websocket settings
	WSWriteTimeout    time.Duration
	WSPingInterval    time.Duration
	WSMaxMessageBytes int64

	// NATS settings. An empty URL disables event publishing.
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),

		// Store
		DatabasePath: getEnv("DATABASE_PATH", "bookchat.db"),

		// LLM
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:        getEnv("DEFAULT_LLM", "openai"),
		LLMModel:          getEnv("LLM_MODEL", ""),
		LLMMaxTokens:      getIntEnv("LLM_MAX_TOKENS", 1024),
		GenerationTimeout: getDurationEnv("GENERATION_TIMEOUT", 60*time.Second),

		// Conversation
		ContextMessages: getIntEnv("CONTEXT_MESSAGES", 5),
		ReplyLanguage:   getEnv("REPLY_LANGUAGE", "Korean"),

		// Websocket
		WSWriteTimeout:    getDurationEnv("WS_WRITE_TIMEOUT", 10*time.Second),
		WSPingInterval:    getDurationEnv("WS_PING_INTERVAL", 30*time.Second),
		WSMaxMessageBytes: int64(getIntEnv("WS_MAX_MESSAGE_BYTES", 64*1024)),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports every setting that cannot run the server.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabasePath == "" {
		errs = append(errs, errors.New("DATABASE_PATH must not be empty"))
	}
	if c.ContextMessages <= 0 {
		errs = append(errs, fmt.Errorf("CONTEXT_MESSAGES must be positive, got %d", c.ContextMessages))
	}
	if c.LLMMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("LLM_MAX_TOKENS must be positive, got %d", c.LLMMaxTokens))
	}
	if c.WSMaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("WS_MAX_MESSAGE_BYTES must be positive, got %d", c.WSMaxMessageBytes))
	}
	if c.RateLimitRequests <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimitRequests))
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"SERVER_READ_TIMEOUT", c.ServerReadTimeout},
		{"SERVER_WRITE_TIMEOUT", c.ServerWriteTimeout},
		{"GENERATION_TIMEOUT", c.GenerationTimeout},
		{"WS_WRITE_TIMEOUT", c.WSWriteTimeout},
		{"WS_PING_INTERVAL", c.WSPingInterval},
		{"RATE_LIMIT_WINDOW", c.RateLimitWindow},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}

	return errors.Join(errs...)
}

// APIKey returns the key for the configured default provider.
func (c *Config) APIKey() string {
	if c.DefaultLLM == "anthropic" {
		return c.AnthropicAPIKey
	}
	return c.OpenAIAPIKey
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
