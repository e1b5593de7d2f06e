// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	GRPCPort         string
	FrontendURL      string
	StoreBackend     string
	DBPath           string
	Redis            RedisConfig
	SessionTTL       time.Duration
	JanitorInterval  time.Duration
	Model            ModelConfig
	AgentProfilePath string
	TurnTimeout      time.Duration
	RateLimit        RateLimitConfig
	SSE              SSEConfig
	Preview          PreviewConfig
	ConversationLog  ConversationLogConfig
}

// RedisConfig addresses the Redis session store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ModelConfig selects the model provider.
type ModelConfig struct {
	Provider        string
	Name            string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string
	MaxTokens       int
	ScriptChunk     int
	ScriptDelay     time.Duration
}

// APIKey returns the key for the selected provider.
func (m ModelConfig) APIKey() string {
	switch m.Provider {
	case "anthropic":
		return m.AnthropicAPIKey
	case "openai":
		return m.OpenAIAPIKey
	case "gemini":
		return m.GeminiAPIKey
	default:
		return ""
	}
}

// RateLimitConfig is a per-owner token bucket.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// SSEConfig tunes event streams.
type SSEConfig struct {
	RetryDelay         time.Duration
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
	ReplaySize         int
}

// PreviewConfig controls the Docker preview sandbox.
type PreviewConfig struct {
	Enabled bool
	Image   string
	Runtime string // "" = default (runc), "runsc" = gVisor
	Workdir string
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		GRPCPort:     getEnv("GRPC_PORT", "9090"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StoreSQLite)),
		DBPath:       getEnv("DB_PATH", "./data/pagesmith.db"),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		SessionTTL:      getEnvDuration("SESSION_TTL", 24*time.Hour),
		JanitorInterval: getEnvDuration("JANITOR_INTERVAL", 5*time.Minute),
		Model: ModelConfig{
			Provider:        strings.ToLower(getEnv("MODEL_PROVIDER", "scripted")),
			Name:            getEnv("MODEL_NAME", ""),
			AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
			OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
			GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
			MaxTokens:       getEnvInt("MODEL_MAX_TOKENS", 4096),
			ScriptChunk:     getEnvInt("SCRIPT_CHUNK_SIZE", 24),
			ScriptDelay:     getEnvDuration("SCRIPT_CHUNK_DELAY", 20*time.Millisecond),
		},
		AgentProfilePath: getEnv("AGENT_PROFILE_PATH", ""),
		TurnTimeout:      getEnvDuration("TURN_TIMEOUT", 2*time.Minute),
		RateLimit: RateLimitConfig{
			RPS:   getEnvFloat("RATE_LIMIT_RPS", 0.5),
			Burst: getEnvInt("RATE_LIMIT_BURST", 5),
		},
		SSE: SSEConfig{
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			MaxRequestBodySize: int64(getEnvInt("SSE_MAX_REQUEST_BODY", 1<<20)),
			ReplaySize:         getEnvInt("SSE_REPLAY_SIZE", 256),
		},
		Preview: PreviewConfig{
			Enabled: getEnvBool("PREVIEW_ENABLED", false),
			Image:   getEnv("PREVIEW_IMAGE", "nginx:alpine"),
			Runtime: getEnv("CONTAINER_RUNTIME", ""),
			Workdir: getEnv("PREVIEW_WORKDIR", "/usr/share/nginx/html"),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.StoreBackend {
	case StoreMemory:
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be memory, sqlite or redis, got %q", c.StoreBackend)
	}
	switch c.Model.Provider {
	case "scripted":
	case "anthropic", "openai", "gemini":
		if c.Model.APIKey() == "" {
			return fmt.Errorf("an API key is required for MODEL_PROVIDER=%s", c.Model.Provider)
		}
		if c.Model.Name == "" && c.Model.Provider != "gemini" {
			return fmt.Errorf("MODEL_NAME is required for MODEL_PROVIDER=%s", c.Model.Provider)
		}
	default:
		return fmt.Errorf("unknown MODEL_PROVIDER %q", c.Model.Provider)
	}
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("TURN_TIMEOUT must be > 0")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
	}
	if c.SSE.ReplaySize <= 0 {
		return fmt.Errorf("SSE_REPLAY_SIZE must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
