// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	FrontendURL      string
	DBPath           string
	LogLevel         slog.Level
	InstructionsFile string
	HealthGRPCAddr   string

	Gemini          GeminiConfig
	LiveKit         LiveKitConfig
	Session         SessionConfig
	ConversationLog ConversationLogConfig
	RateLimit       RateLimitConfig

	// RecordingDir enables WAV recording of patient audio when set.
	RecordingDir string
}

// GeminiConfig configures the realtime model.
type GeminiConfig struct {
	APIKey       string
	Model        string
	Voice        string
	Temperature  float32
	StartupCheck bool
}

// LiveKitConfig configures the LiveKit transport and token endpoint.
type LiveKitConfig struct {
	URL             string
	APIKey          string
	APISecret       string
	TokenTTL        time.Duration
	AgentName       string
	AgentDispatch   bool
	ParticipantWait time.Duration
}

// Enabled reports whether LiveKit credentials are present.
func (c LiveKitConfig) Enabled() bool {
	return c.URL != "" && c.APIKey != "" && c.APISecret != ""
}

// SessionConfig bounds session lifetime and history.
type SessionConfig struct {
	MaxDuration   time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
	QueueSize     int
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// RateLimitConfig limits connection-details requests per client.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/intake.db"),
		LogLevel:         getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		InstructionsFile: getEnv("INSTRUCTIONS_FILE", ""),
		HealthGRPCAddr:   getEnv("HEALTH_GRPC_ADDR", ":9090"),
		Gemini: GeminiConfig{
			APIKey:       getEnv("GOOGLE_API_KEY", ""),
			Model:        getEnv("GEMINI_MODEL", "gemini-2.0-flash-exp"),
			Voice:        getEnv("GEMINI_VOICE", "Puck"),
			Temperature:  getEnvFloat32("GEMINI_TEMPERATURE", 0.8),
			StartupCheck: getEnvBool("MODEL_STARTUP_CHECK", true),
		},
		LiveKit: LiveKitConfig{
			URL:             getEnv("LIVEKIT_URL", ""),
			APIKey:          getEnv("LIVEKIT_API_KEY", ""),
			APISecret:       getEnv("LIVEKIT_API_SECRET", ""),
			TokenTTL:        getEnvDuration("LIVEKIT_TOKEN_TTL", 15*time.Minute),
			AgentName:       getEnv("AGENT_NAME", "medical-assistant"),
			AgentDispatch:   getEnvBool("LIVEKIT_AGENT_DISPATCH", false),
			ParticipantWait: getEnvDuration("PARTICIPANT_WAIT_TIMEOUT", 60*time.Second),
		},
		Session: SessionConfig{
			MaxDuration:   getEnvDuration("SESSION_MAX_DURATION", 600*time.Second),
			Retention:     getEnvDuration("SESSION_RETENTION", 30*24*time.Hour),
			SweepInterval: getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
			QueueSize:     getEnvInt("SESSION_QUEUE_SIZE", 256),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		RecordingDir: getEnv("RECORDING_DIR", ""),
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("GOOGLE_API_KEY is required")
	}
	if c.Gemini.Model == "" {
		return fmt.Errorf("GEMINI_MODEL cannot be empty")
	}
	if c.Gemini.Temperature < 0 || c.Gemini.Temperature > 2 {
		return fmt.Errorf("GEMINI_TEMPERATURE must be between 0 and 2")
	}
	lk := c.LiveKit
	if (lk.URL != "" || lk.APIKey != "" || lk.APISecret != "") && !lk.Enabled() {
		return fmt.Errorf("LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET must be set together")
	}
	if lk.TokenTTL <= 0 {
		return fmt.Errorf("LIVEKIT_TOKEN_TTL must be > 0")
	}
	if c.Session.MaxDuration < 0 {
		return fmt.Errorf("SESSION_MAX_DURATION cannot be negative")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.Session.QueueSize <= 0 {
		return fmt.Errorf("SESSION_QUEUE_SIZE must be > 0")
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
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
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

func getEnvFloat32(key string, fallback float32) float32 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 32)
	if err != nil {
		return fallback
	}
	return float32(f)
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
