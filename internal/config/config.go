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

// Classifier backends.
const (
	ClassifierRules = "rules"
	ClassifierModel = "model"
)

// Generation provider names accepted in PROVIDER_ORDER.
const (
	ProviderGemini      = "gemini"
	ProviderTextService = "textservice"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	FrontendURL   string
	DBPath        string
	LogLevel      slog.Level
	SessionTTL    time.Duration
	SweepInterval time.Duration
	PromptsPath   string
	Engine        EngineConfig
	Providers     ProviderConfig
	RateLimit     RateLimitConfig
	Transcript    TranscriptConfig
}

// EngineConfig tunes the conversation engine.
type EngineConfig struct {
	GenerationTimeout     time.Duration
	GenerationMaxAttempts int
	HistoryWindow         int
	StaleWriteRetries     int
	ConfidenceThreshold   float64
	Classifier            string
}

// ProviderConfig selects and configures the generation providers.
type ProviderConfig struct {
	Order           []string
	GeminiAPIKey    string
	GeminiModel     string
	TextServiceAddr string
	DeckBuilderURL  string
}

// RateLimitConfig bounds inbound turns per owner.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// TranscriptConfig controls per-session NDJSON transcripts.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/deckster.db"),
		LogLevel:      level,
		SessionTTL:    getEnvDuration("SESSION_TTL", 24*time.Hour),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		PromptsPath:   getEnv("PROMPTS_PATH", ""),
		Engine: EngineConfig{
			GenerationTimeout:     getEnvDuration("GENERATION_TIMEOUT", 60*time.Second),
			GenerationMaxAttempts: getEnvInt("GENERATION_MAX_ATTEMPTS", 3),
			HistoryWindow:         getEnvInt("HISTORY_WINDOW", 6),
			StaleWriteRetries:     getEnvInt("STALE_WRITE_RETRIES", 3),
			ConfidenceThreshold:   getEnvFloat("INTENT_CONFIDENCE_THRESHOLD", 0.5),
			Classifier:            strings.ToLower(getEnv("INTENT_CLASSIFIER", ClassifierRules)),
		},
		Providers: ProviderConfig{
			Order:           getEnvList("PROVIDER_ORDER", []string{ProviderGemini, ProviderTextService}),
			GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
			GeminiModel:     getEnv("GEMINI_MODEL", ""),
			TextServiceAddr: getEnv("TEXT_SERVICE_ADDR", ""),
			DeckBuilderURL:  getEnv("DECK_BUILDER_URL", ""),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_ENABLED", false),
			Dir:       getEnv("TRANSCRIPT_DIR", "./data/transcripts"),
			QueueSize: getEnvInt("TRANSCRIPT_QUEUE_SIZE", 1000),
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.Engine.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be > 0")
	}
	if c.Engine.GenerationMaxAttempts < 1 {
		return fmt.Errorf("GENERATION_MAX_ATTEMPTS must be >= 1")
	}
	if c.Engine.HistoryWindow < 1 {
		return fmt.Errorf("HISTORY_WINDOW must be >= 1")
	}
	if c.Engine.StaleWriteRetries < 0 {
		return fmt.Errorf("STALE_WRITE_RETRIES cannot be negative")
	}
	if t := c.Engine.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("INTENT_CONFIDENCE_THRESHOLD must be within [0, 1], got %v", t)
	}
	switch c.Engine.Classifier {
	case ClassifierRules, ClassifierModel:
	default:
		return fmt.Errorf("INTENT_CLASSIFIER must be %q or %q, got %q", ClassifierRules, ClassifierModel, c.Engine.Classifier)
	}
	for _, p := range c.Providers.Order {
		switch p {
		case ProviderGemini, ProviderTextService:
		default:
			return fmt.Errorf("PROVIDER_ORDER: unknown provider %q", p)
		}
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty when transcripts are enabled")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func parseLevel(v string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
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

// getEnvList splits a comma separated value, dropping blanks. An empty
// value yields an empty list rather than the fallback.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
