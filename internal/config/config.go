package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the quizrelay server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AI        AIConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL       string
	AnswerTTL time.Duration
}

type AIConfig struct {
	Provider      string
	TextModel     string
	VisionModel   string
	StreamTimeout time.Duration
	OpenRouter    OpenRouterConfig
	Ollama        OllamaConfig
}

type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
	Referer string
	Title   string
}

type OllamaConfig struct {
	BaseURL string
}

type SessionConfig struct {
	// IdleTimeout is how long a key's conversation survives without use
	// before the next request starts a fresh one.
	IdleTimeout time.Duration
	// HistoryLimit caps how many trailing turns are persisted per key.
	HistoryLimit int
}

type RateLimitConfig struct {
	RequestsPerMin int
}

var validProviders = map[string]bool{
	"openrouter": true,
	"ollama":     true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("QUIZRELAY_PORT", 8080),
			Env:  envString("QUIZRELAY_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			AnswerTTL: envDuration("ANSWER_CACHE_TTL", 24*time.Hour),
		},
		AI: AIConfig{
			Provider:      os.Getenv("AI_PROVIDER"),
			TextModel:     envString("AI_TEXT_MODEL", "stepfun/step-3.5-flash:free"),
			VisionModel:   envString("AI_VISION_MODEL", "google/gemini-2.0-flash-001"),
			StreamTimeout: envDurationSecs("AI_STREAM_TIMEOUT_SECS", 120*time.Second),
			OpenRouter: OpenRouterConfig{
				APIKey:  os.Getenv("OPENROUTER_API_KEY"),
				BaseURL: envString("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
				Referer: envString("OPENROUTER_REFERER", "https://tully.sh"),
				Title:   envString("OPENROUTER_TITLE", "Educational AI Assistant"),
			},
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
			},
		},
		Session: SessionConfig{
			IdleTimeout:  envDuration("SESSION_IDLE_TIMEOUT", 15*time.Minute),
			HistoryLimit: envInt("SESSION_HISTORY_LIMIT", 10),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of openrouter, ollama; got %q", c.AI.Provider)
	}

	if c.AI.Provider == "openrouter" && c.AI.OpenRouter.APIKey == "" {
		return fmt.Errorf("OPENROUTER_API_KEY is required when AI_PROVIDER is openrouter")
	}
	if c.AI.Provider == "ollama" {
		base := c.AI.Ollama.BaseURL
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			return fmt.Errorf("OLLAMA_BASE_URL must start with http:// or https://, got %q", base)
		}
	}

	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive, got %s", c.Session.IdleTimeout)
	}
	if c.Session.HistoryLimit <= 0 {
		return fmt.Errorf("SESSION_HISTORY_LIMIT must be positive, got %d", c.Session.HistoryLimit)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
