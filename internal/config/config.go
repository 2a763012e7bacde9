package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
)

type Config struct {
	HTTP   HTTPConfig
	DB     DBConfig
	Redis  RedisConfig
	AI     AIConfig
	Rate   RateConfig
	Client ClientConfig
	Log    LogConfig
}

type HTTPConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
	ReadTimeout time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AIConfig struct {
	// SecretKey is the arbitrary-length operator secret the AES key is
	// derived from. May be empty; key encryption then fails at call time.
	SecretKey string

	// FallbackAPIKey is the operator-level default-provider key used when a
	// user's own configuration cannot serve.
	FallbackAPIKey  string
	FallbackBaseURL string
	FallbackModel   string

	SystemPromptExtra string
}

type RateConfig struct {
	ChatPerHour int64
}

type ClientConfig struct {
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			ListenAddr:  mustEnv("HTTP_LISTEN_ADDR", ":8080"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
			ReadTimeout: mustDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:tradelog.db"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		AI: AIConfig{
			SecretKey:         os.Getenv("TRADELOG_SECRET_KEY"),
			FallbackAPIKey:    mustEnv("GEMINI_FALLBACK_API_KEY", ""),
			FallbackBaseURL:   mustEnv("GEMINI_FALLBACK_BASE_URL", ""),
			FallbackModel:     mustEnv("AI_FALLBACK_MODEL", "gemini-flash-latest"),
			SystemPromptExtra: mustEnv("AI_SYSTEM_PROMPT_EXTRA", ""),
		},
		Rate: RateConfig{
			ChatPerHour: int64(mustInt("CHAT_RATE_LIMIT_PER_HOUR", 60)),
		},
		Client: ClientConfig{
			Timeout:     mustDuration("HTTP_CLIENT_TIMEOUT", 60*time.Second),
			MaxRetries:  mustInt("HTTP_CLIENT_MAX_RETRIES", 2),
			BackoffBase: mustDuration("HTTP_CLIENT_BACKOFF_BASE", 400*time.Millisecond),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	switch cfg.DB.Driver {
	case "sqlite", "sqlite3", "postgres", "pgx":
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DB.Driver)
	}

	return cfg, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
