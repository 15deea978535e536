// Package config loads service configuration from defaults, an optional YAML file,
// a .env file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
		Format string `yaml:"format" default:"console" validate:"oneof=json console"`
		Output string `yaml:"output" default:"stderr"`
	} `yaml:"log"`

	Provider struct {
		Name        string        `yaml:"name" default:"gemini" validate:"oneof=gemini openai"`
		Model       string        `yaml:"model" default:"gemini-2.0-flash" validate:"required"`
		BaseURL     string        `yaml:"base_url"`
		Keys        []string      `yaml:"keys"`
		Prompt      string        `yaml:"prompt"`
		Temperature float32       `yaml:"temperature" default:"0.2" validate:"gte=0,lte=2"`
		MaxTokens   int32         `yaml:"max_tokens" default:"1024" validate:"gte=0"`
		Timeout     time.Duration `yaml:"timeout" default:"60s" validate:"gt=0"`
	} `yaml:"provider"`

	// Pool mirrors the recognised pool options: cooldownMs, maxAttempts, pollIntervalMs.
	Pool struct {
		Cooldown     time.Duration `yaml:"cooldown" default:"60s" validate:"gt=0"`
		MaxAttempts  int           `yaml:"max_attempts" default:"3" validate:"gte=1"`
		PollInterval time.Duration `yaml:"poll_interval" default:"5s" validate:"gt=0"`
		SafetyMargin time.Duration `yaml:"safety_margin" default:"250ms" validate:"gte=0"`
	} `yaml:"pool"`

	Breaker struct {
		FailureThreshold int           `yaml:"failure_threshold" default:"5" validate:"gte=0"`
		Cooldown         time.Duration `yaml:"cooldown" default:"30s" validate:"gte=0"`
	} `yaml:"breaker"`

	Redis struct {
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db" validate:"gte=0"`
		CacheTTL time.Duration `yaml:"cache_ttl" default:"1h" validate:"gte=0"`
	} `yaml:"redis"`

	History struct {
		Limit int `yaml:"limit" default:"100" validate:"gte=1"`
	} `yaml:"history"`

	Server struct {
		HTTPPort        string        `yaml:"http_port" default:"8080"`
		GRPCPort        string        `yaml:"grpc_port" default:"50051"`
		MaxUploadBytes  int64         `yaml:"max_upload_bytes" default:"10485760" validate:"gt=0"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s" validate:"gt=0"`
	} `yaml:"server"`
}

var validate = validator.New()

// Default returns a config with every default applied.
func Default() *Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		// Only reachable if a default tag is malformed.
		panic(fmt.Sprintf("config: defaults: %v", err))
	}
	return &c
}

// Load builds the configuration. path may be empty to skip the YAML file; a missing
// .env file is not an error.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	c.applyEnv()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv() {
	c.Log.Level = envOrDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault("LOG_FORMAT", c.Log.Format)
	c.Log.Output = envOrDefault("LOG_OUTPUT", c.Log.Output)

	c.Provider.Name = envOrDefault("PROVIDER", c.Provider.Name)
	c.Provider.Model = envOrDefault("MODEL", c.Provider.Model)
	c.Provider.BaseURL = envOrDefault("PROVIDER_BASE_URL", c.Provider.BaseURL)
	c.Provider.Prompt = envOrDefault("PROMPT", c.Provider.Prompt)
	c.Provider.Timeout = envDurationOrDefault("REQUEST_TIMEOUT", c.Provider.Timeout)
	if keys := splitKeys(os.Getenv("API_KEYS")); len(keys) > 0 {
		c.Provider.Keys = keys
	}

	c.Pool.Cooldown = envMillisOrDefault("COOLDOWN_MS", c.Pool.Cooldown)
	c.Pool.MaxAttempts = envIntOrDefault("MAX_ATTEMPTS", c.Pool.MaxAttempts)
	c.Pool.PollInterval = envMillisOrDefault("POLL_INTERVAL_MS", c.Pool.PollInterval)
	c.Pool.SafetyMargin = envMillisOrDefault("SAFETY_MARGIN_MS", c.Pool.SafetyMargin)

	c.Breaker.FailureThreshold = envIntOrDefault("CB_FAILURE_THRESHOLD", c.Breaker.FailureThreshold)
	c.Breaker.Cooldown = envDurationOrDefault("CB_COOLDOWN", c.Breaker.Cooldown)

	c.Redis.Addr = envOrDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envIntOrDefault("REDIS_DB", c.Redis.DB)
	c.Redis.CacheTTL = envDurationOrDefault("CACHE_TTL", c.Redis.CacheTTL)

	c.History.Limit = envIntOrDefault("HISTORY_LIMIT", c.History.Limit)

	c.Server.HTTPPort = envOrDefault("HTTP_PORT", c.Server.HTTPPort)
	c.Server.GRPCPort = envOrDefault("GRPC_PORT", c.Server.GRPCPort)
}

// Validate checks if the configuration is valid. Keys are not required here: an
// empty pool is a valid, if useless, state that analysis reports as exhausted.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envMillisOrDefault reads a plain millisecond count, or a Go duration string.
func envMillisOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var keys []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}
