package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig is the enforcement HTTP listener.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// DatabaseConfig is the embedded SQLite store (C5/C6's relational rows).
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// VectorDBConfig is the anchor-payload index (C6's collaborator).
type VectorDBConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	CollectionPrefix string `mapstructure:"collection_prefix"`
}

// EmbeddingsConfig is the text-to-vector service (C1's collaborator).
type EmbeddingsConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Chunking splits slot/document text that exceeds MaxTokens into
	// overlapping pieces before embedding, mean-pooling the results back
	// into one vector. Disabled by default: most slot text (§4.2/§4.3) is
	// well under the threshold.
	Chunking ChunkingConfig `mapstructure:"chunking"`
}

// ChunkingConfig mirrors embeddings.ChunkingConfig so it can be loaded from
// driftguard.yaml/env without internal/config importing internal/embeddings.
type ChunkingConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxTokens     int    `mapstructure:"max_tokens"`
	OverlapTokens int    `mapstructure:"overlap_tokens"`
	TokenizerMode string `mapstructure:"tokenizer_mode"`
}

// DecisionServiceConfig is the remote enforcement authority (C8).
type DecisionServiceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CircuitBreakerConfig holds breaker settings loaded from the config file
// and env. internal/circuitbreaker's Redis/DB/HTTP/gRPC wrappers do not read
// it: they take their settings from the CB_* environment variables (see
// circuitbreaker.GetDatabaseConfig and its siblings).
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpenRequests int           `mapstructure:"half_open_requests"`
}

// ObservabilityConfig holds logging, metrics, and tracing settings. Only
// the Tracing block is read at startup; the Metrics and Logging fields are
// loaded but not applied (the logger is zap's production default and
// /metrics is served on the main listener).
type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`
}

// SessionConfig holds C5's expiry settings. Only CleanupIntervalSec is read
// (it paces main's CleanupExpired ticker); IdleTimeout and AbsoluteAge are
// loaded but not applied, since CleanupExpired uses the session package's
// fixed 30-minute idle and 24-hour absolute limits.
type SessionConfig struct {
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	AbsoluteAge        time.Duration `mapstructure:"absolute_age"`
	CleanupIntervalSec int           `mapstructure:"cleanup_interval_seconds"`
}

// RedisConfig enables the optional second-tier embedding cache
// (internal/embeddings.RedisCache) in front of the in-process LRU.
// Disabled by default: Initialize is always called with a nil cache
// until this is turned on.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// RateLimitConfig bounds the rate of /api/v2/enforce calls C7 will
// accept before rejecting with RATE_LIMITED.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Config is the process-wide configuration for driftguard.
type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Database        DatabaseConfig        `mapstructure:"database"`
	VectorDB        VectorDBConfig        `mapstructure:"vectordb"`
	Embeddings      EmbeddingsConfig      `mapstructure:"embeddings"`
	DecisionService DecisionServiceConfig `mapstructure:"decision_service"`
	CircuitBreaker  CircuitBreakerConfig  `mapstructure:"circuit_breaker"`
	Observability   ObservabilityConfig   `mapstructure:"observability"`
	Session         SessionConfig         `mapstructure:"session"`
	Redis           RedisConfig           `mapstructure:"redis"`
	RateLimit       RateLimitConfig       `mapstructure:"rate_limit"`
}

func defaults() *Config {
	c := &Config{}
	c.Server.ListenAddr = ":8443"
	c.Database.Path = "driftguard.db"
	c.Database.MaxConnections = 10
	c.Database.IdleConnections = 5
	c.Database.MaxLifetime = 30 * time.Minute
	c.VectorDB.Enabled = true
	c.VectorDB.Host = "localhost"
	c.VectorDB.Port = 6333
	c.VectorDB.CollectionPrefix = "driftguard_anchors"
	c.Embeddings.BaseURL = "http://localhost:8081"
	c.Embeddings.Model = "all-MiniLM-L6-v2"
	c.Embeddings.Timeout = 10 * time.Second
	c.Embeddings.Chunking.Enabled = false
	c.Embeddings.Chunking.MaxTokens = 1800
	c.Embeddings.Chunking.OverlapTokens = 200
	c.Embeddings.Chunking.TokenizerMode = "simple"
	c.DecisionService.BaseURL = "http://localhost:8444"
	c.DecisionService.Timeout = 5 * time.Second
	c.CircuitBreaker.FailureThreshold = 5
	c.CircuitBreaker.ResetTimeout = 60 * time.Second
	c.CircuitBreaker.HalfOpenRequests = 1
	c.Observability.Metrics.Enabled = true
	c.Observability.Metrics.Port = 9090
	c.Observability.Logging.Level = "info"
	c.Observability.Logging.Format = "json"
	c.Observability.Tracing.ServiceName = "driftguard"
	c.Observability.Tracing.OTLPEndpoint = "localhost:4317"
	c.Session.IdleTimeout = 30 * time.Minute
	c.Session.AbsoluteAge = 24 * time.Hour
	c.Session.CleanupIntervalSec = 300
	c.Redis.Enabled = false
	c.Redis.Addr = "localhost:6379"
	c.RateLimit.Enabled = false
	c.RateLimit.RequestsPerSecond = 100
	c.RateLimit.Burst = 200
	return c
}

// Load reads driftguard.yaml from CONFIG_PATH (or ./config/driftguard.yaml,
// falling back to built-in defaults if no file is present), then applies
// environment overrides.
func Load() (*Config, error) {
	c := defaults()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/driftguard.yaml"
	}
	if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
		cfgPath = filepath.Join(cfgPath, "driftguard.yaml")
	}

	if _, err := os.Stat(cfgPath); err == nil {
		v := viper.New()
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
		if err := v.Unmarshal(c); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(c)
	return c, nil
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("VECTORDB_HOST"); v != "" {
		c.VectorDB.Host = v
	}
	if v := os.Getenv("VECTORDB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.VectorDB.Port = n
		}
	}
	if v := os.Getenv("VECTORDB_ENABLED"); v != "" {
		c.VectorDB.Enabled = ParseBool(v)
	}
	if v := os.Getenv("EMBEDDINGS_BASE_URL"); v != "" {
		c.Embeddings.BaseURL = v
	}
	if v := os.Getenv("EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("DECISION_SERVICE_BASE_URL"); v != "" {
		c.DecisionService.BaseURL = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Observability.Metrics.Port = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Observability.Logging.Level = v
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		c.Observability.Tracing.Enabled = ParseBool(v)
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		c.Observability.Tracing.OTLPEndpoint = v
	}
	if v := os.Getenv("CIRCUIT_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.CircuitBreaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("CIRCUIT_RESET_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.CircuitBreaker.ResetTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("EMBEDDINGS_CHUNKING_ENABLED"); v != "" {
		c.Embeddings.Chunking.Enabled = ParseBool(v)
	}
	if v := os.Getenv("EMBEDDINGS_CHUNKING_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Embeddings.Chunking.MaxTokens = n
		}
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		c.Redis.Enabled = ParseBool(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = ParseBool(v)
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.RateLimit.RequestsPerSecond = f
		}
	}
}

// ParseBool converts common string representations to bool.
func ParseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n != 0
		}
	}
	return false
}
