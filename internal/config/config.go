// Package config loads and validates gateway configuration.
//
// Priority: ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Derived timeout ratio floors. A configuration whose ratios fall below these
// leaves outer layers unable to outlive the tools they supervise.
const (
	MinDaemonRatio = 1.5
	MinShimRatio   = 2.0
	MinClientRatio = 2.5

	// MaxTimeoutSeconds bounds every configurable timeout.
	MaxTimeoutSeconds = 3600
)

// Config holds all gateway configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"GATEWAY_ADDR" envDefault:":8765"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Tool/provider timeouts (seconds). The outer layers (daemon, shim,
	// client) are derived from WorkflowToolTimeout by the ratios below.
	SimpleToolTimeout     int `env:"SIMPLE_TOOL_TIMEOUT" envDefault:"30"`
	WorkflowToolTimeout   int `env:"WORKFLOW_TOOL_TIMEOUT" envDefault:"45"`
	ExpertAnalysisTimeout int `env:"EXPERT_ANALYSIS_TIMEOUT" envDefault:"60"`
	GLMTimeout            int `env:"GLM_TIMEOUT" envDefault:"30"`
	KimiTimeout           int `env:"KIMI_TIMEOUT" envDefault:"40"`
	KimiWebSearchTimeout  int `env:"KIMI_WEB_SEARCH_TIMEOUT" envDefault:"30"`
	KimiSessionTimeout    int `env:"KIMI_SESSION_TIMEOUT" envDefault:"25"`

	DaemonTimeoutRatio float64 `env:"DAEMON_TIMEOUT_RATIO" envDefault:"1.5"`
	ShimTimeoutRatio   float64 `env:"SHIM_TIMEOUT_RATIO" envDefault:"2.0"`
	ClientTimeoutRatio float64 `env:"CLIENT_TIMEOUT_RATIO" envDefault:"2.5"`

	// Transport
	MaxConnections     int           `env:"MAX_CONNECTIONS" envDefault:"500"`
	MaxQueueSize       int           `env:"MAX_QUEUE_SIZE" envDefault:"1000"`
	MessageTTL         time.Duration `env:"MESSAGE_TTL" envDefault:"300s"`
	ConnectionTimeout  time.Duration `env:"CONNECTION_TIMEOUT" envDefault:"120s"`
	MaxRetryAttempts   int           `env:"MAX_RETRY_ATTEMPTS" envDefault:"5"`
	BaseRetryDelay     time.Duration `env:"BASE_RETRY_DELAY" envDefault:"1s"`
	MaxRetryDelay      time.Duration `env:"MAX_RETRY_DELAY" envDefault:"60s"`
	RetryCheckInterval time.Duration `env:"RETRY_CHECK_INTERVAL" envDefault:"5s"`
	CleanupInterval    time.Duration `env:"CLEANUP_INTERVAL" envDefault:"60s"`
	DedupTTL           time.Duration `env:"DEDUP_TTL" envDefault:"300s"`

	// Inbound rate limiting (per client): burst allowance + sustained rate
	ClientMessageRate  float64 `env:"CLIENT_MESSAGE_RATE" envDefault:"10"`
	ClientMessageBurst int     `env:"CLIENT_MESSAGE_BURST" envDefault:"100"`

	// Metrics pipeline
	MetricsSampleRate       float64       `env:"METRICS_SAMPLE_RATE" envDefault:"0.03"`
	MetricsMinSampleRate    float64       `env:"METRICS_MIN_SAMPLE_RATE" envDefault:"0.01"`
	MetricsMaxSampleRate    float64       `env:"METRICS_MAX_SAMPLE_RATE" envDefault:"0.15"`
	MetricsBufferSize       int           `env:"METRICS_BUFFER_SIZE" envDefault:"2000"`
	MetricsFlushInterval    time.Duration `env:"METRICS_FLUSH_INTERVAL" envDefault:"2s"`
	MetricsAdaptiveSampling bool          `env:"METRICS_ADAPTIVE_SAMPLING" envDefault:"true"`

	// System monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Circuit breaker
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerSuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`
	BreakerTimeout          time.Duration `env:"BREAKER_TIMEOUT" envDefault:"60s"`
	BreakerHalfOpenMaxCalls int           `env:"BREAKER_HALF_OPEN_MAX_CALLS" envDefault:"3"`

	// Continuation
	ContinuationMaxAttempts   int             `env:"CONTINUATION_MAX_ATTEMPTS" envDefault:"3"`
	ContinuationMaxTokens     int             `env:"CONTINUATION_MAX_TOKENS" envDefault:"32000"`
	ContinuationBackoffDelays []time.Duration `env:"CONTINUATION_BACKOFF_DELAYS" envDefault:"0s,1s,2s" envSeparator:","`

	// Conversation persistence queue
	ConversationQueueSize     int    `env:"CONVERSATION_QUEUE_SIZE" envDefault:"1000"`
	ConversationWarnThreshold int    `env:"CONVERSATION_WARN_THRESHOLD" envDefault:"500"`
	NATSURL                   string `env:"NATS_URL" envDefault:""`
	ConversationSubject       string `env:"CONVERSATION_SUBJECT" envDefault:"exai.conversation.updates"`

	// Provider HTTP headers
	HeaderByteCap      int           `env:"PROVIDER_HEADER_BYTE_CAP" envDefault:"4096"`
	CacheTokenTTL      time.Duration `env:"CACHE_TOKEN_TTL" envDefault:"1800s"`
	CacheTokenCapacity int           `env:"CACHE_TOKEN_CAPACITY" envDefault:"256"`
}

// Load reads configuration from .env file and environment variables.
//
// Optional logger parameter for structured logging. If nil, .env discovery is
// silent.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production env vars are injected
	// directly, so a missing file is not an error.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// DaemonTimeout returns the derived daemon-layer timeout.
func (c *Config) DaemonTimeout() time.Duration {
	return time.Duration(c.DaemonTimeoutRatio * float64(c.WorkflowToolTimeout) * float64(time.Second))
}

// ShimTimeout returns the derived shim-layer timeout.
func (c *Config) ShimTimeout() time.Duration {
	return time.Duration(c.ShimTimeoutRatio * float64(c.WorkflowToolTimeout) * float64(time.Second))
}

// ClientTimeout returns the derived client-layer timeout.
func (c *Config) ClientTimeout() time.Duration {
	return time.Duration(c.ClientTimeoutRatio * float64(c.WorkflowToolTimeout) * float64(time.Second))
}

// Validate checks configuration for errors. The process must not start with
// an invalid timeout hierarchy.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GATEWAY_ADDR is required")
	}

	// Every tool/provider timeout must be a positive number of seconds
	// bounded by MaxTimeoutSeconds.
	timeouts := map[string]int{
		"SIMPLE_TOOL_TIMEOUT":     c.SimpleToolTimeout,
		"WORKFLOW_TOOL_TIMEOUT":   c.WorkflowToolTimeout,
		"EXPERT_ANALYSIS_TIMEOUT": c.ExpertAnalysisTimeout,
		"GLM_TIMEOUT":             c.GLMTimeout,
		"KIMI_TIMEOUT":            c.KimiTimeout,
		"KIMI_WEB_SEARCH_TIMEOUT": c.KimiWebSearchTimeout,
		"KIMI_SESSION_TIMEOUT":    c.KimiSessionTimeout,
	}
	for name, v := range timeouts {
		if v <= 0 || v > MaxTimeoutSeconds {
			return fmt.Errorf("%s must be in 1-%d seconds, got %d", name, MaxTimeoutSeconds, v)
		}
	}

	// Ratio floors for the derived hierarchy.
	if c.DaemonTimeoutRatio < MinDaemonRatio {
		return fmt.Errorf("DAEMON_TIMEOUT_RATIO must be >= %.1f, got %.2f", MinDaemonRatio, c.DaemonTimeoutRatio)
	}
	if c.ShimTimeoutRatio < MinShimRatio {
		return fmt.Errorf("SHIM_TIMEOUT_RATIO must be >= %.1f, got %.2f", MinShimRatio, c.ShimTimeoutRatio)
	}
	if c.ClientTimeoutRatio < MinClientRatio {
		return fmt.Errorf("CLIENT_TIMEOUT_RATIO must be >= %.1f, got %.2f", MinClientRatio, c.ClientTimeoutRatio)
	}

	// Strictly increasing hierarchy: workflow < daemon < shim < client.
	workflow := time.Duration(c.WorkflowToolTimeout) * time.Second
	daemon := c.DaemonTimeout()
	shim := c.ShimTimeout()
	client := c.ClientTimeout()
	if !(workflow < daemon && daemon < shim && shim < client) {
		return fmt.Errorf(
			"timeout hierarchy violated: workflow (%v) < daemon (%v) < shim (%v) < client (%v) must hold",
			workflow, daemon, shim, client)
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be > 0, got %d", c.MaxQueueSize)
	}
	if c.MessageTTL <= 0 {
		return fmt.Errorf("MESSAGE_TTL must be > 0, got %v", c.MessageTTL)
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be > 0, got %d", c.MaxRetryAttempts)
	}
	if c.BaseRetryDelay <= 0 || c.MaxRetryDelay < c.BaseRetryDelay {
		return fmt.Errorf("retry delays invalid: base %v, max %v", c.BaseRetryDelay, c.MaxRetryDelay)
	}

	if c.MetricsSampleRate <= 0 || c.MetricsSampleRate > 1 {
		return fmt.Errorf("METRICS_SAMPLE_RATE must be in (0,1], got %g", c.MetricsSampleRate)
	}
	if c.MetricsMinSampleRate <= 0 || c.MetricsMinSampleRate > c.MetricsMaxSampleRate {
		return fmt.Errorf("metrics sample rate bounds invalid: min %g, max %g",
			c.MetricsMinSampleRate, c.MetricsMaxSampleRate)
	}
	if c.MetricsBufferSize < 1 {
		return fmt.Errorf("METRICS_BUFFER_SIZE must be > 0, got %d", c.MetricsBufferSize)
	}

	if c.BreakerFailureThreshold < 1 || c.BreakerSuccessThreshold < 1 || c.BreakerHalfOpenMaxCalls < 1 {
		return fmt.Errorf("circuit breaker thresholds must be > 0")
	}

	if c.ContinuationMaxAttempts < 1 {
		return fmt.Errorf("CONTINUATION_MAX_ATTEMPTS must be > 0, got %d", c.ContinuationMaxAttempts)
	}
	if c.ContinuationMaxTokens < 1 {
		return fmt.Errorf("CONTINUATION_MAX_TOKENS must be > 0, got %d", c.ContinuationMaxTokens)
	}
	if len(c.ContinuationBackoffDelays) == 0 {
		return fmt.Errorf("CONTINUATION_BACKOFF_DELAYS must not be empty")
	}

	if c.ConversationQueueSize < 1 {
		return fmt.Errorf("CONVERSATION_QUEUE_SIZE must be > 0, got %d", c.ConversationQueueSize)
	}

	if c.HeaderByteCap < 1 {
		return fmt.Errorf("PROVIDER_HEADER_BYTE_CAP must be > 0, got %d", c.HeaderByteCap)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Int("max_queue_size", c.MaxQueueSize).
		Dur("message_ttl", c.MessageTTL).
		Dur("connection_timeout", c.ConnectionTimeout).
		Int("max_retry_attempts", c.MaxRetryAttempts).
		Float64("metrics_sample_rate", c.MetricsSampleRate).
		Int("metrics_buffer_size", c.MetricsBufferSize).
		Dur("metrics_flush_interval", c.MetricsFlushInterval).
		Bool("adaptive_sampling", c.MetricsAdaptiveSampling).
		Int("breaker_failure_threshold", c.BreakerFailureThreshold).
		Dur("breaker_timeout", c.BreakerTimeout).
		Int("continuation_max_attempts", c.ContinuationMaxAttempts).
		Int("continuation_max_tokens", c.ContinuationMaxTokens).
		Int("workflow_tool_timeout_sec", c.WorkflowToolTimeout).
		Dur("daemon_timeout", c.DaemonTimeout()).
		Dur("shim_timeout", c.ShimTimeout()).
		Dur("client_timeout", c.ClientTimeout()).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
