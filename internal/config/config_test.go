package config

import (
	"strings"
	"testing"
	"time"
)

func defaultConfig() *Config {
	return &Config{
		Addr:                      ":8765",
		Environment:               "test",
		LogLevel:                  "info",
		LogFormat:                 "json",
		SimpleToolTimeout:         30,
		WorkflowToolTimeout:       45,
		ExpertAnalysisTimeout:     60,
		GLMTimeout:                30,
		KimiTimeout:               40,
		KimiWebSearchTimeout:      30,
		KimiSessionTimeout:        25,
		DaemonTimeoutRatio:        1.5,
		ShimTimeoutRatio:          2.0,
		ClientTimeoutRatio:        2.5,
		MaxConnections:            500,
		MaxQueueSize:              1000,
		MessageTTL:                300 * time.Second,
		ConnectionTimeout:         120 * time.Second,
		MaxRetryAttempts:          5,
		BaseRetryDelay:            time.Second,
		MaxRetryDelay:             60 * time.Second,
		RetryCheckInterval:        5 * time.Second,
		CleanupInterval:           60 * time.Second,
		DedupTTL:                  300 * time.Second,
		ClientMessageRate:         10,
		ClientMessageBurst:        100,
		MetricsSampleRate:         0.03,
		MetricsMinSampleRate:      0.01,
		MetricsMaxSampleRate:      0.15,
		MetricsBufferSize:         2000,
		MetricsFlushInterval:      2 * time.Second,
		MetricsAdaptiveSampling:   true,
		MetricsInterval:           15 * time.Second,
		BreakerFailureThreshold:   5,
		BreakerSuccessThreshold:   2,
		BreakerTimeout:            60 * time.Second,
		BreakerHalfOpenMaxCalls:   3,
		ContinuationMaxAttempts:   3,
		ContinuationMaxTokens:     32000,
		ContinuationBackoffDelays: []time.Duration{0, time.Second, 2 * time.Second},
		ConversationQueueSize:     1000,
		ConversationWarnThreshold: 500,
		ConversationSubject:       "exai.conversation.updates",
		HeaderByteCap:             4096,
		CacheTokenTTL:             1800 * time.Second,
		CacheTokenCapacity:        256,
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestDerivedTimeouts(t *testing.T) {
	cfg := defaultConfig()

	if got, want := cfg.DaemonTimeout(), 67500*time.Millisecond; got != want {
		t.Errorf("DaemonTimeout = %v, want %v", got, want)
	}
	if got, want := cfg.ShimTimeout(), 90*time.Second; got != want {
		t.Errorf("ShimTimeout = %v, want %v", got, want)
	}
	if got, want := cfg.ClientTimeout(), 112500*time.Millisecond; got != want {
		t.Errorf("ClientTimeout = %v, want %v", got, want)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "zero workflow timeout",
			mutate:  func(c *Config) { c.WorkflowToolTimeout = 0 },
			wantSub: "WORKFLOW_TOOL_TIMEOUT",
		},
		{
			name:    "timeout above upper bound",
			mutate:  func(c *Config) { c.KimiTimeout = 3601 },
			wantSub: "KIMI_TIMEOUT",
		},
		{
			name:    "daemon ratio below floor",
			mutate:  func(c *Config) { c.DaemonTimeoutRatio = 1.2 },
			wantSub: "DAEMON_TIMEOUT_RATIO",
		},
		{
			name:    "shim ratio below floor",
			mutate:  func(c *Config) { c.ShimTimeoutRatio = 1.9 },
			wantSub: "SHIM_TIMEOUT_RATIO",
		},
		{
			name:    "client ratio below floor",
			mutate:  func(c *Config) { c.ClientTimeoutRatio = 2.4 },
			wantSub: "CLIENT_TIMEOUT_RATIO",
		},
		{
			name: "hierarchy not strictly increasing",
			mutate: func(c *Config) {
				// daemon == shim == client when all ratios collapse
				c.DaemonTimeoutRatio = 2.5
				c.ShimTimeoutRatio = 2.5
				c.ClientTimeoutRatio = 2.5
			},
			wantSub: "timeout hierarchy violated",
		},
		{
			name:    "sample rate out of range",
			mutate:  func(c *Config) { c.MetricsSampleRate = 1.5 },
			wantSub: "METRICS_SAMPLE_RATE",
		},
		{
			name:    "min sample rate above max",
			mutate:  func(c *Config) { c.MetricsMinSampleRate = 0.2 },
			wantSub: "sample rate bounds",
		},
		{
			name:    "max retry delay below base",
			mutate:  func(c *Config) { c.MaxRetryDelay = 500 * time.Millisecond },
			wantSub: "retry delays invalid",
		},
		{
			name:    "empty backoff delays",
			mutate:  func(c *Config) { c.ContinuationBackoffDelays = nil },
			wantSub: "CONTINUATION_BACKOFF_DELAYS",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantSub: "LOG_LEVEL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q, got nil", tt.wantSub)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestTimeoutHierarchyProperty(t *testing.T) {
	// The derived hierarchy must be strictly increasing for any workflow
	// timeout within bounds when ratios are at their floors.
	for _, workflow := range []int{1, 30, 45, 600, 3600} {
		cfg := defaultConfig()
		cfg.WorkflowToolTimeout = workflow
		if err := cfg.Validate(); err != nil {
			t.Fatalf("workflow=%d: %v", workflow, err)
		}
		w := time.Duration(workflow) * time.Second
		if !(w < cfg.DaemonTimeout() && cfg.DaemonTimeout() < cfg.ShimTimeout() && cfg.ShimTimeout() < cfg.ClientTimeout()) {
			t.Errorf("workflow=%d: hierarchy not strictly increasing", workflow)
		}
	}
}
