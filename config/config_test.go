package config

import (
	"log/slog"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "single service - http",
			input:    "http",
			expected: map[ServiceMode]bool{ServiceModeHTTP: true},
		},
		{
			name:     "single service - reaper",
			input:    "reaper",
			expected: map[ServiceMode]bool{ServiceModeReaper: true},
		},
		{
			name:  "services with spaces",
			input: " http , reaper ",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:   true,
				ServiceModeReaper: true,
			},
		},
		{
			name:     "duplicate services",
			input:    "http,http",
			expected: map[ServiceMode]bool{ServiceModeHTTP: true},
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
		{
			name:        "only commas",
			input:       ",,",
			expectError: true,
		},
		{
			name:        "unknown service",
			input:       "http,scheduler",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServices(tt.input)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestConfig_ServiceEnabledMethods(t *testing.T) {
	cfg := AppConfig{Services: "http"}
	assert.True(t, cfg.IsHTTPServerEnabled())
	assert.False(t, cfg.IsReaperEnabled())

	cfg = AppConfig{Services: "http,reaper"}
	assert.True(t, cfg.IsHTTPServerEnabled())
	assert.True(t, cfg.IsReaperEnabled())

	cfg = AppConfig{Services: "invalid-service"}
	assert.False(t, cfg.IsHTTPServerEnabled())
	assert.False(t, cfg.IsReaperEnabled())
}

func TestAppConfig_Defaults(t *testing.T) {
	var cfg AppConfig
	require.NoError(t, env.Parse(&cfg))
	cfg.Sanitize()

	assert.Equal(t, BrokerKindAMQP, cfg.Broker.Kind)
	assert.Equal(t, "simulation_requests", cfg.Broker.RequestQueue)
	assert.Equal(t, 4, cfg.Broker.Prefetch)
	assert.Equal(t, 5*time.Second, cfg.Broker.ReconnectInterval)
	assert.Equal(t, 60*time.Second, cfg.Broker.SyncTimeout)
	assert.Equal(t, "X-User-ID", cfg.HTTP.OwnerHeader)
	assert.False(t, cfg.Reaper.PendingSweepEnabled())
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, "/metrics", cfg.Observability.Metrics.Path)
}

func TestAppConfig_ParseBrokerEnv(t *testing.T) {
	t.Setenv("BROKER_KIND", "NATS")
	t.Setenv("BROKER_NATS_URL", "nats://nats:4222")
	t.Setenv("BROKER_REQUEST_QUEUE", "sims")
	t.Setenv("BROKER_PREFETCH", "0")
	t.Setenv("BROKER_SYNC_TIMEOUT", "2s")

	var cfg AppConfig
	require.NoError(t, env.Parse(&cfg))
	cfg.Sanitize()

	assert.Equal(t, BrokerKindNATS, cfg.Broker.Kind)
	assert.Equal(t, "nats://nats:4222", cfg.Broker.NATSURL)
	assert.Equal(t, "sims", cfg.Broker.RequestQueue)
	assert.Equal(t, 1, cfg.Broker.Prefetch)
	assert.Equal(t, 2*time.Second, cfg.Broker.SyncTimeout)
}

func TestBrokerConfig_SanitizeUnknownKind(t *testing.T) {
	cfg := BrokerConfig{Kind: "kafka", RequestQueue: "  "}
	cfg.Sanitize()

	assert.Equal(t, BrokerKindAMQP, cfg.Kind)
	assert.Equal(t, "simulation_requests", cfg.RequestQueue)
	assert.Equal(t, 100*time.Millisecond, cfg.ReconnectInterval)
}

func TestReaperConfig_Sanitize(t *testing.T) {
	t.Run("zero thresholds stay disabled", func(t *testing.T) {
		cfg := ReaperConfig{}
		cfg.Sanitize()

		assert.Equal(t, time.Minute, cfg.Interval)
		assert.Zero(t, cfg.PendingMaxAge)
		assert.Zero(t, cfg.CompletedMaxAge)
		assert.False(t, cfg.PendingSweepEnabled())
		assert.Equal(t, 1, cfg.BatchSize)
	})

	t.Run("enabled thresholds are floored", func(t *testing.T) {
		cfg := ReaperConfig{
			Interval:           2 * time.Minute,
			PendingMaxAge:      time.Second,
			FailedMaxAge:       time.Minute,
			TimeExceededMaxAge: 48 * time.Hour,
			BatchSize:          50000,
		}
		cfg.Sanitize()

		assert.Equal(t, 5*time.Minute, cfg.PendingMaxAge)
		assert.Equal(t, time.Hour, cfg.FailedMaxAge)
		assert.Equal(t, 48*time.Hour, cfg.TimeExceededMaxAge)
		assert.True(t, cfg.PendingSweepEnabled())
		assert.Equal(t, 10000, cfg.BatchSize)
	})
}

func TestAppConfig_SlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		cfg := AppConfig{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}

func TestObservabilityMetricsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityMetricsConfig{Path: "metrics", Namespace: " "}
	cfg.Sanitize()

	assert.Equal(t, "/metrics", cfg.Path)
	assert.Equal(t, "simtracker", cfg.Namespace)
}
