package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/kacperpap/air-pollution-tracker/config"
	"github.com/kacperpap/air-pollution-tracker/internal/mocks"
	"github.com/kacperpap/air-pollution-tracker/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestErrorChannelCapacity(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{name: "no services enabled", want: 0},
		{name: "http only", modes: []config.ServiceMode{config.ServiceModeHTTP}, want: 1},
		{name: "reaper only", modes: []config.ServiceMode{config.ServiceModeReaper}, want: 1},
		{
			name:  "all services enabled",
			modes: []config.ServiceMode{config.ServiceModeHTTP, config.ServiceModeReaper},
			want:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelCapacity(enabled); got != tt.want {
				t.Fatalf("errorChannelCapacity(%v) = %d, want %d", tt.modes, got, tt.want)
			}
			if got := errorChannelBufferSize(enabled); got != tt.want+1 {
				t.Fatalf("errorChannelBufferSize(%v) = %d, want %d", tt.modes, got, tt.want+1)
			}
		})
	}
}

func TestGetEnabledServices(t *testing.T) {
	cfg := &config.AppConfig{Services: "reaper, http"}
	assert.Equal(t, []string{"http", "reaper"}, GetEnabledServices(cfg))
	require.NoError(t, ValidateServiceConfig(cfg))

	bad := &config.AppConfig{Services: "http,scheduler"}
	assert.Empty(t, GetEnabledServices(bad))
	require.Error(t, ValidateServiceConfig(bad))
	require.Error(t, ValidateServiceConfig(nil))
}

func TestWriteTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, writeTimeout(5*time.Second))
	assert.Equal(t, 75*time.Second, writeTimeout(60*time.Second))
}

func TestBuildHTTPHandlerCompresses(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	h := buildHTTPHandler(httpHandlerConfig{
		Logger: logger,
		HTTP:   config.HTTPConfig{CompressionEnabled: true, CompressionLevel: 5},
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// Health responses are below the compression threshold.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
}

func newShutdownRouter(t *testing.T) *service.ReplyRouter {
	t.Helper()
	ctrl := gomock.NewController(t)
	router, err := service.NewReplyRouter(service.ReplyRouterOptions{Broker: mocks.NewMockClient(ctrl)})
	require.NoError(t, err)
	return router
}

func TestWaitForShutdown(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("signal stops services and closes the router", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		router := newShutdownRouter(t)
		done := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(done)
		}()

		signals := make(chan os.Signal, 1)
		signals <- syscall.SIGTERM

		err := waitForShutdown(shutdownConfig{
			ctx:         ctx,
			cancel:      cancel,
			errCh:       make(chan error),
			router:      router,
			logger:      logger,
			backgrounds: []backgroundServiceHandle{{mode: config.ServiceModeReaper, name: "reaper", done: done}},
			signals:     signals,
		})
		require.NoError(t, err)
		assert.ErrorIs(t, ctx.Err(), context.Canceled)

		_, regErr := router.Register(context.Background(), service.Route{
			Token: "t", ReplyTo: "q", JobID: 1,
			Handler: func(context.Context, []byte) error { return nil },
		})
		assert.ErrorIs(t, regErr, service.ErrRouterClosed)
	})

	t.Run("service error is returned", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		boom := errors.New("reaper failed: database gone")
		errCh <- boom

		err := waitForShutdown(shutdownConfig{
			ctx:     ctx,
			cancel:  cancel,
			errCh:   errCh,
			logger:  logger,
			signals: make(chan os.Signal),
		})
		require.ErrorIs(t, err, boom)
	})
}

func TestLoadConfigReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simtracker.env")
	require.NoError(t, os.WriteFile(path, []byte("BROKER_KIND=NATS\nREAPER_PENDING_MAX_AGE=1m\n"), 0o600))
	t.Setenv(envFileVar, path)
	t.Cleanup(func() {
		_ = os.Unsetenv("BROKER_KIND")
		_ = os.Unsetenv("REAPER_PENDING_MAX_AGE")
	})

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.BrokerKindNATS, cfg.Broker.Kind)
	assert.Equal(t, 5*time.Minute, cfg.Reaper.PendingMaxAge, "sanitized to the sweep floor")
	assert.True(t, cfg.Reaper.PendingSweepEnabled())
}

func TestLoadConfigMissingEnvFile(t *testing.T) {
	t.Setenv(envFileVar, filepath.Join(t.TempDir(), "absent.env"))
	_, err := LoadConfig()
	require.NoError(t, err)
}
