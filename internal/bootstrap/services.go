package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kacperpap/air-pollution-tracker/config"
	"github.com/kacperpap/air-pollution-tracker/internal/broker"
	"github.com/kacperpap/air-pollution-tracker/internal/core"
	"github.com/kacperpap/air-pollution-tracker/internal/data"
	"github.com/kacperpap/air-pollution-tracker/internal/observability/metrics"
	"github.com/kacperpap/air-pollution-tracker/internal/service"
	"github.com/redis/go-redis/v9"
)

// CacheKeyPrefix namespaces every Redis key written by this service.
const CacheKeyPrefix = "simtracker:"

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs       *service.JobService
	Router     *service.ReplyRouter
	Reconciler *service.Reconciler
	JobRepo    *data.JobRepo
	Broker     broker.Client
	Metrics    *metrics.Recorder
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient // Optional: enables the summary cache
	Broker      broker.Client
	Metrics     *metrics.Recorder // Optional
	Logger      *slog.Logger
}

// NewServices wires the repositories, reply router, reconciler, dispatcher
// and job service.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil || deps.DB == nil || deps.Broker == nil {
		return ServiceContainer{}, errors.New("config, database and broker are required")
	}
	cfg := deps.Config
	// A nil *Recorder must stay a nil interface so services fall back to no-ops.
	var svcMetrics service.Metrics
	if deps.Metrics != nil {
		svcMetrics = deps.Metrics
	}

	repo := data.NewJobRepo(deps.DB, data.RepoConfig{Logger: deps.Logger})

	var cache *core.JobCacheService
	if deps.RedisClient != nil {
		cache = core.NewJobCacheService(
			data.NewRedisCacheRepo(deps.RedisClient, CacheKeyPrefix),
			core.JobCacheConfig{TTL: cfg.Cache.JobTTL},
		)
	}

	router, err := service.NewReplyRouter(service.ReplyRouterOptions{
		Broker:  deps.Broker,
		Logger:  deps.Logger,
		Metrics: svcMetrics,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create reply router: %w", err)
	}

	reconciler, err := service.NewReconciler(service.ReconcilerOptions{
		Repo:    repo,
		Logger:  deps.Logger,
		Metrics: svcMetrics,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create reconciler: %w", err)
	}

	dispatcher, err := service.NewDispatcher(service.DispatcherOptions{
		Broker:         deps.Broker,
		Router:         router,
		Reconciler:     reconciler,
		Queue:          cfg.Broker.RequestQueue,
		PublishTimeout: cfg.Broker.PublishTimeout,
		Logger:         deps.Logger,
		Metrics:        svcMetrics,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create dispatcher: %w", err)
	}

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:        repo,
		Dispatcher:  dispatcher,
		Router:      router,
		Reconciler:  reconciler,
		Cache:       cache,
		SyncTimeout: cfg.Broker.SyncTimeout,
		Logger:      deps.Logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create job service: %w", err)
	}

	return ServiceContainer{
		Jobs:       jobs,
		Router:     router,
		Reconciler: reconciler,
		JobRepo:    repo,
		Broker:     deps.Broker,
		Metrics:    deps.Metrics,
	}, nil
}

// NewMetrics returns the Prometheus recorder, or nil when metrics are disabled.
func NewMetrics(cfg config.ObservabilityMetricsConfig) *metrics.Recorder {
	if !cfg.Enabled {
		return nil
	}
	return metrics.New(metrics.Options{Namespace: cfg.Namespace, Runtime: true})
}

// ReaperDeps contains configuration for the reaper.
type ReaperDeps struct {
	Repo    core.ReaperRepository
	Config  config.ReaperConfig
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// NewReaper builds the reaper service.
func NewReaper(deps ReaperDeps) (*service.ReaperService, error) {
	var svcMetrics service.Metrics
	if deps.Metrics != nil {
		svcMetrics = deps.Metrics
	}
	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:    deps.Repo,
		Config:  deps.Config,
		Logger:  deps.Logger,
		Metrics: svcMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create reaper: %w", err)
	}
	return reaper, nil
}

// RunReaper runs the reaper until ctx is cancelled.
func RunReaper(ctx context.Context, deps ReaperDeps) error {
	reaper, err := NewReaper(deps)
	if err != nil {
		return err
	}
	return reaper.Run(ctx)
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:   deps.cfg.Config,
		Services: deps.cfg.Services,
		Logger:   deps.logger,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))
	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}
		handles = append(handles, backgroundServiceHandle{mode: svc.mode, name: svc.name, done: done})
	}
	return handles
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Services.JobRepo == nil {
				return errors.New("reaper requires the job repository")
			}
			var reaperCfg config.ReaperConfig
			if deps.cfg.Config != nil {
				reaperCfg = deps.cfg.Config.Reaper
			}
			return RunReaper(ctx, ReaperDeps{
				Repo:    deps.cfg.Services.JobRepo,
				Config:  reaperCfg,
				Metrics: deps.cfg.Services.Metrics,
				Logger:  deps.logger,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newReaperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		router:      cfg.Services.Router,
		logger:      logger,
		backgrounds: result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	router      *service.ReplyRouter
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
	signals     <-chan os.Signal // overrides OS signal delivery in tests
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := cfg.signals
	if quit == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		quit = ch
	}

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop drains HTTP, releases outstanding reply registrations and
// waits for background services.
func gracefulStop(cfg shutdownConfig) error {
	var errs []error
	if cfg.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(cfg.ctx), shutdownWaitTimeout)
		defer cancel()

		if err := ShutdownHTTPServer(ShutdownConfig{
			Context: shutdownCtx,
			Server:  cfg.httpServer,
			Logger:  cfg.logger,
		}); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.router != nil {
		if err := cfg.router.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reply router: %w", err))
		}
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
	return errors.Join(errs...)
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
