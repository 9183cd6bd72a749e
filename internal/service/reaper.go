package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kacperpap/air-pollution-tracker/config"
	"github.com/kacperpap/air-pollution-tracker/internal/core"
	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
)

// Reaper operation names, used as metric labels and in the admin CLI output.
const (
	ReapExpirePending      = "expire_pending"
	ReapDeleteCompleted    = "delete_completed"
	ReapDeleteFailed       = "delete_failed"
	ReapDeleteTimeExceeded = "delete_time_exceeded"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo    core.ReaperRepository // Required: reaper repository
	Config  config.ReaperConfig   // Required: reaper configuration
	Logger  *slog.Logger          // Optional: structured logger
	Metrics Metrics               // Optional: reaped row counters
}

// ReaperService runs the opt-in pending sweep and terminal job retention.
// Every step is disabled while its max age is zero.
type ReaperService struct {
	repo    core.ReaperRepository
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics Metrics
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}
	if opts.Config.BatchSize <= 0 {
		return nil, errors.New("reaper batch size must be positive")
	}

	logger := componentLogger(opts.Logger, "reaper_service")
	logger.Debug("ReaperService initialized",
		"interval", opts.Config.Interval,
		"pending_max_age", opts.Config.PendingMaxAge,
		"completed_max_age", opts.Config.CompletedMaxAge,
		"failed_max_age", opts.Config.FailedMaxAge,
		"time_exceeded_max_age", opts.Config.TimeExceededMaxAge,
	)

	return &ReaperService{
		repo:    opts.Repo,
		config:  opts.Config,
		logger:  logger,
		metrics: metricsOrNop(opts.Metrics),
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reaper service",
		"interval", s.config.Interval, "pending_sweep", s.config.PendingSweepEnabled())

	// Replicas started together would otherwise contend for the advisory locks.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}
	return s.runLoop(ctx, ticker)
}

// waitWithJitter sleeps for a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter))) // #nosec G115 - bounded by maxJitter

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
			}
		}
	}
}

type cleanupStep struct {
	operation string
	maxAge    time.Duration
	fn        func(ctx context.Context, maxAge time.Duration) (int64, error)
}

// RunOnce performs one pass over every enabled step and returns the number of
// rows each step touched, keyed by operation name. A failing step does not
// stop the others.
func (s *ReaperService) RunOnce(ctx context.Context) (map[string]int64, error) {
	start := time.Now()
	counts := make(map[string]int64)
	var errs []error

	for _, step := range s.steps() {
		if step.maxAge <= 0 {
			continue
		}
		n, err := s.drain(ctx, step)
		counts[step.operation] = n
		s.metrics.RecordReaped(step.operation, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.operation, err))
			continue
		}
		if n > 0 {
			s.logger.InfoContext(ctx, "reaper step finished",
				"operation", step.operation, "count", n, "max_age", step.maxAge)
		}
	}

	s.logger.DebugContext(ctx, "reaper pass finished", "elapsed", time.Since(start))
	if len(errs) > 0 {
		return counts, fmt.Errorf("cleanup failed: %w", errors.Join(errs...))
	}
	return counts, nil
}

func (s *ReaperService) steps() []cleanupStep {
	return []cleanupStep{
		{operation: ReapExpirePending, maxAge: s.config.PendingMaxAge, fn: s.expirePending},
		{operation: ReapDeleteCompleted, maxAge: s.config.CompletedMaxAge, fn: s.deleteOld(model.JobStatusCompleted)},
		{operation: ReapDeleteFailed, maxAge: s.config.FailedMaxAge, fn: s.deleteOld(model.JobStatusFailed)},
		{operation: ReapDeleteTimeExceeded, maxAge: s.config.TimeExceededMaxAge, fn: s.deleteOld(model.JobStatusTimeExceeded)},
	}
}

// drain repeats step until a batch comes back empty.
func (s *ReaperService) drain(ctx context.Context, step cleanupStep) (int64, error) {
	var total int64
	for {
		n, err := step.fn(ctx, step.maxAge)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func (s *ReaperService) expirePending(ctx context.Context, maxAge time.Duration) (int64, error) {
	return s.repo.ExpireStalePendingJobs(ctx, maxAge, s.config.BatchSize)
}

func (s *ReaperService) deleteOld(status model.JobStatus) func(context.Context, time.Duration) (int64, error) {
	return func(ctx context.Context, maxAge time.Duration) (int64, error) {
		return s.repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
			Status:    status,
			MaxAge:    maxAge,
			BatchSize: s.config.BatchSize,
		})
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}
