package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kacperpap/air-pollution-tracker/internal/core"
	"github.com/kacperpap/air-pollution-tracker/internal/data/blob"
	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
)

const defaultSyncTimeout = 60 * time.Second

var (
	// ErrJobForbidden is returned when a caller touches a job owned by someone else.
	ErrJobForbidden = errors.New("job belongs to another owner")
	// ErrJobNotCompleted is returned when a result is requested from a job that has none.
	ErrJobNotCompleted = errors.New("job has not completed")
	// ErrNoSnapshots is returned when a completed job was run without per-step output.
	ErrNoSnapshots = errors.New("job has no snapshots")
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo        core.JobRepository    // Required: job repository
	Dispatcher  *Dispatcher           // Required: task publisher
	Router      *ReplyRouter          // Required: reply registry, used by the synchronous path
	Reconciler  *Reconciler           // Required: terminal state writer
	Cache       *core.JobCacheService // Optional: summary cache for finished jobs
	Codec       blob.Codec            // Optional: blob codec, default gzip
	SyncTimeout time.Duration         // Optional: default wait of the synchronous path, default 60s
	Logger      *slog.Logger          // Optional: structured logger
}

// JobService is the entry point of the HTTP layer and the admin CLI. It
// creates jobs, hands them to the dispatcher and reads them back.
type JobService struct {
	repo        core.JobRepository
	dispatcher  *Dispatcher
	router      *ReplyRouter
	reconciler  *Reconciler
	cache       *core.JobCacheService
	codec       blob.Codec
	syncTimeout time.Duration
	logger      *slog.Logger
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	switch {
	case opts.Repo == nil:
		return nil, errors.New("JobRepository is required")
	case opts.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case opts.Router == nil:
		return nil, errors.New("reply router is required")
	case opts.Reconciler == nil:
		return nil, errors.New("reconciler is required")
	}
	if opts.Codec == nil {
		opts.Codec = blob.NewGzipCodec(0)
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaultSyncTimeout
	}

	logger := componentLogger(opts.Logger, "job_service")
	logger.Debug("JobService initialized", "sync_timeout", opts.SyncTimeout)

	return &JobService{
		repo:        opts.Repo,
		dispatcher:  opts.Dispatcher,
		router:      opts.Router,
		reconciler:  opts.Reconciler,
		cache:       opts.Cache,
		codec:       opts.Codec,
		syncTimeout: opts.SyncTimeout,
		logger:      logger,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// SubmitRequest is a new simulation request. Parameters is the full request
// body, embedded input included.
type SubmitRequest struct {
	OwnerID         int64
	RelatedEntityID *int64
	Parameters      json.RawMessage
}

// CreateJob persists a pending job. The embedded input is dropped from the
// stored parameters; callers dispatch the original parameters.
func (s *JobService) CreateJob(ctx context.Context, req SubmitRequest) (*model.Job, error) {
	stored, err := model.StripEmbeddedInput(req.Parameters)
	if err != nil {
		return nil, err
	}
	job, err := s.repo.Create(ctx, &model.CreateJobRequest{
		OwnerID:         req.OwnerID,
		RelatedEntityID: req.RelatedEntityID,
		Parameters:      stored,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger.DebugContext(ctx, "job created", "job_id", job.ID, "owner_id", job.OwnerID)
	return job, nil
}

// Dispatch publishes the task of an existing job. The reply is reconciled in
// the background. A job that could not be dispatched is already failed when
// Dispatch returns.
func (s *JobService) Dispatch(ctx context.Context, jobID int64, params json.RawMessage) error {
	return s.dispatcher.Dispatch(ctx, jobID, params)
}

// Submit creates a job and dispatches it. A dispatch failure is not returned
// as an error; the summary reports the job as failed instead.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*model.JobSummary, error) {
	job, err := s.CreateJob(ctx, req)
	if err != nil {
		return nil, err
	}
	summary := job.Summary()
	if err := s.Dispatch(ctx, job.ID, req.Parameters); err != nil {
		s.logger.WarnContext(ctx, "submitted job failed to dispatch", "job_id", job.ID, "error", err)
		summary.Status = model.JobStatusFailed
	}
	return summary, nil
}

// RunSync dispatches the job and blocks until its reply has been reconciled
// or timeout elapses. A timeout moves the job to timeExceeded and returns
// ErrReplyTimeout. A non-positive timeout, or one above the configured
// default, uses the configured default.
func (s *JobService) RunSync(ctx context.Context, jobID int64, params json.RawMessage, timeout time.Duration) error {
	if timeout <= 0 || timeout > s.syncTimeout {
		timeout = s.syncTimeout
	}

	reg, err := s.dispatcher.Send(ctx, jobID, params)
	if err != nil {
		return err
	}

	err = s.router.Await(ctx, reg, timeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrReplyTimeout):
		s.logger.WarnContext(ctx, "synchronous request timed out", "job_id", jobID, "timeout", timeout)
		if expErr := s.reconciler.Expire(context.WithoutCancel(ctx), jobID); expErr != nil {
			return errors.Join(err, expErr)
		}
		return err
	case errors.Is(err, ErrReplyLost), errors.Is(err, ErrRouterClosed):
		if failErr := s.reconciler.Fail(context.WithoutCancel(ctx), jobID, err); failErr != nil {
			return errors.Join(err, failErr)
		}
		return err
	default:
		// Handler errors were already reconciled. After a cancelled ctx the
		// registration stays live and its handler finalizes the job on reply.
		return err
	}
}

// SubmitSync creates a job, runs it synchronously and returns the terminal
// job summary. The summary is returned alongside ErrReplyTimeout so callers
// can still report the job id.
func (s *JobService) SubmitSync(ctx context.Context, req SubmitRequest, timeout time.Duration) (*model.JobSummary, error) {
	job, err := s.CreateJob(ctx, req)
	if err != nil {
		return nil, err
	}
	runErr := s.RunSync(ctx, job.ID, req.Parameters, timeout)
	summary, err := s.repo.GetSummary(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return nil, errors.Join(runErr, fmt.Errorf("reload job: %w", err))
	}
	return summary, runErr
}

// GetJob returns the full job record.
func (s *JobService) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetJobSummary returns the blob-free view of a job, served from the cache
// once the job is terminal.
func (s *JobService) GetJobSummary(ctx context.Context, id int64) (*model.JobSummary, error) {
	if cached, err := s.cache.GetSummary(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "job cache read failed", "job_id", id, "error", err)
	} else if cached != nil {
		return cached, nil
	}

	summary, err := s.repo.GetSummary(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job summary: %w", err)
	}
	if err := s.cache.StoreSummary(ctx, summary); err != nil {
		s.logger.WarnContext(ctx, "job cache write failed", "job_id", id, "error", err)
	}
	return summary, nil
}

// GetJobsForOwner returns every job of the owner, newest first.
func (s *JobService) GetJobsForOwner(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	jobs, err := s.repo.ListByOwner(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// GetJobSummariesForOwner is GetJobsForOwner without blobs.
func (s *JobService) GetJobSummariesForOwner(ctx context.Context, opts model.JobListOptions) ([]*model.JobSummary, error) {
	summaries, err := s.repo.ListSummariesByOwner(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list job summaries: %w", err)
	}
	return summaries, nil
}

// Authorize loads the summary of id and checks that ownerID owns it.
func (s *JobService) Authorize(ctx context.Context, ownerID, id int64) (*model.JobSummary, error) {
	summary, err := s.GetJobSummary(ctx, id)
	if err != nil {
		return nil, err
	}
	if summary.OwnerID != ownerID {
		return nil, ErrJobForbidden
	}
	return summary, nil
}

// JobDetail is a job with its blobs decompressed to JSON.
type JobDetail struct {
	*model.JobSummary
	Result    json.RawMessage `json:"result,omitempty"`
	Snapshots json.RawMessage `json:"snapshots,omitempty"`
}

// Detail decompresses the blobs of job.
func (s *JobService) Detail(job *model.Job) (*JobDetail, error) {
	d := &JobDetail{JobSummary: job.Summary()}
	var err error
	if len(job.Result) > 0 {
		if d.Result, err = s.codec.Decode(job.Result); err != nil {
			return nil, fmt.Errorf("decode result of job %d: %w", job.ID, err)
		}
	}
	if len(job.Snapshots) > 0 {
		if d.Snapshots, err = s.codec.Decode(job.Snapshots); err != nil {
			return nil, fmt.Errorf("decode snapshots of job %d: %w", job.ID, err)
		}
	}
	return d, nil
}

// GetJobResult returns the decompressed result JSON of a completed job.
func (s *JobService) GetJobResult(ctx context.Context, id int64) (json.RawMessage, error) {
	job, err := s.completedJob(ctx, id)
	if err != nil {
		return nil, err
	}
	raw, err := s.codec.Decode(job.Result)
	if err != nil {
		return nil, fmt.Errorf("decode result of job %d: %w", id, err)
	}
	return raw, nil
}

// GetJobSnapshots returns the decompressed per-step JSON of a completed job.
func (s *JobService) GetJobSnapshots(ctx context.Context, id int64) (json.RawMessage, error) {
	job, err := s.completedJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(job.Snapshots) == 0 {
		return nil, ErrNoSnapshots
	}
	raw, err := s.codec.Decode(job.Snapshots)
	if err != nil {
		return nil, fmt.Errorf("decode snapshots of job %d: %w", id, err)
	}
	return raw, nil
}

func (s *JobService) completedJob(ctx context.Context, id int64) (*model.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job %d is %s", ErrJobNotCompleted, id, job.Status)
	}
	return job, nil
}

// DeleteJob removes a job. A reply still in flight for it is dropped on arrival.
func (s *JobService) DeleteJob(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	s.invalidate(ctx, id)
	s.logger.InfoContext(ctx, "job deleted", "job_id", id)
	return nil
}

// DeleteJobsForOwner removes every job of the owner and returns the count.
func (s *JobService) DeleteJobsForOwner(ctx context.Context, ownerID int64) (int64, error) {
	summaries, err := s.repo.ListSummariesByOwner(ctx, model.JobListOptions{OwnerID: ownerID})
	if err != nil {
		return 0, fmt.Errorf("list jobs for delete: %w", err)
	}
	n, err := s.repo.DeleteByOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	for _, js := range summaries {
		s.invalidate(ctx, js.ID)
	}
	s.logger.InfoContext(ctx, "jobs deleted", "owner_id", ownerID, "count", n)
	return n, nil
}

func (s *JobService) invalidate(ctx context.Context, id int64) {
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "job cache invalidate failed", "job_id", id, "error", err)
	}
}
