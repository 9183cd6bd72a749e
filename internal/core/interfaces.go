package core

import (
	"context"
	"time"

	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
)

// Repository ports used by the service layer. The data package provides the
// PostgreSQL implementations.

// JobRepository defines the interface for simulation job persistence.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id int64) (*model.Job, error)
	GetSummary(ctx context.Context, id int64) (*model.JobSummary, error)
	ListByOwner(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error)
	ListSummariesByOwner(ctx context.Context, opts model.JobListOptions) ([]*model.JobSummary, error)

	// Finalize moves a pending job into a terminal state. It never touches a
	// job that already left pending: Applied is false and Status carries the
	// stored state. A genuinely conflicting request also returns
	// data.ErrJobAlreadyFinalized.
	Finalize(ctx context.Context, req *model.FinalizeJobRequest) (*FinalizeResult, error)

	Delete(ctx context.Context, id int64) error
	DeleteByOwner(ctx context.Context, ownerID int64) (int64, error)
}

// FinalizeResult reports the outcome of JobRepository.Finalize.
type FinalizeResult struct {
	Applied bool
	Status  model.JobStatus
}

// DeleteOldJobsParams groups parameters for ReaperRepository.DeleteOldJobs.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for the pending sweep and retention.
type ReaperRepository interface {
	// ExpireStalePendingJobs moves pending jobs older than maxAge to
	// timeExceeded, at most batchSize per call.
	ExpireStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// DeleteOldJobs deletes terminal jobs with the given status whose last
	// update is older than MaxAge, at most BatchSize per call.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
}
