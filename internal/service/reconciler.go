package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kacperpap/air-pollution-tracker/internal/core"
	"github.com/kacperpap/air-pollution-tracker/internal/data"
	"github.com/kacperpap/air-pollution-tracker/internal/data/blob"
	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
)

// ReconcilerOptions groups dependencies for Reconciler.
type ReconcilerOptions struct {
	Repo    core.JobRepository // Required: job store
	Codec   blob.Codec         // Optional: blob codec, default gzip
	Logger  *slog.Logger       // Optional: structured logger
	Metrics Metrics            // Optional: reconcile metrics
}

// Reconciler applies a worker reply, or its absence, to the job store.
type Reconciler struct {
	repo    core.JobRepository
	codec   blob.Codec
	logger  *slog.Logger
	metrics Metrics
}

// NewReconciler constructs a Reconciler.
func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	codec := opts.Codec
	if codec == nil {
		codec = blob.NewGzipCodec(0)
	}
	return &Reconciler{
		repo:    opts.Repo,
		codec:   codec,
		logger:  componentLogger(opts.Logger, "reconciler"),
		metrics: metricsOrNop(opts.Metrics),
	}, nil
}

// Handler returns a ReplyHandler that reconciles replies into jobID.
func (r *Reconciler) Handler(jobID int64) ReplyHandler {
	return func(ctx context.Context, body []byte) error {
		return r.Reconcile(ctx, jobID, body)
	}
}

// Reconcile decodes a worker reply and persists the terminal state it names.
// A completed reply stores the result and, when present, the per-step
// snapshots as two separately compressed blobs.
//
// Malformed replies and encode or persistence errors fall back to a failed
// write and are returned, so the delivery is rejected. A job that is already
// terminal or was deleted is not an error.
func (r *Reconciler) Reconcile(ctx context.Context, jobID int64, body []byte) error {
	start := time.Now()

	reply, err := model.ParseWorkerReply(body)
	if err != nil {
		r.logger.WarnContext(ctx, "malformed worker reply", "job_id", jobID, "error", err)
		return r.fallback(ctx, jobID, err, start)
	}

	req, err := r.buildFinalize(jobID, reply)
	if err != nil {
		r.logger.ErrorContext(ctx, "encode result failed", "job_id", jobID, "error", err)
		return r.fallback(ctx, jobID, err, start)
	}

	res, err := r.repo.Finalize(ctx, req)
	switch {
	case err == nil:
		r.metrics.RecordReconcile(req.Status, res.Applied, nil, time.Since(start))
		r.logger.InfoContext(ctx, "job reconciled",
			"job_id", jobID, "status", res.Status, "applied", res.Applied,
			"result_bytes", len(req.Result), "snapshot_bytes", len(req.Snapshots))
		return nil
	case errors.Is(err, data.ErrJobNotFound):
		r.metrics.RecordReconcile(req.Status, false, nil, time.Since(start))
		r.logger.WarnContext(ctx, "reply for deleted job dropped", "job_id", jobID, "status", req.Status)
		return nil
	case errors.Is(err, data.ErrJobAlreadyFinalized):
		r.metrics.RecordReconcile(req.Status, false, err, time.Since(start))
		r.logger.ErrorContext(ctx, "reply conflicts with terminal job state",
			"job_id", jobID, "requested", req.Status, "error", err)
		return err
	default:
		r.logger.ErrorContext(ctx, "persist reply failed", "job_id", jobID, "status", req.Status, "error", err)
		return r.fallback(ctx, jobID, err, start)
	}
}

func (r *Reconciler) buildFinalize(jobID int64, reply *model.WorkerReply) (*model.FinalizeJobRequest, error) {
	req := &model.FinalizeJobRequest{JobID: jobID, Status: reply.Status}
	if reply.Status != model.JobStatusCompleted {
		return req, nil
	}

	result, err := r.codec.Encode(reply.Result.Summary())
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	req.Result = result

	if reply.Result.HasSnapshots() {
		snapshots, err := r.codec.Encode(reply.Result.Pollutants.Steps)
		if err != nil {
			return nil, fmt.Errorf("encode snapshots: %w", err)
		}
		req.Snapshots = snapshots
	}
	return req, nil
}

// fallback records cause and attempts a failed write. cause is returned
// either way; a failed fallback is joined onto it.
func (r *Reconciler) fallback(ctx context.Context, jobID int64, cause error, start time.Time) error {
	r.metrics.RecordReconcile(model.JobStatusFailed, false, cause, time.Since(start))
	if err := r.Fail(ctx, jobID, cause); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Fail moves a pending job to failed. Failing a job that is already terminal
// or no longer exists is a no-op. If the write itself fails the job keeps its
// prior state and the error is returned.
func (r *Reconciler) Fail(ctx context.Context, jobID int64, cause error) error {
	res, err := r.repo.Finalize(ctx, &model.FinalizeJobRequest{JobID: jobID, Status: model.JobStatusFailed})
	if errors.Is(err, data.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "failed-state write failed, job left in prior state",
			"job_id", jobID, "cause", cause, "error", err)
		return fmt.Errorf("mark job %d failed: %w", jobID, err)
	}
	if res.Applied {
		r.logger.InfoContext(ctx, "job marked failed", "job_id", jobID, "cause", cause)
	}
	return nil
}

// Expire moves a pending job to timeExceeded.
func (r *Reconciler) Expire(ctx context.Context, jobID int64) error {
	res, err := r.repo.Finalize(ctx, &model.FinalizeJobRequest{JobID: jobID, Status: model.JobStatusTimeExceeded})
	switch {
	case errors.Is(err, data.ErrJobNotFound):
		return nil
	case errors.Is(err, data.ErrJobAlreadyFinalized):
		r.logger.WarnContext(ctx, "timeout raced a terminal reply", "job_id", jobID, "error", err)
		return nil
	case err != nil:
		return fmt.Errorf("mark job %d timed out: %w", jobID, err)
	}
	r.metrics.RecordReconcile(model.JobStatusTimeExceeded, res.Applied, nil, 0)
	if res.Applied {
		r.logger.InfoContext(ctx, "job timed out", "job_id", jobID)
	}
	return nil
}
