package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/kacperpap/air-pollution-tracker/internal/core"
	"github.com/kacperpap/air-pollution-tracker/internal/data/pgxutil"
	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides PostgreSQL persistence for simulation jobs.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

var (
	_ core.JobRepository    = (*JobRepo)(nil)
	_ core.ReaperRepository = (*JobRepo)(nil)
)

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger != nil {
		logger = logger.With("component", "job_repo")
	}
	return &JobRepo{DB: db, timeProvider: tp, logger: logger}
}

const jobColumns = `
  id,
  owner_id,
  related_entity_id,
  status,
  parameters,
  result,
  snapshots,
  created_at,
  updated_at
`

const jobSummaryColumns = `
  id,
  owner_id,
  related_entity_id,
  status,
  parameters,
  result IS NOT NULL AS has_result,
  snapshots IS NOT NULL AS has_snapshots,
  created_at,
  updated_at
`

// Create inserts a new pending job.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.timeProvider.Now()
	query := `
		INSERT INTO simulation_jobs (owner_id, related_entity_id, status, parameters, created_at, updated_at)
		VALUES ($1, $2, 'pending', $3::jsonb, $4, $4)
		RETURNING ` + jobColumns

	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, req.OwnerID, req.RelatedEntityID, string(req.Parameters), now)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		job, err = pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.Job])
		if err != nil {
			return fmt.Errorf("collect job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetByID returns the full job record, blobs included.
func (r *JobRepo) GetByID(ctx context.Context, id int64) (*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM simulation_jobs WHERE id = $1`
	return getOne[model.Job](ctx, r.DB, query, id)
}

// GetSummary returns the job without its blob columns.
func (r *JobRepo) GetSummary(ctx context.Context, id int64) (*model.JobSummary, error) {
	query := `SELECT ` + jobSummaryColumns + ` FROM simulation_jobs WHERE id = $1`
	return getOne[model.JobSummary](ctx, r.DB, query, id)
}

func getOne[T any](ctx context.Context, db *sql.DB, query string, id int64) (*T, error) {
	var out *T
	err := pgxutil.WithPgxConn(ctx, db, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, id)
		if err != nil {
			return fmt.Errorf("query job: %w", err)
		}
		out, err = pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[T])
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("collect job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByOwner returns the owner's jobs, newest first.
func (r *JobRepo) ListByOwner(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	return listByOwner[model.Job](ctx, r.DB, jobColumns, opts)
}

// ListSummariesByOwner returns the owner's jobs without blobs, newest first.
func (r *JobRepo) ListSummariesByOwner(ctx context.Context, opts model.JobListOptions) ([]*model.JobSummary, error) {
	return listByOwner[model.JobSummary](ctx, r.DB, jobSummaryColumns, opts)
}

// ownerQueryBuilder appends positional filters to an owner listing.
type ownerQueryBuilder struct {
	query  strings.Builder
	args   []any
	argIdx int
}

func (b *ownerQueryBuilder) arg(v any) string {
	b.args = append(b.args, v)
	b.argIdx++
	return "$" + strconv.Itoa(b.argIdx)
}

func buildOwnerListQuery(columns string, opts model.JobListOptions) (string, []any) {
	b := &ownerQueryBuilder{}
	b.query.WriteString("SELECT " + columns + " FROM simulation_jobs WHERE owner_id = " + b.arg(opts.OwnerID))
	if opts.Status != nil {
		b.query.WriteString(" AND status = " + b.arg(string(*opts.Status)))
	}
	b.query.WriteString(" ORDER BY created_at DESC, id DESC")
	if opts.Limit > 0 {
		b.query.WriteString(" LIMIT " + b.arg(opts.Limit))
	}
	if opts.Offset > 0 {
		b.query.WriteString(" OFFSET " + b.arg(opts.Offset))
	}
	return b.query.String(), b.args
}

func listByOwner[T any](ctx context.Context, db *sql.DB, columns string, opts model.JobListOptions) ([]*T, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	query, args := buildOwnerListQuery(columns, opts)

	var out []*T
	err := pgxutil.WithPgxConn(ctx, db, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query jobs by owner: %w", err)
		}
		out, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[T])
		if err != nil {
			return fmt.Errorf("collect jobs by owner: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*T{}
	}
	return out, nil
}

// finalizeSQL updates only a pending row. A concurrent finalize that commits
// first makes it match nothing.
const finalizeSQL = `
	UPDATE simulation_jobs
	SET status = $2, result = $3, snapshots = $4, updated_at = $5
	WHERE id = $1 AND status = 'pending'
	RETURNING status`

// Finalize moves a pending job into a terminal state, storing blobs only for completed.
func (r *JobRepo) Finalize(ctx context.Context, req *model.FinalizeJobRequest) (*core.FinalizeResult, error) {
	if req == nil {
		return nil, errors.New("finalize job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var applied string
	err := r.DB.QueryRowContext(ctx, finalizeSQL,
		req.JobID, string(req.Status), req.Result, req.Snapshots, r.timeProvider.Now(),
	).Scan(&applied)
	if err == nil {
		return &core.FinalizeResult{Applied: true, Status: model.JobStatus(applied)}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finalize job: %w", err)
	}

	// Read the committed status in a fresh statement; the update's own
	// snapshot may still show the row as pending.
	var current string
	err = r.DB.QueryRowContext(ctx, `SELECT status FROM simulation_jobs WHERE id = $1`, req.JobID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read job status: %w", err)
	}

	res := &core.FinalizeResult{Applied: false, Status: model.JobStatus(current)}
	if res.Status == model.JobStatusPending {
		return nil, fmt.Errorf("finalize job %d: pending row was not updated", req.JobID)
	}
	if model.FinalizeConflict(res.Status, req.Status) {
		return res, fmt.Errorf("%w: job %d is %s, refused %s", ErrJobAlreadyFinalized, req.JobID, res.Status, req.Status)
	}
	if r.logger != nil {
		r.logger.DebugContext(ctx, "finalize skipped, job already terminal",
			"job_id", req.JobID, "status", res.Status, "requested", req.Status)
	}
	return res, nil
}

// Delete removes a job.
func (r *JobRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM simulation_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// DeleteByOwner removes every job of the owner and returns how many were deleted.
func (r *JobRepo) DeleteByOwner(ctx context.Context, ownerID int64) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM simulation_jobs WHERE owner_id = $1`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("delete jobs by owner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
