package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kacperpap/air-pollution-tracker/internal/core"
	"github.com/kacperpap/air-pollution-tracker/internal/data/pgxutil"
)

// Advisory lock namespace for reaper operations, used with the two-argument
// pg_try_advisory_xact_lock(major, minor).
const (
	advisoryLockReaperMajor         = 2100
	advisoryLockReaperExpirePending = 1
	advisoryLockReaperDelete        = 2
)

// ExpireStalePendingJobs moves pending jobs created before now-maxAge to
// timeExceeded. When another replica holds the lock it does nothing.
func (r *JobRepo) ExpireStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if maxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}
	if batchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	now := r.timeProvider.Now().UTC()
	return r.withReaperLock(ctx, advisoryLockReaperExpirePending, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `
			UPDATE simulation_jobs
			SET status = 'timeExceeded', updated_at = $1
			WHERE id IN (
				SELECT id FROM simulation_jobs
				WHERE status = 'pending'
				  AND created_at < $2
				ORDER BY created_at
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			AND status = 'pending'
		`, now, now.Add(-maxAge), batchSize)
	})
}

// DeleteOldJobs deletes terminal jobs of the given status whose last update
// is older than MaxAge.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Terminal() {
		return 0, fmt.Errorf("invalid job status for deletion: %s", params.Status)
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	cutoff := r.timeProvider.Now().UTC().Add(-params.MaxAge)
	return r.withReaperLock(ctx, advisoryLockReaperDelete, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `
			DELETE FROM simulation_jobs
			WHERE id IN (
				SELECT id FROM simulation_jobs
				WHERE status = $1
				  AND updated_at < $2
				ORDER BY updated_at
				LIMIT $3
			)
		`, string(params.Status), cutoff, params.BatchSize)
	})
}

func (r *JobRepo) withReaperLock(ctx context.Context, minor int, exec func(*sql.Tx) (sql.Result, error)) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		var locked bool
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
			advisoryLockReaperMajor, minor).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			return nil
		}

		res, err := exec(tx)
		if err != nil {
			return fmt.Errorf("reaper statement: %w", err)
		}
		rowsAffected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
