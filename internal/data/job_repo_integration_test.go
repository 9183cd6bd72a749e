package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/kacperpap/air-pollution-tracker/internal/core"
	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
	"github.com/kacperpap/air-pollution-tracker/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestJob(t *testing.T, repo *JobRepo, ownerID int64) *model.Job {
	t.Helper()
	job, err := repo.Create(context.Background(), &model.CreateJobRequest{
		OwnerID:    ownerID,
		Parameters: json.RawMessage(`{"stepsCount":10,"timeStep":60}`),
	})
	require.NoError(t, err)
	return job
}

func TestJobRepo_CreateAndGet(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()
		related := int64(42)

		job, err := repo.Create(ctx, &model.CreateJobRequest{
			OwnerID:         7,
			RelatedEntityID: &related,
			Parameters:      json.RawMessage(`{"stepsCount":10}`),
		})
		require.NoError(t, err)
		assert.Positive(t, job.ID)
		assert.Equal(t, model.JobStatusPending, job.Status)
		assert.Nil(t, job.Result)
		assert.Nil(t, job.Snapshots)

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(7), got.OwnerID)
		require.NotNil(t, got.RelatedEntityID)
		assert.Equal(t, related, *got.RelatedEntityID)
		assert.JSONEq(t, `{"stepsCount":10}`, string(got.Parameters))

		_, err = repo.GetByID(ctx, job.ID+1000)
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepo_Finalize(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("completed stores blobs once", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()
			job := createTestJob(t, repo, 1)

			res, err := repo.Finalize(ctx, &model.FinalizeJobRequest{
				JobID: job.ID, Status: model.JobStatusCompleted,
				Result: []byte{1, 2, 3}, Snapshots: []byte{4, 5},
			})
			require.NoError(t, err)
			assert.Equal(t, &core.FinalizeResult{Applied: true, Status: model.JobStatusCompleted}, res)

			summary, err := repo.GetSummary(ctx, job.ID)
			require.NoError(t, err)
			assert.True(t, summary.HasResult)
			assert.True(t, summary.HasSnapshots)

			// same status again is a no-op
			res, err = repo.Finalize(ctx, &model.FinalizeJobRequest{
				JobID: job.ID, Status: model.JobStatusCompleted, Result: []byte{9},
			})
			require.NoError(t, err)
			assert.False(t, res.Applied)

			// failed over a terminal job is tolerated and changes nothing
			res, err = repo.Finalize(ctx, &model.FinalizeJobRequest{JobID: job.ID, Status: model.JobStatusFailed})
			require.NoError(t, err)
			assert.False(t, res.Applied)
			assert.Equal(t, model.JobStatusCompleted, res.Status)

			got, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusCompleted, got.Status)
			assert.Equal(t, []byte{1, 2, 3}, got.Result)
		})
	})

	t.Run("conflicting terminal write is refused", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()
			job := createTestJob(t, repo, 1)

			_, err := repo.Finalize(ctx, &model.FinalizeJobRequest{JobID: job.ID, Status: model.JobStatusTimeExceeded})
			require.NoError(t, err)

			res, err := repo.Finalize(ctx, &model.FinalizeJobRequest{
				JobID: job.ID, Status: model.JobStatusCompleted, Result: []byte{1},
			})
			require.ErrorIs(t, err, ErrJobAlreadyFinalized)
			require.NotNil(t, res)
			assert.Equal(t, model.JobStatusTimeExceeded, res.Status)

			got, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Nil(t, got.Result)
		})
	})

	t.Run("concurrent terminal write committed first is reported as a conflict", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()
			job := createTestJob(t, repo, 1)

			tx, err := db.BeginTx(ctx, nil)
			require.NoError(t, err)
			_, err = tx.ExecContext(ctx,
				`UPDATE simulation_jobs SET status = 'timeExceeded' WHERE id = $1`, job.ID)
			require.NoError(t, err)

			type outcome struct {
				res *core.FinalizeResult
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				res, err := repo.Finalize(ctx, &model.FinalizeJobRequest{
					JobID: job.ID, Status: model.JobStatusCompleted, Result: []byte{1},
				})
				done <- outcome{res, err}
			}()

			// Finalize blocks on the row lock until the other transaction commits.
			require.Eventually(t, func() bool {
				var waiting bool
				err := db.QueryRowContext(ctx,
					`SELECT EXISTS (SELECT 1 FROM pg_locks WHERE NOT granted)`).Scan(&waiting)
				return err == nil && waiting
			}, 5*time.Second, 10*time.Millisecond)
			require.NoError(t, tx.Commit())

			var got outcome
			select {
			case got = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("finalize did not return after the competing commit")
			}
			require.ErrorIs(t, got.err, ErrJobAlreadyFinalized)
			require.NotNil(t, got.res)
			assert.False(t, got.res.Applied)
			assert.Equal(t, model.JobStatusTimeExceeded, got.res.Status)
		})
	})

	t.Run("missing job", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			_, err := repo.Finalize(context.Background(), &model.FinalizeJobRequest{JobID: 999999, Status: model.JobStatusFailed})
			require.ErrorIs(t, err, ErrJobNotFound)
		})
	})

	t.Run("schema rejects blobs on non-completed rows", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			job := createTestJob(t, repo, 1)

			_, err := db.ExecContext(context.Background(),
				`UPDATE simulation_jobs SET status = 'failed', result = '\x01'::bytea WHERE id = $1`, job.ID)
			require.Error(t, err)
		})
	})
}

func TestJobRepo_ListAndDelete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		tp := NewFixedTimeProvider(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
		repo := NewJobRepo(db, RepoConfig{TimeProvider: tp})
		ctx := context.Background()

		first := createTestJob(t, repo, 3)
		tp.AddTime(time.Minute)
		second := createTestJob(t, repo, 3)
		createTestJob(t, repo, 4)

		jobs, err := repo.ListByOwner(ctx, model.JobListOptions{OwnerID: 3})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, second.ID, jobs[0].ID, "newest first")
		assert.Equal(t, first.ID, jobs[1].ID)

		summaries, err := repo.ListSummariesByOwner(ctx, model.JobListOptions{OwnerID: 3, Limit: 1})
		require.NoError(t, err)
		require.Len(t, summaries, 1)
		assert.False(t, summaries[0].HasResult)

		require.NoError(t, repo.Delete(ctx, first.ID))
		require.ErrorIs(t, repo.Delete(ctx, first.ID), ErrJobNotFound)

		n, err := repo.DeleteByOwner(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		empty, err := repo.ListByOwner(ctx, model.JobListOptions{OwnerID: 3})
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestJobRepo_Reaper(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("expires stale pending jobs", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			tp := NewFixedTimeProvider(time.Now().UTC().Add(-2 * time.Hour))
			repo := NewJobRepo(db, RepoConfig{TimeProvider: tp})
			ctx := context.Background()

			stale := createTestJob(t, repo, 1)
			tp.AddTime(2 * time.Hour)
			fresh := createTestJob(t, repo, 1)

			n, err := repo.ExpireStalePendingJobs(ctx, time.Hour, 100)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			got, err := repo.GetByID(ctx, stale.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusTimeExceeded, got.Status)

			got, err = repo.GetByID(ctx, fresh.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusPending, got.Status)
		})
	})

	t.Run("deletes old terminal jobs", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			tp := NewFixedTimeProvider(time.Now().UTC().Add(-48 * time.Hour))
			repo := NewJobRepo(db, RepoConfig{TimeProvider: tp})
			ctx := context.Background()

			old := createTestJob(t, repo, 1)
			_, err := repo.Finalize(ctx, &model.FinalizeJobRequest{JobID: old.ID, Status: model.JobStatusFailed})
			require.NoError(t, err)

			tp.AddTime(48 * time.Hour)
			recent := createTestJob(t, repo, 1)
			_, err = repo.Finalize(ctx, &model.FinalizeJobRequest{JobID: recent.ID, Status: model.JobStatusFailed})
			require.NoError(t, err)

			n, err := repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
				Status: model.JobStatusFailed, MaxAge: 24 * time.Hour, BatchSize: 10,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			_, err = repo.GetByID(ctx, old.ID)
			require.ErrorIs(t, err, ErrJobNotFound)
			_, err = repo.GetByID(ctx, recent.ID)
			require.NoError(t, err)
		})
	})

	t.Run("rejects pending status", func(t *testing.T) {
		repo := NewJobRepo(nil, RepoConfig{})
		_, err := repo.DeleteOldJobs(context.Background(), core.DeleteOldJobsParams{
			Status: model.JobStatusPending, MaxAge: time.Hour, BatchSize: 1,
		})
		require.Error(t, err)
	})
}
