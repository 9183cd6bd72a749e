package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_Valid(t *testing.T) {
	assert.True(t, JobStatusPending.Valid())
	assert.True(t, JobStatusCompleted.Valid())
	assert.True(t, JobStatusFailed.Valid())
	assert.True(t, JobStatusTimeExceeded.Valid())
	assert.False(t, JobStatus("running").Valid())
	assert.False(t, JobStatus("timeexceeded").Valid())
}

func TestJobStatus_CanTransitionTo(t *testing.T) {
	all := []JobStatus{JobStatusPending, JobStatusCompleted, JobStatusFailed, JobStatusTimeExceeded}

	for _, from := range all {
		for _, to := range all {
			want := from == JobStatusPending && to != JobStatusPending
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestJobStatus_UnmarshalText(t *testing.T) {
	var s JobStatus
	require.NoError(t, s.UnmarshalText([]byte(" timeExceeded ")))
	assert.Equal(t, JobStatusTimeExceeded, s)

	assert.Error(t, s.UnmarshalText([]byte("done")))
}

func TestCreateJobRequest_Validate(t *testing.T) {
	related := int64(7)
	zero := int64(0)

	tests := []struct {
		name    string
		req     CreateJobRequest
		wantErr bool
	}{
		{
			name: "valid with related entity",
			req:  CreateJobRequest{OwnerID: 1, RelatedEntityID: &related, Parameters: json.RawMessage(`{"numSteps":10}`)},
		},
		{
			name:    "owner required",
			req:     CreateJobRequest{Parameters: json.RawMessage(`{}`)},
			wantErr: true,
		},
		{
			name:    "related entity must be positive",
			req:     CreateJobRequest{OwnerID: 1, RelatedEntityID: &zero, Parameters: json.RawMessage(`{}`)},
			wantErr: true,
		},
		{
			name:    "parameters must be an object",
			req:     CreateJobRequest{OwnerID: 1, Parameters: json.RawMessage(`[1,2]`)},
			wantErr: true,
		},
		{
			name:    "parameters required",
			req:     CreateJobRequest{OwnerID: 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFinalizeJobRequest_Validate(t *testing.T) {
	blob := []byte{0x1f, 0x8b}

	tests := []struct {
		name    string
		req     FinalizeJobRequest
		wantErr bool
	}{
		{name: "completed with result", req: FinalizeJobRequest{JobID: 1, Status: JobStatusCompleted, Result: blob}},
		{name: "completed with result and snapshots", req: FinalizeJobRequest{JobID: 1, Status: JobStatusCompleted, Result: blob, Snapshots: blob}},
		{name: "failed without blobs", req: FinalizeJobRequest{JobID: 1, Status: JobStatusFailed}},
		{name: "time exceeded without blobs", req: FinalizeJobRequest{JobID: 1, Status: JobStatusTimeExceeded}},
		{name: "completed without result", req: FinalizeJobRequest{JobID: 1, Status: JobStatusCompleted}, wantErr: true},
		{name: "failed with result", req: FinalizeJobRequest{JobID: 1, Status: JobStatusFailed, Result: blob}, wantErr: true},
		{name: "time exceeded with snapshots", req: FinalizeJobRequest{JobID: 1, Status: JobStatusTimeExceeded, Snapshots: blob}, wantErr: true},
		{name: "pending is not terminal", req: FinalizeJobRequest{JobID: 1, Status: JobStatusPending}, wantErr: true},
		{name: "missing job id", req: FinalizeJobRequest{Status: JobStatusFailed}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestStripEmbeddedInput(t *testing.T) {
	t.Run("removes flight data", func(t *testing.T) {
		out, err := StripEmbeddedInput(json.RawMessage(`{"numSteps":10,"droneFlight":{"id":3,"measurements":[1,2]}}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"numSteps":10}`, string(out))
	})

	t.Run("leaves parameters without flight data untouched", func(t *testing.T) {
		in := json.RawMessage(`{"numSteps":10}`)
		out, err := StripEmbeddedInput(in)
		require.NoError(t, err)
		assert.Equal(t, string(in), string(out))
	})

	t.Run("rejects non-object", func(t *testing.T) {
		_, err := StripEmbeddedInput(json.RawMessage(`"x"`))
		assert.ErrorIs(t, err, ErrInvalidParameters)
	})
}

func TestBuildTaskPayload(t *testing.T) {
	out, err := BuildTaskPayload(json.RawMessage(`{"steps":10,"droneFlight":{"id":1}}`), 42)
	require.NoError(t, err)
	assert.JSONEq(t, `{"steps":10,"droneFlight":{"id":1},"jobId":42}`, string(out))

	_, err = BuildTaskPayload(json.RawMessage(`not-json`), 1)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestJob_Summary(t *testing.T) {
	related := int64(9)
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	job := &Job{
		ID:              5,
		OwnerID:         2,
		RelatedEntityID: &related,
		Status:          JobStatusCompleted,
		Parameters:      json.RawMessage(`{"numSteps":1}`),
		Result:          []byte{1},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s := job.Summary()
	assert.Equal(t, int64(5), s.ID)
	assert.True(t, s.HasResult)
	assert.False(t, s.HasSnapshots)
	assert.Equal(t, &related, s.RelatedEntityID)

	var nilJob *Job
	assert.Nil(t, nilJob.Summary())
}

func TestFinalizeConflict(t *testing.T) {
	tests := []struct {
		current, next JobStatus
		want          bool
	}{
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusCompleted, JobStatusCompleted, false},
		{JobStatusTimeExceeded, JobStatusTimeExceeded, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusTimeExceeded, JobStatusFailed, false},
		{JobStatusFailed, JobStatusCompleted, true},
		{JobStatusTimeExceeded, JobStatusCompleted, true},
		{JobStatusCompleted, JobStatusTimeExceeded, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.current)+"->"+string(tt.next), func(t *testing.T) {
			assert.Equal(t, tt.want, FinalizeConflict(tt.current, tt.next))
		})
	}
}

func TestJobListOptions_Validate(t *testing.T) {
	bad := JobStatus("running")
	ok := JobStatusCompleted

	require.NoError(t, (&JobListOptions{OwnerID: 1}).Validate())
	require.NoError(t, (&JobListOptions{OwnerID: 1, Status: &ok, Limit: 10}).Validate())
	require.Error(t, (&JobListOptions{}).Validate())
	require.Error(t, (&JobListOptions{OwnerID: 1, Status: &bad}).Validate())
	require.Error(t, (&JobListOptions{OwnerID: 1, Limit: -1}).Validate())
}
