// Package model defines the core data types shared by the simulation job system.
package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a simulation job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobStatusPending indicates the job was created and is waiting for a worker reply.
	JobStatusPending JobStatus = "pending"
	// JobStatusCompleted indicates the worker replied with a result that was persisted.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates dispatch, decoding, persistence, or the worker failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusTimeExceeded indicates no reply arrived within the allowed window.
	JobStatusTimeExceeded JobStatus = "timeExceeded"
)

// EmbeddedInputKey is the request field holding the large input flight data.
// It is dispatched to the worker but never stored with the job parameters.
const EmbeddedInputKey = "droneFlight"

// TaskJobIDKey is the payload field carrying the job id to the worker.
const TaskJobIDKey = "jobId"

var (
	// ErrInvalidTransition is returned when a status change leaves a terminal state.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrInvalidParameters is returned when job parameters are not a JSON object.
	ErrInvalidParameters = errors.New("parameters must be a JSON object")
)

// Valid returns true if the JobStatus is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusCompleted, JobStatusFailed, JobStatusTimeExceeded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusTimeExceeded
}

// CanTransitionTo reports whether a job in state s may move to next.
// Only pending jobs move, and only into a terminal state.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	return s == JobStatusPending && next.Terminal()
}

// UnmarshalText implements encoding.TextUnmarshaler for env and query parsing.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := JobStatus(strings.TrimSpace(string(text)))
	if !v.Valid() {
		return fmt.Errorf("invalid JobStatus: %q", v)
	}
	*s = v
	return nil
}

// Job is a dispatched simulation tracked by id, status, and optional result blobs.
// Result and Snapshots hold gzip-compressed JSON and are set only when Status is completed.
type Job struct {
	ID              int64           `json:"id"                          db:"id"`
	OwnerID         int64           `json:"owner_id"                    db:"owner_id"`
	RelatedEntityID *int64          `json:"related_entity_id,omitempty" db:"related_entity_id"`
	Status          JobStatus       `json:"status"                      db:"status"`
	Parameters      json.RawMessage `json:"parameters"                  db:"parameters"`
	Result          []byte          `json:"result,omitempty"            db:"result"`
	Snapshots       []byte          `json:"snapshots,omitempty"         db:"snapshots"`
	CreatedAt       time.Time       `json:"created_at"                  db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"                  db:"updated_at"`
}

// JobSummary is the blob-free view of a job used by list screens and polling.
type JobSummary struct {
	ID              int64           `json:"id"                          db:"id"`
	OwnerID         int64           `json:"owner_id"                    db:"owner_id"`
	RelatedEntityID *int64          `json:"related_entity_id,omitempty" db:"related_entity_id"`
	Status          JobStatus       `json:"status"                      db:"status"`
	Parameters      json.RawMessage `json:"parameters"                  db:"parameters"`
	HasResult       bool            `json:"has_result"                  db:"has_result"`
	HasSnapshots    bool            `json:"has_snapshots"               db:"has_snapshots"`
	CreatedAt       time.Time       `json:"created_at"                  db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"                  db:"updated_at"`
}

// Summary returns the blob-free view of j.
func (j *Job) Summary() *JobSummary {
	if j == nil {
		return nil
	}
	return &JobSummary{
		ID:              j.ID,
		OwnerID:         j.OwnerID,
		RelatedEntityID: j.RelatedEntityID,
		Status:          j.Status,
		Parameters:      j.Parameters,
		HasResult:       len(j.Result) > 0,
		HasSnapshots:    len(j.Snapshots) > 0,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

// CreateJobRequest represents a request to persist a new pending job.
type CreateJobRequest struct {
	OwnerID         int64           `json:"owner_id"`
	RelatedEntityID *int64          `json:"related_entity_id,omitempty"`
	Parameters      json.RawMessage `json:"parameters"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if r.OwnerID <= 0 {
		return errors.New("owner id must be positive")
	}
	if r.RelatedEntityID != nil && *r.RelatedEntityID <= 0 {
		return errors.New("related entity id must be positive")
	}
	if !isJSONObject(r.Parameters) {
		return ErrInvalidParameters
	}
	return nil
}

// FinalizeJobRequest moves a pending job into a terminal state.
type FinalizeJobRequest struct {
	JobID     int64
	Status    JobStatus
	Result    []byte
	Snapshots []byte
}

// Validate enforces the result/status coupling: blobs only accompany completed.
func (r *FinalizeJobRequest) Validate() error {
	if r.JobID <= 0 {
		return errors.New("job id must be positive")
	}
	if !r.Status.Terminal() {
		return fmt.Errorf("%w: %q is not a terminal status", ErrInvalidTransition, r.Status)
	}
	if r.Status == JobStatusCompleted {
		if len(r.Result) == 0 {
			return errors.New("completed job requires a result")
		}
		return nil
	}
	if r.Result != nil || r.Snapshots != nil {
		return fmt.Errorf("%s job cannot carry result or snapshots", r.Status)
	}
	return nil
}

// FinalizeConflict reports whether asking to finalize a job already in
// current as next is a real conflict. Repeating the stored status is a no-op
// and a failed write over any terminal job is tolerated.
func FinalizeConflict(current, next JobStatus) bool {
	if current == JobStatusPending {
		return false
	}
	return current != next && next != JobStatusFailed
}

// JobListOptions filters an owner's job listing. A zero Limit returns every job.
type JobListOptions struct {
	OwnerID int64
	Status  *JobStatus
	Limit   int
	Offset  int
}

// Validate validates the JobListOptions fields.
func (o *JobListOptions) Validate() error {
	if o.OwnerID <= 0 {
		return errors.New("owner id must be positive")
	}
	if o.Status != nil && !o.Status.Valid() {
		return fmt.Errorf("invalid status filter: %q", *o.Status)
	}
	if o.Limit < 0 || o.Offset < 0 {
		return errors.New("limit and offset must not be negative")
	}
	return nil
}

// StripEmbeddedInput removes the embedded flight data from request parameters
// so that only the simulation settings are stored with the job.
func StripEmbeddedInput(params json.RawMessage) (json.RawMessage, error) {
	fields, err := decodeObject(params)
	if err != nil {
		return nil, err
	}
	if _, ok := fields[EmbeddedInputKey]; !ok {
		return params, nil
	}
	delete(fields, EmbeddedInputKey)
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	return out, nil
}

// BuildTaskPayload returns the worker request body: parameters plus the job id.
func BuildTaskPayload(params json.RawMessage, jobID int64) ([]byte, error) {
	fields, err := decodeObject(params)
	if err != nil {
		return nil, err
	}
	id, err := json.Marshal(jobID)
	if err != nil {
		return nil, fmt.Errorf("marshal job id: %w", err)
	}
	fields[TaskJobIDKey] = id
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal task payload: %w", err)
	}
	return out, nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if !isJSONObject(raw) {
		return nil, ErrInvalidParameters
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParameters, err)
	}
	return fields, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 1 && trimmed[0] == '{' && json.Valid(trimmed)
}
