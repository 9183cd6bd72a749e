// Package httpx provides the HTTP API for submitting and reading pollution simulations.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
	"github.com/kacperpap/air-pollution-tracker/internal/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SimulationHandlers provides HTTP handlers for simulation jobs. Every
// handler expects RequireOwner to have run.
type SimulationHandlers struct {
	Svc          *service.JobService
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// submitResponse is returned by an asynchronous submit.
type submitResponse struct {
	ID     int64           `json:"id"`
	Status model.JobStatus `json:"status"`
}

// Create handles POST /api/simulations. The body carries the simulation
// parameters plus the embedded drone flight whose id becomes the related entity.
func (h *SimulationHandlers) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	body, ok := ReadJSONObject(w, r, h.MaxBodyBytes)
	if !ok {
		return
	}

	req := service.SubmitRequest{
		OwnerID:         ownerID,
		RelatedEntityID: relatedEntityID(body),
		Parameters:      body,
	}

	if parseBoolQuery(r, "wait") {
		h.createSync(w, r, req)
		return
	}

	summary, err := h.Svc.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, submitResponse{ID: summary.ID, Status: summary.Status})
}

// createSync blocks until the job is terminal. Timeouts and lost replies
// still produce a terminal job, which is returned with 200.
func (h *SimulationHandlers) createSync(w http.ResponseWriter, r *http.Request, req service.SubmitRequest) {
	summary, err := h.Svc.SubmitSync(r.Context(), req, parseTimeoutQuery(r, "timeout"))
	if summary == nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	if err != nil && h.Logger != nil {
		h.Logger.WarnContext(r.Context(), "synchronous simulation ended without a reply",
			"job_id", summary.ID, "status", summary.Status, "error", err)
	}

	ctx := context.WithoutCancel(r.Context())
	job, err := h.Svc.GetJob(ctx, summary.ID)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	h.writeDetail(w, r, job)
}

// List handles GET /api/simulations and returns full records.
func (h *SimulationHandlers) List(w http.ResponseWriter, r *http.Request) {
	opts, ok := h.listOptions(w, r)
	if !ok {
		return
	}
	jobs, err := h.Svc.GetJobsForOwner(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}

	out := make([]*service.JobDetail, 0, len(jobs))
	for _, job := range jobs {
		d, err := h.Svc.Detail(job)
		if err != nil {
			writeServiceError(w, r, h.Logger, err)
			return
		}
		out = append(out, d)
	}
	WriteJSON(w, http.StatusOK, out)
}

// ListLight handles GET /api/simulations/light.
func (h *SimulationHandlers) ListLight(w http.ResponseWriter, r *http.Request) {
	opts, ok := h.listOptions(w, r)
	if !ok {
		return
	}
	summaries, err := h.Svc.GetJobSummariesForOwner(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	if summaries == nil {
		summaries = []*model.JobSummary{}
	}
	WriteJSON(w, http.StatusOK, summaries)
}

// Get handles GET /api/simulations/{id}.
func (h *SimulationHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorize(w, r)
	if !ok {
		return
	}
	job, err := h.Svc.GetJob(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	h.writeDetail(w, r, job)
}

// GetLight handles GET /api/simulations/{id}/light.
func (h *SimulationHandlers) GetLight(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	summary, err := h.Svc.Authorize(r.Context(), ownerID, id)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}

// Result handles GET /api/simulations/{id}/result.
func (h *SimulationHandlers) Result(w http.ResponseWriter, r *http.Request) {
	h.writeBlob(w, r, h.Svc.GetJobResult)
}

// Snapshots handles GET /api/simulations/{id}/snapshots.
func (h *SimulationHandlers) Snapshots(w http.ResponseWriter, r *http.Request) {
	h.writeBlob(w, r, h.Svc.GetJobSnapshots)
}

// Delete handles DELETE /api/simulations/{id}.
func (h *SimulationHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if err := h.Svc.DeleteJob(r.Context(), id); err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAll handles DELETE /api/simulations.
func (h *SimulationHandlers) DeleteAll(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	n, err := h.Svc.DeleteJobsForOwner(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *SimulationHandlers) writeBlob(
	w http.ResponseWriter,
	r *http.Request,
	load func(context.Context, int64) (json.RawMessage, error),
) {
	id, ok := h.authorize(w, r)
	if !ok {
		return
	}
	raw, err := load(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteRawJSON(w, http.StatusOK, raw)
}

func (h *SimulationHandlers) writeDetail(w http.ResponseWriter, r *http.Request, job *model.Job) {
	d, err := h.Svc.Detail(job)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// authorize resolves the path id and checks that the caller owns it.
func (h *SimulationHandlers) authorize(w http.ResponseWriter, r *http.Request) (int64, bool) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return 0, false
	}
	id, ok := pathID(w, r)
	if !ok {
		return 0, false
	}
	if _, err := h.Svc.Authorize(r.Context(), ownerID, id); err != nil {
		writeServiceError(w, r, h.Logger, err)
		return 0, false
	}
	return id, true
}

func (h *SimulationHandlers) owner(w http.ResponseWriter, r *http.Request) (int64, bool) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		WriteError(w, ErrorParams{
			Code:    http.StatusUnauthorized,
			ErrCode: "authentication_required",
			Err:     errors.New("authentication required"),
		})
	}
	return ownerID, ok
}

func (h *SimulationHandlers) listOptions(w http.ResponseWriter, r *http.Request) (model.JobListOptions, bool) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return model.JobListOptions{}, false
	}
	opts := model.JobListOptions{OwnerID: ownerID}

	q := r.URL.Query()
	if q.Has("limit") || q.Has("offset") {
		opts.Limit, opts.Offset = ParseLimitOffset(r, defaultListLimit, maxListLimit)
	}
	if raw := q.Get("status"); raw != "" {
		var status model.JobStatus
		if err := status.UnmarshalText([]byte(raw)); err != nil {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_status", Err: err})
			return model.JobListOptions{}, false
		}
		opts.Status = &status
	}
	return opts, true
}

// relatedEntityID extracts droneFlight.id from a submit body. A missing or
// non-numeric id leaves the job unlinked.
func relatedEntityID(body json.RawMessage) *int64 {
	var peek struct {
		Flight *struct {
			ID *int64 `json:"id"`
		} `json:"droneFlight"`
	}
	if err := json.Unmarshal(body, &peek); err != nil || peek.Flight == nil || peek.Flight.ID == nil {
		return nil
	}
	if *peek.Flight.ID <= 0 {
		return nil
	}
	return peek.Flight.ID
}
