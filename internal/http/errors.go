package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kacperpap/air-pollution-tracker/internal/broker"
	"github.com/kacperpap/air-pollution-tracker/internal/data"
	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
	apperrors "github.com/kacperpap/air-pollution-tracker/internal/errors"
	"github.com/kacperpap/air-pollution-tracker/internal/service"
)

// statusClientClosedRequest is the nginx convention for a request the client abandoned.
const statusClientClosedRequest = 499

// errorMapping pairs a sentinel with the response it produces.
type errorMapping struct {
	target  error
	status  int
	errCode string
}

var serviceErrors = []errorMapping{ //nolint:gochecknoglobals // read-only lookup table
	{data.ErrJobNotFound, http.StatusNotFound, "job_not_found"},
	{service.ErrJobForbidden, http.StatusForbidden, "forbidden"},
	{service.ErrJobNotCompleted, http.StatusConflict, "job_not_completed"},
	{service.ErrNoSnapshots, http.StatusNotFound, "no_snapshots"},
	{model.ErrInvalidParameters, http.StatusBadRequest, "invalid_parameters"},
	{broker.ErrNotConnected, http.StatusServiceUnavailable, "broker_unavailable"},
	{service.ErrRouterClosed, http.StatusServiceUnavailable, "shutting_down"},
}

var appErrorStatus = map[apperrors.ErrorCode]int{ //nolint:gochecknoglobals // read-only lookup table
	apperrors.ErrCodeNotFound:    http.StatusNotFound,
	apperrors.ErrCodeForbidden:   http.StatusForbidden,
	apperrors.ErrCodeConflict:    http.StatusConflict,
	apperrors.ErrCodeValidation:  http.StatusBadRequest,
	apperrors.ErrCodeUnavailable: http.StatusServiceUnavailable,
	apperrors.ErrCodeTimeout:     http.StatusGatewayTimeout,
	apperrors.ErrCodeCanceled:    statusClientClosedRequest,
}

// writeServiceError maps a service or store error onto a JSON error response.
// Internal errors are logged and answered without details.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	for _, m := range serviceErrors {
		if errors.Is(err, m.target) {
			WriteError(w, ErrorParams{Code: m.status, ErrCode: m.errCode, Err: m.target})
			return
		}
	}

	mapped := apperrors.MapDBError(err)
	if code := apperrors.GetCode(mapped); code != "" {
		if status, ok := appErrorStatus[code]; ok {
			var appErr *apperrors.AppError
			errors.As(mapped, &appErr)
			WriteError(w, ErrorParams{Code: status, ErrCode: string(code), Err: errors.New(appErr.Message)})
			return
		}
	}

	if logger != nil {
		logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	WriteError(w, ErrorParams{
		Code:    http.StatusInternalServerError,
		ErrCode: "internal",
		Err:     errors.New("internal server error"),
	})
}
