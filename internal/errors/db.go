package errors

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MapDBError maps database errors to AppError instances:
//   - context deadline / cancellation → Timeout / Canceled
//   - pgx.ErrNoRows → NotFound
//   - check, not-null and invalid-text violations → Validation
//   - unique violation, serialization failure → Conflict
//   - connection exceptions and admin shutdown → Unavailable
//
// Any other *pgconn.PgError becomes Internal. Errors that are not database
// errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(err, ErrCodeTimeout, "request timed out")
	case errors.Is(err, context.Canceled):
		return Wrap(err, ErrCodeCanceled, "request was canceled")
	case errors.Is(err, pgx.ErrNoRows):
		return Wrap(err, ErrCodeNotFound, "resource not found")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch {
	case pgErr.Code == pgerrcode.CheckViolation:
		return &AppError{Code: ErrCodeValidation, Message: checkMessage(pgErr.ConstraintName), Cause: pgErr}
	case pgErr.Code == pgerrcode.NotNullViolation:
		return &AppError{Code: ErrCodeValidation, Message: "this field is required", Field: pgErr.ColumnName, Cause: pgErr}
	case pgErr.Code == pgerrcode.InvalidTextRepresentation, pgErr.Code == pgerrcode.InvalidJSONText:
		return &AppError{Code: ErrCodeValidation, Message: "invalid input value", Cause: pgErr}
	case pgErr.Code == pgerrcode.UniqueViolation:
		return &AppError{Code: ErrCodeConflict, Message: "this value already exists", Field: pgErr.ColumnName, Cause: pgErr}
	case pgErr.Code == pgerrcode.SerializationFailure, pgErr.Code == pgerrcode.DeadlockDetected:
		return &AppError{Code: ErrCodeConflict, Message: "concurrent update, please retry", Cause: pgErr}
	case pgerrcode.IsConnectionException(pgErr.Code), pgErr.Code == pgerrcode.AdminShutdown,
		pgErr.Code == pgerrcode.CannotConnectNow:
		return &AppError{Code: ErrCodeUnavailable, Message: "database unavailable", Cause: pgErr}
	default:
		return &AppError{Code: ErrCodeInternal, Message: "a database error occurred", Cause: pgErr}
	}
}

// checkMessages names the simulation_jobs constraints in user terms.
var checkMessages = map[string]string{
	"simulation_jobs_status_check":              "unknown job status",
	"simulation_jobs_blobs_only_when_completed": "only completed jobs may carry results",
	"simulation_jobs_parameters_object":         "parameters must be a JSON object",
}

func checkMessage(constraint string) string {
	if msg, ok := checkMessages[constraint]; ok {
		return msg
	}
	return "invalid data, please check your input"
}
