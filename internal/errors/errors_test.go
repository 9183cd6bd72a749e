package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "error without cause",
			err:  NotFoundf("job %d not found", 7),
			want: "job 7 not found",
		},
		{
			name: "error with cause",
			err:  &AppError{Code: ErrCodeInternal, Message: "failed to persist", Cause: errors.New("disk full")},
			want: "failed to persist: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("AppError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")

	if Wrap(nil, ErrCodeInternal, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, ErrCodeInternal, "x %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}

	err := Wrapf(cause, ErrCodeUnavailable, "publish job %d", 3)
	if !errors.Is(err, cause) {
		t.Errorf("Wrapf() should unwrap to cause")
	}
	if GetCode(err) != ErrCodeUnavailable {
		t.Errorf("GetCode() = %v, want %v", GetCode(err), ErrCodeUnavailable)
	}
	if err.Error() != "publish job 3: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestCodeHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"not found", NotFoundf("x"), IsNotFound, true},
		{"forbidden", Forbiddenf("x"), IsForbidden, true},
		{"conflict", Conflictf("x"), IsConflict, true},
		{"validation", ValidationField("parameters", "bad"), IsValidation, true},
		{"wrapped in fmt", fmt.Errorf("handler: %w", Conflictf("x")), IsConflict, true},
		{"plain error", errors.New("x"), IsNotFound, false},
		{"nil", nil, IsNotFound, false},
		{"other code", Forbiddenf("x"), IsNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.check(tt.err); got != tt.want {
				t.Errorf("check(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestGetField(t *testing.T) {
	if got := GetField(ValidationField("owner_id", "must be positive")); got != "owner_id" {
		t.Errorf("GetField() = %q, want owner_id", got)
	}
	if got := GetField(errors.New("x")); got != "" {
		t.Errorf("GetField() = %q, want empty", got)
	}
	if Is(errors.New("x"), "") {
		t.Error("Is() with empty code should be false")
	}
}
