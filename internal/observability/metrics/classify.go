package metrics

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/kacperpap/air-pollution-tracker/internal/broker"
	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
)

// Classify returns a low-cardinality error class for metric labels. Known
// sentinels get fixed names; anything else is named after the innermost
// concrete error type, e.g. "pgconn_pgerror".
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, broker.ErrNotConnected), errors.Is(err, broker.ErrClosed):
		return "broker_unavailable"
	case errors.Is(err, model.ErrMalformedReply):
		return "malformed_reply"
	case errors.Is(err, model.ErrInvalidParameters):
		return "invalid_parameters"
	}

	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	name := strings.ToLower(strings.ReplaceAll(t.String(), ".", "_"))
	if name == "" {
		return "unknown"
	}
	return name
}
