package service

import (
	"log/slog"
	"time"

	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
)

// Metrics receives pipeline events. *metrics.Recorder satisfies it.
type Metrics interface {
	RecordDispatch(err error)
	RecordReply(outcome string)
	SetPendingReplies(n int)
	RecordReconcile(status model.JobStatus, applied bool, err error, d time.Duration)
	RecordReaped(operation string, n int64)
}

type nopMetrics struct{}

func (nopMetrics) RecordDispatch(error)                                        {}
func (nopMetrics) RecordReply(string)                                          {}
func (nopMetrics) SetPendingReplies(int)                                       {}
func (nopMetrics) RecordReconcile(model.JobStatus, bool, error, time.Duration) {}
func (nopMetrics) RecordReaped(string, int64)                                  {}

func metricsOrNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}

func componentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger.With("component", component)
}
