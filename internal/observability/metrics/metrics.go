// Package metrics exposes Prometheus collectors for the simulation job pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name unless Options overrides it.
const DefaultNamespace = "simtracker"

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Reply outcome label values.
const (
	ReplyMatched   = "matched"
	ReplyIgnored   = "ignored"
	ReplyFailed    = "handler_error"
	ReplyTimeout   = "timeout"
	ReplyAbandoned = "abandoned"
)

// Recorder owns a private registry and the collectors registered on it.
// The zero value is not usable; a nil *Recorder is a valid no-op.
type Recorder struct {
	registry *prometheus.Registry

	brokerConnects  *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	replies         *prometheus.CounterVec
	pendingReplies  prometheus.Gauge
	reconciles      *prometheus.CounterVec
	reconcileTiming *prometheus.HistogramVec
	reaped          *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// Options configures New.
type Options struct {
	Namespace string // Optional: metric name prefix, default DefaultNamespace
	Runtime   bool   // Optional: also register Go runtime and process collectors
}

// New registers every collector on a fresh registry.
func New(opts Options) *Recorder {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	if opts.Runtime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		brokerConnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_connect_attempts_total",
			Help:      "Broker connection attempts by transport and result.",
		}, []string{"transport", "result"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Task dispatches by result and error class.",
		}, []string{"result", "error_class"}),
		replies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Reply deliveries by outcome.",
		}, []string{"outcome"}),
		pendingReplies: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_replies",
			Help:      "Registered reply routes still waiting for a worker reply.",
		}),
		reconciles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Reconciliations by terminal status, whether the write applied, and result.",
		}, []string{"status", "applied", "result"}),
		reconcileTiming: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Time to decode, compress and persist a worker reply.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		reaped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_jobs_total",
			Help:      "Jobs expired or deleted by the reaper, by operation.",
		}, []string{"operation"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route, method and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),
	}
}

// Registry returns the registry backing r.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// RecordConnect counts one broker connection attempt.
func (r *Recorder) RecordConnect(transport string, err error) {
	if r == nil {
		return
	}
	r.brokerConnects.WithLabelValues(transport, resultOf(err)).Inc()
}

// RecordDispatch counts one dispatch attempt.
func (r *Recorder) RecordDispatch(err error) {
	if r == nil {
		return
	}
	r.dispatches.WithLabelValues(resultOf(err), Classify(err)).Inc()
}

// RecordReply counts one reply routing outcome.
func (r *Recorder) RecordReply(outcome string) {
	if r == nil {
		return
	}
	r.replies.WithLabelValues(outcome).Inc()
}

// SetPendingReplies reports the reply router's registration count.
func (r *Recorder) SetPendingReplies(n int) {
	if r == nil {
		return
	}
	r.pendingReplies.Set(float64(n))
}

// RecordReconcile counts one reconciliation and observes its duration.
func (r *Recorder) RecordReconcile(status model.JobStatus, applied bool, err error, d time.Duration) {
	if r == nil {
		return
	}
	label := string(status)
	if label == "" {
		label = "unknown"
	}
	r.reconciles.WithLabelValues(label, strconv.FormatBool(applied), resultOf(err)).Inc()
	if d > 0 {
		r.reconcileTiming.WithLabelValues(label).Observe(d.Seconds())
	}
}

// RecordReaped adds n jobs handled by a reaper operation.
func (r *Recorder) RecordReaped(operation string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.reaped.WithLabelValues(operation).Add(float64(n))
}

// InstrumentHandler wraps next with a latency histogram labelled by route.
func (r *Recorder) InstrumentHandler(route string, next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return promhttp.InstrumentHandlerDuration(
		r.httpDuration.MustCurryWith(prometheus.Labels{"route": route}), next)
}

func resultOf(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}
