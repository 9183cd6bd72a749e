package httpx

import (
	"log/slog"
	"net/http"

	"github.com/kacperpap/air-pollution-tracker/internal/observability/metrics"
	"github.com/kacperpap/air-pollution-tracker/internal/service"
)

const defaultOwnerHeader = "X-User-ID"

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs *service.JobService
	// Optional: broker connection state for /readyz.
	Broker ConnectionChecker
	// Optional: Prometheus recorder; /metrics is mounted when set.
	Metrics     *metrics.Recorder
	MetricsPath string
	// Configuration
	OwnerHeader  string
	MaxBodyBytes int64
	Logger       *slog.Logger // Logger for request errors (optional)
}

// NewRouter creates and configures the HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	header := services.OwnerHeader
	if header == "" {
		header = defaultOwnerHeader
	}
	maxBody := services.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 8 << 20
	}

	h := &SimulationHandlers{Svc: services.Jobs, MaxBodyBytes: maxBody, Logger: services.Logger}
	registerSimulationRoutes(mux, h, simulationRouteConfig{
		owner:   RequireOwner(header),
		metrics: services.Metrics,
	})

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("GET /readyz", readyHandler(services.Broker))
	mux.Handle("HEAD /readyz", readyHandler(services.Broker))

	if services.Metrics != nil {
		path := services.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, services.Metrics.Handler())
	}

	return mux
}

type simulationRouteConfig struct {
	owner   func(http.Handler) http.Handler
	metrics *metrics.Recorder
}

// wrap applies owner extraction and per-route latency instrumentation.
func (cfg simulationRouteConfig) wrap(route string, fn http.HandlerFunc) http.Handler {
	return cfg.metrics.InstrumentHandler(route, cfg.owner(fn))
}

func registerSimulationRoutes(mux *http.ServeMux, h *SimulationHandlers, cfg simulationRouteConfig) {
	const base = "/api/simulations"
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST " + base, h.Create},
		{"GET " + base, h.List},
		{"GET " + base + "/light", h.ListLight},
		{"DELETE " + base, h.DeleteAll},
		{"GET " + base + "/{id}", h.Get},
		{"GET " + base + "/{id}/light", h.GetLight},
		{"GET " + base + "/{id}/result", h.Result},
		{"GET " + base + "/{id}/snapshots", h.Snapshots},
		{"DELETE " + base + "/{id}", h.Delete},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, cfg.wrap(rt.pattern, rt.handler))
	}
}
