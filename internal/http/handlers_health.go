package httpx

import (
	"io"
	"net/http"
)

const (
	healthResponse   = `{"status":"ok"}`
	degradedResponse = `{"status":"unavailable","broker":"disconnected"}`
)

// ConnectionChecker reports whether the broker connection is live.
type ConnectionChecker interface {
	IsConnected() bool
}

// healthHandler returns a simple 200 OK status for liveness checks.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, r, http.StatusOK, healthResponse)
}

// readyHandler reports 503 while the broker connection is down so that
// traffic is not routed to an instance that cannot dispatch.
func readyHandler(broker ConnectionChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if broker != nil && !broker.IsConnected() {
			writeHealth(w, r, http.StatusServiceUnavailable, degradedResponse)
			return
		}
		writeHealth(w, r, http.StatusOK, healthResponse)
	}
}

func writeHealth(w http.ResponseWriter, r *http.Request, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.WriteString(w, body); err != nil {
		// Nothing more to do if the client connection is gone.
		return
	}
}
