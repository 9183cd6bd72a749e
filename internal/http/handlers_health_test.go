package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubChecker bool

func (s stubChecker) IsConnected() bool { return bool(s) }

func TestHealthAndReadiness(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		handler    http.HandlerFunc
		wantStatus int
		wantBody   string
	}{
		{"liveness", http.MethodGet, healthHandler, http.StatusOK, healthResponse},
		{"liveness head has no body", http.MethodHead, healthHandler, http.StatusOK, ""},
		{"ready when broker connected", http.MethodGet, readyHandler(stubChecker(true)), http.StatusOK, healthResponse},
		{"ready without broker", http.MethodGet, readyHandler(nil), http.StatusOK, healthResponse},
		{
			"not ready while broker down", http.MethodGet, readyHandler(stubChecker(false)),
			http.StatusServiceUnavailable, degradedResponse,
		},
		{"not ready head", http.MethodHead, readyHandler(stubChecker(false)), http.StatusServiceUnavailable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(tt.method, "/", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantBody, rec.Body.String())
		})
	}
}
