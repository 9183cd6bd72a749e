package httpx

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCompression(t *testing.T) {
	payload := `{"pollutants":"` + strings.Repeat("0.125,", 2000) + `"}`

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, payload)
	})

	tests := []struct {
		name           string
		acceptEncoding string
		expectGzip     bool
	}{
		{name: "client accepts gzip", acceptEncoding: "gzip, deflate", expectGzip: true},
		{name: "client does not accept gzip", acceptEncoding: "deflate", expectGzip: false},
		{name: "no accept-encoding header", acceptEncoding: "", expectGzip: false},
	}

	mw, err := Compression(CompressionConfig{Level: 6})
	if err != nil {
		t.Fatalf("Compression: %v", err)
	}
	wrapped := mw(handler)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/simulation/1/result", nil)
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}
			rec := httptest.NewRecorder()

			wrapped.ServeHTTP(rec, req)

			gotGzip := rec.Header().Get("Content-Encoding") == "gzip"
			if gotGzip != tt.expectGzip {
				t.Fatalf("gzip = %v, want %v", gotGzip, tt.expectGzip)
			}

			body := rec.Body.Bytes()
			if gotGzip {
				zr, err := gzip.NewReader(rec.Body)
				if err != nil {
					t.Fatalf("gzip reader: %v", err)
				}
				body, err = io.ReadAll(zr)
				if err != nil {
					t.Fatalf("read gzip body: %v", err)
				}
			}
			if string(body) != payload {
				t.Fatalf("body mismatch: got %d bytes, want %d", len(body), len(payload))
			}
		})
	}
}

func TestCompressionSkipsSmallResponses(t *testing.T) {
	mw, err := Compression(CompressionConfig{MinSize: 4096})
	if err != nil {
		t.Fatalf("Compression: %v", err)
	}
	wrapped := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "pending"})
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/simulation/1/light", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if enc := rec.Header().Get("Content-Encoding"); enc != "" {
		t.Fatalf("expected uncompressed response, got %q", enc)
	}
}
