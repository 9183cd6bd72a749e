package config

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// OwnerHeader names the request header carrying the caller's user id.
	// It is set by the upstream gateway after authentication.
	OwnerHeader string `env:"HTTP_OWNER_HEADER" envDefault:"X-User-ID"`

	// MaxBodyBytes caps the size of a submitted simulation request.
	MaxBodyBytes int64 `env:"HTTP_MAX_BODY_BYTES" envDefault:"8388608"`

	// CompressionEnabled gzips JSON responses for clients that accept it.
	CompressionEnabled bool `env:"HTTP_COMPRESSION_ENABLED" envDefault:"true"`

	// CompressionLevel is the gzip level (1-9).
	CompressionLevel int `env:"HTTP_COMPRESSION_LEVEL" envDefault:"5"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.OwnerHeader == "" {
		h.OwnerHeader = "X-User-ID"
	}
	if h.MaxBodyBytes <= 0 {
		h.MaxBodyBytes = 8 << 20
	}
	if h.CompressionLevel < 1 || h.CompressionLevel > 9 {
		h.CompressionLevel = 5
	}
}
