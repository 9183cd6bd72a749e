package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server together with the dispatcher and reply router.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeReaper runs the pending sweep and retention cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: http, reaper)", serviceName)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// ReaperConfig contains job reaper service configuration.
//
// Every max age defaults to zero, which disables that step. Jobs whose reply
// never arrives stay pending until PendingMaxAge is set explicitly.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is the age after which a pending job is moved to timeExceeded.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"0"`

	// CompletedMaxAge is the maximum age for completed jobs before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"0"`

	// FailedMaxAge is the maximum age for failed jobs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"0"`

	// TimeExceededMaxAge is the maximum age for timed out jobs before deletion.
	TimeExceededMaxAge time.Duration `env:"REAPER_TIME_EXCEEDED_MAX_AGE" envDefault:"0"`

	// BatchSize is the maximum number of rows to process per operation.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"500"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}

	// Enabled thresholds get a floor; zero keeps the step disabled.
	r.PendingMaxAge = floorIfEnabled(r.PendingMaxAge, 5*time.Minute)
	r.CompletedMaxAge = floorIfEnabled(r.CompletedMaxAge, 1*time.Hour)
	r.FailedMaxAge = floorIfEnabled(r.FailedMaxAge, 1*time.Hour)
	r.TimeExceededMaxAge = floorIfEnabled(r.TimeExceededMaxAge, 1*time.Hour)

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}

// PendingSweepEnabled reports whether stale pending jobs are moved to timeExceeded.
func (r *ReaperConfig) PendingSweepEnabled() bool {
	return r.PendingMaxAge > 0
}

func floorIfEnabled(v, floor time.Duration) time.Duration {
	if v <= 0 {
		return 0
	}
	if v < floor {
		return floor
	}
	return v
}
