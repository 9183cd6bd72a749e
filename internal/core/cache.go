// Package core defines the repository ports of the simulation job system and
// the small services that sit directly on top of them.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
)

// CacheRepository defines the interface for caching operations.
type CacheRepository interface {
	// Set stores a value in the cache with the given key and TTL.
	// If TTL is 0, the key will not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value from the cache by key.
	// Returns nil if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key from the cache.
	// Returns true if the key was deleted, false if it didn't exist.
	Delete(ctx context.Context, key string) (bool, error)

	// Health checks the health of the cache connection.
	Health(ctx context.Context) error
}

// JobCacheConfig holds configuration for job summary caching.
type JobCacheConfig struct {
	TTL time.Duration `json:"ttl"`
}

// DefaultJobCacheConfig returns a JobCacheConfig with sensible defaults.
func DefaultJobCacheConfig() JobCacheConfig {
	return JobCacheConfig{TTL: 10 * time.Minute}
}

// JobCacheService caches blob-free summaries of terminal jobs. A terminal job
// never changes again, so only deletion needs to invalidate an entry.
type JobCacheService struct {
	cache CacheRepository
	ttl   time.Duration
}

// NewJobCacheService creates a new JobCacheService. A nil cache yields a
// service whose lookups always miss.
func NewJobCacheService(cache CacheRepository, cfg JobCacheConfig) *JobCacheService {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultJobCacheConfig().TTL
	}
	return &JobCacheService{cache: cache, ttl: cfg.TTL}
}

// GetSummary returns the cached summary for id, or nil on a miss.
func (s *JobCacheService) GetSummary(ctx context.Context, id int64) (*model.JobSummary, error) {
	if s == nil || s.cache == nil {
		return nil, nil
	}
	raw, err := s.cache.Get(ctx, jobSummaryKey(id))
	if err != nil || len(raw) == 0 {
		return nil, err
	}
	var summary model.JobSummary
	if err = json.Unmarshal(raw, &summary); err != nil {
		return nil, fmt.Errorf("decode cached job summary: %w", err)
	}
	return &summary, nil
}

// StoreSummary caches summary if the job is terminal; pending jobs are skipped.
func (s *JobCacheService) StoreSummary(ctx context.Context, summary *model.JobSummary) error {
	if s == nil || s.cache == nil || summary == nil || !summary.Status.Terminal() {
		return nil
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode job summary: %w", err)
	}
	return s.cache.Set(ctx, jobSummaryKey(summary.ID), raw, s.ttl)
}

// Invalidate removes the cached summary of id.
func (s *JobCacheService) Invalidate(ctx context.Context, id int64) error {
	if s == nil || s.cache == nil {
		return nil
	}
	_, err := s.cache.Delete(ctx, jobSummaryKey(id))
	return err
}

// JobSummaryKeyPattern matches every cached job summary, before the
// repository prefix is applied.
const JobSummaryKeyPattern = jobSummaryKeyPrefix + "*"

const jobSummaryKeyPrefix = "simjob:summary:"

func jobSummaryKey(id int64) string {
	return jobSummaryKeyPrefix + strconv.FormatInt(id, 10)
}
