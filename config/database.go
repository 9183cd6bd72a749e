package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"simtracker"`
	Password string `env:"PASSWORD"                envDefault:"simtracker"`
	Name     string `env:"NAME"                    envDefault:"simtracker"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration.
// Redis is optional; leave URI empty to run without the job summary cache.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:""`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:""`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// Enabled reports whether any Redis topology has been configured.
func (r *RedisConfig) Enabled() bool {
	return r.URI != "" || (r.UseSentinel && len(r.SentinelNodes) > 0) || (r.UseCluster && len(r.ClusterNodes) > 0)
}

// CacheConfig contains cache configuration (Redis-based).
type CacheConfig struct {
	// JobTTL is the TTL for cached summaries of finished jobs.
	JobTTL time.Duration `env:"CACHE_JOB_TTL" envDefault:"10m"`
}

// Sanitize applies guardrails to cache configuration values.
func (c *CacheConfig) Sanitize() {
	if c.JobTTL < 0 {
		c.JobTTL = 0
	}
}
