package config

import "time"

// QueueConfig contains queue worker configuration.
type QueueConfig struct {
	// Lease is the reservation lease on a processing job. Jobs whose lease
	// lapses are requeued by the next reservation pass.
	Lease time.Duration `env:"QUEUE_LEASE" envDefault:"6m"`

	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration `env:"QUEUE_HANDLER_TIMEOUT" envDefault:"5m"`

	// DefaultMaxAttempts is the attempt budget for jobs enqueued without one.
	DefaultMaxAttempts int `env:"QUEUE_DEFAULT_MAX_ATTEMPTS" envDefault:"3"`

	// RetryBaseDelay is the base for exponential retry backoff.
	RetryBaseDelay time.Duration `env:"QUEUE_RETRY_BASE_DELAY" envDefault:"30s"`

	// RetryMaxDelay caps the exponential retry backoff.
	RetryMaxDelay time.Duration `env:"QUEUE_RETRY_MAX_DELAY" envDefault:"15m"`

	// TickInterval is the fallback drain interval when no pg_notify wakeup
	// arrives.
	TickInterval time.Duration `env:"QUEUE_TICK_INTERVAL" envDefault:"15s"`

	// DedupKeyExpression is the JMESPath expression deriving the dedup key
	// from a job payload.
	DedupKeyExpression string `env:"QUEUE_DEDUP_KEY_EXPRESSION" envDefault:"case_id"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	if q.Lease < 10*time.Second {
		q.Lease = 10 * time.Second
	}
	if q.HandlerTimeout < 1*time.Second {
		q.HandlerTimeout = 1 * time.Second
	}
	// The lease must outlive the handler, or a slow handler's job gets
	// requeued while it is still running.
	if q.Lease <= q.HandlerTimeout {
		q.Lease = q.HandlerTimeout + time.Minute
	}
	if q.DefaultMaxAttempts < 1 {
		q.DefaultMaxAttempts = 1
	}
	if q.RetryBaseDelay <= 0 {
		q.RetryBaseDelay = 30 * time.Second
	}
	if q.RetryMaxDelay < q.RetryBaseDelay {
		q.RetryMaxDelay = q.RetryBaseDelay
	}
	if q.TickInterval < time.Second {
		q.TickInterval = time.Second
	}
}

// DependencyGuardConfig holds per-dependency rate ceilings and breaker
// settings. Zero values inherit the guard-wide defaults.
type DependencyGuardConfig struct {
	PerMinute        int           `env:"PER_MINUTE"        envDefault:"0"`
	PerHour          int           `env:"PER_HOUR"          envDefault:"0"`
	BreakerThreshold int           `env:"BREAKER_THRESHOLD" envDefault:"0"`
	BreakerCooldown  time.Duration `env:"BREAKER_COOLDOWN"  envDefault:"0s"`
}

// GuardConfig contains circuit breaker and rate limiter configuration for
// external dependencies.
type GuardConfig struct {
	// BreakerThreshold is the consecutive-failure count that opens a circuit.
	BreakerThreshold int `env:"GUARD_BREAKER_THRESHOLD" envDefault:"5"`

	// BreakerCooldown is how long an open circuit rejects before probing.
	BreakerCooldown time.Duration `env:"GUARD_BREAKER_COOLDOWN" envDefault:"60s"`

	// DefaultPerMinute and DefaultPerHour are the rolling-window ceilings for
	// dependencies without explicit limits.
	DefaultPerMinute int `env:"GUARD_DEFAULT_PER_MINUTE" envDefault:"30"`
	DefaultPerHour   int `env:"GUARD_DEFAULT_PER_HOUR"   envDefault:"500"`

	// Per-dependency overrides.
	Docket     DependencyGuardConfig `envPrefix:"GUARD_DOCKET_"`
	Search     DependencyGuardConfig `envPrefix:"GUARD_SEARCH_"`
	Extractor  DependencyGuardConfig `envPrefix:"GUARD_EXTRACTOR_"`
	Summarizer DependencyGuardConfig `envPrefix:"GUARD_SUMMARIZER_"`
	Mail       DependencyGuardConfig `envPrefix:"GUARD_MAIL_"`

	// MaxWaitAttempts bounds the rate-limit wait loop per call.
	MaxWaitAttempts int `env:"GUARD_MAX_WAIT_ATTEMPTS" envDefault:"10"`
}

// Sanitize applies guardrails to guard configuration values.
func (g *GuardConfig) Sanitize() {
	if g.BreakerThreshold < 1 {
		g.BreakerThreshold = 1
	}
	if g.BreakerCooldown < time.Second {
		g.BreakerCooldown = time.Second
	}
	if g.DefaultPerMinute < 1 {
		g.DefaultPerMinute = 1
	}
	if g.DefaultPerHour < g.DefaultPerMinute {
		g.DefaultPerHour = g.DefaultPerMinute
	}
	if g.MaxWaitAttempts < 1 {
		g.MaxWaitAttempts = 1
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is the maximum age for pending jobs before they are marked as failed.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"24h"`

	// CompletedMaxAge is the maximum age for completed jobs before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed jobs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"720h"` // 30 days

	// JobResultsMaxAge is the maximum age for persisted job_results rows
	// before deletion. These rows keep pipeline history after their jobs are
	// reaped.
	JobResultsMaxAge time.Duration `env:"REAPER_JOB_RESULTS_MAX_AGE" envDefault:"2160h"` // 90 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}
	if r.JobResultsMaxAge < 24*time.Hour {
		r.JobResultsMaxAge = 24 * time.Hour
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
