package data

import (
	"database/sql"
	"errors"
	"log/slog"
)

var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotRequeueable is returned when requeueing a job that is not
	// terminally failed.
	ErrJobNotRequeueable = errors.New("job cannot be requeued (must be in failed status)")
	// ErrJobResultsNotFound is returned when no result row exists for a job.
	ErrJobResultsNotFound = errors.New("job results not found")
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides durable job storage on PostgreSQL.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a JobRepo with the given database handle and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  queue_name,
  status,
  priority,
  payload,
  attempts,
  max_attempts,
  scheduled_for,
  started_at,
  completed_at,
  failed_at,
  last_error,
  result,
  lease_expires_at,
  created_at,
  updated_at
`
