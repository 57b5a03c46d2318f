// Package model defines the core data types shared across the docketwatch worker.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// QueueName identifies a logical job queue.
type QueueName string

// JobStatus represents the current lifecycle state of a job.
type JobStatus string

const (
	// QueueCaseProcessing carries case-analysis pipeline jobs.
	QueueCaseProcessing QueueName = "case-processing"
	// QueueDigestDelivery carries standalone digest delivery jobs.
	QueueDigestDelivery QueueName = "digest-delivery"

	// JobStatusPending indicates a job is waiting to be drained.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing indicates a job is currently being handled.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates a job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job exhausted its attempts.
	JobStatusFailed JobStatus = "failed"
)

// ErrNoJobsAvailable is returned when no eligible jobs remain in a queue.
var ErrNoJobsAvailable = errors.New("no jobs available")

// UnmarshalText implements encoding.TextUnmarshaler for QueueName to allow env parsing.
func (q *QueueName) UnmarshalText(text []byte) error {
	v := QueueName(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid queue name: %q", string(text))
	}
	*q = v
	return nil
}

// Valid returns true if the queue name is one this deployment drains.
func (q QueueName) Valid() bool {
	return q == QueueCaseProcessing || q == QueueDigestDelivery
}

// AllQueues returns every queue this deployment drains.
func AllQueues() []QueueName {
	return []QueueName{QueueCaseProcessing, QueueDigestDelivery}
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusProcessing ||
		s == JobStatusCompleted || s == JobStatusFailed
}

// Terminal reports whether the status is an end state; processing never is.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one durable unit of queued work.
type Job struct {
	ID             string          `json:"id"                         db:"id"`
	QueueName      QueueName       `json:"queue_name"                 db:"queue_name"`
	Status         JobStatus       `json:"status"                     db:"status"`
	Priority       int             `json:"priority"                   db:"priority"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	Attempts       int             `json:"attempts"                   db:"attempts"`
	MaxAttempts    int             `json:"max_attempts"               db:"max_attempts"`
	ScheduledFor   time.Time       `json:"scheduled_for"              db:"scheduled_for"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"        db:"failed_at"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	Result         json.RawMessage `json:"result,omitempty"           db:"result"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// AttemptsRemaining reports whether a failed handler run may still be retried.
func (j *Job) AttemptsRemaining() bool {
	return j.Attempts < j.MaxAttempts
}

// EnqueueRequest describes a job to be created.
type EnqueueRequest struct {
	QueueName   QueueName       `json:"queue_name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts"`
	Delay       time.Duration   `json:"delay,omitempty"`
}

// Validate checks the EnqueueRequest fields.
func (r *EnqueueRequest) Validate() error {
	if !r.QueueName.Valid() {
		return errors.New("invalid queue name")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if !json.Valid(r.Payload) {
		return errors.New("payload must be valid JSON")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.MaxAttempts < 0 {
		return errors.New("max attempts must be >= 0")
	}
	if r.Delay < 0 {
		return errors.New("delay must be >= 0")
	}
	return nil
}

// QueueStats counts jobs per lifecycle state for one queue.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// JobStatusView is the trimmed status surface exposed by the admin CLI.
type JobStatusView struct {
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}
