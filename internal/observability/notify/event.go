package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityInfo     = "info"
)

// Event names emitted over the job lifecycle.
const (
	EventJobStarted   = "job_started"
	EventJobCompleted = "job_completed"
	EventJobRetrying  = "job_retrying"
	EventJobFailed    = "job_failed"
)

// JobEventPayload captures the canonical data we emit for job lifecycle
// notifications.
type JobEventPayload struct {
	Event       string
	JobID       string
	QueueName   string
	CaseID      string
	Attempts    int
	MaxAttempts int
	Error       string
	ErrorClass  string
	Severity    string
	Degraded    []string
	OccurredAt  time.Time
	Metadata    map[string]string
}

// Sink describes a destination capable of consuming job lifecycle notifications.
type Sink interface {
	SendJobEvent(ctx context.Context, payload JobEventPayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload JobEventPayload) error

// SendJobEvent implements the Sink interface.
func (f SinkFunc) SendJobEvent(ctx context.Context, payload JobEventPayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
