// Package core declares the ports the docketwatch services depend on.
// Implementations live in internal/data (storage) or are supplied by the
// deployment (external dependencies).
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/docketwatch/docketwatch/internal/domain/model"
)

// FailParams captures a handler failure for the job store's retry-or-fail
// decision. RetryDelay is the backoff applied when attempts remain.
type FailParams struct {
	JobID      string
	ErrMsg     string
	RetryDelay time.Duration
}

// JobRepository is the durable job store contract.
type JobRepository interface {
	// Create persists a pending job and signals queue listeners.
	Create(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error)
	// ReserveNext atomically reserves the highest-priority eligible pending
	// job (scheduled_for <= now, priority desc, created_at asc), marks it
	// processing, increments attempts, and sets a lease. Returns
	// model.ErrNoJobsAvailable when the queue is drained.
	ReserveNext(ctx context.Context, queue model.QueueName, leaseSeconds int) (*model.Job, error)
	// Complete marks a processing job completed and stores its result.
	Complete(ctx context.Context, id string, result json.RawMessage) (bool, error)
	// Fail records a handler failure: reverts to pending with the backoff
	// delay while attempts remain, otherwise marks the job terminally failed.
	Fail(ctx context.Context, params FailParams) (*model.Job, error)
	// Heartbeat extends the lease on a processing job.
	Heartbeat(ctx context.Context, id string, leaseSeconds int) (bool, error)
	// GetByID returns a job by id.
	GetByID(ctx context.Context, id string) (*model.Job, error)
	// HasEligiblePending reports whether more drainable jobs remain.
	HasEligiblePending(ctx context.Context, queue model.QueueName) (bool, error)
	// FindProcessingByPayloadField returns a processing job whose payload
	// field matches the given value, if one exists. Used by the dedup guard
	// to survive restarts of its in-memory set.
	FindProcessingByPayloadField(ctx context.Context, queue model.QueueName, field, value string) (*model.Job, error)
	// Stats returns per-status job counts for a queue.
	Stats(ctx context.Context, queue model.QueueName) (*model.QueueStats, error)
	// Requeue returns a terminally failed job to pending with a fresh
	// attempt budget. Operator-only.
	Requeue(ctx context.Context, id string, maxAttempts int) (bool, error)
	// WaitForNotification blocks until a job is added to the queue or the
	// context ends.
	WaitForNotification(ctx context.Context, queue model.QueueName) error
}

// UpsertJobResultParams stores an execution result snapshot for a job.
type UpsertJobResultParams struct {
	JobID     string
	QueueName model.QueueName
	Result    json.RawMessage
}

// JobResultRepository persists incremental pipeline results.
type JobResultRepository interface {
	Upsert(ctx context.Context, params UpsertJobResultParams) error
	GetByJobID(ctx context.Context, jobID string) (*model.JobResult, error)
}

// ReaperRepository is the cleanup surface the reaper drives.
type ReaperRepository interface {
	FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
	DeleteOldJobResults(ctx context.Context, params DeleteOldJobResultsParams) (int64, error)
}

// DeleteOldJobsParams bounds one batch of terminal-job deletion.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// DeleteOldJobResultsParams bounds one batch of job-result deletion.
type DeleteOldJobResultsParams struct {
	QueueName model.QueueName
	MaxAge    time.Duration
	BatchSize int
}

// CacheRepository is a TTL byte cache (redis-backed in production).
type CacheRepository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
}

// DocketClient fetches case records from the docket dependency.
type DocketClient interface {
	FetchCase(ctx context.Context, caseID string) (*model.CaseRecord, error)
}

// SearchClient queries the legal search dependency for related authorities.
type SearchClient interface {
	SearchAuthorities(ctx context.Context, caseRecord *model.CaseRecord) ([]model.Authority, error)
}

// DocumentExtractor extracts text from a case document.
type DocumentExtractor interface {
	ExtractText(ctx context.Context, doc model.CaseDocument) (string, error)
}

// Summarizer produces a case analysis from excerpts and authorities.
type Summarizer interface {
	Summarize(ctx context.Context, input SummarizeInput) (*model.CaseSummary, error)
}

// SummarizeInput is the material handed to the summarization dependency.
type SummarizeInput struct {
	CaseRecord  *model.CaseRecord
	Authorities []model.Authority
	Excerpts    []model.DocumentExcerpt
}

// DigestMessage is an outbound digest email.
type DigestMessage struct {
	Recipient string
	Subject   string
	Body      string
}

// MailSender delivers digest emails via the email dependency.
type MailSender interface {
	Send(ctx context.Context, msg DigestMessage) error
}
