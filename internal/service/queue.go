package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/docketwatch/docketwatch/config"
	"github.com/docketwatch/docketwatch/internal/core"
	"github.com/docketwatch/docketwatch/internal/data"
	"github.com/docketwatch/docketwatch/internal/domain/model"
	apperrors "github.com/docketwatch/docketwatch/internal/errors"
	obserrors "github.com/docketwatch/docketwatch/internal/observability/errors"
	"github.com/docketwatch/docketwatch/internal/observability/metrics"
	"github.com/docketwatch/docketwatch/internal/observability/notify"
	"github.com/docketwatch/docketwatch/internal/observability/statsd"
	"github.com/docketwatch/docketwatch/internal/service/emitter"
)

// JobHandler executes one reserved job and returns its result document.
type JobHandler func(ctx context.Context, job *model.Job) (json.RawMessage, error)

// QueueServiceOptions groups dependencies for QueueService.
type QueueServiceOptions struct {
	Repo         core.JobRepository // Required: job repository
	Config       config.QueueConfig // Queue behaviour configuration
	Dedup        *DedupGuard        // Optional: duplicate-work guard
	Emitter      *emitter.Service   // Optional: lifecycle notification fan-out
	Logger       *slog.Logger       // Optional: structured logger
	Metrics      statsd.Sink        // Optional: metrics sink
	TimeProvider data.TimeProvider  // Optional: clock override for tests
}

// QueueService owns job intake and dispatch for all queues.
//
// This service manages:
// - Enqueue with payload validation and duplicate-work rejection
// - Handler registration per queue
// - Serial drain of eligible jobs in priority order
// - Retry-with-backoff and terminal failure decisions
// - Lifecycle notifications and metrics.
type QueueService struct {
	repo         core.JobRepository
	cfg          config.QueueConfig
	dedup        *DedupGuard
	emitter      *emitter.Service
	logger       *slog.Logger
	metrics      statsd.Sink
	timeProvider data.TimeProvider

	mu       sync.Mutex
	handlers map[model.QueueName]JobHandler
	draining map[model.QueueName]bool
}

// NewQueueService constructs a new QueueService.
func NewQueueService(opts QueueServiceOptions) (*QueueService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "queue_service")
		logger.Debug("QueueService initialized",
			"lease", cfg.Lease,
			"handler_timeout", cfg.HandlerTimeout,
			"retry_base_delay", cfg.RetryBaseDelay,
			"retry_max_delay", cfg.RetryMaxDelay,
		)
	}

	return &QueueService{
		repo:         opts.Repo,
		cfg:          cfg,
		dedup:        opts.Dedup,
		emitter:      opts.Emitter,
		logger:       logger,
		metrics:      opts.Metrics,
		timeProvider: tp,
		handlers:     make(map[model.QueueName]JobHandler),
		draining:     make(map[model.QueueName]bool),
	}, nil
}

// MustNewQueueService constructs a new QueueService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewQueueService(opts QueueServiceOptions) *QueueService {
	svc, err := NewQueueService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create QueueService: %v", err))
	}
	return svc
}

// Enqueue validates the request and persists a new pending job. A request
// whose dedup key matches a job already being processed short-circuits: the
// existing in-flight job is returned instead of creating a duplicate.
func (s *QueueService) Enqueue(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error) {
	if req == nil {
		return nil, apperrors.Validation("enqueue request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.validatePayloadSchema(req); err != nil {
		return nil, err
	}

	if req.MaxAttempts <= 0 {
		req.MaxAttempts = s.cfg.DefaultMaxAttempts
	}

	if s.dedup != nil {
		key, err := s.dedup.KeyFor(req.Payload)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "derive dedup key")
		}
		if key != "" {
			holder, err := s.dedup.InFlightJob(ctx, req.QueueName, key)
			if err != nil {
				return nil, err
			}
			if holder != "" {
				existing, getErr := s.repo.GetByID(ctx, holder)
				if getErr == nil && existing != nil {
					if s.logger != nil {
						s.logger.InfoContext(ctx, "duplicate trigger coalesced into in-flight job",
							"key", key, "id", existing.ID, "queue", existing.QueueName)
					}
					metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
						QueueName:  string(req.QueueName),
						Transition: "enqueue",
						Result:     metrics.ResultNoop,
					})
					return existing, nil
				}
				// The holder finished between the guard check and the fetch;
				// fall through and enqueue normally.
			}
		}
	}

	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job enqueued",
			"id", job.ID,
			"queue", job.QueueName,
			"priority", job.Priority,
			"scheduled_for", job.ScheduledFor,
		)
	}

	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		QueueName:  string(job.QueueName),
		Transition: "enqueue",
		Result:     metrics.ResultSuccess,
	})

	return job, nil
}

// validatePayloadSchema rejects malformed payloads at enqueue time instead of
// at first execution.
func (s *QueueService) validatePayloadSchema(req *model.EnqueueRequest) error {
	switch req.QueueName {
	case model.QueueCaseProcessing, model.QueueDigestDelivery:
		if _, err := model.DecodeCaseJobPayload(req.Payload); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid payload")
		}
		return nil
	default:
		return nil
	}
}

// RegisterHandler binds a handler to a queue. A queue runs exactly one
// handler; registering again replaces the previous one.
func (s *QueueService) RegisterHandler(queue model.QueueName, handler JobHandler) error {
	if !queue.Valid() {
		return apperrors.Validationf("unknown queue %q", queue)
	}
	if handler == nil {
		return apperrors.Validation("handler is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handlers[queue]; exists && s.logger != nil {
		s.logger.Warn("replacing registered handler", "queue", queue)
	}
	s.handlers[queue] = handler
	return nil
}

func (s *QueueService) handlerFor(queue model.QueueName) (JobHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[queue]
	return h, ok
}

// beginDrain marks the queue as draining. Returns false when a drain is
// already running, making Drain non-reentrant per queue.
func (s *QueueService) beginDrain(queue model.QueueName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining[queue] {
		return false
	}
	s.draining[queue] = true
	return true
}

func (s *QueueService) endDrain(queue model.QueueName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining[queue] = false
}

// Drain processes eligible jobs serially, highest priority first, until the
// queue is empty or the context ends. Overlapping drains of the same queue
// are coalesced into the running one.
func (s *QueueService) Drain(ctx context.Context, queue model.QueueName) error {
	handler, ok := s.handlerFor(queue)
	if !ok {
		return apperrors.Validationf("no handler registered for queue %q", queue)
	}

	if !s.beginDrain(queue) {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "drain already in progress", "queue", queue)
		}
		return nil
	}
	defer s.endDrain(queue)

	leaseSeconds := int(s.cfg.Lease / time.Second)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := s.repo.ReserveNext(ctx, queue, leaseSeconds)
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reserve next job: %w", err)
		}

		s.processJob(ctx, job, handler)
	}
}

// processJob runs the handler for one reserved job and settles its outcome.
// Outcome errors are absorbed here: a single bad job must not stop the drain.
func (s *QueueService) processJob(ctx context.Context, job *model.Job, handler JobHandler) {
	start := s.timeProvider.Now()

	var dedupKey string
	if s.dedup != nil {
		key, err := s.dedup.KeyFor(job.Payload)
		if err == nil && key != "" && s.dedup.Enter(job.QueueName, key, job.ID) {
			dedupKey = key
			defer s.dedup.Leave(job.QueueName, dedupKey, job.ID)
		}
	}

	s.emitEvent(ctx, job, notify.EventJobStarted, nil)
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		QueueName:  string(job.QueueName),
		Transition: "reserve",
		Result:     metrics.ResultSuccess,
	})

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go s.heartbeatLoop(heartbeatCtx, job.ID)

	handlerCtx, cancel := context.WithTimeout(ctx, s.cfg.HandlerTimeout)
	result, handlerErr := handler(handlerCtx, job)
	cancel()
	stopHeartbeat()

	elapsed := s.timeProvider.Now().Sub(start)

	if handlerErr == nil {
		s.settleSuccess(ctx, job, result, elapsed)
		return
	}
	s.settleFailure(ctx, job, handlerErr, elapsed)
}

// heartbeatLoop extends the lease on a processing job until its context is
// cancelled, so handlers slower than the lease are not requeued underneath us.
func (s *QueueService) heartbeatLoop(ctx context.Context, jobID string) {
	interval := s.cfg.Lease / 3
	if interval < time.Second {
		interval = time.Second
	}
	leaseSeconds := int(s.cfg.Lease / time.Second)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.repo.Heartbeat(ctx, jobID, leaseSeconds)
			if err != nil {
				if s.logger != nil {
					s.logger.WarnContext(ctx, "lease heartbeat failed", "id", jobID, "error", err)
				}
				continue
			}
			if !ok {
				// Job is no longer processing; nothing left to extend.
				return
			}
		}
	}
}

func (s *QueueService) settleSuccess(ctx context.Context, job *model.Job, result json.RawMessage, elapsed time.Duration) {
	completed, err := s.repo.Complete(ctx, job.ID, result)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "failed to mark job completed", "id", job.ID, "error", err)
		}
		return
	}
	if !completed {
		// The job left the processing state underneath us (lease lapse plus
		// requeue). The other copy's outcome wins.
		if s.logger != nil {
			s.logger.WarnContext(ctx, "job no longer processing at completion", "id", job.ID)
		}
		return
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job completed",
			"id", job.ID,
			"queue", job.QueueName,
			"attempts", job.Attempts,
			"elapsed", elapsed,
		)
	}

	s.emitEvent(ctx, job, notify.EventJobCompleted, nil)
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		QueueName:  string(job.QueueName),
		Transition: "complete",
		Result:     metrics.ResultSuccess,
		Duration:   elapsed,
	})
}

func (s *QueueService) settleFailure(ctx context.Context, job *model.Job, handlerErr error, elapsed time.Duration) {
	errMsg := handlerErr.Error()
	if errors.Is(handlerErr, context.DeadlineExceeded) {
		errMsg = fmt.Sprintf("handler timed out after %s", s.cfg.HandlerTimeout)
	}

	failed, err := s.repo.Fail(ctx, core.FailParams{
		JobID:      job.ID,
		ErrMsg:     errMsg,
		RetryDelay: s.backoffDelay(job.Attempts),
	})
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "failed to record job failure", "id", job.ID, "error", err)
		}
		return
	}
	if failed == nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "job no longer processing at failure", "id", job.ID)
		}
		return
	}

	terminal := failed.Status == model.JobStatusFailed
	event := notify.EventJobRetrying
	transition := "retry"
	result := metrics.ResultRetry
	if terminal {
		event = notify.EventJobFailed
		transition = "fail"
		result = metrics.ResultError
	}

	if s.logger != nil {
		s.logger.WarnContext(ctx, "job handler failed",
			"id", job.ID,
			"queue", job.QueueName,
			"attempts", failed.Attempts,
			"max_attempts", failed.MaxAttempts,
			"terminal", terminal,
			"error", errMsg,
		)
	}

	s.emitEvent(ctx, failed, event, handlerErr)
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		QueueName:  string(job.QueueName),
		Transition: transition,
		Result:     result,
		Duration:   elapsed,
		Err:        handlerErr,
	})
}

// backoffDelay returns base * 2^(attempts-1) capped at the configured
// maximum. Attempts are counted at reservation, so the first retry waits one
// base delay.
func (s *QueueService) backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	exp := float64(s.cfg.RetryBaseDelay) * math.Pow(2, float64(attempts-1))
	if exp > float64(s.cfg.RetryMaxDelay) || exp <= 0 {
		return s.cfg.RetryMaxDelay
	}
	return time.Duration(exp)
}

func (s *QueueService) emitEvent(ctx context.Context, job *model.Job, event string, cause error) {
	if s.emitter == nil || !s.emitter.Enabled() {
		return
	}

	payload := notify.JobEventPayload{
		Event:       event,
		JobID:       job.ID,
		QueueName:   string(job.QueueName),
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		OccurredAt:  s.timeProvider.Now(),
	}
	if cause != nil {
		payload.Error = cause.Error()
		payload.ErrorClass = obserrors.Classify(cause)
	}
	if event == notify.EventJobFailed {
		payload.Severity = notify.SeverityCritical
	}
	if cp, err := model.DecodeCaseJobPayload(job.Payload); err == nil {
		payload.CaseID = cp.CaseID
	}

	s.emitter.Emit(ctx, payload)
}

// Run drains the queue, then blocks for a new-job notification (with a tick
// fallback) and drains again, until the context is cancelled. Returns nil on
// graceful shutdown.
func (s *QueueService) Run(ctx context.Context, queue model.QueueName) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting queue worker",
			"queue", queue,
			"tick_interval", s.cfg.TickInterval,
		)
	}

	for {
		if err := s.Drain(ctx, queue); err != nil {
			if isContextCancellation(err) {
				return s.shutdownResult(ctx, queue)
			}
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "drain failed", "queue", queue, "error", err)
			}
		}

		// Retries can come due while the pass above was settling its last
		// job; skip the wait when something is already drainable.
		if ready, err := s.repo.HasEligiblePending(ctx, queue); err == nil && ready {
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.TickInterval)
		err := s.repo.WaitForNotification(waitCtx, queue)
		cancel()

		if ctx.Err() != nil {
			return s.shutdownResult(ctx, queue)
		}
		if err != nil && !isContextCancellation(err) {
			if s.logger != nil {
				s.logger.WarnContext(ctx, "notification wait failed, falling back to tick",
					"queue", queue, "error", err)
			}
			select {
			case <-ctx.Done():
				return s.shutdownResult(ctx, queue)
			case <-time.After(s.cfg.TickInterval):
			}
		}
	}
}

func (s *QueueService) shutdownResult(ctx context.Context, queue model.QueueName) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "queue worker stopping", "queue", queue, "reason", ctx.Err())
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// Stats returns per-status job counts for a queue.
func (s *QueueService) Stats(ctx context.Context, queue model.QueueName) (*model.QueueStats, error) {
	stats, err := s.repo.Stats(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("get queue stats for %s: %w", queue, err)
	}

	if s.metrics != nil {
		metrics.EmitQueueDepth(s.metrics, string(queue), map[string]int64{
			"pending":    int64(stats.Pending),
			"processing": int64(stats.Processing),
			"completed":  int64(stats.Completed),
			"failed":     int64(stats.Failed),
		})
	}

	return stats, nil
}

// GetStatus returns the status view for a specific job.
func (s *QueueService) GetStatus(ctx context.Context, id string) (*model.JobStatusView, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	return &model.JobStatusView{
		Status:      job.Status,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		CompletedAt: job.CompletedAt,
		FailedAt:    job.FailedAt,
		LastError:   job.LastError,
	}, nil
}

// GetByID returns a job by its ID.
func (s *QueueService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job by id %s: %w", id, err)
	}
	return job, nil
}

// Requeue returns a terminally failed job to pending with a fresh attempt
// budget. Operator tooling only.
func (s *QueueService) Requeue(ctx context.Context, id string) (bool, error) {
	requeued, err := s.repo.Requeue(ctx, id, s.cfg.DefaultMaxAttempts)
	if err != nil {
		return false, fmt.Errorf("requeue job %s: %w", id, err)
	}
	if requeued && s.logger != nil {
		s.logger.InfoContext(ctx, "job requeued", "id", id)
	}
	return requeued, nil
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
