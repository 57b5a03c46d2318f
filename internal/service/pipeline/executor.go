// Package pipeline runs the staged case-processing flow: each stage records
// an ok, degraded, or fatal result, the accumulated context is persisted
// after every stage, and a fatal stage aborts the run.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docketwatch/docketwatch/internal/core"
	"github.com/docketwatch/docketwatch/internal/data"
	"github.com/docketwatch/docketwatch/internal/domain/model"
	"github.com/docketwatch/docketwatch/internal/observability/metrics"
	"github.com/docketwatch/docketwatch/internal/observability/statsd"
	"github.com/docketwatch/docketwatch/internal/service"
)

// Stage is one named step of a pipeline.
type Stage struct {
	Name string
	Run  func(ctx context.Context, pctx *model.PipelineContext) model.StageResult
}

// ExecutorOptions groups dependencies for Executor.
type ExecutorOptions struct {
	Stages       []Stage                  // Required: stages in execution order
	Results      core.JobResultRepository // Optional: per-stage snapshot persistence
	Logger       *slog.Logger             // Optional: structured logger
	Metrics      statsd.Sink              // Optional: metrics sink
	TimeProvider data.TimeProvider        // Optional: clock override for tests
}

// Executor runs a fixed stage list over a job's pipeline context.
type Executor struct {
	stages       []Stage
	results      core.JobResultRepository
	logger       *slog.Logger
	metrics      statsd.Sink
	timeProvider data.TimeProvider
}

// NewExecutor constructs an Executor.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if len(opts.Stages) == 0 {
		return nil, errors.New("at least one stage is required")
	}
	seen := make(map[string]bool, len(opts.Stages))
	for _, st := range opts.Stages {
		if st.Name == "" || st.Run == nil {
			return nil, errors.New("every stage needs a name and a run function")
		}
		if seen[st.Name] {
			return nil, fmt.Errorf("duplicate stage name %q", st.Name)
		}
		seen[st.Name] = true
	}

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "pipeline_executor")
	}

	return &Executor{
		stages:       opts.Stages,
		results:      opts.Results,
		logger:       logger,
		metrics:      opts.Metrics,
		timeProvider: tp,
	}, nil
}

// Execute runs all stages for the job. The returned context always holds
// every stage that ran, including the fatal one; err is non-nil only when a
// stage was fatal.
func (e *Executor) Execute(ctx context.Context, job *model.Job) (*model.PipelineContext, error) {
	pctx := model.NewPipelineContext(job.ID, e.timeProvider.Now())
	if payload, err := model.DecodeCaseJobPayload(job.Payload); err == nil {
		pctx.CaseID = payload.CaseID
		pctx.Trigger = payload.Trigger
		pctx.Recipient = payload.Recipient
	}

	for _, stage := range e.stages {
		if err := ctx.Err(); err != nil {
			return pctx, err
		}

		start := e.timeProvider.Now()
		result := stage.Run(ctx, pctx)
		result.DurationMs = e.timeProvider.Now().Sub(start).Milliseconds()

		pctx.Record(stage.Name, result)
		e.persistSnapshot(ctx, job, pctx)

		metrics.EmitStage(e.metrics, metrics.StageMetric{
			Stage:    stage.Name,
			Status:   string(result.Status),
			Duration: e.timeProvider.Now().Sub(start),
		})

		switch result.Status {
		case model.StageFatal:
			if e.logger != nil {
				e.logger.WarnContext(ctx, "pipeline stage fatal",
					"job_id", job.ID,
					"case_id", pctx.CaseID,
					"stage", stage.Name,
					"error", result.Error,
				)
			}
			return pctx, fmt.Errorf("stage %s: %s", stage.Name, result.Error)
		case model.StageDegraded:
			if e.logger != nil {
				e.logger.WarnContext(ctx, "pipeline stage degraded",
					"job_id", job.ID,
					"case_id", pctx.CaseID,
					"stage", stage.Name,
					"reason", result.Reason,
				)
			}
		case model.StageOk:
			if e.logger != nil {
				e.logger.DebugContext(ctx, "pipeline stage ok",
					"job_id", job.ID,
					"stage", stage.Name,
					"duration_ms", result.DurationMs,
				)
			}
		}
	}

	return pctx, nil
}

// persistSnapshot stores the accumulated context so progress survives a
// worker crash mid-pipeline. Persistence failures are logged, not fatal.
func (e *Executor) persistSnapshot(ctx context.Context, job *model.Job, pctx *model.PipelineContext) {
	if e.results == nil {
		return
	}

	raw, err := json.Marshal(pctx)
	if err != nil {
		if e.logger != nil {
			e.logger.ErrorContext(ctx, "failed to encode pipeline context", "job_id", job.ID, "error", err)
		}
		return
	}

	if err := e.results.Upsert(ctx, core.UpsertJobResultParams{
		JobID:     job.ID,
		QueueName: job.QueueName,
		Result:    raw,
	}); err != nil && e.logger != nil {
		e.logger.ErrorContext(ctx, "failed to persist pipeline snapshot", "job_id", job.ID, "error", err)
	}
}

// Handler adapts the executor to the queue's JobHandler contract. The
// pipeline context is the job's result document.
func (e *Executor) Handler() service.JobHandler {
	return func(ctx context.Context, job *model.Job) (json.RawMessage, error) {
		pctx, execErr := e.Execute(ctx, job)

		raw, err := json.Marshal(pctx)
		if err != nil {
			raw = nil
		}
		if execErr != nil {
			return raw, execErr
		}
		return raw, nil
	}
}
