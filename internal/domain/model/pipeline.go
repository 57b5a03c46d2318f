package model

import (
	"encoding/json"
	"time"
)

// StageStatus discriminates the outcome of one pipeline stage.
type StageStatus string

const (
	// StageOk means the stage produced its value normally.
	StageOk StageStatus = "ok"
	// StageDegraded means the stage failed but substituted a defined fallback.
	StageDegraded StageStatus = "degraded"
	// StageFatal means the stage failed in a way that must abort the pipeline.
	StageFatal StageStatus = "fatal"
)

// StageResult is the outcome of a single pipeline stage.
//
// Exactly one shape is populated per status: Ok carries Value, Degraded
// carries Value plus Reason, Fatal carries Error.
type StageResult struct {
	Status     StageStatus     `json:"status"`
	Value      json.RawMessage `json:"value,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// OkResult builds an Ok stage result. Marshal failures become Fatal so a
// broken value never masquerades as success.
func OkResult(value any) StageResult {
	raw, err := json.Marshal(value)
	if err != nil {
		return FatalResult(err)
	}
	return StageResult{Status: StageOk, Value: raw}
}

// DegradedResult builds a Degraded stage result with a fallback value and the
// reason the primary path was abandoned.
func DegradedResult(fallback any, reason string) StageResult {
	raw, err := json.Marshal(fallback)
	if err != nil {
		return FatalResult(err)
	}
	return StageResult{Status: StageDegraded, Value: raw, Reason: reason}
}

// FatalResult builds a Fatal stage result from an error.
func FatalResult(err error) StageResult {
	msg := "stage failed"
	if err != nil {
		msg = err.Error()
	}
	return StageResult{Status: StageFatal, Error: msg}
}

// Fatal reports whether the result aborts the pipeline.
func (r StageResult) Fatal() bool {
	return r.Status == StageFatal
}

// Decode unmarshals the stage value into out.
func (r StageResult) Decode(out any) error {
	return json.Unmarshal(r.Value, out)
}

// PipelineContext is the shared, accumulating state a pipeline run threads
// through its stages. Stage results are append-only: a stage name is written
// at most once, in execution order.
type PipelineContext struct {
	JobID      string                 `json:"job_id"`
	CaseID     string                 `json:"case_id"`
	Trigger    string                 `json:"trigger,omitempty"`
	Recipient  string                 `json:"recipient,omitempty"`
	StageOrder []string               `json:"stage_order"`
	Stages     map[string]StageResult `json:"stages"`
	StartedAt  time.Time              `json:"started_at"`
}

// NewPipelineContext creates an empty context for a job.
func NewPipelineContext(jobID string, now time.Time) *PipelineContext {
	return &PipelineContext{
		JobID:     jobID,
		Stages:    make(map[string]StageResult),
		StartedAt: now,
	}
}

// Record appends a stage result. Re-recording an existing stage is ignored to
// preserve the append-only invariant.
func (c *PipelineContext) Record(stage string, result StageResult) {
	if _, exists := c.Stages[stage]; exists {
		return
	}
	c.StageOrder = append(c.StageOrder, stage)
	c.Stages[stage] = result
}

// Stage returns the recorded result for a stage, if any.
func (c *PipelineContext) Stage(name string) (StageResult, bool) {
	r, ok := c.Stages[name]
	return r, ok
}

// Degraded lists the stages that fell back to a degraded value.
func (c *PipelineContext) Degraded() []string {
	var out []string
	for _, name := range c.StageOrder {
		if c.Stages[name].Status == StageDegraded {
			out = append(out, name)
		}
	}
	return out
}
