// Package metrics emits standardised job and pipeline metrics.
package metrics

import (
	"time"

	obserrors "github.com/docketwatch/docketwatch/internal/observability/errors"
	"github.com/docketwatch/docketwatch/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	QueueName  string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"queue":      in.QueueName,
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// StageMetric captures a pipeline stage outcome for metric emission.
type StageMetric struct {
	Stage    string
	Status   string
	Duration time.Duration
}

// EmitStage emits per-stage pipeline metrics.
func EmitStage(sink statsd.Sink, in StageMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"stage":  in.Stage,
		"status": in.Status,
	}

	sink.Count("pipeline.stage", 1, tags)
	if in.Duration > 0 {
		sink.Timing("pipeline.stage_duration", in.Duration, CloneTags(tags))
	}
}

// EmitQueueDepth reports per-status job counts as gauges.
func EmitQueueDepth(sink statsd.Sink, queue string, statusCounts map[string]int64) {
	if sink == nil {
		return
	}
	for status, count := range statusCounts {
		sink.Gauge("queue.depth", float64(count), map[string]string{
			"queue":  queue,
			"status": status,
		})
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty maps.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
