package notify

import (
	"context"
	"log/slog"
)

// LogSink writes job lifecycle events to a structured logger. It is the
// baseline sink, so operators still see lifecycle events when no webhook
// destination is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink that logs every job event.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "notify_log")}
}

// SendJobEvent implements the Sink interface. Critical events log at error
// level, everything else at info.
func (s *LogSink) SendJobEvent(ctx context.Context, payload JobEventPayload) error {
	attrs := []any{
		"event", payload.Event,
		"job_id", payload.JobID,
		"queue", payload.QueueName,
		"case_id", payload.CaseID,
		"attempts", payload.Attempts,
		"max_attempts", payload.MaxAttempts,
		"severity", payload.Severity,
	}
	if payload.Error != "" {
		attrs = append(attrs, "error", payload.Error, "error_class", payload.ErrorClass)
	}
	if len(payload.Degraded) > 0 {
		attrs = append(attrs, "degraded_stages", payload.Degraded)
	}

	if payload.Severity == SeverityCritical {
		s.logger.ErrorContext(ctx, "job event", attrs...)
		return nil
	}
	s.logger.InfoContext(ctx, "job event", attrs...)
	return nil
}
