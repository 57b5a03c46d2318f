// Package emitter fans job lifecycle notifications out to registered sinks.
package emitter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/docketwatch/docketwatch/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
	// Events restricts which lifecycle events reach this sink. Empty means
	// every event is delivered.
	Events []string
}

func (r SinkRegistration) wants(event string) bool {
	if len(r.Events) == 0 {
		return true
	}
	for _, e := range r.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Options configures the emitter service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
}

// Service dispatches job lifecycle events to all registered sinks.
type Service struct {
	logger *slog.Logger
	sinks  []SinkRegistration
}

// NewService constructs an emitter.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "emitter")
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{
			Name:   name,
			Sink:   entry.Sink,
			Events: entry.Events,
		})
	}

	return &Service{
		logger: logger,
		sinks:  sinks,
	}
}

// Emit fans the payload out to all sinks, waiting for every delivery.
// Delivery errors are logged, never propagated; a notification failure must
// not change a job's outcome.
func (s *Service) Emit(ctx context.Context, payload notify.JobEventPayload) {
	if len(s.sinks) == 0 {
		return
	}

	if payload.Severity == "" {
		if payload.Event == notify.EventJobFailed {
			payload.Severity = notify.SeverityCritical
		} else {
			payload.Severity = notify.SeverityInfo
		}
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		if !entry.wants(payload.Event) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendJobEvent(ctx, payload); err != nil {
				s.logger.Error("notification delivery error",
					"sink", entry.Name,
					"event", payload.Event,
					"job_id", payload.JobID,
					"queue", payload.QueueName,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the emitter has any active sinks.
func (s *Service) Enabled() bool {
	return len(s.sinks) > 0
}
