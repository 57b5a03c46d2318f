package emitter

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docketwatch/docketwatch/internal/observability/notify"
)

type recordingSink struct {
	mu       sync.Mutex
	payloads []notify.JobEventPayload
	err      error
}

func (s *recordingSink) SendJobEvent(_ context.Context, payload notify.JobEventPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return s.err
}

func (s *recordingSink) received() []notify.JobEventPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads
}

func TestNewService_SkipsNilSinks(t *testing.T) {
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "slack", Sink: nil},
		},
	})
	assert.False(t, svc.Enabled())

	svc = NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "slack", Sink: &recordingSink{}},
			{Name: "broken", Sink: nil},
		},
	})
	assert.True(t, svc.Enabled())
}

func TestService_Emit_FansOutToAllSinks(t *testing.T) {
	first := &recordingSink{}
	second := &recordingSink{}
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "first", Sink: first},
			{Name: "second", Sink: second},
		},
	})

	svc.Emit(context.Background(), notify.JobEventPayload{
		Event:     notify.EventJobRetrying,
		JobID:     "job-1",
		QueueName: "case-processing",
	})

	require.Len(t, first.received(), 1)
	require.Len(t, second.received(), 1)
	assert.Equal(t, "job-1", first.received()[0].JobID)
}

func TestService_Emit_DefaultsSeverity(t *testing.T) {
	t.Run("failures are critical", func(t *testing.T) {
		sink := &recordingSink{}
		svc := NewService(Options{Sinks: []SinkRegistration{{Name: "s", Sink: sink}}})

		svc.Emit(context.Background(), notify.JobEventPayload{Event: notify.EventJobFailed})

		require.Len(t, sink.received(), 1)
		assert.Equal(t, notify.SeverityCritical, sink.received()[0].Severity)
	})

	t.Run("retries are informational", func(t *testing.T) {
		sink := &recordingSink{}
		svc := NewService(Options{Sinks: []SinkRegistration{{Name: "s", Sink: sink}}})

		svc.Emit(context.Background(), notify.JobEventPayload{Event: notify.EventJobRetrying})

		require.Len(t, sink.received(), 1)
		assert.Equal(t, notify.SeverityInfo, sink.received()[0].Severity)
	})

	t.Run("explicit severity is preserved", func(t *testing.T) {
		sink := &recordingSink{}
		svc := NewService(Options{Sinks: []SinkRegistration{{Name: "s", Sink: sink}}})

		svc.Emit(context.Background(), notify.JobEventPayload{
			Event:    notify.EventJobRetrying,
			Severity: notify.SeverityCritical,
		})

		require.Len(t, sink.received(), 1)
		assert.Equal(t, notify.SeverityCritical, sink.received()[0].Severity)
	})
}

func TestService_Emit_DeliversFullLifecycle(t *testing.T) {
	sink := &recordingSink{}
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "log", Sink: sink}}})

	events := []string{
		notify.EventJobStarted,
		notify.EventJobCompleted,
		notify.EventJobRetrying,
		notify.EventJobFailed,
	}
	for _, event := range events {
		svc.Emit(context.Background(), notify.JobEventPayload{Event: event, JobID: "job-1"})
	}

	got := sink.received()
	require.Len(t, got, len(events))
	for i, event := range events {
		assert.Equal(t, event, got[i].Event)
	}
}

func TestService_Emit_HonorsSinkEventFilter(t *testing.T) {
	everything := &recordingSink{}
	failuresOnly := &recordingSink{}
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "log", Sink: everything},
			{Name: "pager", Sink: failuresOnly, Events: []string{notify.EventJobRetrying, notify.EventJobFailed}},
		},
	})

	for _, event := range []string{
		notify.EventJobStarted,
		notify.EventJobCompleted,
		notify.EventJobRetrying,
		notify.EventJobFailed,
	} {
		svc.Emit(context.Background(), notify.JobEventPayload{Event: event})
	}

	assert.Len(t, everything.received(), 4)

	got := failuresOnly.received()
	require.Len(t, got, 2)
	assert.Equal(t, notify.EventJobRetrying, got[0].Event)
	assert.Equal(t, notify.EventJobFailed, got[1].Event)
}

func TestService_Emit_SinkErrorsDoNotPropagate(t *testing.T) {
	failing := &recordingSink{err: errors.New("webhook 500")}
	healthy := &recordingSink{}
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "failing", Sink: failing},
			{Name: "healthy", Sink: healthy},
		},
	})

	// Emit must return normally; the failure is logged only.
	svc.Emit(context.Background(), notify.JobEventPayload{Event: notify.EventJobFailed})

	assert.Len(t, failing.received(), 1)
	assert.Len(t, healthy.received(), 1)
}

func TestService_Emit_NoSinksIsNoop(t *testing.T) {
	svc := NewService(Options{})
	assert.False(t, svc.Enabled())
	svc.Emit(context.Background(), notify.JobEventPayload{Event: notify.EventJobFailed})
}
