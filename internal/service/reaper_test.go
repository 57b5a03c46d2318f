package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docketwatch/docketwatch/config"
	"github.com/docketwatch/docketwatch/internal/core"
	"github.com/docketwatch/docketwatch/internal/domain/model"
)

type mockReaperRepo struct {
	mu sync.Mutex

	failStaleCalls int
	failStaleCount int64
	failStaleErr   error

	deleteJobsCalls  int
	deleteJobsCount  int64
	deleteJobsParams []core.DeleteOldJobsParams
	deleteJobsErr    error

	deleteResultsCalls  int
	deleteResultsCount  int64
	deleteResultsParams []core.DeleteOldJobResultsParams
	deleteResultsErr    error
}

// Each mock returns its configured count on the first call per batch loop and
// zero afterwards, simulating a table that empties after one batch.

func (m *mockReaperRepo) FailStalePendingJobs(_ context.Context, _ time.Duration, _ int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStaleCalls++
	if m.failStaleErr != nil {
		return 0, m.failStaleErr
	}
	if m.failStaleCalls == 1 {
		return m.failStaleCount, nil
	}
	return 0, nil
}

func (m *mockReaperRepo) DeleteOldJobs(_ context.Context, params core.DeleteOldJobsParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteJobsCalls++
	m.deleteJobsParams = append(m.deleteJobsParams, params)
	if m.deleteJobsErr != nil {
		return 0, m.deleteJobsErr
	}
	// First call per status returns the count, repeats return zero.
	for _, p := range m.deleteJobsParams[:len(m.deleteJobsParams)-1] {
		if p.Status == params.Status {
			return 0, nil
		}
	}
	return m.deleteJobsCount, nil
}

func (m *mockReaperRepo) DeleteOldJobResults(_ context.Context, params core.DeleteOldJobResultsParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteResultsCalls++
	m.deleteResultsParams = append(m.deleteResultsParams, params)
	if m.deleteResultsErr != nil {
		return 0, m.deleteResultsErr
	}
	for _, p := range m.deleteResultsParams[:len(m.deleteResultsParams)-1] {
		if p.QueueName == params.QueueName {
			return 0, nil
		}
	}
	return m.deleteResultsCount, nil
}

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:         time.Minute,
		PendingMaxAge:    24 * time.Hour,
		CompletedMaxAge:  7 * 24 * time.Hour,
		FailedMaxAge:     30 * 24 * time.Hour,
		JobResultsMaxAge: 90 * 24 * time.Hour,
		BatchSize:        100,
	}
}

func newTestReaperService(t *testing.T, repo core.ReaperRepository) *ReaperService {
	t.Helper()
	svc, err := NewReaperService(ReaperServiceOptions{
		Repo:   repo,
		Config: testReaperConfig(),
	})
	require.NoError(t, err)
	return svc
}

func TestNewReaperService_RequiresRepo(t *testing.T) {
	_, err := NewReaperService(ReaperServiceOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ReaperRepository is required")
}

func TestReaperService_RunCleanup(t *testing.T) {
	t.Run("runs every cleanup step", func(t *testing.T) {
		repo := &mockReaperRepo{
			failStaleCount:     2,
			deleteJobsCount:    5,
			deleteResultsCount: 3,
		}
		svc := newTestReaperService(t, repo)

		require.NoError(t, svc.runCleanup(context.Background()))

		// One productive call plus one empty pass per batch loop.
		assert.Equal(t, 2, repo.failStaleCalls)

		// Completed and failed jobs are cleaned with their own retention.
		statuses := make(map[model.JobStatus]time.Duration)
		for _, p := range repo.deleteJobsParams {
			statuses[p.Status] = p.MaxAge
		}
		assert.Equal(t, 7*24*time.Hour, statuses[model.JobStatusCompleted])
		assert.Equal(t, 30*24*time.Hour, statuses[model.JobStatusFailed])

		// Job results are cleaned per queue.
		queues := make(map[model.QueueName]bool)
		for _, p := range repo.deleteResultsParams {
			queues[p.QueueName] = true
			assert.Equal(t, 90*24*time.Hour, p.MaxAge)
		}
		for _, q := range model.AllQueues() {
			assert.True(t, queues[q], "queue %s not cleaned", q)
		}
	})

	t.Run("continues past a failing step", func(t *testing.T) {
		repo := &mockReaperRepo{
			failStaleErr:       errors.New("lock timeout"),
			deleteJobsCount:    1,
			deleteResultsCount: 1,
		}
		svc := newTestReaperService(t, repo)

		err := svc.runCleanup(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fail_pending")
		assert.Contains(t, err.Error(), "lock timeout")

		// The remaining steps still ran.
		assert.NotZero(t, repo.deleteJobsCalls)
		assert.NotZero(t, repo.deleteResultsCalls)
	})

	t.Run("aggregates errors from multiple steps", func(t *testing.T) {
		repo := &mockReaperRepo{
			failStaleErr:  errors.New("stale boom"),
			deleteJobsErr: errors.New("delete boom"),
		}
		svc := newTestReaperService(t, repo)

		err := svc.runCleanup(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stale boom")
		assert.Contains(t, err.Error(), "delete boom")
	})

	t.Run("stops early on context cancellation", func(t *testing.T) {
		repo := &mockReaperRepo{failStaleErr: context.Canceled}
		svc := newTestReaperService(t, repo)

		err := svc.runCleanup(context.Background())
		require.Error(t, err)

		// Later steps are skipped once the context is gone.
		assert.Zero(t, repo.deleteJobsCalls)
		assert.Zero(t, repo.deleteResultsCalls)
	})
}

func TestReaperService_Run(t *testing.T) {
	t.Run("returns nil on graceful cancel", func(t *testing.T) {
		repo := &mockReaperRepo{}
		svc := newTestReaperService(t, repo)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- svc.Run(ctx)
		}()

		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("reaper did not stop after cancel")
		}

		// The initial cleanup ran before the loop parked on the ticker.
		repo.mu.Lock()
		calls := repo.failStaleCalls
		repo.mu.Unlock()
		assert.NotZero(t, calls)
	})

	t.Run("returns the context error on deadline", func(t *testing.T) {
		repo := &mockReaperRepo{}
		svc := newTestReaperService(t, repo)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		err := svc.Run(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
