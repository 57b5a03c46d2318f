package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docketwatch/docketwatch/internal/core"
	"github.com/docketwatch/docketwatch/internal/domain/model"
)

type mockResultRepo struct {
	mu      sync.Mutex
	upserts []core.UpsertJobResultParams
	err     error
}

func (m *mockResultRepo) Upsert(_ context.Context, params core.UpsertJobResultParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, params)
	return m.err
}

func (m *mockResultRepo) GetByJobID(_ context.Context, _ string) (*model.JobResult, error) {
	return nil, nil
}

func okStage(name string) Stage {
	return Stage{
		Name: name,
		Run: func(_ context.Context, _ *model.PipelineContext) model.StageResult {
			return model.OkResult(map[string]string{"stage": name})
		},
	}
}

func testJob() *model.Job {
	return &model.Job{
		ID:        "job-1",
		QueueName: model.QueueCaseProcessing,
		Payload:   json.RawMessage(`{"case_id":"case-1","trigger":"docket_update","recipient":"ops@example.com"}`),
	}
}

func TestNewExecutor(t *testing.T) {
	t.Run("requires at least one stage", func(t *testing.T) {
		_, err := NewExecutor(ExecutorOptions{})
		require.Error(t, err)
	})

	t.Run("rejects unnamed stages", func(t *testing.T) {
		_, err := NewExecutor(ExecutorOptions{Stages: []Stage{{Name: ""}}})
		require.Error(t, err)
	})

	t.Run("rejects duplicate stage names", func(t *testing.T) {
		_, err := NewExecutor(ExecutorOptions{Stages: []Stage{okStage("a"), okStage("a")}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate stage name")
	})
}

func TestExecutor_Execute_RunsAllStagesInOrder(t *testing.T) {
	exec, err := NewExecutor(ExecutorOptions{
		Stages: []Stage{okStage("fetch"), okStage("search"), okStage("summarize")},
	})
	require.NoError(t, err)

	pctx, err := exec.Execute(context.Background(), testJob())
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch", "search", "summarize"}, pctx.StageOrder)
	assert.Equal(t, "case-1", pctx.CaseID)
	assert.Equal(t, "docket_update", pctx.Trigger)
	assert.Equal(t, "ops@example.com", pctx.Recipient)

	for _, name := range pctx.StageOrder {
		result, ok := pctx.Stage(name)
		require.True(t, ok)
		assert.Equal(t, model.StageOk, result.Status)
	}
}

func TestExecutor_Execute_FatalAbortsRun(t *testing.T) {
	var ranAfterFatal bool
	exec, err := NewExecutor(ExecutorOptions{
		Stages: []Stage{
			okStage("fetch"),
			{
				Name: "search",
				Run: func(_ context.Context, _ *model.PipelineContext) model.StageResult {
					return model.FatalResult(errors.New("search dependency down"))
				},
			},
			{
				Name: "summarize",
				Run: func(_ context.Context, _ *model.PipelineContext) model.StageResult {
					ranAfterFatal = true
					return model.OkResult(nil)
				},
			},
		},
	})
	require.NoError(t, err)

	pctx, err := exec.Execute(context.Background(), testJob())
	require.Error(t, err)
	assert.Equal(t, "stage search: search dependency down", err.Error())
	assert.False(t, ranAfterFatal)

	// The fatal stage is still recorded in the returned context.
	assert.Equal(t, []string{"fetch", "search"}, pctx.StageOrder)
	result, ok := pctx.Stage("search")
	require.True(t, ok)
	assert.Equal(t, model.StageFatal, result.Status)
	assert.Equal(t, "search dependency down", result.Error)
}

func TestExecutor_Execute_DegradedContinues(t *testing.T) {
	exec, err := NewExecutor(ExecutorOptions{
		Stages: []Stage{
			okStage("fetch"),
			{
				Name: "extract",
				Run: func(_ context.Context, _ *model.PipelineContext) model.StageResult {
					return model.DegradedResult(map[string]bool{"text_missing": true}, "extractor rate limited")
				},
			},
			okStage("summarize"),
		},
	})
	require.NoError(t, err)

	pctx, err := exec.Execute(context.Background(), testJob())
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch", "extract", "summarize"}, pctx.StageOrder)
	assert.Equal(t, []string{"extract"}, pctx.Degraded())

	result, _ := pctx.Stage("extract")
	assert.Equal(t, "extractor rate limited", result.Reason)
}

func TestExecutor_Execute_PersistsSnapshotPerStage(t *testing.T) {
	repo := &mockResultRepo{}
	exec, err := NewExecutor(ExecutorOptions{
		Stages:  []Stage{okStage("fetch"), okStage("search")},
		Results: repo,
	})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), testJob())
	require.NoError(t, err)

	require.Len(t, repo.upserts, 2)
	for _, up := range repo.upserts {
		assert.Equal(t, "job-1", up.JobID)
		assert.Equal(t, model.QueueCaseProcessing, up.QueueName)
	}

	// The first snapshot holds one stage, the second holds both.
	var first, second model.PipelineContext
	require.NoError(t, json.Unmarshal(repo.upserts[0].Result, &first))
	require.NoError(t, json.Unmarshal(repo.upserts[1].Result, &second))
	assert.Equal(t, []string{"fetch"}, first.StageOrder)
	assert.Equal(t, []string{"fetch", "search"}, second.StageOrder)
}

func TestExecutor_Execute_SnapshotFailureIsNotFatal(t *testing.T) {
	repo := &mockResultRepo{err: errors.New("db down")}
	exec, err := NewExecutor(ExecutorOptions{
		Stages:  []Stage{okStage("fetch")},
		Results: repo,
	})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), testJob())
	require.NoError(t, err)
}

func TestExecutor_Execute_StopsOnCancelledContext(t *testing.T) {
	var ran bool
	exec, err := NewExecutor(ExecutorOptions{
		Stages: []Stage{
			{
				Name: "fetch",
				Run: func(_ context.Context, _ *model.PipelineContext) model.StageResult {
					ran = true
					return model.OkResult(nil)
				},
			},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pctx, err := exec.Execute(ctx, testJob())
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
	assert.Empty(t, pctx.StageOrder)
}

func TestExecutor_Handler(t *testing.T) {
	t.Run("returns the pipeline context as the result document", func(t *testing.T) {
		exec, err := NewExecutor(ExecutorOptions{Stages: []Stage{okStage("fetch")}})
		require.NoError(t, err)

		raw, err := exec.Handler()(context.Background(), testJob())
		require.NoError(t, err)

		var pctx model.PipelineContext
		require.NoError(t, json.Unmarshal(raw, &pctx))
		assert.Equal(t, []string{"fetch"}, pctx.StageOrder)
		assert.Equal(t, "case-1", pctx.CaseID)
	})

	t.Run("propagates the fatal error with the partial context", func(t *testing.T) {
		exec, err := NewExecutor(ExecutorOptions{
			Stages: []Stage{
				{
					Name: "fetch",
					Run: func(_ context.Context, _ *model.PipelineContext) model.StageResult {
						return model.FatalResult(errors.New("case not found"))
					},
				},
			},
		})
		require.NoError(t, err)

		raw, err := exec.Handler()(context.Background(), testJob())
		require.Error(t, err)
		require.NotNil(t, raw)

		var pctx model.PipelineContext
		require.NoError(t, json.Unmarshal(raw, &pctx))
		assert.Equal(t, []string{"fetch"}, pctx.StageOrder)
	})
}
