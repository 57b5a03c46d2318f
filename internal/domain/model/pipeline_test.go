package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageResultConstructors(t *testing.T) {
	t.Run("ok carries the value", func(t *testing.T) {
		result := OkResult(map[string]int{"count": 3})
		assert.Equal(t, StageOk, result.Status)
		assert.False(t, result.Fatal())

		var got map[string]int
		require.NoError(t, result.Decode(&got))
		assert.Equal(t, 3, got["count"])
	})

	t.Run("degraded carries the fallback and reason", func(t *testing.T) {
		result := DegradedResult([]string{}, "search unavailable")
		assert.Equal(t, StageDegraded, result.Status)
		assert.Equal(t, "search unavailable", result.Reason)

		var got []string
		require.NoError(t, result.Decode(&got))
		assert.Empty(t, got)
	})

	t.Run("fatal carries the error message", func(t *testing.T) {
		result := FatalResult(errors.New("case not found"))
		assert.Equal(t, StageFatal, result.Status)
		assert.True(t, result.Fatal())
		assert.Equal(t, "case not found", result.Error)
	})

	t.Run("fatal with nil error still has a message", func(t *testing.T) {
		result := FatalResult(nil)
		assert.Equal(t, StageFatal, result.Status)
		assert.NotEmpty(t, result.Error)
	})

	t.Run("unmarshalable ok value becomes fatal", func(t *testing.T) {
		result := OkResult(make(chan int))
		assert.Equal(t, StageFatal, result.Status)
	})
}

func TestPipelineContext_Record(t *testing.T) {
	pctx := NewPipelineContext("job-1", time.Now())

	pctx.Record("fetch", OkResult("a"))
	pctx.Record("search", DegradedResult(nil, "down"))

	assert.Equal(t, []string{"fetch", "search"}, pctx.StageOrder)

	t.Run("re-recording is ignored", func(t *testing.T) {
		pctx.Record("fetch", FatalResult(errors.New("late write")))

		assert.Equal(t, []string{"fetch", "search"}, pctx.StageOrder)
		result, ok := pctx.Stage("fetch")
		require.True(t, ok)
		assert.Equal(t, StageOk, result.Status)
	})

	t.Run("missing stages are reported", func(t *testing.T) {
		_, ok := pctx.Stage("summarize")
		assert.False(t, ok)
	})
}

func TestPipelineContext_Degraded(t *testing.T) {
	pctx := NewPipelineContext("job-1", time.Now())
	assert.Empty(t, pctx.Degraded())

	pctx.Record("fetch", OkResult("a"))
	pctx.Record("search", DegradedResult(nil, "down"))
	pctx.Record("extract", DegradedResult(nil, "partial"))
	pctx.Record("summarize", OkResult("b"))

	assert.Equal(t, []string{"search", "extract"}, pctx.Degraded())
}
