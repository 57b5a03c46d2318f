package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docketwatch/docketwatch/internal/domain/model"
)

func TestNewDedupGuard(t *testing.T) {
	t.Run("defaults to the case id expression", func(t *testing.T) {
		g, err := NewDedupGuard(DedupGuardOptions{})
		require.NoError(t, err)

		key, err := g.KeyFor(json.RawMessage(`{"case_id":"case-1"}`))
		require.NoError(t, err)
		assert.Equal(t, "case-1", key)
	})

	t.Run("rejects an invalid expression", func(t *testing.T) {
		_, err := NewDedupGuard(DedupGuardOptions{KeyExpression: "case_id["})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid dedup key expression")
	})

	t.Run("accepts a nested expression", func(t *testing.T) {
		g, err := NewDedupGuard(DedupGuardOptions{KeyExpression: "meta.case_id"})
		require.NoError(t, err)

		key, err := g.KeyFor(json.RawMessage(`{"meta":{"case_id":"case-2"}}`))
		require.NoError(t, err)
		assert.Equal(t, "case-2", key)
	})
}

func TestDedupGuard_KeyFor(t *testing.T) {
	g, err := NewDedupGuard(DedupGuardOptions{})
	require.NoError(t, err)

	t.Run("empty payload is exempt", func(t *testing.T) {
		key, err := g.KeyFor(nil)
		require.NoError(t, err)
		assert.Empty(t, key)
	})

	t.Run("missing field is exempt", func(t *testing.T) {
		key, err := g.KeyFor(json.RawMessage(`{"other":"x"}`))
		require.NoError(t, err)
		assert.Empty(t, key)
	})

	t.Run("whitespace is trimmed", func(t *testing.T) {
		key, err := g.KeyFor(json.RawMessage(`{"case_id":"  case-3  "}`))
		require.NoError(t, err)
		assert.Equal(t, "case-3", key)
	})

	t.Run("non-string values are stringified", func(t *testing.T) {
		key, err := g.KeyFor(json.RawMessage(`{"case_id":42}`))
		require.NoError(t, err)
		assert.Equal(t, "42", key)
	})

	t.Run("invalid JSON is an error", func(t *testing.T) {
		_, err := g.KeyFor(json.RawMessage(`{not json`))
		require.Error(t, err)
	})
}

func TestDedupGuard_EnterLeave(t *testing.T) {
	g, err := NewDedupGuard(DedupGuardOptions{})
	require.NoError(t, err)

	queue := model.QueueCaseProcessing

	require.True(t, g.Enter(queue, "case-1", "job-1"))

	t.Run("other job cannot enter a held key", func(t *testing.T) {
		assert.False(t, g.Enter(queue, "case-1", "job-2"))
	})

	t.Run("holder can re-enter", func(t *testing.T) {
		assert.True(t, g.Enter(queue, "case-1", "job-1"))
	})

	t.Run("queues are independent", func(t *testing.T) {
		assert.True(t, g.Enter(model.QueueDigestDelivery, "case-1", "job-3"))
	})

	t.Run("empty keys never block", func(t *testing.T) {
		assert.True(t, g.Enter(queue, "", "job-4"))
		assert.True(t, g.Enter(queue, "", "job-5"))
	})

	t.Run("leave by a non-holder is a no-op", func(t *testing.T) {
		g.Leave(queue, "case-1", "job-2")
		assert.False(t, g.Enter(queue, "case-1", "job-2"))
	})

	t.Run("leave releases the key", func(t *testing.T) {
		g.Leave(queue, "case-1", "job-1")
		assert.True(t, g.Enter(queue, "case-1", "job-2"))
	})
}

func TestDedupGuard_InFlightJob(t *testing.T) {
	ctx := context.Background()
	queue := model.QueueCaseProcessing

	t.Run("empty key is always free", func(t *testing.T) {
		g, err := NewDedupGuard(DedupGuardOptions{})
		require.NoError(t, err)

		holder, err := g.InFlightJob(ctx, queue, "")
		require.NoError(t, err)
		assert.Empty(t, holder)
	})

	t.Run("reports the in-memory holder", func(t *testing.T) {
		g, err := NewDedupGuard(DedupGuardOptions{})
		require.NoError(t, err)
		require.True(t, g.Enter(queue, "case-1", "job-1"))

		holder, err := g.InFlightJob(ctx, queue, "case-1")
		require.NoError(t, err)
		assert.Equal(t, "job-1", holder)
	})

	t.Run("falls back to the repository when cold", func(t *testing.T) {
		repo := &mockJobRepo{
			findProcessing: &model.Job{ID: "job-restarted", Status: model.JobStatusProcessing},
		}
		g, err := NewDedupGuard(DedupGuardOptions{Repo: repo})
		require.NoError(t, err)

		holder, err := g.InFlightJob(ctx, queue, "case-1")
		require.NoError(t, err)
		assert.Equal(t, "job-restarted", holder)
	})

	t.Run("free when neither memory nor store holds it", func(t *testing.T) {
		g, err := NewDedupGuard(DedupGuardOptions{Repo: &mockJobRepo{}})
		require.NoError(t, err)

		holder, err := g.InFlightJob(ctx, queue, "case-9")
		require.NoError(t, err)
		assert.Empty(t, holder)
	})
}
