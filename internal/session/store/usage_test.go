package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchhq/perch/internal/session/models"
)

func TestSessionUsageAggregation(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	sess := mustCreate(t, s)

	emitMeta := func(payload map[string]any) {
		t.Helper()
		_, err := s.Emit(ctx, sess.ID, models.EventMetadata, payload)
		require.NoError(t, err)
	}

	emitMeta(map[string]any{"key": "tokens", "value": map[string]any{"input": 100, "output": 20}})
	emitMeta(map[string]any{"key": "tokens", "value": map[string]any{"input": 5, "output": 1}})
	emitMeta(map[string]any{"key": "cost", "value": 0.00123})
	emitMeta(map[string]any{"key": "cost", "value": 0.00123})
	// malformed entries are skipped, not fatal
	emitMeta(map[string]any{"key": "tokens", "value": "not an object"})
	emitMeta(map[string]any{"key": "cost", "value": "free"})
	emitMeta(map[string]any{"value": map[string]any{"input": 999}})
	// non-metadata events never count
	_, err := s.Emit(ctx, sess.ID, models.EventOutput, map[string]any{"text": "hi"})
	require.NoError(t, err)

	usage, err := s.SessionUsage(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 105, usage.InputTokens)
	assert.Equal(t, 21, usage.OutputTokens)
	assert.InDelta(t, 0.0025, usage.TotalCostUSD, 1e-9)
}

func TestSessionUsageEmpty(t *testing.T) {
	s := setupStore(t, Options{})
	sess := mustCreate(t, s)

	usage, err := s.SessionUsage(sess.ID)
	require.NoError(t, err)
	assert.Zero(t, usage.InputTokens)
	assert.Zero(t, usage.OutputTokens)
	assert.Zero(t, usage.TotalCostUSD)
}
