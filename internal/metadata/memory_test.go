package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RunBracketing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.AddNode(ctx, "resource-a"))

	_, err := s.CreateEntry(ctx, Entry{NodeName: "resource-a", Location: "a.csv"})
	require.NoError(t, err)

	n, err := s.GetNumEntries(ctx, "resource-a", EntryNew)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	runID, err := s.StartRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, runID)

	n, err = s.GetNumEntries(ctx, "resource-a", EntryCurrent)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Ending the run demotes current entries and stamps their end time.
	require.NoError(t, s.EndRun(ctx))

	old, err := s.GetEntries(ctx, "resource-a", EntryOld)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.NotNil(t, old[0].EndTime)

	_, err = s.CreateEntry(ctx, Entry{NodeName: "resource-a", Location: "b.csv"})
	require.NoError(t, err)

	runID2, err := s.StartRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, runID2)

	cur, err := s.GetNumEntries(ctx, "resource-a", EntryCurrent)
	require.NoError(t, err)
	assert.Equal(t, 1, cur)

	oldCount, err := s.GetNumEntries(ctx, "resource-a", EntryOld)
	require.NoError(t, err)
	assert.Equal(t, 1, oldCount)
}

func TestMemoryStore_EndRunWithoutStart(t *testing.T) {
	s := NewMemoryStore()
	err := s.EndRun(context.Background())
	assert.ErrorIs(t, err, ErrRunNotStarted)
}

func TestMemoryStore_MetricsParamsTags(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	runID, err := s.StartRun(ctx)
	require.NoError(t, err)

	require.NoError(t, s.LogMetrics(ctx, "action-a", runID, map[string]float64{"accuracy": 0.9}))
	require.NoError(t, s.LogParams(ctx, "action-a", runID, map[string]string{"lr": "0.01"}))
	require.NoError(t, s.SetTags(ctx, "action-a", runID, []string{"prod"}))

	metrics, err := s.GetMetrics(ctx, "action-a", runID)
	require.NoError(t, err)
	assert.Equal(t, 0.9, metrics["accuracy"])

	params, err := s.GetParams(ctx, "action-a", runID)
	require.NoError(t, err)
	assert.Equal(t, "0.01", params["lr"])

	tags, err := s.GetTags(ctx, "action-a", runID)
	require.NoError(t, err)
	assert.Equal(t, []string{"prod"}, tags)
}

func TestMemoryStore_StartRunAdoptsPendingTriggers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// Triggers fired while the pipeline is idle have no run to attach
	// to yet; they land under run 0.
	require.NoError(t, s.LogTrigger(ctx, "resource-a", 0, "new_count=1"))
	require.NoError(t, s.LogTrigger(ctx, "resource-a", 0, "new_count=2"))

	runID, err := s.StartRun(ctx)
	require.NoError(t, err)

	adopted, err := s.GetTriggers(ctx, "resource-a", runID)
	require.NoError(t, err)
	assert.Equal(t, []string{"new_count=1", "new_count=2"}, adopted)

	pending, err := s.GetTriggers(ctx, "resource-a", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A trigger logged during the open run keeps its explicit run id
	// and is untouched by the next StartRun.
	require.NoError(t, s.LogTrigger(ctx, "resource-a", runID, "mid-run"))
	require.NoError(t, s.EndRun(ctx))
	runID2, err := s.StartRun(ctx)
	require.NoError(t, err)

	prior, err := s.GetTriggers(ctx, "resource-a", runID)
	require.NoError(t, err)
	assert.Len(t, prior, 3)

	next, err := s.GetTriggers(ctx, "resource-a", runID2)
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestMemoryStore_EntryExists(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.CreateEntry(ctx, Entry{NodeName: "resource-a", Location: "a.csv"})
	require.NoError(t, err)

	exists, err := s.EntryExists(ctx, "resource-a", "a.csv")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.EntryExists(ctx, "resource-a", "missing.csv")
	require.NoError(t, err)
	assert.False(t, exists)
}
