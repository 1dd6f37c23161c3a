package noderpc_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacostia-go/anacostia/internal/metadata"
	"github.com/anacostia-go/anacostia/internal/noderpc"
)

func newMetadataTestServer(t *testing.T) (*httptest.Server, metadata.Store) {
	t.Helper()
	store := metadata.NewMemoryStore()
	r := chi.NewRouter()
	noderpc.MountMetadataServer(r, "store", store)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func TestMetadataClientRejectsBeforeConnect(t *testing.T) {
	client := noderpc.NewMetadataClient(nil, "store")
	_, err := client.GetRunID(context.Background())
	assert.ErrorIs(t, err, noderpc.ErrNetworkConnectionNotEstablished)
}

func TestMetadataClientRoundTrip(t *testing.T) {
	srv, _ := newMetadataTestServer(t)
	client := noderpc.NewMetadataClient(srv.Client(), "store")
	client.SetServerURL(srv.URL)
	require.True(t, client.Connected())

	ctx := context.Background()

	require.NoError(t, client.AddNode(ctx, "resource"))

	nodeID, err := client.GetNodeID(ctx, "resource")
	require.NoError(t, err)
	assert.Equal(t, 1, nodeID)

	missingID, err := client.GetNodeID(ctx, "never-registered")
	require.NoError(t, err)
	assert.Zero(t, missingID)

	runID, err := client.StartRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, runID)

	got, err := client.GetRunID(ctx)
	require.NoError(t, err)
	assert.Equal(t, runID, got)

	entry, err := client.CreateEntry(ctx, metadata.Entry{NodeName: "resource", Location: "a.csv", Hash: "deadbeef"})
	require.NoError(t, err)
	assert.Equal(t, "a.csv", entry.Location)

	exists, err := client.EntryExists(ctx, "resource", "a.csv")
	require.NoError(t, err)
	assert.True(t, exists)

	n, err := client.GetNumEntries(ctx, "resource", metadata.EntryNew)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, client.LogMetrics(ctx, "resource", runID, map[string]float64{"accuracy": 0.9}))
	metrics, err := client.GetMetrics(ctx, "resource", runID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, metrics["accuracy"], 0.0001)

	require.NoError(t, client.LogParams(ctx, "resource", runID, map[string]string{"lr": "0.01"}))
	params, err := client.GetParams(ctx, "resource", runID)
	require.NoError(t, err)
	assert.Equal(t, "0.01", params["lr"])

	require.NoError(t, client.SetTags(ctx, "resource", runID, []string{"baseline"}))
	tags, err := client.GetTags(ctx, "resource", runID)
	require.NoError(t, err)
	assert.Equal(t, []string{"baseline"}, tags)

	require.NoError(t, client.LogTrigger(ctx, "resource", runID, "new_count=1"))

	require.NoError(t, client.EndRun(ctx))
	assert.ErrorIs(t, client.EndRun(ctx), metadata.ErrRunNotStarted)
}

func TestMetadataClientGetEntries(t *testing.T) {
	srv, _ := newMetadataTestServer(t)
	client := noderpc.NewMetadataClient(srv.Client(), "store")
	client.SetServerURL(srv.URL)

	ctx := context.Background()
	_, err := client.CreateEntry(ctx, metadata.Entry{NodeName: "resource", Location: "a.csv"})
	require.NoError(t, err)

	entries, err := client.GetEntries(ctx, "resource", metadata.EntryNew)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.csv", entries[0].Location)
}
