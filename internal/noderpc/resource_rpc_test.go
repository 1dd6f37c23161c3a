package noderpc_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacostia-go/anacostia/internal/artifact"
	"github.com/anacostia-go/anacostia/internal/metadata"
	"github.com/anacostia-go/anacostia/internal/noderpc"
)

func newResourceTestServer(t *testing.T) (*httptest.Server, artifact.Store, metadata.Store) {
	t.Helper()
	store, err := artifact.NewFilesystemStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	mdStore := metadata.NewMemoryStore()

	r := chi.NewRouter()
	noderpc.MountResourceServer(r, "resource", store, mdStore)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store, mdStore
}

func TestResourceClientUploadAndDownload(t *testing.T) {
	srv, _, mdStore := newResourceTestServer(t)
	client := noderpc.NewResourceClient(srv.Client(), "resource")
	client.SetServerURL(srv.URL)
	require.True(t, client.Connected())

	localDir := t.TempDir()
	localPath := filepath.Join(localDir, "model.bin")
	require.NoError(t, os.WriteFile(localPath, []byte("weights"), 0o644))

	hash, err := client.UploadFile(context.Background(), localPath, "model.bin")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	n, err := mdStore.GetNumEntries(context.Background(), "resource", metadata.EntryNew)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	body, gotHash, err := client.DownloadArtifact(context.Background(), "model.bin")
	require.NoError(t, err)
	defer body.Close()
	assert.Equal(t, hash, gotHash)

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	count, err := client.GetNumArtifacts(context.Background(), metadata.EntryNew)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	list, err := client.ListArtifacts(context.Background(), metadata.EntryNew)
	require.NoError(t, err)
	assert.Equal(t, []string{"model.bin"}, list)
}

func TestResourceServerRejectsHashMismatch(t *testing.T) {
	srv, store, mdStore := newResourceTestServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/resource/api/server/upload?path=bad.bin", bytes.NewReader([]byte("content")))
	require.NoError(t, err)
	req.Header.Set("X-File-Hash", "wrong-hash")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.GreaterOrEqual(t, resp.StatusCode, 500)

	exists, err := mdStore.EntryExists(context.Background(), "resource", "bad.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	_, statErr := os.Stat(filepath.Join(store.Root(), "bad.bin"))
	assert.True(t, os.IsNotExist(statErr))
}
