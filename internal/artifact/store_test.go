package artifact_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacostia-go/anacostia/internal/artifact"
)

func sha256hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestSaveComputesStreamHash(t *testing.T) {
	store, err := artifact.NewFilesystemStore(t.TempDir(), nil)
	require.NoError(t, err)

	data := []byte("model weights v1")
	hash, size, err := store.Save("models/weights.bin", bytes.NewReader(data), false)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
	assert.Equal(t, sha256hex(data), hash)

	got, err := store.Hash("models/weights.bin")
	require.NoError(t, err)
	assert.Equal(t, hash, got)
}

func TestAtomicSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	store, err := artifact.NewFilesystemStore(dir, nil)
	require.NoError(t, err)

	_, _, err = store.Save("out.csv", strings.NewReader("a,b\n"), true)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.csv", entries[0].Name())
}

func TestLoadRoundTrip(t *testing.T) {
	store, err := artifact.NewFilesystemStore(t.TempDir(), nil)
	require.NoError(t, err)

	_, _, err = store.Save("nested/dir/data.txt", strings.NewReader("payload"), true)
	require.NoError(t, err)

	r, err := store.Load("nested/dir/data.txt")
	require.NoError(t, err)
	defer r.Close()

	content, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
}

func TestVerifyLoadReportsMismatchWithoutFailing(t *testing.T) {
	dir := t.TempDir()
	store, err := artifact.NewFilesystemStore(dir, nil)
	require.NoError(t, err)

	_, _, err = store.Save("data.txt", strings.NewReader("original"), true)
	require.NoError(t, err)

	// Replace the file out-of-band so the recorded hash is stale.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.txt"), []byte("tampered"), 0o644))

	var buf bytes.Buffer
	matched, err := store.VerifyLoad("data.txt", &buf, sha256hex([]byte("original")))
	require.NoError(t, err, "a hash mismatch is a warning, not an error")
	assert.False(t, matched)
	assert.Equal(t, "tampered", buf.String(), "the on-disk bytes are still yielded")
}

func TestVerifyLoadMatch(t *testing.T) {
	store, err := artifact.NewFilesystemStore(t.TempDir(), nil)
	require.NoError(t, err)

	hash, _, err := store.Save("data.txt", strings.NewReader("stable"), true)
	require.NoError(t, err)

	var buf bytes.Buffer
	matched, err := store.VerifyLoad("data.txt", &buf, hash)
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestLoadMissingFile(t *testing.T) {
	store, err := artifact.NewFilesystemStore(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = store.Load("nope.bin")
	assert.Error(t, err)
}
