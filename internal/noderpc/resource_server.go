package noderpc

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/anacostia-go/anacostia/internal/artifact"
	"github.com/anacostia-go/anacostia/internal/metadata"
)

// entryStore is the narrow slice of metadata.Store the ResourceServer
// needs to answer artifact-listing queries and record uploads. A
// metadata.Store value satisfies it directly.
type entryStore interface {
	GetNumEntries(ctx context.Context, nodeName string, state metadata.EntryState) (int, error)
	GetEntries(ctx context.Context, nodeName string, state metadata.EntryState) ([]metadata.Entry, error)
	CreateEntry(ctx context.Context, e metadata.Entry) (metadata.Entry, error)
}

// MountResourceServer registers the artifact-transfer surface under
// "/<nodeName>/api/server": counting and listing entries by state,
// streamed download with an X-File-Hash header, and streamed,
// hash-verified upload.
func MountResourceServer(r chi.Router, nodeName string, store artifact.Store, entries entryStore) {
	r.Route("/"+nodeName+"/api/server", func(r chi.Router) {
		r.Get("/num_artifacts", handleNumArtifacts(nodeName, entries))
		r.Get("/list_artifacts", handleListArtifacts(nodeName, entries))
		r.Get("/artifacts/*", handleDownloadArtifact(store))
		r.Post("/upload", handleUploadArtifact(nodeName, store, entries))
	})
}

func handleNumArtifacts(nodeName string, entries entryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := metadata.EntryState(r.URL.Query().Get("state"))
		n, err := entries.GetNumEntries(r.Context(), nodeName, state)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": n})
	}
}

func handleListArtifacts(nodeName string, entries entryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := metadata.EntryState(r.URL.Query().Get("state"))
		list, err := entries.GetEntries(r.Context(), nodeName, state)
		if err != nil {
			writeError(w, err)
			return
		}
		locations := make([]string, len(list))
		for i, e := range list {
			locations[i] = e.Location
		}
		writeJSON(w, http.StatusOK, locations)
	}
}

func handleDownloadArtifact(store artifact.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		relPath := chi.URLParam(r, "*")
		hash, err := store.Hash(relPath)
		if err != nil {
			http.Error(w, "artifact not found", http.StatusNotFound)
			return
		}
		f, err := store.Load(relPath)
		if err != nil {
			http.Error(w, "artifact not found", http.StatusNotFound)
			return
		}
		defer f.Close()

		w.Header().Set("X-File-Hash", hash)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		io.Copy(w, f)
	}
}

func handleUploadArtifact(nodeName string, store artifact.Store, entries entryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		relPath := r.URL.Query().Get("path")
		if relPath == "" {
			http.Error(w, "path query parameter is required", http.StatusBadRequest)
			return
		}
		wantHash := r.Header.Get("X-File-Hash")

		gotHash, _, err := store.Save(relPath, r.Body, true)
		if err != nil {
			writeError(w, err)
			return
		}

		if wantHash != "" && gotHash != wantHash {
			os.Remove(filepath.Join(store.Root(), relPath))
			http.Error(w, "uploaded content hash mismatch", http.StatusInternalServerError)
			return
		}

		if _, err := entries.CreateEntry(r.Context(), metadata.Entry{
			NodeName: nodeName,
			Location: relPath,
			Hash:     gotHash,
			State:    metadata.EntryNew,
		}); err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"hash": gotHash})
	}
}
