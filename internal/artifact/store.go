// Package artifact implements the filesystem-backed artifact store a
// ResourceNode uses to persist files under its root path: atomic
// temp-file-then-rename saves, streamed content hashing, and
// hash-verified loads.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store is the artifact persistence port a ResourceNode's monitor and
// RPC surface call into.
type Store interface {
	// Save writes data under relPath (relative to the store's root).
	// When atomic is true, the write lands via a temp-file-then-rename
	// so concurrent readers never observe a partial file. It returns
	// the SHA-256 hex digest of the bytes written.
	Save(relPath string, data io.Reader, atomic bool) (hash string, size int64, err error)

	// Load opens relPath for reading. It does not check the content
	// against any hash; FilesystemStore.VerifyLoad does that.
	Load(relPath string) (io.ReadCloser, error)

	// Hash streams relPath and returns its current SHA-256 hex digest,
	// independent of whatever hash was recorded at save time.
	Hash(relPath string) (string, error)

	// Root returns the store's base directory.
	Root() string
}

// FilesystemStore is the default Store: create-temp, copy with a
// streamed hash, rename into place.
type FilesystemStore struct {
	root   string
	logger *slog.Logger
}

// NewFilesystemStore returns a FilesystemStore rooted at root, creating
// the directory if it does not already exist.
func NewFilesystemStore(root string, logger *slog.Logger) (*FilesystemStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: creating root dir: %w", err)
	}
	return &FilesystemStore{root: root, logger: logger}, nil
}

func (s *FilesystemStore) Root() string { return s.root }

func (s *FilesystemStore) Save(relPath string, data io.Reader, atomic bool) (string, int64, error) {
	dest := filepath.Join(s.root, relPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", 0, fmt.Errorf("artifact: creating destination dir: %w", err)
	}

	writePath := dest
	if atomic {
		writePath = filepath.Join(filepath.Dir(dest), fmt.Sprintf(".%s.%s.tmp", filepath.Base(dest), uuid.NewString()))
	}

	f, err := os.Create(writePath)
	if err != nil {
		return "", 0, fmt.Errorf("artifact: creating file: %w", err)
	}

	hasher := sha256.New()
	size, copyErr := io.Copy(f, io.TeeReader(data, hasher))
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(writePath)
		return "", 0, fmt.Errorf("artifact: writing file: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(writePath)
		return "", 0, fmt.Errorf("artifact: closing file: %w", closeErr)
	}

	if atomic {
		if err := os.Rename(writePath, dest); err != nil {
			os.Remove(writePath)
			return "", 0, fmt.Errorf("artifact: renaming into place: %w", err)
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func (s *FilesystemStore) Load(relPath string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, relPath))
	if err != nil {
		return nil, fmt.Errorf("artifact: opening file: %w", err)
	}
	return f, nil
}

func (s *FilesystemStore) Hash(relPath string) (string, error) {
	f, err := os.Open(filepath.Join(s.root, relPath))
	if err != nil {
		return "", fmt.Errorf("artifact: opening file for hash: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("artifact: hashing file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyLoad opens relPath, hashes it while copying to w, and compares
// the result against wantHash. A mismatch is logged as a warning and
// reported via the returned bool, but is never treated as an error:
// the stored hash may simply be stale relative to a file replaced
// out-of-band, and callers are expected to proceed with what is on
// disk.
func (s *FilesystemStore) VerifyLoad(relPath string, w io.Writer, wantHash string) (matched bool, err error) {
	r, err := s.Load(relPath)
	if err != nil {
		return false, err
	}
	defer r.Close()

	hasher := sha256.New()
	if _, err := io.Copy(w, io.TeeReader(r, hasher)); err != nil {
		return false, fmt.Errorf("artifact: copying during verified load: %w", err)
	}

	got := hex.EncodeToString(hasher.Sum(nil))
	if wantHash != "" && got != wantHash {
		s.logger.Warn("artifact hash mismatch on load", "path", relPath, "want", wantHash, "got", got)
		return false, nil
	}
	return true, nil
}

var _ Store = (*FilesystemStore)(nil)
