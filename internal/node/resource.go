package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacostia-go/anacostia/internal/artifact"
	"github.com/anacostia-go/anacostia/internal/eventqueue"
	"github.com/anacostia-go/anacostia/internal/metadata"
	"github.com/anacostia-go/anacostia/internal/signal"
	"github.com/anacostia-go/anacostia/internal/status"
	"github.com/anacostia-go/anacostia/internal/trigger"
)

// MetadataClient is the subset of metadata.Store a ResourceNode needs.
// A metadata.Store value satisfies this directly for local wiring; a
// noderpc.MetadataClient satisfies it for a federated (remote)
// metadata store, so ResourceNode never needs to know which.
type MetadataClient interface {
	EntryExists(ctx context.Context, nodeName, location string) (bool, error)
	CreateEntry(ctx context.Context, e metadata.Entry) (metadata.Entry, error)
	GetNumEntries(ctx context.Context, nodeName string, state metadata.EntryState) (int, error)
	GetRunID(ctx context.Context) (int, error)
	LogTrigger(ctx context.Context, nodeName string, runID int, reason string) error
}

// ResourceNode monitors an external resource (by default, a directory
// tree on the local filesystem) and brackets a "current" artifact
// window around each run.
type ResourceNode struct {
	*BaseNode

	ArtifactStore artifact.Store
	Metadata      MetadataClient

	// MonitoringEnabled gates the filesystem-walk monitor. When false
	// the node only participates in the handshake, e.g. a write-only
	// model registry.
	MonitoringEnabled bool
	ResourcePath      string
	MonitorInterval   time.Duration

	// resourceTriggerPredicate overrides the default "new count > 0"
	// condition. Compiled once by SetResourceTriggerExpression via
	// internal/trigger.
	resourceTriggerPredicate *trigger.Predicate

	// TriggerMetadataStore optionally invokes the local
	// MetadataStoreNode's trigger directly, wired by the graph
	// package when the predecessor is in-process. A federated
	// metadata store (remote predecessor) is not wired here: the
	// metadata RPC surface has no trigger verb, only log_trigger for
	// bookkeeping, so a remote resource's monitor records the trigger
	// but cannot directly wake a remote store's monitor loop.
	TriggerMetadataStore func(ctx context.Context) error

	SetupFunc func(ctx context.Context) error

	saveMu sync.Mutex

	resourceTriggerLatch *signal.Latch
	mon                  *monitor
}

// NewResourceNode constructs a ResourceNode. artifactStore may be nil
// when this node never saves/loads files directly (e.g. a remote
// write-only sink it only records through).
func NewResourceNode(name string, queue *eventqueue.Queue, logger *slog.Logger, metadataClient MetadataClient, artifactStore artifact.Store) *ResourceNode {
	return &ResourceNode{
		BaseNode:             NewBaseNode(name, "ResourceNode", BaseTypeResource, queue, logger),
		ArtifactStore:        artifactStore,
		Metadata:             metadataClient,
		MonitorInterval:      50 * time.Millisecond,
		resourceTriggerLatch: signal.NewLatch(),
	}
}

// SetResourceTriggerExpression compiles an expr-lang condition over
// trigger.Counts to replace the default "new count > 0" rule.
func (n *ResourceNode) SetResourceTriggerExpression(expression string) error {
	if expression == "" {
		n.resourceTriggerPredicate = nil
		return nil
	}
	p, err := trigger.Compile(expression)
	if err != nil {
		return err
	}
	n.resourceTriggerPredicate = p
	return nil
}

// Setup runs the user SetupFunc hook, if any, under panic recovery.
func (n *ResourceNode) Setup(ctx context.Context) error {
	n.SetStatus(status.Initializing)
	if n.SetupFunc == nil {
		return nil
	}
	if err := safeCallCtx(ctx, n.logger, n.Name, "setup", n.SetupFunc); err != nil {
		n.SetStatus(status.StatusError)
		return err
	}
	return nil
}

// Run is the resource loop: wait for the local trigger, tell the
// metadata store this node is ready, ride out the run window with the
// downstream action nodes, then acknowledge the run end.
func (n *ResourceNode) Run(ctx context.Context) {
	defer n.MarkDone()

	if n.WaitsForConnection() {
		if err := n.WaitForConnection(); err != nil {
			n.SetStatus(status.Exited)
			return
		}
	}

	if n.MonitoringEnabled {
		n.mon = startMonitor(n.Context(), n.MonitorInterval, n.logger, n.Name, n.monitorTick)
		defer n.mon.stop()
	}

	for {
		select {
		case <-n.Context().Done():
			n.SetStatus(status.Exited)
			return
		default:
		}

		if n.MonitoringEnabled {
			n.SetStatus(status.WaitingResource)
			if err := n.resourceTriggerLatch.Wait(n.Context()); err != nil {
				n.SetStatus(status.Exited)
				return
			}
			n.resourceTriggerLatch.Clear()
		}

		if err := n.SignalPredecessors(status.Success); err != nil {
			n.SetStatus(status.Exited)
			return
		}
		n.SetStatus(status.WaitingPredecessors)
		if err := n.WaitForPredecessors(); err != nil {
			n.SetStatus(status.Exited)
			return
		}

		n.SetStatus(status.Executing)
		if err := n.SignalSuccessors(status.Success); err != nil {
			n.SetStatus(status.Exited)
			return
		}

		n.SetStatus(status.WaitingSuccessors)
		if err := n.WaitForSuccessors(); err != nil {
			n.SetStatus(status.Exited)
			return
		}

		if err := n.SignalPredecessors(status.Success); err != nil {
			n.SetStatus(status.Exited)
			return
		}
		n.SetStatus(status.WaitingPredecessors)
		if err := n.WaitForPredecessors(); err != nil {
			n.SetStatus(status.Exited)
			return
		}
	}
}

// monitorTick walks ResourcePath, registers any previously-unseen file
// as a new artifact entry, then evaluates the resource-trigger
// condition and sets the local latch (and optionally wakes an
// in-process metadata store) when it holds.
func (n *ResourceNode) monitorTick(ctx context.Context) error {
	if n.ResourcePath == "" || n.Metadata == nil {
		return nil
	}

	err := filepath.WalkDir(n.ResourcePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(n.ResourcePath, path)
		if err != nil {
			return err
		}

		exists, err := n.Metadata.EntryExists(ctx, n.Name, rel)
		if err != nil {
			return fmt.Errorf("entry_exists(%s): %w", rel, err)
		}
		if exists {
			return nil
		}

		hash, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", rel, err)
		}
		if _, err := n.Metadata.CreateEntry(ctx, metadata.Entry{
			NodeName: n.Name,
			Location: rel,
			Hash:     hash,
			State:    metadata.EntryNew,
		}); err != nil {
			return fmt.Errorf("record_new(%s): %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("resource monitor walk: %w", err)
	}

	return n.evaluateResourceTrigger(ctx)
}

func (n *ResourceNode) evaluateResourceTrigger(ctx context.Context) error {
	newCount, err := n.Metadata.GetNumEntries(ctx, n.Name, metadata.EntryNew)
	if err != nil {
		return fmt.Errorf("get_num_entries(new): %w", err)
	}
	currentCount, err := n.Metadata.GetNumEntries(ctx, n.Name, metadata.EntryCurrent)
	if err != nil {
		return fmt.Errorf("get_num_entries(current): %w", err)
	}
	oldCount, err := n.Metadata.GetNumEntries(ctx, n.Name, metadata.EntryOld)
	if err != nil {
		return fmt.Errorf("get_num_entries(old): %w", err)
	}

	counts := trigger.Counts{NewCount: newCount, CurrentCount: currentCount, OldCount: oldCount}
	var fire bool
	if n.resourceTriggerPredicate != nil {
		fire, err = n.resourceTriggerPredicate.Eval(counts)
		if err != nil {
			return err
		}
	} else {
		fire = trigger.Default(counts)
	}
	if !fire {
		return nil
	}

	n.resourceTriggerLatch.Set()

	runID, _ := n.Metadata.GetRunID(ctx)
	_ = n.Metadata.LogTrigger(ctx, n.Name, runID, fmt.Sprintf("new_count=%d", newCount))

	if n.TriggerMetadataStore != nil {
		if err := safeCallCtx(ctx, n.logger, n.Name, "trigger_metadata_store", n.TriggerMetadataStore); err != nil {
			n.logger.Warn("trigger_metadata_store hook failed", "node", n.Name, "err", err)
		}
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SaveArtifact persists data under relPath via ArtifactStore and
// records it as a new artifact entry. Scoped under a per-node mutex
// since save paths must not be written concurrently with monitoring.
func (n *ResourceNode) SaveArtifact(ctx context.Context, relPath string, data io.Reader, overwrite, atomic bool) (metadata.Entry, error) {
	if n.ArtifactStore == nil {
		return metadata.Entry{}, fmt.Errorf("resource node %s: no artifact store configured", n.Name)
	}
	n.saveMu.Lock()
	defer n.saveMu.Unlock()

	if !overwrite {
		if exists, _ := n.Metadata.EntryExists(ctx, n.Name, relPath); exists {
			return metadata.Entry{}, fmt.Errorf("resource node %s: %s already exists and overwrite=false", n.Name, relPath)
		}
	}

	hash, _, err := n.ArtifactStore.Save(relPath, data, atomic)
	if err != nil {
		return metadata.Entry{}, err
	}
	return n.Metadata.CreateEntry(ctx, metadata.Entry{
		NodeName: n.Name,
		Location: relPath,
		Hash:     hash,
		State:    metadata.EntryNew,
	})
}

// LoadArtifact opens relPath, verifying it against wantHash when
// non-empty. A mismatch is logged but never fails the load; the
// stored hash may be stale relative to a file replaced out-of-band.
func (n *ResourceNode) LoadArtifact(relPath, wantHash string) (io.ReadCloser, error) {
	if n.ArtifactStore == nil {
		return nil, fmt.Errorf("resource node %s: no artifact store configured", n.Name)
	}
	if wantHash == "" {
		return n.ArtifactStore.Load(relPath)
	}
	got, err := n.ArtifactStore.Hash(relPath)
	if err != nil {
		return nil, err
	}
	if got != wantHash {
		n.logger.Warn("artifact hash mismatch on load", "node", n.Name, "path", relPath, "want", wantHash, "got", got)
	}
	return n.ArtifactStore.Load(relPath)
}

var _ Node = (*ResourceNode)(nil)
