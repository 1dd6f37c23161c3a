package node

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anacostia-go/anacostia/internal/eventqueue"
	"github.com/anacostia-go/anacostia/internal/metadata"
	"github.com/anacostia-go/anacostia/internal/signal"
	"github.com/anacostia-go/anacostia/internal/status"
)

// MetadataStoreNode is the root-of-graph archetype: it owns the
// metadata.Store, brackets runs, and fans the run boundary out to its
// resource-node successors.
type MetadataStoreNode struct {
	*BaseNode

	Store metadata.Store

	// SetupFunc is an optional user extension point run once before
	// the loop starts; a non-nil error moves the node to ERROR and
	// skips the loop entirely.
	SetupFunc func(ctx context.Context) error

	// TriggerFunc is called on every monitor tick and is the user
	// extension point for opening a run on a schedule or an external
	// condition; call Trigger from it to fire. The default does
	// nothing: run starts are driven by resource nodes calling Trigger
	// when their own trigger condition holds, so an idle pipeline does
	// not spin through empty runs.
	TriggerFunc func(ctx context.Context) error

	// MonitorInterval is the monitor's polling cadence; must be
	// <=100ms to satisfy the >=10Hz floor. Zero selects the default.
	MonitorInterval time.Duration

	triggerLatch *signal.Latch
	mon          *monitor
}

// NewMetadataStoreNode constructs a MetadataStoreNode backed by store.
func NewMetadataStoreNode(name string, queue *eventqueue.Queue, logger *slog.Logger, store metadata.Store) *MetadataStoreNode {
	n := &MetadataStoreNode{
		BaseNode:     NewBaseNode(name, "MetadataStoreNode", BaseTypeMetadataStore, queue, logger),
		Store:        store,
		triggerLatch: signal.NewLatch(),
	}
	n.TriggerFunc = func(context.Context) error { return nil }
	return n
}

// Trigger fires the node's run trigger: the run loop's next (or
// current) trigger wait completes and a run is started. Idempotent
// until the loop consumes it.
func (n *MetadataStoreNode) Trigger() {
	n.triggerLatch.Set()
}

// Setup runs the user SetupFunc hook, if any, under panic recovery.
func (n *MetadataStoreNode) Setup(ctx context.Context) error {
	n.SetStatus(status.Initializing)
	if n.Store == nil {
		n.SetStatus(status.StatusError)
		return fmt.Errorf("metadata store node %s: no Store configured", n.Name)
	}
	if n.SetupFunc == nil {
		return nil
	}
	if err := safeCallCtx(ctx, n.logger, n.Name, "setup", n.SetupFunc); err != nil {
		n.SetStatus(status.StatusError)
		return err
	}
	return nil
}

// Run is the root loop: wait for a trigger, open a run, announce it
// to the resource nodes, wait for them to finish with the current
// window, close the run, announce again.
func (n *MetadataStoreNode) Run(ctx context.Context) {
	defer n.MarkDone()

	if n.WaitsForConnection() {
		if err := n.WaitForConnection(); err != nil {
			n.SetStatus(status.Exited)
			return
		}
	}

	n.mon = startMonitor(n.Context(), n.MonitorInterval, n.logger, n.Name, n.triggerFuncSafe)
	defer n.mon.stop()

	// Initial "resources ready" wait: a fast-starting resource node
	// must have armed its own latches before this node signals the
	// first run start.
	if err := n.WaitForSuccessors(); err != nil {
		n.SetStatus(status.Exited)
		return
	}

	for {
		select {
		case <-n.Context().Done():
			n.SetStatus(status.Exited)
			return
		default:
		}

		n.SetStatus(status.WaitingMetrics)
		if err := n.triggerLatch.Wait(n.Context()); err != nil {
			n.SetStatus(status.Exited)
			return
		}
		n.triggerLatch.Clear()
		n.SetStatus(status.Triggered)

		n.SetStatus(status.Preparation)
		if _, err := n.Store.StartRun(ctx); err != nil {
			n.logger.Error("start_run failed", "node", n.Name, "err", err)
			n.SetStatus(status.StatusError)
			return
		}

		if err := n.SignalSuccessors(status.Success); err != nil {
			n.SetStatus(status.Exited)
			return
		}

		n.SetStatus(status.WaitingSuccessors)
		if err := n.WaitForSuccessors(); err != nil {
			n.SetStatus(status.Exited)
			return
		}

		n.SetStatus(status.Cleanup)
		if err := n.Store.EndRun(ctx); err != nil {
			n.logger.Error("end_run failed", "node", n.Name, "err", err)
			n.SetStatus(status.StatusError)
			return
		}

		if err := n.SignalSuccessors(status.Success); err != nil {
			n.SetStatus(status.Exited)
			return
		}
	}
}

func (n *MetadataStoreNode) triggerFuncSafe(ctx context.Context) error {
	return safeCallCtx(ctx, n.logger, n.Name, "metadata_store_trigger", func(ctx context.Context) error {
		return n.TriggerFunc(ctx)
	})
}

var _ Node = (*MetadataStoreNode)(nil)
