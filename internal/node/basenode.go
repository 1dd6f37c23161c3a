package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/anacostia-go/anacostia/internal/eventqueue"
	"github.com/anacostia-go/anacostia/internal/signal"
	"github.com/anacostia-go/anacostia/internal/status"
)

// RemoteSignaller is the outbound half of the Connector protocol
// (internal/connector.Client implements this) a BaseNode calls to wake
// remote successors/predecessors. Kept as an interface here so
// internal/node never imports internal/connector — connector depends
// on node for NodeConnectionModel, not the reverse.
type RemoteSignaller interface {
	ForwardSignal(ctx context.Context, url string, body NodeConnectionModel) error
	BackwardSignal(ctx context.Context, url string, body NodeConnectionModel) error
	Connect(ctx context.Context, url string, body NodeConnectionModel) (NodeConnectionModel, error)
}

// Node is the interface graph.Pipeline operates on: any archetype
// plus the BaseNode accessor every archetype embeds.
type Node interface {
	Base() *BaseNode
	Setup(ctx context.Context) error
	Run(ctx context.Context)
}

// BaseNode owns the status field, the handshake latches, and the
// exit/pause/connection machinery shared by every archetype.
// Archetypes embed it and add their own loop shape plus hook fields.
type BaseNode struct {
	Name     string
	NodeType string
	Type     BaseType

	mu     sync.RWMutex
	status status.Status

	queue  *eventqueue.Queue
	logger *slog.Logger

	predecessors []*BaseNode
	successors   []*BaseNode

	remotePredecessors []string
	remoteSuccessors   []string

	latchMu             sync.RWMutex
	predecessorLatches  map[string]*signal.Latch
	successorLatches    map[string]*signal.Latch
	predecessorResults  map[string]status.Result
	successorResults    map[string]status.Result

	signaller RemoteSignaller
	selfURL   string

	exitCtx    context.Context
	exitCancel context.CancelFunc
	exitOnce   sync.Once
	done       chan struct{}

	pauseMu   sync.Mutex
	pauseGate chan struct{} // closed == running, not paused

	connMu       sync.Mutex
	connectionCh chan struct{}
	connOnce     sync.Once

	waitForConnection bool
}

// NewBaseNode constructs a BaseNode in the Off status, ready to have
// predecessors/successors wired before a Pipeline is built from it.
func NewBaseNode(name, nodeType string, baseType BaseType, queue *eventqueue.Queue, logger *slog.Logger) *BaseNode {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	pauseGate := make(chan struct{})
	close(pauseGate) // running by default

	n := &BaseNode{
		Name:               name,
		NodeType:           nodeType,
		Type:               baseType,
		status:             status.Off,
		queue:              queue,
		logger:             logger,
		predecessorLatches: make(map[string]*signal.Latch),
		successorLatches:   make(map[string]*signal.Latch),
		predecessorResults: make(map[string]status.Result),
		successorResults:   make(map[string]status.Result),
		exitCtx:            ctx,
		exitCancel:         cancel,
		done:               make(chan struct{}),
		pauseGate:          pauseGate,
		connectionCh:       make(chan struct{}),
	}
	return n
}

// Base returns the node itself; archetypes inherit it by embedding so
// any of them satisfies Node's accessor.
func (n *BaseNode) Base() *BaseNode { return n }

// SetSignaller wires the outbound remote-signal transport. Pipelines
// without any remote edges may leave this nil.
func (n *BaseNode) SetSignaller(s RemoteSignaller) { n.signaller = s }

// SetSelfURL records this node's own advertised URL, sent as node_url
// on every outbound connector call so peers can key their latches by
// it. The pipeline server sets it once the listener address is known.
func (n *BaseNode) SetSelfURL(u string) { n.selfURL = u }

// SelfURL returns the URL set by SetSelfURL.
func (n *BaseNode) SelfURL() string { return n.selfURL }

// SetWaitForConnection marks this node as requiring FinishConnect
// (driven by the upstream server's finish_connect call) before its
// run loop proceeds past setup.
func (n *BaseNode) SetWaitForConnection(v bool) { n.waitForConnection = v }

// WaitsForConnection reports the flag set by SetWaitForConnection.
func (n *BaseNode) WaitsForConnection() bool { return n.waitForConnection }

// Status returns the node's current lifecycle status.
func (n *BaseNode) Status() status.Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// SetStatus writes the node's status and emits a WorkUpdate onto the
// pipeline's fan-in queue; every write is observable.
func (n *BaseNode) SetStatus(s status.Status) {
	n.mu.Lock()
	n.status = s
	n.mu.Unlock()
	n.logger.Debug("node status change", "node", n.Name, "status", s)
	if n.queue != nil {
		n.queue.PushWorkUpdate(n.Name, s)
	}
}

// Context returns the node's exit context; every blocking wait in a
// run loop must select on this so Exit() unblocks it.
func (n *BaseNode) Context() context.Context { return n.exitCtx }

// Done reports when the node's run loop goroutine has returned.
func (n *BaseNode) Done() <-chan struct{} { return n.done }

// MarkDone is called by the archetype's run loop immediately before
// returning, fulfilling the contract Exit() waits on.
func (n *BaseNode) MarkDone() {
	select {
	case <-n.done:
	default:
		close(n.done)
	}
}

// AddLocalPredecessor wires pred as a local predecessor and arms the
// latch the predecessor signals to wake this node. Idempotent.
func (n *BaseNode) AddLocalPredecessor(pred *BaseNode) {
	n.latchMu.Lock()
	defer n.latchMu.Unlock()
	if _, ok := n.predecessorLatches[pred.Name]; ok {
		return
	}
	n.predecessors = append(n.predecessors, pred)
	n.predecessorLatches[pred.Name] = signal.NewLatch()
}

// AddLocalSuccessor wires succ as a local successor and arms the
// latch this node sets to wake it. Idempotent.
func (n *BaseNode) AddLocalSuccessor(succ *BaseNode) {
	n.latchMu.Lock()
	defer n.latchMu.Unlock()
	if _, ok := n.successorLatches[succ.Name]; ok {
		return
	}
	n.successors = append(n.successors, succ)
	n.successorLatches[succ.Name] = signal.NewLatch()
}

// AddRemotePredecessor registers a predecessor learned via an incoming
// /connector/connect call, keyed by the caller's node URL.
func (n *BaseNode) AddRemotePredecessor(url string) {
	n.latchMu.Lock()
	defer n.latchMu.Unlock()
	for _, u := range n.remotePredecessors {
		if u == url {
			return
		}
	}
	n.remotePredecessors = append(n.remotePredecessors, url)
	n.predecessorLatches[url] = signal.NewLatch()
}

// AddRemoteSuccessor registers a user-authored remote successor edge
// and arms the corresponding backward-signal latch.
func (n *BaseNode) AddRemoteSuccessor(url string) {
	n.latchMu.Lock()
	defer n.latchMu.Unlock()
	for _, u := range n.remoteSuccessors {
		if u == url {
			return
		}
	}
	n.remoteSuccessors = append(n.remoteSuccessors, url)
	n.successorLatches[url] = signal.NewLatch()
}

// Predecessors/Successors/RemotePredecessors/RemoteSuccessors expose
// the wired graph for the graph package to validate and topo-sort.
func (n *BaseNode) Predecessors() []*BaseNode        { return append([]*BaseNode{}, n.predecessors...) }
func (n *BaseNode) Successors() []*BaseNode          { return append([]*BaseNode{}, n.successors...) }
func (n *BaseNode) RemotePredecessors() []string     { return append([]string{}, n.remotePredecessors...) }
func (n *BaseNode) RemoteSuccessors() []string        { return append([]string{}, n.remoteSuccessors...) }

// Model returns the NodeModel advertised to peers during federation.
func (n *BaseNode) Model() NodeModel {
	preds := make([]string, 0, len(n.predecessors))
	for _, p := range n.predecessors {
		preds = append(preds, p.Name)
	}
	succs := make([]string, 0, len(n.successors))
	for _, s := range n.successors {
		succs = append(succs, s.Name)
	}
	return NodeModel{
		Name:         n.Name,
		NodeType:     n.NodeType,
		BaseType:     n.Type,
		Predecessors: preds,
		Successors:   succs,
	}
}

// ConnectionModel is Model() plus this node's own URL, used as the
// request/response body for /connector/connect calls.
func (n *BaseNode) ConnectionModel(selfURL string) NodeConnectionModel {
	return NodeConnectionModel{NodeModel: n.Model(), NodeURL: selfURL}
}

// SetPredecessorLatch sets the predecessor latch keyed by key (a local
// node name or a remote node URL) and records the accompanying Result,
// for the connector's /forward_signal handler and in-process local
// signalling to share one code path.
func (n *BaseNode) SetPredecessorLatch(key string, result status.Result) {
	n.latchMu.Lock()
	l, ok := n.predecessorLatches[key]
	if ok {
		n.predecessorResults[key] = result
	}
	n.latchMu.Unlock()
	if ok {
		l.Set()
	} else {
		n.logger.Warn("signal from unknown predecessor", "node", n.Name, "key", key)
	}
}

// SetSuccessorLatch sets the successor latch keyed by key, for the
// connector's /backward_signal handler and in-process local
// signalling to share one code path.
func (n *BaseNode) SetSuccessorLatch(key string, result status.Result) {
	n.latchMu.Lock()
	l, ok := n.successorLatches[key]
	if ok {
		n.successorResults[key] = result
	}
	n.latchMu.Unlock()
	if ok {
		l.Set()
	} else {
		n.logger.Warn("signal from unknown successor", "node", n.Name, "key", key)
	}
}

// PredecessorResult returns the last Result recorded for predecessor
// key, so an archetype's loop can consult it out-of-band of the latch
// wake.
func (n *BaseNode) PredecessorResult(key string) (status.Result, bool) {
	n.latchMu.RLock()
	defer n.latchMu.RUnlock()
	r, ok := n.predecessorResults[key]
	return r, ok
}

// SuccessorResult is PredecessorResult's mirror for backward signals.
func (n *BaseNode) SuccessorResult(key string) (status.Result, bool) {
	n.latchMu.RLock()
	defer n.latchMu.RUnlock()
	r, ok := n.successorResults[key]
	return r, ok
}

// WaitForPredecessors blocks until every predecessor (local and
// remote) has signalled since the last Clear, then clears every
// predecessor latch. Honors the node's exit context throughout.
func (n *BaseNode) WaitForPredecessors() error {
	return n.waitAndClear(n.predecessorLatches)
}

// WaitForSuccessors is WaitForPredecessors' mirror image.
func (n *BaseNode) WaitForSuccessors() error {
	return n.waitAndClear(n.successorLatches)
}

func (n *BaseNode) waitAndClear(m map[string]*signal.Latch) error {
	n.latchMu.RLock()
	latches := make([]*signal.Latch, 0, len(m))
	for _, l := range m {
		latches = append(latches, l)
	}
	n.latchMu.RUnlock()

	for _, l := range latches {
		if err := l.Wait(n.exitCtx); err != nil {
			return err
		}
	}
	// Exit sets every latch to unblock waiters; surface it as an error
	// so loops fall straight through to their exit path instead of
	// finishing the iteration on released latches.
	if err := n.exitCtx.Err(); err != nil {
		return err
	}
	for _, l := range latches {
		l.Clear()
	}
	return nil
}

// SignalSuccessors sets every local successor's predecessor latch and
// concurrently POSTs /connector/forward_signal to every remote
// successor URL. A remote POST failure is fatal to this node: it
// triggers Exit() and the error is returned so the caller's loop can
// break without further signalling.
func (n *BaseNode) SignalSuccessors(result status.Result) error {
	n.latchMu.RLock()
	localSucc := append([]*BaseNode{}, n.successors...)
	remoteSucc := append([]string{}, n.remoteSuccessors...)
	n.latchMu.RUnlock()

	for _, s := range localSucc {
		s.SetPredecessorLatch(n.Name, result)
	}
	return n.fanOutRemote(remoteSucc, result, forward)
}

// SignalPredecessors is SignalSuccessors' mirror image, using
// /connector/backward_signal for the remote fan-out.
func (n *BaseNode) SignalPredecessors(result status.Result) error {
	n.latchMu.RLock()
	localPred := append([]*BaseNode{}, n.predecessors...)
	remotePred := append([]string{}, n.remotePredecessors...)
	n.latchMu.RUnlock()

	for _, p := range localPred {
		p.SetSuccessorLatch(n.Name, result)
	}
	return n.fanOutRemote(remotePred, result, backward)
}

type signalDirection int

const (
	forward signalDirection = iota
	backward
)

func (n *BaseNode) fanOutRemote(urls []string, result status.Result, dir signalDirection) error {
	if len(urls) == 0 {
		return nil
	}
	if n.signaller == nil {
		return fmt.Errorf("node %s: remote edges present but no signaller configured", n.Name)
	}
	call := n.signaller.ForwardSignal
	if dir == backward {
		call = n.signaller.BackwardSignal
	}
	body := n.ConnectionModel(n.selfURL)
	body.Result = result

	g, ctx := errgroup.WithContext(n.exitCtx)
	for _, u := range urls {
		u := u
		g.Go(func() error { return call(ctx, u, body) })
	}
	if err := g.Wait(); err != nil {
		n.logger.Error("remote signal failed, exiting node", "node", n.Name, "err", err)
		n.Exit()
		return err
	}
	return nil
}

// Exit cancels the node's exit context, releases every latch (so any
// blocked wait falls through to the exit check) and closes the
// connection channel, then returns — it does not block waiting for
// the run loop to finish; call Done() or the Pipeline's join logic
// for that. Exit is idempotent.
func (n *BaseNode) Exit() {
	n.exitOnce.Do(func() {
		n.exitCancel()

		n.latchMu.RLock()
		for _, l := range n.predecessorLatches {
			l.Set()
		}
		for _, l := range n.successorLatches {
			l.Set()
		}
		n.latchMu.RUnlock()

		n.connOnce.Do(func() { close(n.connectionCh) })
	})
}

// FinishConnect releases nodes blocked on WaitForConnection. Safe to
// call multiple times.
func (n *BaseNode) FinishConnect() {
	n.connOnce.Do(func() { close(n.connectionCh) })
}

// WaitForConnection blocks until FinishConnect or Exit runs, or the
// node's exit context is cancelled directly.
func (n *BaseNode) WaitForConnection() error {
	select {
	case <-n.connectionCh:
		return nil
	case <-n.exitCtx.Done():
		return n.exitCtx.Err()
	}
}

// Pause blocks the run loop at its next pause checkpoint until Resume
// is called. Pause/Resume are not exercised by the handshake itself
// but are exposed for user code.
func (n *BaseNode) Pause() {
	n.pauseMu.Lock()
	defer n.pauseMu.Unlock()
	select {
	case <-n.pauseGate:
		n.pauseGate = make(chan struct{})
	default:
	}
}

// Resume reverses Pause.
func (n *BaseNode) Resume() {
	n.pauseMu.Lock()
	defer n.pauseMu.Unlock()
	select {
	case <-n.pauseGate:
	default:
		close(n.pauseGate)
	}
}

// WaitIfPaused blocks while the node is paused, honoring the exit
// context.
func (n *BaseNode) WaitIfPaused() error {
	n.pauseMu.Lock()
	gate := n.pauseGate
	n.pauseMu.Unlock()
	select {
	case <-gate:
		return nil
	case <-n.exitCtx.Done():
		return n.exitCtx.Err()
	}
}
