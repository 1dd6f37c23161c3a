package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/anacostia-go/anacostia/internal/node"
	"github.com/anacostia-go/anacostia/internal/status"
)

// Edge is one directed edge of the pipeline's local graph, by node name.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// PipelineModel is the graph fragment a pipeline advertises to its
// upstream during federation: every local node's model plus the local
// edge list.
type PipelineModel struct {
	Name  string           `json:"name"`
	Nodes []node.NodeModel `json:"nodes"`
	Edges []Edge           `json:"edges"`
}

// Pipeline owns one process's local DAG of nodes: adjacency is kept in
// name-keyed maps rather than via pointer cycles, so termination
// ordering falls straight out of the stored topological order.
type Pipeline struct {
	Name string

	nodes   map[string]node.Node
	order   []string // topological, metadata store first
	parents map[string][]string
	logger  *slog.Logger

	metadataStore *node.MetadataStoreNode

	launched bool
	mu       sync.Mutex
}

// Build constructs and validates a Pipeline from nodes. Local
// predecessor edges must already be wired (node.AddLocalPredecessor);
// Build derives the reciprocal successor wiring, rejects dangling
// edges, cycles, archetype-adjacency violations and duplicate metadata
// stores, and fixes the topological order used by setup and teardown.
func Build(name string, nodes []node.Node, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		Name:    name,
		nodes:   make(map[string]node.Node, len(nodes)),
		parents: make(map[string][]string),
		logger:  logger,
	}

	for _, n := range nodes {
		b := n.Base()
		if _, dup := p.nodes[b.Name]; dup {
			return nil, fmt.Errorf("graph: duplicate node name %q", b.Name)
		}
		p.nodes[b.Name] = n
	}

	for _, n := range nodes {
		b := n.Base()
		switch b.Type {
		case node.BaseTypeMetadataStore:
			if p.metadataStore != nil {
				return nil, fmt.Errorf("%w: %q and %q", ErrMultipleMetadataStores, p.metadataStore.Name, b.Name)
			}
			ms, ok := n.(*node.MetadataStoreNode)
			if !ok {
				return nil, fmt.Errorf("graph: node %q declares BaseType MetadataStore but is not a MetadataStoreNode", b.Name)
			}
			p.metadataStore = ms
		case node.BaseTypeResource, node.BaseTypeAction:
		default:
			return nil, fmt.Errorf("graph: node %q has unknown base type %q", b.Name, b.Type)
		}
	}

	children := make(map[string][]string)
	for _, n := range nodes {
		b := n.Base()
		for _, pred := range b.Predecessors() {
			predNode, ok := p.nodes[pred.Name]
			if !ok {
				return nil, fmt.Errorf("%w: %q -> %q", ErrDanglingEdge, pred.Name, b.Name)
			}
			if err := checkArchetypeEdge(predNode.Base().Type, b.Type); err != nil {
				return nil, fmt.Errorf("%w: %q (%s) -> %q (%s)",
					err, pred.Name, predNode.Base().Type, b.Name, b.Type)
			}
			children[pred.Name] = append(children[pred.Name], b.Name)
			p.parents[b.Name] = append(p.parents[b.Name], pred.Name)
		}
	}

	order, err := topoSort(p.nodeNames(), children, p.parents)
	if err != nil {
		return nil, err
	}
	p.order = order

	// Wire the reciprocal successor side of every local edge so a
	// predecessor's SignalSuccessors reaches the latches the successor
	// armed at AddLocalPredecessor time.
	for _, n := range nodes {
		b := n.Base()
		for _, pred := range b.Predecessors() {
			p.nodes[pred.Name].Base().AddLocalSuccessor(b)
		}
	}

	// A resource node whose metadata store lives in this process can
	// wake the store's monitor trigger directly.
	if p.metadataStore != nil {
		for _, n := range nodes {
			rn, ok := n.(*node.ResourceNode)
			if !ok {
				continue
			}
			for _, pred := range rn.Base().Predecessors() {
				if pred.Name == p.metadataStore.Name && rn.TriggerMetadataStore == nil {
					ms := p.metadataStore
					rn.TriggerMetadataStore = func(context.Context) error {
						ms.Trigger()
						return nil
					}
				}
			}
		}
	}

	return p, nil
}

func checkArchetypeEdge(src, dst node.BaseType) error {
	switch src {
	case node.BaseTypeMetadataStore:
		if dst != node.BaseTypeResource {
			return ErrArchetypeViolation
		}
	case node.BaseTypeResource:
		if dst != node.BaseTypeAction {
			return ErrArchetypeViolation
		}
	case node.BaseTypeAction:
		if dst != node.BaseTypeAction {
			return ErrArchetypeViolation
		}
	}
	return nil
}

// CheckRemoteEdge validates a cross-process edge at connect time:
// metadata stores may only feed remote resource nodes, resource nodes
// only remote action nodes.
func CheckRemoteEdge(src node.BaseType, dst node.BaseType) error {
	return checkArchetypeEdge(src, dst)
}

func (p *Pipeline) nodeNames() []string {
	names := make([]string, 0, len(p.nodes))
	for name := range p.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// topoSort is Kahn's algorithm with a sorted ready queue for a
// deterministic order across runs.
func topoSort(names []string, children, parents map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(names))
	for _, name := range names {
		inDegree[name] = len(parents[name])
	}

	ready := make([]string, 0, len(names))
	for _, name := range names {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(names))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		added := false
		for _, child := range children[name] {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
				added = true
			}
		}
		if added {
			sort.Strings(ready)
		}
	}

	if len(order) != len(names) {
		return nil, ErrCycle
	}
	return order, nil
}

// Node returns the named node, or nil if it is not in this pipeline.
func (p *Pipeline) Node(name string) node.Node { return p.nodes[name] }

// Nodes returns every node in topological order.
func (p *Pipeline) Nodes() []node.Node {
	out := make([]node.Node, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.nodes[name])
	}
	return out
}

// MetadataStore returns this pipeline's metadata store node, or nil
// when the pipeline has none (a leaf pipeline of pure action nodes).
func (p *Pipeline) MetadataStore() *node.MetadataStoreNode { return p.metadataStore }

// Model returns the graph fragment advertised to upstream peers.
func (p *Pipeline) Model() PipelineModel {
	m := PipelineModel{Name: p.Name}
	for _, name := range p.order {
		b := p.nodes[name].Base()
		m.Nodes = append(m.Nodes, b.Model())
		for _, succ := range b.Successors() {
			m.Edges = append(m.Edges, Edge{Source: b.Name, Target: succ.Name})
		}
		for _, url := range b.RemoteSuccessors() {
			m.Edges = append(m.Edges, Edge{Source: b.Name, Target: url})
		}
	}
	return m
}

// SetupNodes partitions nodes by archetype and runs Setup concurrently
// within each archetype phase, sequentially across phases (Metadata,
// then Resource, then Action). A setup error marks that node ERROR and
// is collected, but does not stop the other nodes in its phase. After
// all phases, every node is registered with the metadata store.
func (p *Pipeline) SetupNodes(ctx context.Context) error {
	phases := []node.BaseType{
		node.BaseTypeMetadataStore,
		node.BaseTypeResource,
		node.BaseTypeAction,
	}

	var (
		errMu    sync.Mutex
		firstErr error
	)
	for _, phase := range phases {
		var wg sync.WaitGroup
		for _, name := range p.order {
			n := p.nodes[name]
			if n.Base().Type != phase {
				continue
			}
			wg.Add(1)
			go func(n node.Node) {
				defer wg.Done()
				if err := n.Setup(ctx); err != nil {
					p.logger.Error("node setup failed", "pipeline", p.Name, "node", n.Base().Name, "err", err)
					errMu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("graph: setup of node %q: %w", n.Base().Name, err)
					}
					errMu.Unlock()
				}
			}(n)
		}
		wg.Wait()
	}

	if p.metadataStore != nil && p.metadataStore.Store != nil {
		for _, name := range p.order {
			if err := p.metadataStore.Store.AddNode(ctx, name); err != nil {
				return fmt.Errorf("graph: registering node %q with metadata store: %w", name, err)
			}
		}
	}
	return firstErr
}

// LaunchNodes runs SetupNodes then starts every node's run loop on its
// own goroutine. A node whose setup failed stays in ERROR, never joins
// the handshake, and counts as already finished for termination.
func (p *Pipeline) LaunchNodes(ctx context.Context) error {
	p.mu.Lock()
	if p.launched {
		p.mu.Unlock()
		return fmt.Errorf("graph: pipeline %q already launched", p.Name)
	}
	p.launched = true
	p.mu.Unlock()

	setupErr := p.SetupNodes(ctx)
	for _, name := range p.order {
		n := p.nodes[name]
		if n.Base().Status() == status.StatusError {
			n.Base().MarkDone()
			continue
		}
		go n.Run(ctx)
	}
	return setupErr
}

// TerminateNodes stops every node in reverse topological order:
// downstream waiters unblock before their upstreams disappear. Each
// node's Exit releases all of its latches, so a loop blocked anywhere
// falls through to its exit check; the join is bounded by ctx. When the
// pipeline was never launched there are no run loops to join, so only
// the Exit side effects run.
func (p *Pipeline) TerminateNodes(ctx context.Context) error {
	p.mu.Lock()
	launched := p.launched
	p.mu.Unlock()

	for i := len(p.order) - 1; i >= 0; i-- {
		n := p.nodes[p.order[i]]
		n.Base().Exit()
		if !launched {
			continue
		}
		select {
		case <-n.Base().Done():
		case <-ctx.Done():
			return fmt.Errorf("graph: terminating node %q: %w", p.order[i], ctx.Err())
		}
	}
	return nil
}
