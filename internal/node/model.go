// Package node implements the generic node lifecycle/handshake
// machinery (BaseNode) and the three node archetypes (MetadataStore,
// Resource, Action) whose distinct loop shapes realize the pipeline's
// bidirectional signalling protocol.
package node

import "github.com/anacostia-go/anacostia/internal/status"

// BaseType is the archetype a node belongs to. It governs the shape
// of the node's run loop and the archetype-adjacency rules the graph
// package enforces at build/connect time.
type BaseType string

const (
	BaseTypeMetadataStore BaseType = "MetadataStore"
	BaseTypeResource      BaseType = "Resource"
	BaseTypeAction        BaseType = "Action"
)

// NodeModel is the wire shape advertised for a node during pipeline
// federation.
type NodeModel struct {
	Name         string   `json:"name"`
	NodeType     string   `json:"node_type"`
	BaseType     BaseType `json:"base_type"`
	Predecessors []string `json:"predecessors"`
	Successors   []string `json:"successors"`
}

// NodeConnectionModel is a NodeModel plus the caller's own URL and,
// for forward/backward signal calls, the Result payload that rides
// alongside the latch wake without gating it.
type NodeConnectionModel struct {
	NodeModel
	NodeURL string        `json:"node_url"`
	Result  status.Result `json:"result,omitempty"`
}
