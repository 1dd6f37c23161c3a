// Package graph builds and validates the DAG of nodes that make up one
// pipeline, topologically sorts it, and brackets the setup/launch/
// terminate lifecycle around it.
package graph

import "errors"

var (
	// ErrCycle is returned by Build when the node graph (excluding
	// remote edges, which are validated separately) is not acyclic.
	ErrCycle = errors.New("graph: cycle detected among local nodes")

	// ErrDanglingEdge is returned by Build when a node's wired
	// successor/predecessor is not present in the node list passed in.
	ErrDanglingEdge = errors.New("graph: edge references a node outside the pipeline")

	// ErrArchetypeViolation is returned by Build when an edge connects
	// archetypes out of order (anything but MetadataStore -> Resource
	// -> Action, with Action -> Action chains allowed).
	ErrArchetypeViolation = errors.New("graph: edge violates archetype adjacency rules")

	// ErrMultipleMetadataStores is returned by Build when more than one
	// node of BaseType MetadataStore is present; a pipeline has at most
	// one root.
	ErrMultipleMetadataStores = errors.New("graph: pipeline has more than one MetadataStore node")
)
