// Package metadata defines the abstract metadata store port every
// MetadataStoreNode talks to, plus an in-memory default and a
// Postgres-backed implementation.
package metadata

import (
	"context"
	"errors"
	"time"
)

// ErrRunNotStarted is returned by EndRun when no run is currently open.
var ErrRunNotStarted = errors.New("metadata: no run is currently open")

// EntryState is the lifecycle state of an artifact entry tracked by
// the metadata store: every new artifact enters as "new", is promoted
// to "current" when its owning run starts, and demoted to "old" when
// that run ends (EndRun).
type EntryState string

const (
	EntryNew     EntryState = "new"
	EntryCurrent EntryState = "current"
	EntryOld     EntryState = "old"
)

// Entry is one row of a resource node's artifact table.
type Entry struct {
	ID          int64
	RunID       int
	NodeName    string
	Location    string
	State       EntryState
	Hash        string
	CreatedAt   time.Time
	EndTime     *time.Time
	ContentType string
}

// Store is the full set of operations a node's metadata client may
// invoke, whether routed in-process or over the node RPC surface.
type Store interface {
	// AddNode registers a node name with the store; idempotent.
	AddNode(ctx context.Context, nodeName string) error

	// GetNodeID returns the store-assigned numeric ID for nodeName, or
	// 0 when the node has not been registered.
	GetNodeID(ctx context.Context, nodeName string) (int, error)

	// StartRun opens a new run, promoting every "new" entry across all
	// nodes to "current" and every prior "current" entry to "old". It
	// returns the new run's ID.
	StartRun(ctx context.Context) (int, error)

	// EndRun closes the currently open run. Returns ErrRunNotStarted if
	// no run is open.
	EndRun(ctx context.Context) error

	// GetRunID returns the currently open run's ID, or 0 if none is open.
	GetRunID(ctx context.Context) (int, error)

	// CreateEntry records a new artifact entry in EntryNew state.
	CreateEntry(ctx context.Context, e Entry) (Entry, error)

	// MergeArtifactsTable promotes/demotes entries for nodeName at run
	// start: existing EntryCurrent -> EntryOld, EntryNew -> EntryCurrent.
	MergeArtifactsTable(ctx context.Context, nodeName string, runID int) error

	// EntryExists reports whether an entry at location already exists
	// for nodeName, regardless of state.
	EntryExists(ctx context.Context, nodeName, location string) (bool, error)

	// LogMetrics/LogParams/SetTags attach run-scoped key/value data.
	LogMetrics(ctx context.Context, nodeName string, runID int, metrics map[string]float64) error
	LogParams(ctx context.Context, nodeName string, runID int, params map[string]string) error
	SetTags(ctx context.Context, nodeName string, runID int, tags []string) error

	GetMetrics(ctx context.Context, nodeName string, runID int) (map[string]float64, error)
	GetParams(ctx context.Context, nodeName string, runID int) (map[string]string, error)
	GetTags(ctx context.Context, nodeName string, runID int) ([]string, error)

	// LogTrigger records that nodeName fired a trigger during runID,
	// with a free-form reason string for observability.
	LogTrigger(ctx context.Context, nodeName string, runID int, reason string) error

	GetNumEntries(ctx context.Context, nodeName string, state EntryState) (int, error)
	GetEntries(ctx context.Context, nodeName string, state EntryState) ([]Entry, error)
}
