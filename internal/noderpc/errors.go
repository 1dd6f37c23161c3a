// Package noderpc implements the per-node application-level RPC
// surface: a metadata Server/Client pair for logging and entry
// bookkeeping, and a resource Server/Client pair for artifact
// transfer. Independent of internal/connector, which only carries the
// handshake's three signalling verbs.
package noderpc

import "errors"

// ErrNetworkConnectionNotEstablished is returned by any Client method
// invoked before its server URL has been set via SetServerURL.
var ErrNetworkConnectionNotEstablished = errors.New("noderpc: server_url not set, not connected")
