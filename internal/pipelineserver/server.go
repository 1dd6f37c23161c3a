// Package pipelineserver hosts one Pipeline behind an HTTP surface:
// the federation endpoints downstream servers call, the per-node
// Connector and RPC routes, the SSE event stream, and the relay task
// that forwards status events to the upstream server.
package pipelineserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/anacostia-go/anacostia/internal/connector"
	"github.com/anacostia-go/anacostia/internal/eventqueue"
	"github.com/anacostia-go/anacostia/internal/graph"
	"github.com/anacostia-go/anacostia/internal/metadata"
	"github.com/anacostia-go/anacostia/internal/node"
	"github.com/anacostia-go/anacostia/internal/noderpc"
	"github.com/anacostia-go/anacostia/internal/status"
)

// relayRetryDelay spaces out upstream retries after a failed
// /send_event POST so the relay doesn't spin on a dead upstream.
const relayRetryDelay = 250 * time.Millisecond

// FrontendNode is one node of the frontend graph, its model plus the
// resolved endpoint it is reachable at.
type FrontendNode struct {
	node.NodeModel
	NodeURL string `json:"node_url"`
}

// FrontendGraph is the response body of POST /connect: this pipeline's
// graph with every node's endpoint filled in.
type FrontendGraph struct {
	Name  string         `json:"name"`
	Nodes []FrontendNode `json:"nodes"`
	Edges []graph.Edge   `json:"edges"`
}

// Server is the process-level host of one Pipeline.
type Server struct {
	pipeline *graph.Pipeline
	queue    *eventqueue.Queue
	logger   *slog.Logger

	host string
	port int

	httpClient *http.Client
	connClient *connector.Client
	httpServer *http.Server
	listener   net.Listener

	upstreamMu  sync.Mutex
	upstreamURL string

	relayConnected atomic.Bool
	connected      atomic.Bool

	modelsMu        sync.Mutex
	successorModels []graph.PipelineModel

	clientConnects []func(ctx context.Context) error

	subsMu sync.Mutex
	subs   map[chan eventqueue.Event]struct{}

	relayDone chan struct{}
}

// New builds a Server for pipeline listening on host:port. Port 0
// picks a free port at Start time. httpClient defaults to a client
// with no overall timeout (signals and uploads may be long-lived).
func New(pipeline *graph.Pipeline, queue *eventqueue.Queue, host string, port int, logger *slog.Logger, httpClient *http.Client) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Server{
		pipeline:   pipeline,
		queue:      queue,
		logger:     logger,
		host:       host,
		port:       port,
		httpClient: httpClient,
		connClient: connector.NewClient(httpClient),
		subs:       make(map[chan eventqueue.Event]struct{}),
		relayDone:  make(chan struct{}),
	}
}

// RegisterClientConnector adds a callback run during step 5 of the
// connect procedure, after remote edges are wired but before
// downstream servers are told to finish: node Servers with a
// configured client URL use it to POST their location to the client.
func (s *Server) RegisterClientConnector(fn func(ctx context.Context) error) {
	s.clientConnects = append(s.clientConnects, fn)
}

// BaseURL is the URL this server advertises to peers.
func (s *Server) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", s.advertiseHost(), s.port)
}

func (s *Server) advertiseHost() string {
	if s.host == "" || s.host == "0.0.0.0" || s.host == "::" {
		return "127.0.0.1"
	}
	return s.host
}

// Connected reports whether an upstream has completed /finish_connect
// against this server. A server's own Connect does not set it.
func (s *Server) Connected() bool { return s.connected.Load() }

// Handler assembles the full HTTP surface: the pipeline-level routes
// plus every node's Connector and RPC sub-routers.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Post("/connect", s.handleConnect)
	r.Post("/finish_connect", s.handleFinishConnect)
	r.Post("/send_event", s.handleSendEvent)
	r.Get("/graph_sse", s.handleGraphSSE)
	r.Get("/header_bar", s.handleHeaderBar)

	for _, n := range s.pipeline.Nodes() {
		b := n.Base()
		connector.Mount(r, b, s.nodeURL(b.Name))

		switch cn := n.(type) {
		case *node.MetadataStoreNode:
			if cn.Store != nil {
				noderpc.MountMetadataServer(r, b.Name, cn.Store)
			}
		case *node.ResourceNode:
			if cn.ArtifactStore != nil && cn.Metadata != nil {
				if entries, ok := cn.Metadata.(interface {
					GetNumEntries(ctx context.Context, nodeName string, state metadata.EntryState) (int, error)
					GetEntries(ctx context.Context, nodeName string, state metadata.EntryState) ([]metadata.Entry, error)
					CreateEntry(ctx context.Context, e metadata.Entry) (metadata.Entry, error)
				}); ok {
					noderpc.MountResourceServer(r, b.Name, cn.ArtifactStore, entries)
				}
			}
		}
	}
	return r
}

func (s *Server) nodeURL(name string) string {
	return s.BaseURL() + "/" + name
}

// Start binds the listener, serves the HTTP surface, starts the relay
// task, runs the connect procedure and launches the pipeline's nodes.
// It returns once the pipeline is running; Stop tears everything down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		return fmt.Errorf("pipelineserver: listen: %w", err)
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	for _, n := range s.pipeline.Nodes() {
		b := n.Base()
		b.SetSelfURL(s.nodeURL(b.Name))
		b.SetSignaller(s.connClient)
	}

	s.httpServer = &http.Server{Handler: s.Handler()}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", "err", err)
		}
	}()

	go s.relayLoop(ctx)

	if err := s.Connect(ctx); err != nil {
		return err
	}
	if err := s.pipeline.LaunchNodes(ctx); err != nil {
		s.logger.Error("node setup reported errors", "err", err)
	}
	s.logger.Info("pipeline server running", "pipeline", s.pipeline.Name, "addr", s.BaseURL())
	return nil
}

// Stop shuts down the HTTP listener, then terminates the pipeline's
// nodes in reverse topological order. Bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", "err", err)
		}
	}
	return s.pipeline.TerminateNodes(ctx)
}

// Run is Start, wait for ctx cancellation (typically wired to SIGINT/
// SIGTERM via signal.NotifyContext), then Stop with a fresh deadline.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

// Connect performs the startup federation procedure exactly once:
// discover downstream pipelines, register their nodes, validate
// cross-process edges, wire remote latches, connect node clients,
// then release the downstreams.
func (s *Server) Connect(ctx context.Context) error {
	bases := s.downstreamBases()

	// Step 1: announce ourselves to every downstream server and
	// collect their graph fragments.
	for _, base := range bases {
		var model graph.PipelineModel
		body := map[string]any{
			"predecessor_host": s.advertiseHost(),
			"predecessor_port": s.port,
		}
		if err := s.postJSON(ctx, base+"/connect", body, &model); err != nil {
			return fmt.Errorf("pipelineserver: connect to downstream %s: %w", base, err)
		}
		s.modelsMu.Lock()
		s.successorModels = append(s.successorModels, model)
		s.modelsMu.Unlock()
	}

	// Step 2: register every remote node with the local metadata store.
	remoteTypes := make(map[string]node.BaseType)
	s.modelsMu.Lock()
	for _, model := range s.successorModels {
		for _, nm := range model.Nodes {
			remoteTypes[nm.Name] = nm.BaseType
		}
	}
	s.modelsMu.Unlock()
	if ms := s.pipeline.MetadataStore(); ms != nil && ms.Store != nil {
		for name := range remoteTypes {
			if s.pipeline.Node(name) != nil {
				continue
			}
			if err := ms.Store.AddNode(ctx, name); err != nil {
				return fmt.Errorf("pipelineserver: registering remote node %q: %w", name, err)
			}
		}
	}

	// Step 3: cross-process archetype validation.
	for _, n := range s.pipeline.Nodes() {
		b := n.Base()
		for _, ru := range b.RemoteSuccessors() {
			remoteName := nodeNameFromURL(ru)
			rt, known := remoteTypes[remoteName]
			if !known {
				return fmt.Errorf("pipelineserver: remote successor %s of node %q not advertised by any downstream pipeline", ru, b.Name)
			}
			if err := graph.CheckRemoteEdge(b.Type, rt); err != nil {
				return fmt.Errorf("pipelineserver: edge %q (%s) -> %q (%s): %w", b.Name, b.Type, remoteName, rt, err)
			}
		}
	}

	// Step 4: wire every remote edge's latches via the Connector.
	for _, n := range s.pipeline.Nodes() {
		b := n.Base()
		for _, ru := range b.RemoteSuccessors() {
			resp, err := s.connClient.Connect(ctx, ru, b.ConnectionModel(b.SelfURL()))
			if err != nil {
				return fmt.Errorf("pipelineserver: connector connect %s: %w", ru, err)
			}
			s.logger.Info("remote edge wired",
				"source", b.Name, "target", resp.Name, "target_url", resp.NodeURL)
		}
	}

	// Step 5: node Servers announce themselves to their Clients.
	for _, fn := range s.clientConnects {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("pipelineserver: node client connect: %w", err)
		}
	}

	// Step 6: release downstream nodes waiting on their connection
	// event. Local nodes that explicitly wait for a connection are
	// waiting for *our* upstream's /finish_connect, not our own
	// procedure, so only the rest are released here.
	for _, base := range bases {
		if err := s.postJSON(ctx, base+"/finish_connect", struct{}{}, nil); err != nil {
			return fmt.Errorf("pipelineserver: finish_connect to %s: %w", base, err)
		}
	}
	for _, n := range s.pipeline.Nodes() {
		if !n.Base().WaitsForConnection() {
			n.Base().FinishConnect()
		}
	}
	return nil
}

// downstreamBases derives the set of downstream pipeline-server base
// URLs from every node's remote successor URLs.
func (s *Server) downstreamBases() []string {
	seen := make(map[string]struct{})
	var bases []string
	for _, n := range s.pipeline.Nodes() {
		for _, ru := range n.Base().RemoteSuccessors() {
			base := serverBaseFromURL(ru)
			if base == "" {
				continue
			}
			if _, dup := seen[base]; dup {
				continue
			}
			seen[base] = struct{}{}
			bases = append(bases, base)
		}
	}
	return bases
}

func serverBaseFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	dir := path.Dir(u.Path)
	if dir == "." || dir == "/" {
		dir = ""
	}
	return u.Scheme + "://" + u.Host + dir
}

func nodeNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return path.Base(u.Path)
}

// SuccessorPipelineModels returns the downstream graph fragments
// collected during Connect.
func (s *Server) SuccessorPipelineModels() []graph.PipelineModel {
	s.modelsMu.Lock()
	defer s.modelsMu.Unlock()
	return append([]graph.PipelineModel{}, s.successorModels...)
}

// FrontendJSON is this pipeline's graph with every node's endpoints
// filled in, returned to upstream servers from POST /connect.
func (s *Server) FrontendJSON() FrontendGraph {
	model := s.pipeline.Model()
	fg := FrontendGraph{Name: model.Name, Edges: model.Edges}
	for _, nm := range model.Nodes {
		fg.Nodes = append(fg.Nodes, FrontendNode{NodeModel: nm, NodeURL: s.nodeURL(nm.Name)})
	}
	return fg
}

type connectRequest struct {
	PredecessorHost string `json:"predecessor_host"`
	PredecessorPort int    `json:"predecessor_port"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PredecessorHost == "" || req.PredecessorPort == 0 {
		http.Error(w, "predecessor_host and predecessor_port are required", http.StatusBadRequest)
		return
	}

	s.upstreamMu.Lock()
	s.upstreamURL = fmt.Sprintf("http://%s:%d", req.PredecessorHost, req.PredecessorPort)
	s.upstreamMu.Unlock()
	s.logger.Info("upstream connected", "upstream", req.PredecessorHost, "port", req.PredecessorPort)

	writeJSON(w, http.StatusOK, s.FrontendJSON())
}

func (s *Server) handleFinishConnect(w http.ResponseWriter, r *http.Request) {
	for _, n := range s.pipeline.Nodes() {
		n.Base().FinishConnect()
	}
	s.connected.Store(true)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSendEvent(w http.ResponseWriter, r *http.Request) {
	var ev eventqueue.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.queue.PushRelayed(ev)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGraphSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Replay the latest known status of every node before tailing live
	// events; the cache never holds INITIALIZING.
	for name, st := range s.queue.LatestByNode() {
		writeSSE(w, eventqueue.NewWorkUpdateEvent(name, st))
	}
	flusher.Flush()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			fmt.Fprint(w, "event: close\ndata: {}\n\n")
			flusher.Flush()
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev eventqueue.Event) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, ev.Data)
}

func (s *Server) handleHeaderBar(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	visibility := r.URL.Query().Get("visibility")
	if visibility == "" {
		visibility = "visible"
	}

	st := status.Off
	if n := s.pipeline.Node(nodeID); n != nil {
		st = n.Base().Status()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w,
		`<div class="header-bar" data-node="%s" data-visibility="%s"><span class="node-status">%s</span></div>`,
		html.EscapeString(nodeID), html.EscapeString(visibility), html.EscapeString(st.String()))
}

func (s *Server) subscribe() chan eventqueue.Event {
	ch := make(chan eventqueue.Event, 64)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan eventqueue.Event) {
	s.subsMu.Lock()
	delete(s.subs, ch)
	s.subsMu.Unlock()
}

func (s *Server) broadcast(ev eventqueue.Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Slow SSE consumer; it recovers from the replay cache on
			// reconnect, same contract as the fan-in queue itself.
		}
	}
}

func (s *Server) upstream() string {
	s.upstreamMu.Lock()
	defer s.upstreamMu.Unlock()
	return s.upstreamURL
}

// relayLoop is the single consumer of the fan-in queue: it fans each
// event out to the SSE subscribers and, when an upstream is connected,
// POSTs it to the upstream's /send_event. A failed POST re-enqueues
// the event and marks the relay disconnected until a later POST
// succeeds; the producer side is never blocked.
func (s *Server) relayLoop(ctx context.Context) {
	defer close(s.relayDone)
	for ev := range s.queue.Drain(ctx) {
		s.broadcast(ev)

		up := s.upstream()
		if up == "" {
			continue
		}
		if err := s.postJSON(ctx, up+"/send_event", ev, nil); err != nil {
			if s.relayConnected.Swap(false) {
				s.logger.Warn("upstream relay disconnected", "upstream", up, "err", err)
			}
			s.queue.Requeue(ev)
			select {
			case <-time.After(relayRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		if !s.relayConnected.Swap(true) {
			s.logger.Info("upstream relay connected", "upstream", up)
		}
	}
}

func (s *Server) postJSON(ctx context.Context, rawURL string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", rawURL, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
