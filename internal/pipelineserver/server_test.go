package pipelineserver_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacostia-go/anacostia/internal/artifact"
	"github.com/anacostia-go/anacostia/internal/eventqueue"
	"github.com/anacostia-go/anacostia/internal/graph"
	"github.com/anacostia-go/anacostia/internal/metadata"
	"github.com/anacostia-go/anacostia/internal/node"
	"github.com/anacostia-go/anacostia/internal/pipelineserver"
	"github.com/anacostia-go/anacostia/internal/status"
)

func startServer(t *testing.T, p *graph.Pipeline, q *eventqueue.Queue) *pipelineserver.Server {
	t.Helper()
	s := pipelineserver.New(p, q, "127.0.0.1", 0, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		assert.NoError(t, s.Stop(stopCtx))
		cancel()
	})
	return s
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestConnectReturnsFrontendGraph(t *testing.T) {
	store := metadata.NewMemoryStore()
	q := eventqueue.New(256)
	ms := node.NewMetadataStoreNode("metadata", q, nil, store)
	rn := node.NewResourceNode("data", q, nil, store, nil)
	rn.Base().AddLocalPredecessor(ms.Base())

	p, err := graph.Build("main", []node.Node{ms, rn}, nil)
	require.NoError(t, err)
	s := startServer(t, p, q)

	resp := postJSON(t, s.BaseURL()+"/connect", map[string]any{
		"predecessor_host": "127.0.0.1",
		"predecessor_port": 9999,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fg pipelineserver.FrontendGraph
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fg))
	assert.Equal(t, "main", fg.Name)
	require.Len(t, fg.Nodes, 2)
	for _, n := range fg.Nodes {
		assert.Equal(t, s.BaseURL()+"/"+n.Name, n.NodeURL)
	}
	assert.Contains(t, fg.Edges, graph.Edge{Source: "metadata", Target: "data"})
}

// newParkedActionPipeline builds a pipeline of one action node gated
// on its connection event, so the server's HTTP surface can be tested
// without a live handshake running underneath.
func newParkedActionPipeline(t *testing.T, q *eventqueue.Queue) *graph.Pipeline {
	t.Helper()
	an := node.NewActionNode("train", q, nil)
	an.Base().SetWaitForConnection(true)
	p, err := graph.Build("single", []node.Node{an}, nil)
	require.NoError(t, err)
	return p
}

func TestSendEventLandsOnQueueAndReplayCache(t *testing.T) {
	q := eventqueue.New(256)
	p := newParkedActionPipeline(t, q)
	s := startServer(t, p, q)

	ev := eventqueue.NewWorkUpdateEvent("RemoteNode", status.Executing)
	resp := postJSON(t, s.BaseURL()+"/send_event", ev)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return q.LatestByNode()["RemoteNode"] == status.Executing
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGraphSSEReplaysLatestStatuses(t *testing.T) {
	q := eventqueue.New(256)
	p := newParkedActionPipeline(t, q)
	s := startServer(t, p, q)

	// Activity happened before the client connects.
	q.PushWorkUpdate("train", status.Initializing)
	q.PushWorkUpdate("train", status.Executing)
	require.Eventually(t, func() bool {
		return q.LatestByNode()["train"] == status.Executing
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL()+"/graph_sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	readFrame := func() string {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimPrefix(line, "data: ")
			}
		}
		t.Fatal("stream ended before a data frame arrived")
		return ""
	}

	assert.JSONEq(t, `{"id":"train","status":"EXECUTING"}`, readFrame(),
		"replay must carry the latest non-INITIALIZING status")

	// Live tail: a fresh status write reaches the open stream. Earlier
	// queued frames may still be in flight, so scan until it shows up.
	q.PushWorkUpdate("train", status.Complete)
	for {
		frame := readFrame()
		var wu eventqueue.WorkUpdate
		require.NoError(t, json.Unmarshal([]byte(frame), &wu))
		if wu.Status == status.Complete {
			break
		}
	}
}

func TestHeaderBarRendersNodeStatus(t *testing.T) {
	q := eventqueue.New(64)
	p := newParkedActionPipeline(t, q)
	s := startServer(t, p, q)

	resp, err := http.Get(s.BaseURL() + "/header_bar?node_id=train&visibility=visible")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `data-node="train"`)
}

// TestFederatedRun wires two pipeline servers: an upstream
// metadata/resource/action chain whose action has a remote successor
// on a downstream leaf server hosting a single waiting action node.
func TestFederatedRun(t *testing.T) {
	// Downstream leaf.
	q2 := eventqueue.New(256)
	eval := node.NewActionNode("EvalAction", q2, nil)
	eval.Base().SetWaitForConnection(true)
	var evalCount atomic.Int64
	eval.Execute = func(context.Context) (bool, error) {
		evalCount.Add(1)
		return true, nil
	}
	p2, err := graph.Build("leaf", []node.Node{eval}, nil)
	require.NoError(t, err)
	s2 := startServer(t, p2, q2)

	// The leaf node must still be gated on its connection event.
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, evalCount.Load())
	assert.False(t, s2.Connected())

	// Upstream.
	dir := t.TempDir()
	store := metadata.NewMemoryStore()
	q1 := eventqueue.New(256)

	ms := node.NewMetadataStoreNode("metadata", q1, nil, store)
	ms.MonitorInterval = 20 * time.Millisecond

	fsStore, err := artifact.NewFilesystemStore(dir, nil)
	require.NoError(t, err)
	rn := node.NewResourceNode("data", q1, nil, store, fsStore)
	rn.MonitoringEnabled = true
	rn.ResourcePath = dir
	rn.MonitorInterval = 20 * time.Millisecond
	rn.Base().AddLocalPredecessor(ms.Base())

	sender := node.NewActionNode("SenderAction", q1, nil)
	sender.Base().AddLocalPredecessor(rn.Base())
	sender.Base().AddRemoteSuccessor(s2.BaseURL() + "/EvalAction")

	p1, err := graph.Build("main", []node.Node{ms, rn, sender}, nil)
	require.NoError(t, err)
	s1 := startServer(t, p1, q1)

	// Startup connect collected the leaf's graph fragment and released
	// its waiting node.
	models := s1.SuccessorPipelineModels()
	require.Len(t, models, 1)
	assert.Equal(t, "leaf", models[0].Name)
	assert.True(t, s2.Connected())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f1.csv"), []byte("x\n1\n"), 0o644))

	require.Eventually(t, func() bool {
		return evalCount.Load() >= 1
	}, 10*time.Second, 20*time.Millisecond, "remote action never executed")

	// Downstream status events are relayed into the upstream's queue
	// and surface in its SSE replay cache.
	require.Eventually(t, func() bool {
		_, ok := q1.LatestByNode()["EvalAction"]
		return ok
	}, 10*time.Second, 20*time.Millisecond, "downstream statuses never reached the upstream")
}

func TestConnectRejectsInvalidRemoteEdge(t *testing.T) {
	// Downstream hosts an action node; the upstream metadata store
	// declares it as a remote successor, violating the metadata ->
	// resource rule.
	q2 := eventqueue.New(64)
	eval := node.NewActionNode("EvalAction", q2, nil)
	p2, err := graph.Build("leaf", []node.Node{eval}, nil)
	require.NoError(t, err)
	s2 := startServer(t, p2, q2)

	store := metadata.NewMemoryStore()
	q1 := eventqueue.New(64)
	ms := node.NewMetadataStoreNode("metadata", q1, nil, store)
	ms.Base().AddRemoteSuccessor(s2.BaseURL() + "/EvalAction")
	p1, err := graph.Build("main", []node.Node{ms}, nil)
	require.NoError(t, err)

	s1 := pipelineserver.New(p1, q1, "127.0.0.1", 0, nil, nil)
	err = s1.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrArchetypeViolation)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s1.Stop(stopCtx)
}

// TestRelayBackpressure floods the queue while the upstream is
// unreachable: producers never block, the oldest events are dropped,
// and events flow once the upstream comes back.
func TestRelayBackpressure(t *testing.T) {
	q := eventqueue.New(8)
	p := newParkedActionPipeline(t, q)
	s := startServer(t, p, q)

	// Reserve a port for the future upstream, then leave it dead.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	upstreamPort := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	resp := postJSON(t, s.BaseURL()+"/connect", map[string]any{
		"predecessor_host": "127.0.0.1",
		"predecessor_port": upstreamPort,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Flood: must complete immediately even though nothing drains
	// upstream.
	floodDone := make(chan struct{})
	go func() {
		defer close(floodDone)
		for i := 0; i < 500; i++ {
			q.PushWorkUpdate(fmt.Sprintf("node-%d", i%10), status.Executing)
		}
	}()
	select {
	case <-floodDone:
	case <-time.After(2 * time.Second):
		t.Fatal("status producers blocked while upstream was unreachable")
	}

	// Bring the upstream back on the reserved port.
	var received atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/send_event", func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	ln2, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", upstreamPort))
	require.NoError(t, err)
	upstream := httptest.NewUnstartedServer(mux)
	upstream.Listener.Close()
	upstream.Listener = ln2
	upstream.Start()
	defer upstream.Close()

	q.PushWorkUpdate("train", status.Complete)
	require.Eventually(t, func() bool {
		return received.Load() >= 1
	}, 10*time.Second, 50*time.Millisecond, "events never flowed after the upstream recovered")
}
