package noderpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/anacostia-go/anacostia/internal/metadata"
	"github.com/anacostia-go/anacostia/internal/node"
)

// MetadataClient is the HTTP counterpart of MountMetadataServer. It
// implements metadata.Store (and, as a subset, node.MetadataClient)
// so a federated resource or action node can treat a remote metadata
// store exactly like a local one. The client holds no state beyond
// the peer URL and never caches responses.
type MetadataClient struct {
	httpClient *http.Client

	mu        sync.RWMutex
	serverURL string
	nodeName  string
}

// NewMetadataClient constructs a client bound to nodeName (the remote
// MetadataStoreNode's name, used to build its route prefix). The
// server URL is unset until SetServerURL is called; every method
// returns ErrNetworkConnectionNotEstablished before then.
func NewMetadataClient(httpClient *http.Client, nodeName string) *MetadataClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &MetadataClient{httpClient: httpClient, nodeName: nodeName}
}

// SetServerURL records the peer's base URL. The connect handshake does
// not call it; the URL is set only through this method.
func (c *MetadataClient) SetServerURL(serverURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverURL = serverURL
}

// Connected reports whether SetServerURL has been called.
func (c *MetadataClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverURL != ""
}

func (c *MetadataClient) baseURL() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.serverURL == "" {
		return "", ErrNetworkConnectionNotEstablished
	}
	return c.serverURL + "/" + c.nodeName + "/api/server", nil
}

func (c *MetadataClient) AddNode(ctx context.Context, nodeName string) error {
	base, err := c.baseURL()
	if err != nil {
		return err
	}
	return c.post(ctx, base+"/add_node", addNodeRequest{NodeName: nodeName}, nil)
}

func (c *MetadataClient) StartRun(ctx context.Context) (int, error) {
	base, err := c.baseURL()
	if err != nil {
		return 0, err
	}
	var resp struct {
		RunID int `json:"run_id"`
	}
	if err := c.post(ctx, base+"/start_run", struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.RunID, nil
}

func (c *MetadataClient) EndRun(ctx context.Context) error {
	base, err := c.baseURL()
	if err != nil {
		return err
	}
	return c.post(ctx, base+"/end_run", struct{}{}, nil)
}

func (c *MetadataClient) GetRunID(ctx context.Context) (int, error) {
	base, err := c.baseURL()
	if err != nil {
		return 0, err
	}
	var resp struct {
		RunID int `json:"run_id"`
	}
	if err := c.get(ctx, base+"/run_id", nil, &resp); err != nil {
		return 0, err
	}
	return resp.RunID, nil
}

func (c *MetadataClient) GetNodeID(ctx context.Context, nodeName string) (int, error) {
	base, err := c.baseURL()
	if err != nil {
		return 0, err
	}
	q := url.Values{"node_name": {nodeName}}
	var resp struct {
		NodeID int `json:"node_id"`
	}
	if err := c.get(ctx, base+"/node_id", q, &resp); err != nil {
		return 0, err
	}
	return resp.NodeID, nil
}

func (c *MetadataClient) CreateEntry(ctx context.Context, e metadata.Entry) (metadata.Entry, error) {
	base, err := c.baseURL()
	if err != nil {
		return metadata.Entry{}, err
	}
	var resp metadata.Entry
	if err := c.post(ctx, base+"/create_entry", e, &resp); err != nil {
		return metadata.Entry{}, err
	}
	return resp, nil
}

func (c *MetadataClient) MergeArtifactsTable(ctx context.Context, nodeName string, runID int) error {
	base, err := c.baseURL()
	if err != nil {
		return err
	}
	return c.post(ctx, base+"/merge_artifacts_table", mergeArtifactsTableRequest{NodeName: nodeName, RunID: runID}, nil)
}

func (c *MetadataClient) EntryExists(ctx context.Context, nodeName, location string) (bool, error) {
	base, err := c.baseURL()
	if err != nil {
		return false, err
	}
	q := url.Values{"node_name": {nodeName}, "location": {location}}
	var resp struct {
		Exists bool `json:"exists"`
	}
	if err := c.get(ctx, base+"/entry_exists", q, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

func (c *MetadataClient) LogMetrics(ctx context.Context, nodeName string, runID int, metrics map[string]float64) error {
	base, err := c.baseURL()
	if err != nil {
		return err
	}
	return c.post(ctx, base+"/log_metrics", logMetricsRequest{NodeName: nodeName, RunID: runID, Metrics: metrics}, nil)
}

func (c *MetadataClient) LogParams(ctx context.Context, nodeName string, runID int, params map[string]string) error {
	base, err := c.baseURL()
	if err != nil {
		return err
	}
	return c.post(ctx, base+"/log_params", logParamsRequest{NodeName: nodeName, RunID: runID, Params: params}, nil)
}

func (c *MetadataClient) SetTags(ctx context.Context, nodeName string, runID int, tags []string) error {
	base, err := c.baseURL()
	if err != nil {
		return err
	}
	return c.post(ctx, base+"/set_tags", setTagsRequest{NodeName: nodeName, RunID: runID, Tags: tags}, nil)
}

func (c *MetadataClient) GetMetrics(ctx context.Context, nodeName string, runID int) (map[string]float64, error) {
	base, err := c.baseURL()
	if err != nil {
		return nil, err
	}
	resp := map[string]float64{}
	if err := c.get(ctx, base+"/metrics", nodeRunQuery(nodeName, runID), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *MetadataClient) GetParams(ctx context.Context, nodeName string, runID int) (map[string]string, error) {
	base, err := c.baseURL()
	if err != nil {
		return nil, err
	}
	resp := map[string]string{}
	if err := c.get(ctx, base+"/params", nodeRunQuery(nodeName, runID), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *MetadataClient) GetTags(ctx context.Context, nodeName string, runID int) ([]string, error) {
	base, err := c.baseURL()
	if err != nil {
		return nil, err
	}
	var resp []string
	if err := c.get(ctx, base+"/tags", nodeRunQuery(nodeName, runID), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *MetadataClient) LogTrigger(ctx context.Context, nodeName string, runID int, reason string) error {
	base, err := c.baseURL()
	if err != nil {
		return err
	}
	return c.post(ctx, base+"/log_trigger", logTriggerRequest{NodeName: nodeName, RunID: runID, Reason: reason}, nil)
}

func (c *MetadataClient) GetNumEntries(ctx context.Context, nodeName string, state metadata.EntryState) (int, error) {
	base, err := c.baseURL()
	if err != nil {
		return 0, err
	}
	q := url.Values{"node_name": {nodeName}, "state": {string(state)}}
	var resp struct {
		Count int `json:"count"`
	}
	if err := c.get(ctx, base+"/num_entries", q, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *MetadataClient) GetEntries(ctx context.Context, nodeName string, state metadata.EntryState) ([]metadata.Entry, error) {
	base, err := c.baseURL()
	if err != nil {
		return nil, err
	}
	q := url.Values{"node_name": {nodeName}, "state": {string(state)}}
	var resp []metadata.Entry
	if err := c.get(ctx, base+"/entries", q, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func nodeRunQuery(nodeName string, runID int) url.Values {
	return url.Values{"node_name": {nodeName}, "run_id": {strconv.Itoa(runID)}}
}

func (c *MetadataClient) get(ctx context.Context, rawURL string, q url.Values, out any) error {
	if q != nil {
		rawURL += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("noderpc: building request: %w", err)
	}
	return c.do(req, out)
}

func (c *MetadataClient) post(ctx context.Context, rawURL string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("noderpc: marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("noderpc: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *MetadataClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("noderpc: %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("noderpc: %s %s: %w", req.Method, req.URL, metadata.ErrRunNotStarted)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("noderpc: %s %s: unexpected status %d", req.Method, req.URL, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("noderpc: decoding response from %s: %w", req.URL, err)
	}
	return nil
}

var _ metadata.Store = (*MetadataClient)(nil)
var _ node.MetadataClient = (*MetadataClient)(nil)
