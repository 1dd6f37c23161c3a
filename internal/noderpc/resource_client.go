package noderpc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/anacostia-go/anacostia/internal/metadata"
)

// ResourceClient is the HTTP counterpart of MountResourceServer.
// Uploads are two-pass: the local file is hashed first, then reopened
// and streamed with the hash attached as X-File-Hash, since the
// header must be known before the request body starts.
type ResourceClient struct {
	httpClient *http.Client

	mu        sync.RWMutex
	serverURL string
	nodeName  string
}

// NewResourceClient constructs a client bound to nodeName (the remote
// ResourceNode's name, used to build its route prefix).
func NewResourceClient(httpClient *http.Client, nodeName string) *ResourceClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ResourceClient{httpClient: httpClient, nodeName: nodeName}
}

func (c *ResourceClient) SetServerURL(serverURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverURL = serverURL
}

func (c *ResourceClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverURL != ""
}

func (c *ResourceClient) baseURL() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.serverURL == "" {
		return "", ErrNetworkConnectionNotEstablished
	}
	return c.serverURL + "/" + c.nodeName + "/api/server", nil
}

// GetNumArtifacts returns the count of entries in the given state.
func (c *ResourceClient) GetNumArtifacts(ctx context.Context, state metadata.EntryState) (int, error) {
	base, err := c.baseURL()
	if err != nil {
		return 0, err
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := c.get(ctx, base+"/num_artifacts?"+url.Values{"state": {string(state)}}.Encode(), &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// ListArtifacts returns the locations of entries in the given state.
func (c *ResourceClient) ListArtifacts(ctx context.Context, state metadata.EntryState) ([]string, error) {
	base, err := c.baseURL()
	if err != nil {
		return nil, err
	}
	var resp []string
	if err := c.get(ctx, base+"/list_artifacts?"+url.Values{"state": {string(state)}}.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DownloadArtifact streams relPath from the remote resource node and
// returns the peer-reported hash alongside the body. The caller must
// close the returned reader.
func (c *ResourceClient) DownloadArtifact(ctx context.Context, relPath string) (io.ReadCloser, string, error) {
	base, err := c.baseURL()
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/artifacts/"+relPath, nil)
	if err != nil {
		return nil, "", fmt.Errorf("noderpc: building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("noderpc: GET %s: %w", req.URL, err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, "", fmt.Errorf("noderpc: GET %s: unexpected status %d", req.URL, resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("X-File-Hash"), nil
}

// UploadFile hashes localPath, then streams it to the remote resource
// node at remotePath with the hash attached for server-side
// verification. Returns the server-confirmed hash.
func (c *ResourceClient) UploadFile(ctx context.Context, localPath, remotePath string) (string, error) {
	base, err := c.baseURL()
	if err != nil {
		return "", err
	}

	hash, err := hashLocalFile(localPath)
	if err != nil {
		return "", fmt.Errorf("noderpc: hashing %s: %w", localPath, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("noderpc: opening %s: %w", localPath, err)
	}
	defer f.Close()

	q := url.Values{"path": {remotePath}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/upload?"+q.Encode(), f)
	if err != nil {
		return "", fmt.Errorf("noderpc: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-File-Hash", hash)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("noderpc: POST %s: %w", req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("noderpc: POST %s: unexpected status %d", req.URL, resp.StatusCode)
	}
	return hash, nil
}

func hashLocalFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *ResourceClient) get(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("noderpc: building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("noderpc: GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("noderpc: GET %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("noderpc: decoding response from %s: %w", rawURL, err)
	}
	return nil
}
