package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/anacostia-go/anacostia/internal/node"
)

// Client is the outbound half of the Connector protocol: it
// implements node.RemoteSignaller so a BaseNode can wake remote
// peers without importing this package directly.
type Client struct {
	httpClient *http.Client
}

// NewClient wraps httpClient (or http.DefaultClient if nil) as a
// Connector client.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient}
}

// ForwardSignal POSTs to nodeURL/connector/forward_signal.
func (c *Client) ForwardSignal(ctx context.Context, nodeURL string, body node.NodeConnectionModel) error {
	return c.post(ctx, nodeURL+"/connector/forward_signal", body, nil)
}

// BackwardSignal POSTs to nodeURL/connector/backward_signal.
func (c *Client) BackwardSignal(ctx context.Context, nodeURL string, body node.NodeConnectionModel) error {
	return c.post(ctx, nodeURL+"/connector/backward_signal", body, nil)
}

// Connect POSTs to nodeURL/connector/connect and returns the remote
// node's model (augmented with its own URL) from the response body.
func (c *Client) Connect(ctx context.Context, nodeURL string, body node.NodeConnectionModel) (node.NodeConnectionModel, error) {
	var resp node.NodeConnectionModel
	err := c.post(ctx, nodeURL+"/connector/connect", body, &resp)
	return resp, err
}

func (c *Client) post(ctx context.Context, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("connector: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("connector: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connector: POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("connector: POST %s: unexpected status %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("connector: decoding response from %s: %w", url, err)
	}
	return nil
}

var _ node.RemoteSignaller = (*Client)(nil)
