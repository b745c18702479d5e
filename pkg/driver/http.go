package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultRequestTimeout = 30 * time.Second

// HTTPClient posts JSON bodies to platform APIs.
//
// Callers own the returned response and must close its body.
type HTTPClient interface {
	Post(ctx context.Context, url string, headers map[string]string, body map[string]any) (*http.Response, error)
}

// JSONClient is the default HTTPClient backed by net/http.
type JSONClient struct {
	client *http.Client
}

// NewHTTPClient wraps client. A nil client gets a default with a 30s timeout.
func NewHTTPClient(client *http.Client) *JSONClient {
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}

	return &JSONClient{client: client}
}

// Post encodes body as JSON and sends it to url.
func (c *JSONClient) Post(ctx context.Context, url string, headers map[string]string, body map[string]any) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}

	return resp, nil
}
