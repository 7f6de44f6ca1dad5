package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Screenshotter renders a URL into an image through the screenshot service.
type Screenshotter struct {
	baseURL    string
	httpClient *http.Client
}

// NewScreenshotter creates a client for the screenshot renderer.
func NewScreenshotter(baseURL string, timeout time.Duration) *Screenshotter {
	return &Screenshotter{baseURL: baseURL, httpClient: newHTTPClient(timeout)}
}

// Screenshot is the rendered capture of a URL.
type Screenshot struct {
	ImageURL string `json:"imageUrl"`
	Base64   string `json:"base64,omitempty"`
}

type screenshotResponse struct {
	Result Screenshot `json:"result"`
}

// Capture renders the page at url. requestID threads the call through the
// renderer's own logs.
func (c *Screenshotter) Capture(ctx context.Context, url, requestID string) (Screenshot, error) {
	body, err := json.Marshal(map[string]string{"url": url, "id": requestID})
	if err != nil {
		return Screenshot{}, fmt.Errorf("upstream: screenshot: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/screenshot", bytes.NewReader(body))
	if err != nil {
		return Screenshot{}, fmt.Errorf("upstream: screenshot: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Screenshot{}, fmt.Errorf("upstream: screenshot: send request: %v: %w", err, ErrUpstream)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Screenshot{}, statusError("screenshot", resp)
	}

	var result screenshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Screenshot{}, fmt.Errorf("upstream: screenshot: decode response: %v: %w", err, ErrUpstream)
	}
	return result.Result, nil
}
