package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// URLScanner checks URL reputation through the scanning service.
type URLScanner struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewURLScanner creates a client for the URL reputation service.
func NewURLScanner(baseURL, apiKey string, timeout time.Duration) *URLScanner {
	return &URLScanner{baseURL: baseURL, apiKey: apiKey, httpClient: newHTTPClient(timeout)}
}

// URLVerdict is the reputation result for one URL.
type URLVerdict struct {
	Malicious   bool     `json:"malicious"`
	Categories  []string `json:"categories"`
	Tags        []string `json:"tags"`
	HasVerdicts bool     `json:"hasVerdicts"`
}

type urlScanResponse struct {
	Result URLVerdict `json:"result"`
}

// Scan checks a single URL.
func (c *URLScanner) Scan(ctx context.Context, url, requestID string) (URLVerdict, error) {
	body, err := json.Marshal(map[string]string{"url": url, "id": requestID})
	if err != nil {
		return URLVerdict{}, fmt.Errorf("upstream: urlscan: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/urlScan", bytes.NewReader(body))
	if err != nil {
		return URLVerdict{}, fmt.Errorf("upstream: urlscan: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return URLVerdict{}, fmt.Errorf("upstream: urlscan: send request: %v: %w", err, ErrUpstream)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return URLVerdict{}, statusError("urlscan", resp)
	}

	var result urlScanResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return URLVerdict{}, fmt.Errorf("upstream: urlscan: decode response: %v: %w", err, ErrUpstream)
	}
	return result.Result, nil
}
