package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebSearcher queries the web search API.
type WebSearcher struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewWebSearcher creates a client for the search service.
func NewWebSearcher(baseURL, apiKey string, timeout time.Duration) *WebSearcher {
	return &WebSearcher{baseURL: baseURL, apiKey: apiKey, httpClient: newHTTPClient(timeout)}
}

type searchResponse struct {
	Result json.RawMessage `json:"result"`
}

// Search runs a query and returns the provider's raw result object, which is
// handed to the LLM verbatim.
func (c *WebSearcher) Search(ctx context.Context, query, requestID string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]string{"q": query, "id": requestID})
	if err != nil {
		return nil, fmt.Errorf("upstream: search: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: search: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: search: send request: %v: %w", err, ErrUpstream)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("search", resp)
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("upstream: search: decode response: %v: %w", err, ErrUpstream)
	}
	return result.Result, nil
}
