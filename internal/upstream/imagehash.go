package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/checkmate-sg/checkmate-core/internal/fingerprint"
)

// ImageHasher calls the PDQ perceptual-hash service.
type ImageHasher struct {
	baseURL    string
	httpClient *http.Client
}

// NewImageHasher creates a client for the PDQ hash service.
func NewImageHasher(baseURL string, timeout time.Duration) *ImageHasher {
	return &ImageHasher{baseURL: baseURL, httpClient: newHTTPClient(timeout)}
}

// PDQResult is the perceptual hash of an image.
type PDQResult struct {
	HashHex string  `json:"hash_hex"`
	Quality float64 `json:"quality"`
}

// HashBytes hashes raw image bytes.
func (c *ImageHasher) HashBytes(ctx context.Context, data []byte, contentType string) (PDQResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pdq", bytes.NewReader(data))
	if err != nil {
		return PDQResult{}, fmt.Errorf("upstream: imagehash: create request: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	return c.do(req)
}

// HashURL asks the service to fetch and hash an image itself.
func (c *ImageHasher) HashURL(ctx context.Context, imageURL string) (PDQResult, error) {
	body, err := json.Marshal(map[string]string{"url": imageURL})
	if err != nil {
		return PDQResult{}, fmt.Errorf("upstream: imagehash: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pdq", bytes.NewReader(body))
	if err != nil {
		return PDQResult{}, fmt.Errorf("upstream: imagehash: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

func (c *ImageHasher) do(req *http.Request) (PDQResult, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PDQResult{}, fmt.Errorf("upstream: imagehash: send request: %v: %w", err, ErrUpstream)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return PDQResult{}, statusError("imagehash", resp)
	}

	var result PDQResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return PDQResult{}, fmt.Errorf("upstream: imagehash: decode response: %v: %w", err, ErrUpstream)
	}

	if len(result.HashHex) != fingerprint.PDQHexLen {
		return PDQResult{}, fmt.Errorf("upstream: imagehash: hash length %d, want %d: %w",
			len(result.HashHex), fingerprint.PDQHexLen, ErrUpstream)
	}
	return result, nil
}
