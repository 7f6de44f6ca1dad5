// Package upstream holds the HTTP clients for the external services the
// pipeline consumes: the embedder, the perceptual image hasher, the
// screenshot renderer, the web search API, the URL scanner, and the voting
// webhook. Each call carries a deadline through its context; clients also set
// a transport-level timeout as a backstop.
package upstream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUpstream marks any failure of an external service call. Callers that
// treat upstream failures uniformly (the similarity engine, the tool
// registry) match on this sentinel.
var ErrUpstream = errors.New("upstream failure")

const defaultTimeout = 60 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// statusError drains up to 1 KB of the body for the error message.
func statusError(service string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("upstream: %s: status %d: %s: %w", service, resp.StatusCode, string(body), ErrUpstream)
}
