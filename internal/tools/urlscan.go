package tools

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/checkmate-sg/checkmate-core/internal/upstream"
)

// URLScanner is the outbound URL reputation dependency.
type URLScanner interface {
	Scan(ctx context.Context, url, requestID string) (upstream.URLVerdict, error)
}

// CheckMaliciousURL wraps the URL reputation scanner. Registered under both
// its canonical name and the legacy scan_url alias so prompts written
// against either keep working.
type CheckMaliciousURL struct {
	scanner URLScanner
	name    string
}

// NewCheckMaliciousURL creates the canonical tool.
func NewCheckMaliciousURL(scanner URLScanner) *CheckMaliciousURL {
	return &CheckMaliciousURL{scanner: scanner, name: NameCheckMaliciousURL}
}

// NewScanURLAlias creates the scan_url alias backed by the same scanner.
func NewScanURLAlias(scanner URLScanner) *CheckMaliciousURL {
	return &CheckMaliciousURL{scanner: scanner, name: NameScanURL}
}

func (t *CheckMaliciousURL) Name() string { return t.name }

var urlScanParams = json.RawMessage(`{
	"type": "object",
	"properties": {
		"url": {"type": "string", "description": "The URL to check."}
	},
	"required": ["url"],
	"additionalProperties": false
}`)

func (t *CheckMaliciousURL) Definition() openai.Tool {
	return funcDef(t.name,
		"Check whether a URL is known to be malicious, a phishing site, or a scam. Returns reputation categories and tags.",
		urlScanParams)
}

func (t *CheckMaliciousURL) Execute(ctx context.Context, tc *Context, args json.RawMessage) Result {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil || params.URL == "" {
		return Fail(t.name+" requires a non-empty url parameter", "INVALID_INPUT")
	}

	verdict, err := t.scanner.Scan(ctx, params.URL, tc.RequestID)
	if err != nil {
		tc.Logger.Warn("url scan failed", "url", params.URL, "error", err)
		return Fail(fmt.Sprintf("url scan failed: %v", err), "UPSTREAM_FAILURE")
	}
	return OK(verdict)
}
