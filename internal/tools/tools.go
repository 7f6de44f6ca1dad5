// Package tools defines the capability surface the agent loop works with.
// Every tool declares a JSON schema and executes against a per-check Context;
// results cross the boundary as a typed envelope, never as a Go error, so a
// failing tool feeds its failure text back to the model instead of aborting
// the loop.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"
)

// Canonical tool names.
const (
	NameSearchGoogle      = "search_google"
	NameWebsiteScreenshot = "get_website_screenshot"
	NameCheckMaliciousURL = "check_malicious_url"
	NameScanURL           = "scan_url" // alias of check_malicious_url
	NameSearchInternal    = "search_internal"
	NameSubmitReport      = "submit_report_for_review"
)

// Result is the envelope every tool returns.
type Result struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error carries a tool failure back to the model.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// OK wraps a value into a success envelope.
func OK(v any) Result {
	raw, err := json.Marshal(v)
	if err != nil {
		return Fail("marshal tool result: "+err.Error(), "INTERNAL_ERROR")
	}
	return Result{Success: true, Result: raw}
}

// Fail builds a failure envelope.
func Fail(message, code string) Result {
	return Result{Success: false, Error: &Error{Message: message, Code: code}}
}

// JSON renders the envelope for the tool-role message content.
func (r Result) JSON() string {
	raw, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"error":{"message":"marshal failure"}}`
	}
	return string(raw)
}

// Scratch is the mutable per-check state tools share.
type Scratch struct {
	Intent   string
	Type     string
	Text     string
	ImageURL string
	Caption  string
}

// Context is the per-check execution environment injected into every tool.
type Context struct {
	RequestID string
	CheckID   string
	Logger    *slog.Logger
	Scratch   *Scratch
	Span      trace.Span
}

// Tool is one capability advertised to the agent loop.
type Tool interface {
	Name() string
	Definition() openai.Tool
	Execute(ctx context.Context, tc *Context, args json.RawMessage) Result
}

// funcDef builds a strict function-call schema.
func funcDef(name, description string, parameters json.RawMessage) openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        name,
			Description: description,
			Strict:      true,
			Parameters:  parameters,
		},
	}
}
