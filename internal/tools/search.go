package tools

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// WebSearcher is the outbound search dependency.
type WebSearcher interface {
	Search(ctx context.Context, query, requestID string) (json.RawMessage, error)
}

// SearchGoogle wraps the web search API.
type SearchGoogle struct {
	searcher WebSearcher
}

// NewSearchGoogle creates the search tool.
func NewSearchGoogle(searcher WebSearcher) *SearchGoogle {
	return &SearchGoogle{searcher: searcher}
}

func (t *SearchGoogle) Name() string { return NameSearchGoogle }

var searchGoogleParams = json.RawMessage(`{
	"type": "object",
	"properties": {
		"q": {"type": "string", "description": "The search query."}
	},
	"required": ["q"],
	"additionalProperties": false
}`)

func (t *SearchGoogle) Definition() openai.Tool {
	return funcDef(NameSearchGoogle,
		"Search the web for information about the claim. Returns search results with titles, snippets and links.",
		searchGoogleParams)
}

func (t *SearchGoogle) Execute(ctx context.Context, tc *Context, args json.RawMessage) Result {
	var params struct {
		Q string `json:"q"`
	}
	if err := json.Unmarshal(args, &params); err != nil || params.Q == "" {
		return Fail("search_google requires a non-empty q parameter", "INVALID_INPUT")
	}

	result, err := t.searcher.Search(ctx, params.Q, tc.RequestID)
	if err != nil {
		tc.Logger.Warn("search_google failed", "query", params.Q, "error", err)
		return Fail(fmt.Sprintf("search failed: %v", err), "UPSTREAM_FAILURE")
	}
	return Result{Success: true, Result: result}
}
