package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/checkmate-sg/checkmate-core/internal/model"
	"github.com/checkmate-sg/checkmate-core/internal/similarity"
)

// InternalMatcher matches a query against prior checks.
type InternalMatcher interface {
	MatchText(ctx context.Context, text string) (similarity.Match, error)
}

// CheckReader loads a check by id.
type CheckReader interface {
	GetCheck(ctx context.Context, id string) (model.Check, error)
}

// SearchInternal lets the agent consult the service's own prior checks.
type SearchInternal struct {
	matcher InternalMatcher
	checks  CheckReader
}

// NewSearchInternal creates the internal search tool.
func NewSearchInternal(matcher InternalMatcher, checks CheckReader) *SearchInternal {
	return &SearchInternal{matcher: matcher, checks: checks}
}

func (t *SearchInternal) Name() string { return NameSearchInternal }

var searchInternalParams = json.RawMessage(`{
	"type": "object",
	"properties": {
		"text": {"type": "string", "description": "The claim to look up among previously checked submissions."}
	},
	"required": ["text"],
	"additionalProperties": false
}`)

func (t *SearchInternal) Definition() openai.Tool {
	return funcDef(NameSearchInternal,
		"Search previously fact-checked submissions for the same claim. Returns the prior community note when found.",
		searchInternalParams)
}

type internalSearchPayload struct {
	Found         bool   `json:"found"`
	CheckID       string `json:"checkId,omitempty"`
	CommunityNote string `json:"communityNote,omitempty"`
	Reasoning     string `json:"reasoning,omitempty"`
}

func (t *SearchInternal) Execute(ctx context.Context, tc *Context, args json.RawMessage) Result {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &params); err != nil || params.Text == "" {
		return Fail("search_internal requires a non-empty text parameter", "INVALID_INPUT")
	}

	match, err := t.matcher.MatchText(ctx, params.Text)
	if err != nil {
		if errors.Is(err, similarity.ErrUpstream) {
			return Fail("internal search temporarily unavailable", "UPSTREAM_FAILURE")
		}
		tc.Logger.Warn("internal search failed", "error", err)
		return Fail(fmt.Sprintf("internal search failed: %v", err), "INTERNAL_ERROR")
	}
	if !match.IsMatch {
		return OK(internalSearchPayload{Found: false, Reasoning: match.Reasoning})
	}

	payload := internalSearchPayload{Found: true, CheckID: match.CheckID, Reasoning: match.Reasoning}
	if check, err := t.checks.GetCheck(ctx, match.CheckID); err == nil {
		if check.ShortformResponse != nil && check.ShortformResponse.EN != nil {
			payload.CommunityNote = *check.ShortformResponse.EN
		}
	}
	return OK(payload)
}
