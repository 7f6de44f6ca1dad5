package tools

import (
	"context"
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/checkmate-sg/checkmate-core/internal/llm"
)

// Reviewer assesses a draft report against the user's intent.
type Reviewer interface {
	Review(ctx context.Context, intent, report string, sources []string) llm.ReviewResult
}

// SubmitReport runs the reviewer over a draft report. A passing verdict
// carries the report out of the agent loop; a failing one feeds the
// reviewer's feedback back to the model.
type SubmitReport struct {
	reviewer Reviewer
}

// NewSubmitReport creates the report submission tool.
func NewSubmitReport(reviewer Reviewer) *SubmitReport {
	return &SubmitReport{reviewer: reviewer}
}

func (t *SubmitReport) Name() string { return NameSubmitReport }

var submitReportParams = json.RawMessage(`{
	"type": "object",
	"properties": {
		"report": {"type": "string", "description": "The full fact-check report."},
		"sources": {"type": "array", "items": {"type": "string"}, "description": "URLs of the sources the report relies on."},
		"isControversial": {"type": "boolean", "description": "Whether the claim concerns a politically or socially divisive topic."}
	},
	"required": ["report", "sources", "isControversial"],
	"additionalProperties": false
}`)

func (t *SubmitReport) Definition() openai.Tool {
	return funcDef(NameSubmitReport,
		"Submit your finished report for review. Call this once your research is complete. If the review fails you will receive feedback to address.",
		submitReportParams)
}

// ReportVerdict is the result shape the agent loop inspects for termination.
type ReportVerdict struct {
	PassedReview    bool     `json:"passedReview"`
	Feedback        string   `json:"feedback,omitempty"`
	Report          string   `json:"report"`
	Sources         []string `json:"sources"`
	IsControversial bool     `json:"isControversial"`
}

func (t *SubmitReport) Execute(ctx context.Context, tc *Context, args json.RawMessage) Result {
	var params struct {
		Report          string   `json:"report"`
		Sources         []string `json:"sources"`
		IsControversial bool     `json:"isControversial"`
	}
	if err := json.Unmarshal(args, &params); err != nil || params.Report == "" {
		return Fail("submit_report_for_review requires a non-empty report", "INVALID_INPUT")
	}

	verdict := t.reviewer.Review(ctx, tc.Scratch.Intent, params.Report, params.Sources)
	return OK(ReportVerdict{
		PassedReview:    verdict.PassedReview,
		Feedback:        verdict.Feedback,
		Report:          params.Report,
		Sources:         params.Sources,
		IsControversial: params.IsControversial,
	})
}
