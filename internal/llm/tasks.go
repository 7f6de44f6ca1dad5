package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// sameClaimTimeout caps the similarity tiebreak call so a slow LLM can never
// block the pipeline; callers treat the timeout as no-match.
const sameClaimTimeout = 30 * time.Second

// SameClaimResult is the verdict of the same-claim comparison.
type SameClaimResult struct {
	AreVariantsOfSameClaim bool   `json:"are_variants_of_same_claim"`
	Reasoning              string `json:"reasoning"`
}

var sameClaimSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"are_variants_of_same_claim": {"type": "boolean"},
		"reasoning": {"type": "string"}
	},
	"required": ["are_variants_of_same_claim", "reasoning"],
	"additionalProperties": false
}`)

// SameClaim decides whether two texts make the same fact-checkable claim.
func (c *Client) SameClaim(ctx context.Context, a, b string) (SameClaimResult, error) {
	ctx, cancel := context.WithTimeout(ctx, sameClaimTimeout)
	defer cancel()

	var result SameClaimResult
	err := c.completeJSON(ctx, c.utilityModel, "same_claim", sameClaimSchema, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: sameClaimSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Message 1:\n%s\n\nMessage 2:\n%s", a, b)},
	}, &result)
	if err != nil {
		return SameClaimResult{}, err
	}
	return result, nil
}

// PreprocessInput is the multimodal content fed to the preprocess call.
type PreprocessInput struct {
	Text    string
	Caption string
	// ImageDataURL is a data: URL (base64) of the submitted image, if any.
	ImageDataURL string
	// ScreenshotURLs are rendered screenshots of URLs found in the submission.
	ScreenshotURLs []string
}

// PreprocessResult is the intake classification of a submission.
type PreprocessResult struct {
	Intent          string `json:"intent"`
	IsAccessBlocked bool   `json:"isAccessBlocked"`
	IsVideo         bool   `json:"isVideo"`
	Title           string `json:"title"`
	StartingContent string `json:"startingContent"`
	MachineCategory string `json:"machineCategory"`
}

var preprocessSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"intent": {"type": "string"},
		"isAccessBlocked": {"type": "boolean"},
		"isVideo": {"type": "boolean"},
		"title": {"type": "string"},
		"startingContent": {"type": "string"},
		"machineCategory": {"type": "string", "enum": ["scam", "illicit", "misinformation", "satire", "spam", "legitimate", "irrelevant", "unsure"]}
	},
	"required": ["intent", "isAccessBlocked", "isVideo", "title", "startingContent", "machineCategory"],
	"additionalProperties": false
}`)

// Preprocess classifies a submission and produces the agent's starting
// content. Uses the vision model when the input carries images.
func (c *Client) Preprocess(ctx context.Context, in PreprocessInput) (PreprocessResult, error) {
	parts := []openai.ChatMessagePart{}
	if in.Text != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: "Submitted text:\n" + in.Text,
		})
	}
	if in.ImageDataURL != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: in.ImageDataURL},
		})
		caption := in.Caption
		if caption == "" {
			caption = "(no caption)"
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: "Caption: " + caption,
		})
	}
	for _, u := range in.ScreenshotURLs {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: u},
		})
	}

	model := c.utilityModel
	if in.ImageDataURL != "" || len(in.ScreenshotURLs) > 0 {
		model = c.visionModel
	}

	var result PreprocessResult
	err := c.completeJSON(ctx, model, "preprocess", preprocessSchema, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: preprocessSystemPrompt},
		{Role: openai.ChatMessageRoleUser, MultiContent: parts},
	}, &result)
	if err != nil {
		return PreprocessResult{}, err
	}
	return result, nil
}

// ReviewResult is the reviewer's verdict on a draft report.
type ReviewResult struct {
	PassedReview bool   `json:"passedReview"`
	Feedback     string `json:"feedback"`
}

var reviewSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"passedReview": {"type": "boolean"},
		"feedback": {"type": "string"}
	},
	"required": ["passedReview", "feedback"],
	"additionalProperties": false
}`)

// Review asks the reviewer model to assess a draft report against the user's
// intent and sources. A response that cannot be parsed counts as passed, so a
// misbehaving reviewer cannot trap the agent loop.
func (c *Client) Review(ctx context.Context, intent, report string, sources []string) ReviewResult {
	sourceList := "(none)"
	if len(sources) > 0 {
		sourceList = ""
		for i, s := range sources {
			sourceList += fmt.Sprintf("%d. %s\n", i+1, s)
		}
	}

	var result ReviewResult
	err := c.completeJSON(ctx, c.utilityModel, "review", reviewSchema, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: reviewSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("User intent:\n%s\n\nDraft report:\n%s\n\nSources:\n%s", intent, report, sourceList)},
	}, &result)
	if err != nil {
		return ReviewResult{PassedReview: true, Feedback: ""}
	}
	return result
}

// Summarise condenses a long-form report into a community note.
func (c *Client) Summarise(ctx context.Context, report string) (string, error) {
	note, err := c.completeText(ctx, c.utilityModel, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: summariseSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: report},
	})
	if err != nil {
		return "", fmt.Errorf("llm: summarise: %w", err)
	}
	return note, nil
}

// Translate renders text into the target language code (cn, ms, id, ta).
func (c *Client) Translate(ctx context.Context, text, lang string) (string, error) {
	name, ok := translationLanguages[lang]
	if !ok {
		return "", fmt.Errorf("llm: translate: unknown language %q", lang)
	}
	out, err := c.completeText(ctx, c.utilityModel, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(translateSystemPromptFmt, name)},
		{Role: openai.ChatMessageRoleUser, Content: text},
	})
	if err != nil {
		return "", fmt.Errorf("llm: translate %s: %w", lang, err)
	}
	return out, nil
}

var needsCheckingSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"needsChecking": {"type": "boolean"}
	},
	"required": ["needsChecking"],
	"additionalProperties": false
}`)

// NeedsChecking classifies whether a message contains a claim worth checking.
func (c *Client) NeedsChecking(ctx context.Context, text string) (bool, error) {
	var result struct {
		NeedsChecking bool `json:"needsChecking"`
	}
	err := c.completeJSON(ctx, c.utilityModel, "needs_checking", needsCheckingSchema, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: needsCheckingSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: text},
	}, &result)
	if err != nil {
		return false, err
	}
	return result.NeedsChecking, nil
}

var extractURLsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"urls": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["urls"],
	"additionalProperties": false
}`)

// ExtractImageURLs OCRs an image for URLs via the vision model.
func (c *Client) ExtractImageURLs(ctx context.Context, imageDataURL string) ([]string, error) {
	var result struct {
		URLs []string `json:"urls"`
	}
	err := c.completeJSON(ctx, c.visionModel, "extract_urls", extractURLsSchema, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: extractImageURLsSystemPrompt},
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: imageDataURL}},
			},
		},
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.URLs, nil
}
