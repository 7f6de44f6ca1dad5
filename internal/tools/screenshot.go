package tools

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/checkmate-sg/checkmate-core/internal/upstream"
)

// Screenshotter is the outbound screenshot dependency.
type Screenshotter interface {
	Capture(ctx context.Context, url, requestID string) (upstream.Screenshot, error)
}

// WebsiteScreenshot captures a rendered page. The agent loop gives its
// result special treatment: a successful capture becomes a tool
// acknowledgement plus a synthetic user message carrying the image.
type WebsiteScreenshot struct {
	screenshotter Screenshotter
}

// NewWebsiteScreenshot creates the screenshot tool.
func NewWebsiteScreenshot(screenshotter Screenshotter) *WebsiteScreenshot {
	return &WebsiteScreenshot{screenshotter: screenshotter}
}

func (t *WebsiteScreenshot) Name() string { return NameWebsiteScreenshot }

var screenshotParams = json.RawMessage(`{
	"type": "object",
	"properties": {
		"url": {"type": "string", "description": "The URL of the page to screenshot."}
	},
	"required": ["url"],
	"additionalProperties": false
}`)

func (t *WebsiteScreenshot) Definition() openai.Tool {
	return funcDef(NameWebsiteScreenshot,
		"Take a screenshot of a web page so you can read its rendered content. Use for URLs found in the submission.",
		screenshotParams)
}

// ScreenshotPayload is the success result shape, inspected by the agent loop.
type ScreenshotPayload struct {
	URL      string `json:"url"`
	ImageURL string `json:"imageUrl,omitempty"`
}

func (t *WebsiteScreenshot) Execute(ctx context.Context, tc *Context, args json.RawMessage) Result {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil || params.URL == "" {
		return Fail("get_website_screenshot requires a non-empty url parameter", "INVALID_INPUT")
	}

	shot, err := t.screenshotter.Capture(ctx, params.URL, tc.RequestID)
	if err != nil {
		tc.Logger.Warn("screenshot failed", "url", params.URL, "error", err)
		return Fail(fmt.Sprintf("screenshot failed: %v", err), "UPSTREAM_FAILURE")
	}
	if shot.ImageURL == "" {
		return Fail("screenshot service returned no image", "UPSTREAM_FAILURE")
	}
	return OK(ScreenshotPayload{URL: params.URL, ImageURL: shot.ImageURL})
}
