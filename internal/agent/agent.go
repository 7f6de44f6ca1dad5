// Package agent implements the bounded tool-calling loop that researches a
// claim and produces a reviewed report.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/checkmate-sg/checkmate-core/internal/llm"
	"github.com/checkmate-sg/checkmate-core/internal/tools"
)

// ErrExhausted is returned when the loop hits its step or history bound
// without a passing report.
var ErrExhausted = errors.New("agent: loop exhausted")

// Fixed sampling parameters keep agent runs reproducible for a given model.
const (
	loopTemperature = 0
	loopSeed        = 11
)

// Outcome is a finished agent run.
type Outcome struct {
	Report          string
	Sources         []string
	IsControversial bool
	Steps           int
}

// Config bounds a loop run.
type Config struct {
	Model       string
	MaxSteps    int // default 50
	MaxMessages int // history bound, exclusive; default 50
	CallTimeout time.Duration
}

// Loop drives the LLM against the tool registry until a report passes review
// or a bound is hit.
type Loop struct {
	chat     llm.ChatClient
	registry *tools.Registry
	cfg      Config
	logger   *slog.Logger
}

// New creates a loop.
func New(chat llm.ChatClient, registry *tools.Registry, cfg Config, logger *slog.Logger) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 50
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 50
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Minute
	}
	return &Loop{chat: chat, registry: registry, cfg: cfg, logger: logger}
}

// billedTools are the externally billed tools whose remaining quotas appear
// in the system message each step.
var billedTools = []string{
	tools.NameSearchGoogle,
	tools.NameWebsiteScreenshot,
	tools.NameCheckMaliciousURL,
}

func (l *Loop) systemMessage() string {
	msg := fmt.Sprintf(
		"You are a fact-checking researcher. The current datetime is %s.\n"+
			"Research the claim using your tools, then submit your report for review with submit_report_for_review.\n"+
			"Remaining tool call budget:",
		time.Now().UTC().Format(time.RFC1123),
	)
	for _, name := range billedTools {
		if remaining, limited := l.registry.Remaining(name); limited {
			msg += fmt.Sprintf("\n- %s: %d", name, remaining)
		}
	}
	return msg
}

// Run executes the loop. startingContent is the preprocessed claim content;
// the user intent rides in tc.Scratch.
func (l *Loop) Run(ctx context.Context, tc *tools.Context, startingContent string) (Outcome, error) {
	history := []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleUser,
			Content: fmt.Sprintf("User intent: %s\n\nContent to check:\n%s",
				tc.Scratch.Intent, startingContent),
		},
	}

	seed := loopSeed
	for step := 1; step <= l.cfg.MaxSteps; step++ {
		if len(history) >= l.cfg.MaxMessages {
			return Outcome{}, fmt.Errorf("agent: history reached %d messages: %w", len(history), ErrExhausted)
		}

		advertised := l.registry.Advertised()
		if len(advertised) == 0 {
			return Outcome{}, fmt.Errorf("agent: no tools left to advertise: %w", ErrExhausted)
		}

		messages := append(
			[]openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: l.systemMessage()}},
			history...,
		)

		callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
		resp, err := l.chat.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model:       l.cfg.Model,
			Messages:    messages,
			Tools:       advertised,
			ToolChoice:  "required",
			Temperature: loopTemperature,
			Seed:        &seed,
		})
		cancel()
		if err != nil {
			return Outcome{}, fmt.Errorf("agent: step %d chat call: %w", step, err)
		}
		if len(resp.Choices) == 0 {
			return Outcome{}, fmt.Errorf("agent: step %d: empty choices", step)
		}

		assistant := resp.Choices[0].Message
		history = append(history, assistant)

		if len(assistant.ToolCalls) == 0 {
			// tool_choice=required should prevent this; nudge and retry.
			l.logger.Warn("model returned no tool calls despite required tool choice", "step", step)
			history = append(history, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: "You must call a tool. Submit your report with submit_report_for_review when done.",
			})
			continue
		}

		results := l.executeParallel(ctx, tc, assistant.ToolCalls)

		toolMsgs, userMsgs, outcome := l.renderResults(assistant.ToolCalls, results)
		// All tool-role replies must precede any user-role message; the chat
		// API rejects a tool reply that follows an unrelated user message.
		history = append(history, toolMsgs...)
		history = append(history, userMsgs...)

		if outcome != nil {
			outcome.Steps = step
			return *outcome, nil
		}
	}

	return Outcome{}, fmt.Errorf("agent: step cap %d reached: %w", l.cfg.MaxSteps, ErrExhausted)
}

// executeParallel runs one turn's tool calls concurrently, preserving the
// call order in the result slice.
func (l *Loop) executeParallel(ctx context.Context, tc *tools.Context, calls []openai.ToolCall) []tools.Result {
	results := make([]tools.Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call openai.ToolCall) {
			defer wg.Done()
			results[idx] = l.registry.Dispatch(ctx, tc, call.Function.Name, json.RawMessage(call.Function.Arguments))
		}(i, call)
	}
	wg.Wait()
	return results
}

// renderResults turns a batch of tool results into chat messages and detects
// a passing report. Screenshot successes split into a tool acknowledgement
// plus a synthetic user message carrying the image.
func (l *Loop) renderResults(calls []openai.ToolCall, results []tools.Result) (toolMsgs, userMsgs []openai.ChatCompletionMessage, outcome *Outcome) {
	for i, call := range calls {
		result := results[i]

		if call.Function.Name == tools.NameWebsiteScreenshot && result.Success {
			var payload tools.ScreenshotPayload
			if err := json.Unmarshal(result.Result, &payload); err == nil && payload.ImageURL != "" {
				toolMsgs = append(toolMsgs, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: call.ID,
					Content:    fmt.Sprintf("Screenshot captured for %s. The image follows.", payload.URL),
				})
				userMsgs = append(userMsgs, openai.ChatCompletionMessage{
					Role: openai.ChatMessageRoleUser,
					MultiContent: []openai.ChatMessagePart{
						{Type: openai.ChatMessagePartTypeText, Text: fmt.Sprintf("Here is the screenshot for %s", payload.URL)},
						{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: payload.ImageURL}},
					},
				})
				continue
			}
		}

		toolMsgs = append(toolMsgs, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			ToolCallID: call.ID,
			Content:    result.JSON(),
		})

		if call.Function.Name == tools.NameSubmitReport && result.Success {
			var verdict tools.ReportVerdict
			if err := json.Unmarshal(result.Result, &verdict); err == nil && verdict.PassedReview {
				outcome = &Outcome{
					Report:          verdict.Report,
					Sources:         verdict.Sources,
					IsControversial: verdict.IsControversial,
				}
			}
		}
	}
	return toolMsgs, userMsgs, outcome
}
