// Package mcp implements the Model Context Protocol server for CheckMate.
//
// The MCP server exposes the submit and lookup capabilities of the HTTP API
// as MCP tools, so MCP-compatible AI agents can request fact checks.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/checkmate-sg/checkmate-core/internal/model"
	"github.com/checkmate-sg/checkmate-core/internal/pipeline"
	"github.com/checkmate-sg/checkmate-core/internal/storage"
)

// Pipeline runs a submission end to end.
type Pipeline interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
}

// CheckStore looks up existing checks.
type CheckStore interface {
	GetCheck(ctx context.Context, id string) (model.Check, error)
}

// Server wraps the MCP server with CheckMate's pipeline.
type Server struct {
	mcpServer *mcpserver.MCPServer
	pipeline  Pipeline
	checks    CheckStore
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools.
func New(pl Pipeline, checks CheckStore, logger *slog.Logger) *Server {
	s := &Server{
		pipeline: pl,
		checks:   checks,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"checkmate",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// checkmate_submit — run a fact check on a text or image.
	s.mcpServer.AddTool(
		mcplib.NewTool("checkmate_submit",
			mcplib.WithDescription(`Submit content for fact-checking and get a community note back.

Provide exactly one of text or image_url. When find_similar is true (the
default), content matching a previously checked claim returns the existing
check instead of running a new one.

WHAT YOU GET BACK: the check id, its generation status, the community note
(when completed), and the crowdsourced assessment fields.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("text",
				mcplib.Description("The message text to fact-check. Mutually exclusive with image_url."),
			),
			mcplib.WithString("image_url",
				mcplib.Description("URL of an image to fact-check. Mutually exclusive with text."),
			),
			mcplib.WithString("caption",
				mcplib.Description("Optional caption accompanying the image. Only valid with image_url."),
			),
			mcplib.WithBoolean("find_similar",
				mcplib.Description("Reuse an existing check when the content matches a prior claim."),
				mcplib.DefaultBool(true),
			),
		),
		s.handleSubmit,
	)

	// checkmate_get_check — look up an existing check.
	s.mcpServer.AddTool(
		mcplib.NewTool("checkmate_get_check",
			mcplib.WithDescription(`Look up an existing check by id.

Returns the check's generation status, community note, human note and
crowdsourced assessment. Use this to poll a check that was still pending
when submitted.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("check_id",
				mcplib.Description("The 24-character check identifier."),
				mcplib.Required(),
			),
		),
		s.handleGetCheck,
	)
}

func (s *Server) handleSubmit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	text := request.GetString("text", "")
	imageURL := request.GetString("image_url", "")
	caption := request.GetString("caption", "")
	findSimilar := request.GetBool("find_similar", true)

	if (text == "") == (imageURL == "") {
		return errorResult("exactly one of text or image_url is required"), nil
	}
	if imageURL == "" && caption != "" {
		return errorResult("caption is only valid with image_url"), nil
	}

	req := pipeline.Request{
		RequestID:    uuid.New(),
		ConsumerName: "mcp",
		FindSimilar:  findSimilar,
	}
	if text != "" {
		req.Text = &text
	}
	if imageURL != "" {
		req.ImageURL = &imageURL
	}
	if caption != "" {
		req.Caption = &caption
	}

	outcome, err := s.pipeline.Process(ctx, req)
	if err != nil {
		s.logger.Error("mcp submit failed", "request_id", req.RequestID, "error", err)
		return errorResult(fmt.Sprintf("check processing failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"check_id": outcome.Check.ID,
		"reused":   outcome.Reused,
		"result":   model.ResultFromCheck(&outcome.Check, false),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleGetCheck(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	checkID := request.GetString("check_id", "")
	if checkID == "" {
		return errorResult("check_id is required"), nil
	}

	check, err := s.checks.GetCheck(ctx, checkID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("check not found"), nil
		}
		return errorResult(fmt.Sprintf("lookup failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"check_id": check.ID,
		"result":   model.ResultFromCheck(&check, false),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
