package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/checkmate-sg/checkmate-core/internal/model"
	"github.com/checkmate-sg/checkmate-core/internal/pipeline"
	"github.com/checkmate-sg/checkmate-core/internal/storage"
	"github.com/checkmate-sg/checkmate-core/internal/testutil"
)

type fakePipeline struct {
	outcome pipeline.Outcome
	reqs    []pipeline.Request
}

func (f *fakePipeline) Process(_ context.Context, req pipeline.Request) (pipeline.Outcome, error) {
	f.reqs = append(f.reqs, req)
	return f.outcome, nil
}

type fakeChecks struct {
	checks map[string]model.Check
}

func (f *fakeChecks) GetCheck(_ context.Context, id string) (model.Check, error) {
	c, ok := f.checks[id]
	if !ok {
		return model.Check{}, storage.ErrNotFound
	}
	return c, nil
}

func callRequest(args map[string]any) mcplib.CallToolRequest {
	var req mcplib.CallToolRequest
	req.Params.Arguments = args
	return req
}

func textContent(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	tc, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestSubmitRunsPipeline(t *testing.T) {
	note := "short note"
	pl := &fakePipeline{outcome: pipeline.Outcome{Check: model.Check{
		ID:                "aaaabbbbccccddddeeeeffff",
		GenerationStatus:  model.GenerationCompleted,
		ShortformResponse: &model.LocalizedResponse{EN: &note},
	}}}
	s := New(pl, &fakeChecks{}, testutil.DiscardLogger())

	result, err := s.handleSubmit(context.Background(), callRequest(map[string]any{
		"text": "is this a scam?",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		CheckID string            `json:"check_id"`
		Reused  bool              `json:"reused"`
		Result  model.CheckResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &resp))
	assert.Equal(t, "aaaabbbbccccddddeeeeffff", resp.CheckID)
	require.NotNil(t, resp.Result.CommunityNote)
	assert.Equal(t, "short note", *resp.Result.CommunityNote.EN)

	// find_similar defaults to true.
	require.Len(t, pl.reqs, 1)
	assert.True(t, pl.reqs[0].FindSimilar)
	assert.Equal(t, "mcp", pl.reqs[0].ConsumerName)
}

func TestSubmitRejectsBothInputs(t *testing.T) {
	s := New(&fakePipeline{}, &fakeChecks{}, testutil.DiscardLogger())

	result, err := s.handleSubmit(context.Background(), callRequest(map[string]any{
		"text":      "t",
		"image_url": "https://images.example/a.jpg",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSubmitRejectsCaptionWithoutImage(t *testing.T) {
	s := New(&fakePipeline{}, &fakeChecks{}, testutil.DiscardLogger())

	result, err := s.handleSubmit(context.Background(), callRequest(map[string]any{
		"text":    "t",
		"caption": "c",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestGetCheckNotFound(t *testing.T) {
	s := New(&fakePipeline{}, &fakeChecks{checks: map[string]model.Check{}}, testutil.DiscardLogger())

	result, err := s.handleGetCheck(context.Background(), callRequest(map[string]any{
		"check_id": "aaaabbbbccccddddeeeeffff",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "check not found", textContent(t, result))
}

func TestGetCheckFound(t *testing.T) {
	s := New(&fakePipeline{}, &fakeChecks{checks: map[string]model.Check{
		"aaaabbbbccccddddeeeeffff": {ID: "aaaabbbbccccddddeeeeffff"},
	}}, testutil.DiscardLogger())

	result, err := s.handleGetCheck(context.Background(), callRequest(map[string]any{
		"check_id": "aaaabbbbccccddddeeeeffff",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, textContent(t, result), "aaaabbbbccccddddeeeeffff")
}
