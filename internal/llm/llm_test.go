package llm

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChat replays canned responses and records the requests it received.
type fakeChat struct {
	responses []openai.ChatCompletionResponse
	errs      []error
	requests  []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	i := len(f.requests)
	f.requests = append(f.requests, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return openai.ChatCompletionResponse{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return openai.ChatCompletionResponse{}, errors.New("fakeChat: no response scripted")
}

func textResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
		},
	}
}

func newTestClient(chat ChatClient) *Client {
	return NewWithChatClient(chat, Config{
		AgentModel:   "agent-model",
		UtilityModel: "utility-model",
		VisionModel:  "vision-model",
	})
}

func TestSameClaim(t *testing.T) {
	fake := &fakeChat{responses: []openai.ChatCompletionResponse{
		textResponse(`{"are_variants_of_same_claim": true, "reasoning": "same scam claim"}`),
	}}
	c := newTestClient(fake)

	result, err := c.SameClaim(context.Background(), "Is X a scam?", "Is X truly a scam?")
	require.NoError(t, err)
	assert.True(t, result.AreVariantsOfSameClaim)
	assert.Equal(t, "same scam claim", result.Reasoning)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "utility-model", req.Model)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONSchema, req.ResponseFormat.Type)
}

func TestSameClaimUpstreamError(t *testing.T) {
	fake := &fakeChat{errs: []error{errors.New("connection refused")}}
	c := newTestClient(fake)

	_, err := c.SameClaim(context.Background(), "a", "b")
	assert.Error(t, err)
}

func TestPreprocessUsesVisionModelForImages(t *testing.T) {
	fake := &fakeChat{responses: []openai.ChatCompletionResponse{
		textResponse(`{"intent": "check this", "isAccessBlocked": false, "isVideo": false, "title": "Claim", "startingContent": "content", "machineCategory": "misinformation"}`),
	}}
	c := newTestClient(fake)

	result, err := c.Preprocess(context.Background(), PreprocessInput{
		ImageDataURL: "data:image/jpeg;base64,xxxx",
		Caption:      "look at this",
	})
	require.NoError(t, err)
	assert.Equal(t, "misinformation", result.MachineCategory)
	assert.Equal(t, "vision-model", fake.requests[0].Model)
}

func TestPreprocessTextOnlyUsesUtilityModel(t *testing.T) {
	fake := &fakeChat{responses: []openai.ChatCompletionResponse{
		textResponse(`{"intent": "q", "isAccessBlocked": false, "isVideo": false, "title": "t", "startingContent": "s", "machineCategory": "unsure"}`),
	}}
	c := newTestClient(fake)

	_, err := c.Preprocess(context.Background(), PreprocessInput{Text: "some claim"})
	require.NoError(t, err)
	assert.Equal(t, "utility-model", fake.requests[0].Model)
}

func TestReviewParseFailureDefaultsToPassed(t *testing.T) {
	fake := &fakeChat{responses: []openai.ChatCompletionResponse{
		textResponse("I think the report looks fine."),
	}}
	c := newTestClient(fake)

	result := c.Review(context.Background(), "intent", "report", nil)
	assert.True(t, result.PassedReview)
}

func TestReviewFailedVerdict(t *testing.T) {
	fake := &fakeChat{responses: []openai.ChatCompletionResponse{
		textResponse(`{"passedReview": false, "feedback": "cite the sources"}`),
	}}
	c := newTestClient(fake)

	result := c.Review(context.Background(), "intent", "report", []string{"https://example.com"})
	assert.False(t, result.PassedReview)
	assert.Equal(t, "cite the sources", result.Feedback)
}

func TestTranslateUnknownLanguage(t *testing.T) {
	c := newTestClient(&fakeChat{})
	_, err := c.Translate(context.Background(), "hello", "fr")
	assert.Error(t, err)
}

func TestTranslate(t *testing.T) {
	fake := &fakeChat{responses: []openai.ChatCompletionResponse{textResponse("你好")}}
	c := newTestClient(fake)

	out, err := c.Translate(context.Background(), "hello", "cn")
	require.NoError(t, err)
	assert.Equal(t, "你好", out)
}

func TestNeedsChecking(t *testing.T) {
	fake := &fakeChat{responses: []openai.ChatCompletionResponse{
		textResponse(`{"needsChecking": true}`),
	}}
	c := newTestClient(fake)

	needs, err := c.NeedsChecking(context.Background(), "URGENT: forward this to everyone")
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestExtractJSONStripsFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON(`{"a":1}`))
}
