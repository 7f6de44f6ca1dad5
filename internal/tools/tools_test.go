package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkmate-sg/checkmate-core/internal/llm"
	"github.com/checkmate-sg/checkmate-core/internal/model"
	"github.com/checkmate-sg/checkmate-core/internal/similarity"
	"github.com/checkmate-sg/checkmate-core/internal/testutil"
	"github.com/checkmate-sg/checkmate-core/internal/upstream"
)

func testToolContext() *Context {
	return &Context{
		RequestID: "req-1",
		CheckID:   "aaaaaaaaaaaaaaaaaaaaaaaa",
		Logger:    testutil.DiscardLogger(),
		Scratch:   &Scratch{Intent: "is this a scam?"},
	}
}

type fakeSearcher struct {
	result json.RawMessage
	err    error
	calls  int
}

func (f *fakeSearcher) Search(_ context.Context, _, _ string) (json.RawMessage, error) {
	f.calls++
	return f.result, f.err
}

type fakeScreenshotter struct {
	shot upstream.Screenshot
	err  error
}

func (f *fakeScreenshotter) Capture(_ context.Context, _, _ string) (upstream.Screenshot, error) {
	return f.shot, f.err
}

type fakeScanner struct {
	verdict upstream.URLVerdict
	err     error
	calls   int
}

func (f *fakeScanner) Scan(_ context.Context, _, _ string) (upstream.URLVerdict, error) {
	f.calls++
	return f.verdict, f.err
}

type fakeReviewer struct {
	result llm.ReviewResult
}

func (f *fakeReviewer) Review(_ context.Context, _, _ string, _ []string) llm.ReviewResult {
	return f.result
}

type fakeMatcher struct {
	match similarity.Match
	err   error
}

func (f *fakeMatcher) MatchText(_ context.Context, _ string) (similarity.Match, error) {
	return f.match, f.err
}

type fakeCheckReader struct {
	check *model.Check
}

func (f *fakeCheckReader) GetCheck(_ context.Context, _ string) (model.Check, error) {
	if f.check == nil {
		return model.Check{}, errors.New("not found")
	}
	return *f.check, nil
}

func TestSearchGoogle(t *testing.T) {
	searcher := &fakeSearcher{result: json.RawMessage(`{"items":[]}`)}
	tool := NewSearchGoogle(searcher)

	result := tool.Execute(context.Background(), testToolContext(), json.RawMessage(`{"q":"is x a scam"}`))
	assert.True(t, result.Success)
	assert.JSONEq(t, `{"items":[]}`, string(result.Result))
}

func TestSearchGoogleMissingQuery(t *testing.T) {
	tool := NewSearchGoogle(&fakeSearcher{})
	result := tool.Execute(context.Background(), testToolContext(), json.RawMessage(`{}`))
	assert.False(t, result.Success)
	assert.Equal(t, "INVALID_INPUT", result.Error.Code)
}

func TestSearchGoogleUpstreamFailure(t *testing.T) {
	tool := NewSearchGoogle(&fakeSearcher{err: errors.New("search down")})
	result := tool.Execute(context.Background(), testToolContext(), json.RawMessage(`{"q":"query"}`))
	assert.False(t, result.Success)
	assert.Equal(t, "UPSTREAM_FAILURE", result.Error.Code)
}

func TestScreenshotSuccessCarriesImageURL(t *testing.T) {
	tool := NewWebsiteScreenshot(&fakeScreenshotter{shot: upstream.Screenshot{ImageURL: "https://shots/x.png"}})
	result := tool.Execute(context.Background(), testToolContext(), json.RawMessage(`{"url":"https://example.com"}`))
	require.True(t, result.Success)

	var payload ScreenshotPayload
	require.NoError(t, json.Unmarshal(result.Result, &payload))
	assert.Equal(t, "https://shots/x.png", payload.ImageURL)
	assert.Equal(t, "https://example.com", payload.URL)
}

func TestScreenshotNoImageIsFailure(t *testing.T) {
	tool := NewWebsiteScreenshot(&fakeScreenshotter{shot: upstream.Screenshot{}})
	result := tool.Execute(context.Background(), testToolContext(), json.RawMessage(`{"url":"https://example.com"}`))
	assert.False(t, result.Success)
}

func TestCheckMaliciousURLAndAlias(t *testing.T) {
	scanner := &fakeScanner{verdict: upstream.URLVerdict{Malicious: true, HasVerdicts: true}}

	canonical := NewCheckMaliciousURL(scanner)
	alias := NewScanURLAlias(scanner)
	assert.Equal(t, "check_malicious_url", canonical.Name())
	assert.Equal(t, "scan_url", alias.Name())

	for _, tool := range []*CheckMaliciousURL{canonical, alias} {
		result := tool.Execute(context.Background(), testToolContext(), json.RawMessage(`{"url":"https://bad.example"}`))
		require.True(t, result.Success)
		var verdict upstream.URLVerdict
		require.NoError(t, json.Unmarshal(result.Result, &verdict))
		assert.True(t, verdict.Malicious)
	}
}

func TestSearchInternalFound(t *testing.T) {
	note := "This claim is false."
	tool := NewSearchInternal(
		&fakeMatcher{match: similarity.Match{IsMatch: true, CheckID: "bbbbbbbbbbbbbbbbbbbbbbbb"}},
		&fakeCheckReader{check: &model.Check{
			ID:                "bbbbbbbbbbbbbbbbbbbbbbbb",
			ShortformResponse: &model.LocalizedResponse{EN: &note},
		}},
	)

	result := tool.Execute(context.Background(), testToolContext(), json.RawMessage(`{"text":"the claim"}`))
	require.True(t, result.Success)

	var payload internalSearchPayload
	require.NoError(t, json.Unmarshal(result.Result, &payload))
	assert.True(t, payload.Found)
	assert.Equal(t, note, payload.CommunityNote)
}

func TestSearchInternalUpstreamFailure(t *testing.T) {
	tool := NewSearchInternal(&fakeMatcher{err: similarity.ErrUpstream}, &fakeCheckReader{})
	result := tool.Execute(context.Background(), testToolContext(), json.RawMessage(`{"text":"the claim"}`))
	assert.False(t, result.Success)
	assert.Equal(t, "UPSTREAM_FAILURE", result.Error.Code)
}

func TestSubmitReportPassesVerdictThrough(t *testing.T) {
	tool := NewSubmitReport(&fakeReviewer{result: llm.ReviewResult{PassedReview: true}})
	args := json.RawMessage(`{"report":"The claim is false.","sources":["https://example.com"],"isControversial":false}`)

	result := tool.Execute(context.Background(), testToolContext(), args)
	require.True(t, result.Success)

	var verdict ReportVerdict
	require.NoError(t, json.Unmarshal(result.Result, &verdict))
	assert.True(t, verdict.PassedReview)
	assert.Equal(t, "The claim is false.", verdict.Report)
	assert.Equal(t, []string{"https://example.com"}, verdict.Sources)
}

func TestRegistryQuotaEnforcement(t *testing.T) {
	searcher := &fakeSearcher{result: json.RawMessage(`{}`)}
	reg := NewRegistry(map[string]int{NameSearchGoogle: 2})
	reg.Register(NewSearchGoogle(searcher))
	reg.Register(NewSubmitReport(&fakeReviewer{}))

	tc := testToolContext()
	args := json.RawMessage(`{"q":"query"}`)

	assert.True(t, reg.Dispatch(context.Background(), tc, NameSearchGoogle, args).Success)
	assert.True(t, reg.Dispatch(context.Background(), tc, NameSearchGoogle, args).Success)

	result := reg.Dispatch(context.Background(), tc, NameSearchGoogle, args)
	assert.False(t, result.Success)
	assert.Equal(t, "QUOTA_EXHAUSTED", result.Error.Code)
	assert.Equal(t, 2, searcher.calls, "exhausted quota must not reach the service")
}

// Both URL-scan names draw from one counter: alternating names must not
// double the budget, and exhaustion hides both from the advertised set.
func TestAliasSharesQuotaCounter(t *testing.T) {
	scanner := &fakeScanner{verdict: upstream.URLVerdict{HasVerdicts: true}}
	reg := NewRegistry(map[string]int{NameCheckMaliciousURL: 2})
	reg.Register(NewCheckMaliciousURL(scanner))
	reg.Register(NewScanURLAlias(scanner))
	reg.ShareQuota(NameScanURL, NameCheckMaliciousURL)
	reg.Register(NewSubmitReport(&fakeReviewer{}))

	tc := testToolContext()
	args := json.RawMessage(`{"url":"https://example.com"}`)

	n, limited := reg.Remaining(NameScanURL)
	require.True(t, limited)
	assert.Equal(t, 2, n)

	assert.True(t, reg.Dispatch(context.Background(), tc, NameCheckMaliciousURL, args).Success)
	assert.True(t, reg.Dispatch(context.Background(), tc, NameScanURL, args).Success)

	for _, name := range []string{NameCheckMaliciousURL, NameScanURL} {
		result := reg.Dispatch(context.Background(), tc, name, args)
		assert.False(t, result.Success)
		assert.Equal(t, "QUOTA_EXHAUSTED", result.Error.Code)
	}
	assert.Equal(t, 2, scanner.calls, "shared budget spent once across both names")

	advertised := reg.Advertised()
	require.Len(t, advertised, 1)
	assert.Equal(t, NameSubmitReport, advertised[0].Function.Name)
}

func TestRegistrySuppressesExhaustedTool(t *testing.T) {
	reg := NewRegistry(map[string]int{NameSearchGoogle: 1})
	reg.Register(NewSearchGoogle(&fakeSearcher{result: json.RawMessage(`{}`)}))
	reg.Register(NewSubmitReport(&fakeReviewer{}))

	assert.Len(t, reg.Advertised(), 2)
	reg.Dispatch(context.Background(), testToolContext(), NameSearchGoogle, json.RawMessage(`{"q":"x"}`))

	advertised := reg.Advertised()
	require.Len(t, advertised, 1)
	assert.Equal(t, NameSubmitReport, advertised[0].Function.Name)
}

func TestRegistryUnknownTool(t *testing.T) {
	reg := NewRegistry(nil)
	result := reg.Dispatch(context.Background(), testToolContext(), "no_such_tool", nil)
	assert.False(t, result.Success)
}
