package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkmate-sg/checkmate-core/internal/auth"
	"github.com/checkmate-sg/checkmate-core/internal/model"
	"github.com/checkmate-sg/checkmate-core/internal/moderator"
	"github.com/checkmate-sg/checkmate-core/internal/pipeline"
	"github.com/checkmate-sg/checkmate-core/internal/ratelimit"
	"github.com/checkmate-sg/checkmate-core/internal/reconciler"
	"github.com/checkmate-sg/checkmate-core/internal/storage"
	"github.com/checkmate-sg/checkmate-core/internal/testutil"
)

type fakeConsumerStore struct {
	consumers []model.Consumer
	counters  map[string]int
}

func (f *fakeConsumerStore) GetActiveConsumersByKeyPrefix(_ context.Context, prefix string) ([]model.Consumer, error) {
	var out []model.Consumer
	for _, c := range f.consumers {
		if c.KeyPrefix == prefix && c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConsumerStore) IncrementCallCounters(_ context.Context, name, api string, _ time.Time) error {
	if f.counters == nil {
		f.counters = make(map[string]int)
	}
	f.counters[name+"/"+api]++
	return nil
}

type fakePipeline struct {
	outcome pipeline.Outcome
	err     error
	reqs    []pipeline.Request
}

func (f *fakePipeline) Process(_ context.Context, req pipeline.Request) (pipeline.Outcome, error) {
	f.reqs = append(f.reqs, req)
	return f.outcome, f.err
}

type fakeCheckStore struct {
	checks  map[string]model.Check
	updates []storage.CheckUpdate
}

func (f *fakeCheckStore) GetCheck(_ context.Context, id string) (model.Check, error) {
	c, ok := f.checks[id]
	if !ok {
		return model.Check{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeCheckStore) UpdateCheckFields(_ context.Context, id string, u storage.CheckUpdate) error {
	if _, ok := f.checks[id]; !ok {
		return storage.ErrNotFound
	}
	f.updates = append(f.updates, u)
	return nil
}

type fakeAssessor struct {
	check model.Check
	got   []reconciler.Update
}

func (f *fakeAssessor) Apply(_ context.Context, _ string, u reconciler.Update) (model.Check, error) {
	f.got = append(f.got, u)
	return f.check, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return make([]float32, model.TextEmbeddingDim), nil
}

type fakeNeedsChecker struct{ needs bool }

func (f fakeNeedsChecker) NeedsChecking(context.Context, string) (bool, error) {
	return f.needs, nil
}

type fakeBotWebhook struct{ updates []moderator.Update }

func (f *fakeBotWebhook) HandleUpdate(_ context.Context, u moderator.Update) error {
	f.updates = append(f.updates, u)
	return nil
}

type env struct {
	server    *Server
	apiKey    string
	pipeline  *fakePipeline
	checks    *fakeCheckStore
	consumers *fakeConsumerStore
	assessor  *fakeAssessor
	webhook   *fakeBotWebhook
	adminMgr  *auth.AdminTokenManager
	limiter   *ratelimit.Limiter
}

// newEnv builds a server with one active consumer allowed every API and a
// generous bucket.
func newEnv(t *testing.T) *env {
	t.Helper()
	logger := testutil.DiscardLogger()

	apiKey, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	keyHash, err := auth.HashAPIKey(apiKey)
	require.NoError(t, err)

	consumers := &fakeConsumerStore{consumers: []model.Consumer{{
		Name:                   "test-consumer",
		KeyPrefix:              auth.KeyPrefix(apiKey),
		KeyHash:                keyHash,
		AllowedAPIs:            model.KnownAPIs,
		MillisecondsPerRequest: 10,
		Capacity:               1000,
		MillisecondsForUpdates: 1000,
		IsActive:               true,
	}}}

	limiter := ratelimit.NewLimiter(nil, logger)
	t.Cleanup(limiter.Close)

	e := &env{
		apiKey:    apiKey,
		pipeline:  &fakePipeline{},
		checks:    &fakeCheckStore{checks: make(map[string]model.Check)},
		consumers: consumers,
		assessor:  &fakeAssessor{},
		webhook:   &fakeBotWebhook{},
		adminMgr:  auth.NewAdminTokenManager("test-admin-secret", time.Hour),
		limiter:   limiter,
	}

	handlers := NewHandlers(HandlersDeps{
		Pipeline:     e.pipeline,
		Checks:       e.checks,
		Assessor:     e.assessor,
		Embedder:     fakeEmbedder{},
		NeedsChecker: fakeNeedsChecker{needs: true},
		BotWebhook:   e.webhook,
		Logger:       logger,
		Version:      "test",
	})

	e.server = New(ServerConfig{
		Handlers:         handlers,
		ConsumerHandlers: NewConsumerHandlers(&memAdminStore{byName: map[string]model.Consumer{}}, limiter),
		Consumers:        consumers,
		Limiter:          limiter,
		AdminMgr:         e.adminMgr,
		Logger:           logger,
		Port:             0,
	})
	return e
}

type memAdminStore struct {
	byName map[string]model.Consumer
}

func (m *memAdminStore) CreateConsumer(_ context.Context, c *model.Consumer) error {
	if _, exists := m.byName[c.Name]; exists {
		return storage.ErrAlreadyExists
	}
	m.byName[c.Name] = *c
	return nil
}

func (m *memAdminStore) GetConsumerByName(_ context.Context, name string) (model.Consumer, error) {
	c, ok := m.byName[name]
	if !ok {
		return model.Consumer{}, storage.ErrNotFound
	}
	return c, nil
}

func (m *memAdminStore) ListConsumers(context.Context) ([]model.Consumer, error) {
	var out []model.Consumer
	for _, c := range m.byName {
		out = append(out, c)
	}
	return out, nil
}

func (m *memAdminStore) UpdateConsumerAPIs(_ context.Context, name string, apis []string) error {
	c, ok := m.byName[name]
	if !ok {
		return storage.ErrNotFound
	}
	c.AllowedAPIs = apis
	m.byName[name] = c
	return nil
}

func (m *memAdminStore) DeleteConsumer(_ context.Context, name string) error {
	if _, ok := m.byName[name]; !ok {
		return storage.ErrNotFound
	}
	delete(m.byName, name)
	return nil
}

func (e *env) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *env) authed(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	return e.do(t, method, path, body, map[string]string{"x-api-key": e.apiKey})
}

func TestHealthNoAuth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestSubmitRequiresAPIKey(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/getCommunityNote", model.SubmitRequest{}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitRejectsWrongKey(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/getCommunityNote", model.SubmitRequest{},
		map[string]string{"x-api-key": "definitely-not-the-right-key-000"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitForbiddenWhenAPINotAllowed(t *testing.T) {
	e := newEnv(t)
	e.consumers.consumers[0].AllowedAPIs = []string{model.APIGetEmbedding}

	text := "claim"
	rec := e.authed(t, http.MethodPost, "/getCommunityNote", model.SubmitRequest{Text: &text})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSubmitHappyPath(t *testing.T) {
	e := newEnv(t)
	report := "full report"
	note := "short note"
	e.pipeline.outcome = pipeline.Outcome{Check: model.Check{
		ID:                "aaaabbbbccccddddeeeeffff",
		GenerationStatus:  model.GenerationCompleted,
		LongformResponse:  &model.LocalizedResponse{EN: &report},
		ShortformResponse: &model.LocalizedResponse{EN: &note},
	}}

	text := "is this a scam?"
	rec := e.authed(t, http.MethodPost, "/getCommunityNote", model.SubmitRequest{Text: &text, FindSimilar: true})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool              `json:"success"`
		ID      string            `json:"id"`
		Result  model.CheckResult `json:"result"`
		Meta    struct {
			RequestID string `json:"requestId"`
		} `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "aaaabbbbccccddddeeeeffff", resp.ID)
	assert.NotEmpty(t, resp.Meta.RequestID)

	// getCommunityNote never exposes the longform report.
	assert.Nil(t, resp.Result.Report)
	require.NotNil(t, resp.Result.CommunityNote)
	assert.Equal(t, "short note", *resp.Result.CommunityNote.EN)

	require.Len(t, e.pipeline.reqs, 1)
	assert.Equal(t, "test-consumer", e.pipeline.reqs[0].ConsumerName)
	assert.True(t, e.pipeline.reqs[0].FindSimilar)

	// Billed exactly once.
	assert.Equal(t, 1, e.consumers.counters["test-consumer/getCommunityNote"])
}

func TestGetAgentResultIncludesReport(t *testing.T) {
	e := newEnv(t)
	report := "full report"
	e.pipeline.outcome = pipeline.Outcome{Check: model.Check{
		ID:               "aaaabbbbccccddddeeeeffff",
		LongformResponse: &model.LocalizedResponse{EN: &report},
	}}

	text := "claim"
	rec := e.authed(t, http.MethodPost, "/getAgentResult", model.SubmitRequest{Text: &text})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Result model.CheckResult `json:"result"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Result.Report)
	assert.Equal(t, "full report", *resp.Result.Report)
}

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t)

	rec := e.authed(t, http.MethodPost, "/getCommunityNote", model.SubmitRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	text := "t"
	img := "https://images.example/a.jpg"
	rec = e.authed(t, http.MethodPost, "/getCommunityNote", model.SubmitRequest{Text: &text, ImageURL: &img})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitExceededReturns429WithRetryAfter(t *testing.T) {
	e := newEnv(t)
	// One token, slow refill: second request must be rejected.
	e.consumers.consumers[0].Capacity = 1
	e.consumers.consumers[0].MillisecondsPerRequest = 1000
	e.consumers.consumers[0].MillisecondsForUpdates = 10000

	text := "claim"
	first := e.authed(t, http.MethodPost, "/getCommunityNote", model.SubmitRequest{Text: &text})
	require.Equal(t, http.StatusOK, first.Code)

	second := e.authed(t, http.MethodPost, "/getCommunityNote", model.SubmitRequest{Text: &text})
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	// Retry-After reflects the per-request interval: 1000 ms rounds to 1.
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	var resp struct {
		Error model.ErrorDetail `json:"error"`
	}
	require.NoError(t, json.NewDecoder(second.Body).Decode(&resp))
	assert.Equal(t, model.ErrCodeRateLimited, resp.Error.Code)

	// The rejected call is not billed.
	assert.Equal(t, 1, e.consumers.counters["test-consumer/getCommunityNote"])
}

func TestGetCheckNotFound(t *testing.T) {
	e := newEnv(t)
	rec := e.authed(t, http.MethodGet, "/check/aaaabbbbccccddddeeeeffff", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCheckFound(t *testing.T) {
	e := newEnv(t)
	e.checks.checks["aaaabbbbccccddddeeeeffff"] = model.Check{
		ID:               "aaaabbbbccccddddeeeeffff",
		GenerationStatus: model.GenerationCompleted,
	}
	rec := e.authed(t, http.MethodGet, "/check/aaaabbbbccccddddeeeeffff", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPatchCheckAppliesAssessment(t *testing.T) {
	e := newEnv(t)
	e.assessor.check = model.Check{ID: "aaaabbbbccccddddeeeeffff"}

	assessed := true
	rec := e.authed(t, http.MethodPatch, "/check/aaaabbbbccccddddeeeeffff",
		model.PatchCheckRequest{IsHumanAssessed: &assessed})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, e.assessor.got, 1)
	require.NotNil(t, e.assessor.got[0].IsHumanAssessed)
	assert.True(t, *e.assessor.got[0].IsHumanAssessed)
}

func TestPatchCheckRequiresAField(t *testing.T) {
	e := newEnv(t)
	rec := e.authed(t, http.MethodPatch, "/check/aaaabbbbccccddddeeeeffff", model.PatchCheckRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchHumanNote(t *testing.T) {
	e := newEnv(t)
	e.checks.checks["aaaabbbbccccddddeeeeffff"] = model.Check{ID: "aaaabbbbccccddddeeeeffff"}

	rec := e.authed(t, http.MethodPatch, "/check/aaaabbbbccccddddeeeeffff/humanNote",
		model.PatchHumanNoteRequest{EN: "curated note", UpdatedBy: "moderator-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, e.checks.updates, 1)
	require.NotNil(t, e.checks.updates[0].HumanResponse)
	assert.Equal(t, "curated note", *e.checks.updates[0].HumanResponse.EN)
}

func TestNeedsChecking(t *testing.T) {
	e := newEnv(t)
	rec := e.authed(t, http.MethodPost, "/getNeedsChecking", model.EmbeddingRequest{Text: "win a prize now"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Result model.NeedsCheckingResult `json:"result"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Result.NeedsChecking)
}

func TestGetEmbedding(t *testing.T) {
	e := newEnv(t)
	rec := e.authed(t, http.MethodPost, "/getEmbedding", model.EmbeddingRequest{Text: "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Result model.EmbeddingResult `json:"result"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Result.Embedding, model.TextEmbeddingDim)
}

func TestTelegramWebhookNoAuth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/telegram/webhook", moderator.Update{UpdateID: 5}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, e.webhook.updates, 1)
	assert.EqualValues(t, 5, e.webhook.updates[0].UpdateID)
}

func TestConsumerAdminRequiresJWT(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/consumers", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConsumerCreateAndConflict(t *testing.T) {
	e := newEnv(t)
	token, err := e.adminMgr.IssueToken("ops")
	require.NoError(t, err)
	headers := map[string]string{"Authorization": "Bearer " + token}

	body := model.CreateConsumerRequest{
		Name:        "partner-bot",
		AllowedAPIs: []string{model.APIGetCommunityNote},
	}
	rec := e.do(t, http.MethodPost, "/consumers", body, headers)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Result model.CreateConsumerResult `json:"result"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "partner-bot", resp.Result.Name)
	assert.Len(t, resp.Result.APIKey, 32)

	dup := e.do(t, http.MethodPost, "/consumers", body, headers)
	assert.Equal(t, http.StatusConflict, dup.Code)
}

func TestConsumerCreateRejectsUnknownAPI(t *testing.T) {
	e := newEnv(t)
	token, err := e.adminMgr.IssueToken("ops")
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/consumers", model.CreateConsumerRequest{
		Name:        "partner-bot",
		AllowedAPIs: []string{"dropTables"},
	}, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
