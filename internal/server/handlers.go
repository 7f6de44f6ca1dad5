package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/checkmate-sg/checkmate-core/internal/model"
	"github.com/checkmate-sg/checkmate-core/internal/moderator"
	"github.com/checkmate-sg/checkmate-core/internal/pipeline"
	"github.com/checkmate-sg/checkmate-core/internal/reconciler"
	"github.com/checkmate-sg/checkmate-core/internal/storage"
)

// Pipeline runs a submission end to end.
type Pipeline interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
}

// CheckStore is the handler-side slice of the check store.
type CheckStore interface {
	GetCheck(ctx context.Context, id string) (model.Check, error)
	UpdateCheckFields(ctx context.Context, id string, u storage.CheckUpdate) error
}

// Assessor applies crowdsourced assessment updates.
type Assessor interface {
	Apply(ctx context.Context, checkID string, u reconciler.Update) (model.Check, error)
}

// Embedder serves /getEmbedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NeedsChecker serves /getNeedsChecking.
type NeedsChecker interface {
	NeedsChecking(ctx context.Context, text string) (bool, error)
}

// BotWebhook processes Telegram updates.
type BotWebhook interface {
	HandleUpdate(ctx context.Context, update moderator.Update) error
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	pipeline     Pipeline
	checks       CheckStore
	assessor     Assessor
	embedder     Embedder
	needsChecker NeedsChecker
	botWebhook   BotWebhook
	logger       *slog.Logger
	version      string
}

// HandlersDeps bundles the handler dependencies.
type HandlersDeps struct {
	Pipeline     Pipeline
	Checks       CheckStore
	Assessor     Assessor
	Embedder     Embedder
	NeedsChecker NeedsChecker
	BotWebhook   BotWebhook
	Logger       *slog.Logger
	Version      string
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		pipeline:     deps.Pipeline,
		checks:       deps.Checks,
		assessor:     deps.Assessor,
		embedder:     deps.Embedder,
		needsChecker: deps.NeedsChecker,
		botWebhook:   deps.BotWebhook,
		logger:       deps.Logger,
		version:      deps.Version,
	}
}

// HandleGetAgentResult runs a full check and returns the longform report.
func (h *Handlers) HandleGetAgentResult(w http.ResponseWriter, r *http.Request) {
	h.handleSubmit(w, r, true)
}

// HandleGetCommunityNote runs a full check and returns the community note
// without the longform report.
func (h *Handlers) HandleGetCommunityNote(w http.ResponseWriter, r *http.Request) {
	h.handleSubmit(w, r, false)
}

func (h *Handlers) handleSubmit(w http.ResponseWriter, r *http.Request, includeReport bool) {
	var req model.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	consumerName := ""
	if consumer := ConsumerFromContext(r.Context()); consumer != nil {
		consumerName = consumer.Name
	}

	outcome, err := h.pipeline.Process(r.Context(), pipeline.Request{
		RequestID:    requestUUID(r),
		ConsumerName: consumerName,
		Text:         req.Text,
		ImageURL:     req.ImageURL,
		Caption:      req.Caption,
		FindSimilar:  req.FindSimilar,
	})
	if err != nil {
		h.logger.Error("submission failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstreamFailure, "check processing failed")
		return
	}

	result := model.ResultFromCheck(&outcome.Check, includeReport)
	writeJSON(w, r, http.StatusOK, outcome.Check.ID, result)
}

// HandleGetEmbedding returns the 384-dimensional embedding of a text.
func (h *Handlers) HandleGetEmbedding(w http.ResponseWriter, r *http.Request) {
	var req model.EmbeddingRequest
	if err := decodeJSON(r, &req); err != nil || req.Text == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "text is required")
		return
	}

	vec, err := h.embedder.Embed(r.Context(), req.Text)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstreamFailure, "embedding failed")
		return
	}
	writeJSON(w, r, http.StatusOK, "", model.EmbeddingResult{Embedding: vec})
}

// HandleGetNeedsChecking classifies whether a text warrants fact-checking.
func (h *Handlers) HandleGetNeedsChecking(w http.ResponseWriter, r *http.Request) {
	var req model.EmbeddingRequest
	if err := decodeJSON(r, &req); err != nil || req.Text == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "text is required")
		return
	}

	needs, err := h.needsChecker.NeedsChecking(r.Context(), req.Text)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstreamFailure, "classification failed")
		return
	}
	writeJSON(w, r, http.StatusOK, "", model.NeedsCheckingResult{NeedsChecking: needs})
}

// HandleGetCheck returns one check by id.
func (h *Handlers) HandleGetCheck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	check, err := h.checks.GetCheck(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "check not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "lookup failed")
		return
	}
	writeJSON(w, r, http.StatusOK, check.ID, model.ResultFromCheck(&check, true))
}

// HandlePatchCheck applies a crowdsourced assessment update.
func (h *Handlers) HandlePatchCheck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req model.PatchCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.IsHumanAssessed == nil && req.CrowdsourcedCategory == nil && req.IsCommunityNoteDownvoted == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "at least one field must be set")
		return
	}

	check, err := h.assessor.Apply(r.Context(), id, reconciler.Update{
		IsHumanAssessed:          req.IsHumanAssessed,
		CrowdsourcedCategory:     req.CrowdsourcedCategory,
		IsCommunityNoteDownvoted: req.IsCommunityNoteDownvoted,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "check not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "update failed")
		return
	}
	writeJSON(w, r, http.StatusOK, check.ID, model.ResultFromCheck(&check, false))
}

// HandlePatchHumanNote sets or replaces the human-curated note on a check.
func (h *Handlers) HandlePatchHumanNote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req model.PatchHumanNoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.EN == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "en is required")
		return
	}
	if req.UpdatedBy == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "updatedBy is required")
		return
	}

	note := &model.LocalizedResponse{
		EN:        &req.EN,
		Links:     req.Links,
		UpdatedBy: &req.UpdatedBy,
		Timestamp: time.Now().UTC(),
	}
	if req.CN != "" {
		note.CN = &req.CN
	}

	if err := h.checks.UpdateCheckFields(r.Context(), id, storage.CheckUpdate{HumanResponse: note}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "check not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "update failed")
		return
	}
	writeJSON(w, r, http.StatusOK, id, nil)
}

// HandleTelegramWebhook processes moderator button presses.
func (h *Handlers) HandleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	// Telegram updates carry many fields beyond the ones handled here, so
	// unknown fields are tolerated.
	var update moderator.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid update")
		return
	}
	if err := h.botWebhook.HandleUpdate(r.Context(), update); err != nil {
		h.logger.Error("telegram update failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "update handling failed")
		return
	}
	writeJSON(w, r, http.StatusOK, "", nil)
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, "", map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// requestUUID derives the submission's uuid from the request id header when
// it parses, otherwise generates a fresh one.
func requestUUID(r *http.Request) uuid.UUID {
	if id, err := uuid.Parse(RequestIDFromContext(r.Context())); err == nil {
		return id
	}
	return uuid.New()
}
