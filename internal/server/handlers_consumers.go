package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/checkmate-sg/checkmate-core/internal/auth"
	"github.com/checkmate-sg/checkmate-core/internal/model"
	"github.com/checkmate-sg/checkmate-core/internal/storage"
)

// AdminStore is the consumer-management slice of the store.
type AdminStore interface {
	CreateConsumer(ctx context.Context, c *model.Consumer) error
	GetConsumerByName(ctx context.Context, name string) (model.Consumer, error)
	ListConsumers(ctx context.Context) ([]model.Consumer, error)
	UpdateConsumerAPIs(ctx context.Context, name string, apis []string) error
	DeleteConsumer(ctx context.Context, name string) error
}

// BucketForgetter drops a consumer's in-memory token bucket so limit changes
// and deletions take effect immediately.
type BucketForgetter interface {
	Forget(consumerName string)
}

// ConsumerHandlers holds the admin-route dependencies.
type ConsumerHandlers struct {
	store   AdminStore
	buckets BucketForgetter
}

// NewConsumerHandlers creates the admin handler set.
func NewConsumerHandlers(store AdminStore, buckets BucketForgetter) *ConsumerHandlers {
	return &ConsumerHandlers{store: store, buckets: buckets}
}

func validAPIs(apis []string) bool {
	known := make(map[string]bool, len(model.KnownAPIs))
	for _, api := range model.KnownAPIs {
		known[api] = true
	}
	for _, api := range apis {
		if !known[api] {
			return false
		}
	}
	return true
}

// HandleCreateConsumer provisions a consumer and returns its API key. The
// raw key is shown exactly once; only the prefix and hash are stored.
func (h *ConsumerHandlers) HandleCreateConsumer(w http.ResponseWriter, r *http.Request) {
	var req model.CreateConsumerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	if len(req.AllowedAPIs) == 0 || !validAPIs(req.AllowedAPIs) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "allowedAPIs must be a non-empty subset of the known APIs")
		return
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "key generation failed")
		return
	}
	keyHash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "key hashing failed")
		return
	}

	consumer := model.Consumer{
		Name:                   req.Name,
		KeyPrefix:              auth.KeyPrefix(apiKey),
		KeyHash:                keyHash,
		AllowedAPIs:            req.AllowedAPIs,
		MillisecondsPerRequest: model.DefaultMillisecondsPerRequest,
		Capacity:               model.DefaultBucketCapacity,
		MillisecondsForUpdates: model.DefaultMillisecondsForUpdates,
		IsActive:               true,
	}
	if req.MillisecondsPerRequest != nil && *req.MillisecondsPerRequest > 0 {
		consumer.MillisecondsPerRequest = *req.MillisecondsPerRequest
	}
	if req.Capacity != nil && *req.Capacity > 0 {
		consumer.Capacity = *req.Capacity
	}
	if req.MillisecondsForUpdates != nil && *req.MillisecondsForUpdates > 0 {
		consumer.MillisecondsForUpdates = *req.MillisecondsForUpdates
	}

	if err := h.store.CreateConsumer(r.Context(), &consumer); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "consumer name already exists")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "create failed")
		return
	}

	writeJSON(w, r, http.StatusCreated, "", model.CreateConsumerResult{
		Name:   consumer.Name,
		APIKey: apiKey,
	})
}

// HandleListConsumers lists all consumers without key material.
func (h *ConsumerHandlers) HandleListConsumers(w http.ResponseWriter, r *http.Request) {
	consumers, err := h.store.ListConsumers(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "list failed")
		return
	}
	writeJSON(w, r, http.StatusOK, "", consumers)
}

// HandleGetConsumer returns one consumer by name.
func (h *ConsumerHandlers) HandleGetConsumer(w http.ResponseWriter, r *http.Request) {
	consumer, err := h.store.GetConsumerByName(r.Context(), r.PathValue("name"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "consumer not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "lookup failed")
		return
	}
	writeJSON(w, r, http.StatusOK, "", consumer)
}

// HandleUpdateConsumer replaces a consumer's allowed API set.
func (h *ConsumerHandlers) HandleUpdateConsumer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req model.UpdateConsumerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if len(req.AllowedAPIs) == 0 || !validAPIs(req.AllowedAPIs) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "allowedAPIs must be a non-empty subset of the known APIs")
		return
	}

	if err := h.store.UpdateConsumerAPIs(r.Context(), name, req.AllowedAPIs); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "consumer not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "update failed")
		return
	}
	writeJSON(w, r, http.StatusOK, "", nil)
}

// HandleDeleteConsumer removes a consumer and its live bucket.
func (h *ConsumerHandlers) HandleDeleteConsumer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := h.store.DeleteConsumer(r.Context(), name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "consumer not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "delete failed")
		return
	}
	if h.buckets != nil {
		h.buckets.Forget(name)
	}
	writeJSON(w, r, http.StatusOK, "", nil)
}
