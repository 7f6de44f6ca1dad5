package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/checkmate-sg/checkmate-core/internal/auth"
	"github.com/checkmate-sg/checkmate-core/internal/model"
	"github.com/checkmate-sg/checkmate-core/internal/ratelimit"
)

// ConsumerStore is the admission-path slice of the consumer store.
type ConsumerStore interface {
	GetActiveConsumersByKeyPrefix(ctx context.Context, prefix string) ([]model.Consumer, error)
	IncrementCallCounters(ctx context.Context, name, api string, at time.Time) error
}

// Limiter admits or rejects one call for a consumer.
type Limiter interface {
	Acquire(ctx context.Context, c *model.Consumer) ratelimit.Decision
}

// admission authenticates the x-api-key header, checks the route ACL and the
// token bucket, and counts successful downstream calls.
type admission struct {
	consumers ConsumerStore
	limiter   Limiter
	logger    *slog.Logger
}

// require wraps a handler with admission for one named API. The key lookup
// pre-filters by the stored 8-char prefix, then Argon2id-verifies each
// candidate; a miss still burns one hash so timing does not reveal whether
// the prefix exists.
func (a *admission) require(api string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("x-api-key")
		if apiKey == "" {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing x-api-key header")
			return
		}
		if len(apiKey) < auth.KeyPrefixLen {
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid api key")
			return
		}

		candidates, err := a.consumers.GetActiveConsumersByKeyPrefix(r.Context(), auth.KeyPrefix(apiKey))
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "admission lookup failed")
			return
		}

		var consumer *model.Consumer
		for i := range candidates {
			ok, err := auth.VerifyAPIKey(apiKey, candidates[i].KeyHash)
			if err == nil && ok {
				consumer = &candidates[i]
				break
			}
		}
		if consumer == nil {
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid api key")
			return
		}

		if !consumer.Allowed(api) {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "api not allowed for this consumer")
			return
		}

		decision := a.limiter.Acquire(r.Context(), consumer)
		if !decision.Allowed {
			w.Header().Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "rate limit exceeded")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyConsumer, consumer)
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		// Only calls the service actually served are billed.
		if wrapped.statusCode < 500 {
			if err := a.consumers.IncrementCallCounters(ctx, consumer.Name, api, time.Now().UTC()); err != nil {
				a.logger.Warn("failed to increment call counters",
					"consumer", consumer.Name, "api", api, "error", err)
			}
		}
	})
}

// retryAfterSeconds renders a duration as whole seconds, rounded up so a
// client that waits exactly this long always finds a token.
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
