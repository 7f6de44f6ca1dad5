package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/checkmate-sg/checkmate-core/internal/auth"
	"github.com/checkmate-sg/checkmate-core/internal/model"
)

// Server is the CheckMate HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): AdminMgr, MCPServer.
type ServerConfig struct {
	Handlers         *Handlers
	ConsumerHandlers *ConsumerHandlers
	Consumers        ConsumerStore
	Limiter          Limiter
	AdminMgr         *auth.AdminTokenManager
	MCPServer        *mcpserver.MCPServer
	Logger           *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := cfg.Handlers
	admit := &admission{consumers: cfg.Consumers, limiter: cfg.Limiter, logger: cfg.Logger}

	mux := http.NewServeMux()

	// Consumer-facing APIs, admitted per consumer ACL + token bucket.
	mux.Handle("POST /getAgentResult", admit.require(model.APIGetAgentResult, h.HandleGetAgentResult))
	mux.Handle("POST /getCommunityNote", admit.require(model.APIGetCommunityNote, h.HandleGetCommunityNote))
	mux.Handle("POST /getEmbedding", admit.require(model.APIGetEmbedding, h.HandleGetEmbedding))
	mux.Handle("POST /getNeedsChecking", admit.require(model.APIGetNeedsChecking, h.HandleGetNeedsChecking))
	mux.Handle("GET /check/{id}", admit.require(model.APIGetCheck, h.HandleGetCheck))
	mux.Handle("PATCH /check/{id}", admit.require(model.APIPatchCheck, h.HandlePatchCheck))
	mux.Handle("PATCH /check/{id}/humanNote", admit.require(model.APIPatchCheck, h.HandlePatchHumanNote))

	// Consumer management (admin JWT).
	ch := cfg.ConsumerHandlers
	adminOnly := func(fn http.HandlerFunc) http.Handler {
		return adminAuthMiddleware(cfg.AdminMgr, fn)
	}
	mux.Handle("POST /consumers", adminOnly(ch.HandleCreateConsumer))
	mux.Handle("GET /consumers", adminOnly(ch.HandleListConsumers))
	mux.Handle("GET /consumers/{name}", adminOnly(ch.HandleGetConsumer))
	mux.Handle("PATCH /consumers/{name}", adminOnly(ch.HandleUpdateConsumer))
	mux.Handle("DELETE /consumers/{name}", adminOnly(ch.HandleDeleteConsumer))

	// Telegram pushes updates here; callers are the bot platform, not API
	// consumers, so no admission.
	mux.HandleFunc("POST /telegram/webhook", h.HandleTelegramWebhook)

	// MCP StreamableHTTP transport, admitted like a submit call.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", admit.require(model.APIGetAgentResult, mcpHTTP.ServeHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → body cap → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = maxBytesMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// maxBytesMiddleware caps request body size.
func maxBytesMiddleware(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
