package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/checkmate-sg/checkmate-core/internal/agent"
	"github.com/checkmate-sg/checkmate-core/internal/auth"
	"github.com/checkmate-sg/checkmate-core/internal/config"
	"github.com/checkmate-sg/checkmate-core/internal/llm"
	"github.com/checkmate-sg/checkmate-core/internal/mcp"
	"github.com/checkmate-sg/checkmate-core/internal/moderator"
	"github.com/checkmate-sg/checkmate-core/internal/pipeline"
	"github.com/checkmate-sg/checkmate-core/internal/ratelimit"
	"github.com/checkmate-sg/checkmate-core/internal/reconciler"
	"github.com/checkmate-sg/checkmate-core/internal/server"
	"github.com/checkmate-sg/checkmate-core/internal/similarity"
	"github.com/checkmate-sg/checkmate-core/internal/storage"
	"github.com/checkmate-sg/checkmate-core/internal/telemetry"
	"github.com/checkmate-sg/checkmate-core/internal/tools"
	"github.com/checkmate-sg/checkmate-core/internal/upstream"
	"github.com/checkmate-sg/checkmate-core/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("CHECKMATE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("checkmate starting", "version", version, "port", cfg.Port, "env", cfg.Environment)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// LLM client shared by the agent loop and the utility tasks.
	llmClient := llm.New(llm.Config{
		BaseURL:      cfg.LLMBaseURL,
		APIKey:       cfg.LLMAPIKey,
		AgentModel:   cfg.AgentModel,
		UtilityModel: cfg.UtilityModel,
		VisionModel:  cfg.VisionModel,
		CallTimeout:  cfg.LLMCallTimeout,
	})

	embedder := upstream.NewEmbedder(cfg.EmbedderBaseURL, cfg.EmbedderAPIKey, cfg.EmbedderModel)
	imageHasher := upstream.NewImageHasher(cfg.ImageHashURL, 30*time.Second)
	screenshotter := upstream.NewScreenshotter(cfg.ScreenshotURL, 60*time.Second)
	webSearcher := upstream.NewWebSearcher(cfg.SearchURL, cfg.SearchAPIKey, 30*time.Second)
	urlScanner := upstream.NewURLScanner(cfg.URLScanURL, cfg.URLScanAPIKey, 60*time.Second)
	voteClient := upstream.NewVoteClient(cfg.VoteWebhookURL, 30*time.Second)
	imageFetcher := upstream.NewImageFetcher(db, 60*time.Second)

	// Vector index: Postgres serves searches directly unless Qdrant is
	// configured, in which case it also mirrors every embedding write.
	var index similarity.Index = similarity.NewPGVectorIndex(db)
	var indexWriter pipeline.IndexWriter
	if cfg.VectorBackend == "qdrant" {
		qdrantIndex, err := similarity.NewQdrantIndex(similarity.QdrantConfig{
			URL:              cfg.QdrantURL,
			APIKey:           cfg.QdrantAPIKey,
			CollectionPrefix: cfg.QdrantCollection,
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollections(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collections: %w", err)
		}
		index = qdrantIndex
		indexWriter = qdrantIndex
		logger.Info("vector index: qdrant", "url", cfg.QdrantURL)
	} else {
		logger.Info("vector index: pgvector")
	}

	engine := similarity.NewEngine(db, index, embedder, llmClient, similarity.Config{
		TextMatchThreshold: cfg.TextMatchThreshold,
		PDQMatchMaxHamming: cfg.PDQMatchMaxHamming,
		TopK:               cfg.SimilarityTopK,
		HumanAssessedOnly:  cfg.HumanAssessedFilter,
	}, logger)

	// Moderator channel client (no-op without a bot token).
	modClient := moderator.New(moderator.Config{
		BotToken:     cfg.TelegramBotToken,
		ChatID:       cfg.TelegramChatID,
		TraceBaseURL: cfg.LangfuseBaseURL,
	}, logger)
	if modClient.Enabled() {
		logger.Info("moderator channel: enabled", "chat_id", cfg.TelegramChatID)
	} else {
		logger.Info("moderator channel: disabled (no TELEGRAM_BOT_TOKEN)")
	}

	background := pipeline.NewExecutor(cfg.BackgroundWorkers, 256, time.Minute, logger)
	defer background.Close()

	// Each check gets a fresh registry so tool quotas are per run.
	newAgent := func(tc *tools.Context) pipeline.AgentRunner {
		registry := tools.NewRegistry(map[string]int{
			tools.NameSearchGoogle:      cfg.SearchQuota,
			tools.NameWebsiteScreenshot: cfg.ScreenshotQuota,
			tools.NameCheckMaliciousURL: cfg.URLScanQuota,
		})
		registry.Register(tools.NewSearchGoogle(webSearcher))
		registry.Register(tools.NewWebsiteScreenshot(screenshotter))
		registry.Register(tools.NewCheckMaliciousURL(urlScanner))
		registry.Register(tools.NewScanURLAlias(urlScanner))
		registry.ShareQuota(tools.NameScanURL, tools.NameCheckMaliciousURL)
		registry.Register(tools.NewSearchInternal(engine, db))
		registry.Register(tools.NewSubmitReport(llmClient))
		return agent.New(llmClient.Chat(), registry, agent.Config{
			Model:       llmClient.AgentModel(),
			MaxSteps:    cfg.AgentMaxSteps,
			MaxMessages: cfg.AgentMaxMessages,
			CallTimeout: cfg.LLMCallTimeout,
		}, logger)
	}

	orchestrator := pipeline.New(pipeline.Deps{
		Store:         db,
		Matcher:       engine,
		Notifier:      modClient,
		Embedder:      embedder,
		ImageHasher:   imageHasher,
		ImageFetcher:  imageFetcher,
		Screenshotter: screenshotter,
		Vote:          voteClient,
		LLM:           llmClient,
		IndexWriter:   indexWriter,
		Background:    background,
		NewAgent:      newAgent,
		Logger:        logger,
	}, pipeline.Config{
		TranslateConcurrent: cfg.TranslateConcurrent,
	})

	assessor := reconciler.New(db, modClient, logger)
	botWebhook := moderator.NewWebhook(modClient, db, logger)

	limiter := ratelimit.NewLimiter(db, logger)
	defer limiter.Close()

	adminMgr := auth.NewAdminTokenManager(cfg.AdminTokenSecret, 24*time.Hour)
	if adminMgr.Enabled() {
		logger.Info("admin endpoints: enabled")
	} else {
		logger.Info("admin endpoints: disabled (no CHECKMATE_ADMIN_TOKEN_SECRET)")
	}

	mcpSrv := mcp.New(orchestrator, db, logger)

	handlers := server.NewHandlers(server.HandlersDeps{
		Pipeline:     orchestrator,
		Checks:       db,
		Assessor:     assessor,
		Embedder:     embedder,
		NeedsChecker: llmClient,
		BotWebhook:   botWebhook,
		Logger:       logger,
		Version:      version,
	})

	srv := server.New(server.ServerConfig{
		Handlers:            handlers,
		ConsumerHandlers:    server.NewConsumerHandlers(db, limiter),
		Consumers:           db,
		Limiter:             limiter,
		AdminMgr:            adminMgr,
		MCPServer:           mcpSrv.MCPServer(),
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
