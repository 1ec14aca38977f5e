// Package main is the agentdesk backend: the local runtime the desktop shell
// talks to over a WebSocket. One process hosts the conversation workers, the
// SQLite store, the MCP multiplexer, and the gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/bridge"
	"github.com/agentdesk/agentdesk/internal/common/config"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/db"
	"github.com/agentdesk/agentdesk/internal/events"
	gateway "github.com/agentdesk/agentdesk/internal/gateway/websocket"
	"github.com/agentdesk/agentdesk/internal/mcp"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/internal/stream"
	"github.com/agentdesk/agentdesk/internal/tracing"
	"github.com/agentdesk/agentdesk/internal/worker"
	"github.com/agentdesk/agentdesk/internal/worker/acp"
	"github.com/agentdesk/agentdesk/internal/worker/codex"
	"github.com/agentdesk/agentdesk/internal/worker/integrated"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting agentdesk backend")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage: SQLite with corrupt-database recovery, then schema migration.
	pool, err := db.OpenPoolWithRecovery(cfg.Database.DatabasePath(), log)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	repo, err := storage.New(ctx, pool, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() { _ = repo.Close() }()
	if err := repo.EnsureSystemUser(ctx); err != nil {
		log.Fatal("failed to seed system user", zap.Error(err))
	}

	legacy := storage.NewBackfillSource(
		storage.NewLegacyStore(cfg.Database.DataDir, log), repo)

	// Event bus: in-memory unless NATS is configured.
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	// Streaming persistence pipeline.
	buffer := stream.New(repo, log,
		stream.WithBatchSize(cfg.Buffer.BatchSize),
		stream.WithFlushInterval(cfg.Buffer.FlushInterval()))
	emitter := worker.NewEmitter(repo, buffer, eventBus, log)

	// Worker registry with a factory switching on the conversation type.
	genPool := integrated.NewPool(integrated.NewOpenAIGenerator())
	factory := func(ctx context.Context, conv *storage.Conversation) (worker.Worker, error) {
		switch conv.Type {
		case storage.ConversationTypeIntegrated:
			return integrated.New(conv, genPool, emitter, repo, log), nil
		case storage.ConversationTypeACP:
			return acp.New(ctx, conv, emitter, log)
		case storage.ConversationTypeCodex:
			return codex.New(ctx, conv, emitter, log)
		default:
			return nil, fmt.Errorf("unknown conversation type %q", conv.Type)
		}
	}
	manager := worker.NewManager(repo, legacy, factory, buffer, log)

	// MCP multiplexer over the agent CLIs plus the local registry.
	prober, sources := mcp.DefaultSources(cfg, log)
	mux := mcp.NewMultiplexer(prober, log, sources...)

	// Gateway + bridge.
	gw := gateway.NewGateway(log)
	br := bridge.New(cfg, repo, legacy, manager, mux, eventBus, gw.Hub, log)
	br.RegisterHandlers(gw.Dispatcher)
	if err := br.Start(); err != nil {
		log.Fatal("failed to start bridge", zap.Error(err))
	}
	go gw.Hub.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	gw.SetupRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("gateway listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("gateway server failed", zap.Error(err))
		}
	}()

	// Block until asked to stop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway shutdown incomplete", zap.Error(err))
	}
	br.Close()
	manager.Clear(shutdownCtx)
	buffer.Close(shutdownCtx)
	mux.Close()
	cancel()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown incomplete", zap.Error(err))
	}
	log.Info("agentdesk backend stopped")
}
