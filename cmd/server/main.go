// Pagesmith - staged website builder agent server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/pagesmith/internal/agent"
	"github.com/ashureev/pagesmith/internal/api"
	"github.com/ashureev/pagesmith/internal/config"
	"github.com/ashureev/pagesmith/internal/identity"
	"github.com/ashureev/pagesmith/internal/middleware"
	"github.com/ashureev/pagesmith/internal/model"
	"github.com/ashureev/pagesmith/internal/preview"
	"github.com/ashureev/pagesmith/internal/response"
	"github.com/ashureev/pagesmith/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.Open(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err, "backend", cfg.StoreBackend)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Session store connected", "backend", cfg.StoreBackend)

	client, err := model.Open(ctx, model.ProviderConfig{
		Name:        cfg.Model.Provider,
		APIKey:      cfg.Model.APIKey(),
		Model:       cfg.Model.Name,
		MaxTokens:   cfg.Model.MaxTokens,
		ScriptChunk: cfg.Model.ScriptChunk,
		ScriptDelay: cfg.Model.ScriptDelay,
	})
	if err != nil {
		slog.Error("Failed to initialize model provider", "error", err, "provider", cfg.Model.Provider)
		os.Exit(1)
	}
	slog.Info("Model provider initialized", "provider", client.Name())

	profile, err := config.LoadAgentProfile(cfg.AgentProfilePath)
	if err != nil {
		slog.Error("Failed to load agent profile", "error", err)
		os.Exit(1)
	}

	validator, err := response.NewValidator()
	if err != nil {
		slog.Error("Failed to compile response schema", "error", err)
		os.Exit(1)
	}

	opts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithTurnTimeout(cfg.TurnTimeout),
		agent.WithValidator(validator),
	}

	var previewer *preview.DockerPreviewer
	if cfg.Preview.Enabled {
		previewer, err = preview.NewDockerPreviewer(cfg.Preview)
		if err != nil {
			slog.Warn("Failed to initialize preview sandbox, previews disabled", "error", err)
		} else {
			defer func() {
				if closeErr := previewer.Close(); closeErr != nil {
					slog.Warn("Failed to close docker client", "error", closeErr)
				}
			}()
			opts = append(opts, agent.WithPreviewer(previewer))
		}
	}

	orch, err := agent.NewOrchestrator(repo, client, agent.DefaultStrategies(profile), opts...)
	if err != nil {
		slog.Error("Failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}
	defer orch.Close()

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	// Initialize handlers.
	hub := agent.NewHub(cfg.SSE.ReplaySize)
	agentHandler := agent.NewHandler(orch, hub, conversationLogger, cfg)
	defer agentHandler.Close()
	baseHandler := api.NewHandler(repo, orch, hub, cfg)
	sessionHandler := api.NewSessionHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo, client.Name())
	grpcHealth := api.NewGRPCHealth(repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// All routes use identity middleware (no auth needed).
	sessionHandler.RegisterRoutes(r)
	agentHandler.RegisterRoutes(r)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(r, "pagesmith"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start janitor.
	janitor := store.NewJanitor(repo, cfg.SessionTTL, func(sessionID string) {
		hub.Forget(sessionID)
		if previewer != nil {
			rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := previewer.Remove(rmCtx, sessionID); err != nil {
				slog.Warn("Failed to remove preview container", "error", err, "session_id", sessionID)
			}
		}
	})
	if janitor != nil {
		janitor.Start(ctx, cfg.JanitorInterval)
		slog.Info("Janitor started", "session_ttl", cfg.SessionTTL)
	} else {
		slog.Info("Janitor disabled, store expires sessions itself", "backend", cfg.StoreBackend)
	}

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		slog.Error("Failed to listen for gRPC", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("gRPC health listening", "addr", grpcLis.Addr().String())
		return grpcHealth.Serve(grpcLis)
	})
	g.Go(func() error {
		grpcHealth.Watch(gctx, 15*time.Second)
		return nil
	})
	g.Go(func() error {
		// Wait for shutdown signal or a server failure.
		<-gctx.Done()
		stop()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcHealth.Stop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" || cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
