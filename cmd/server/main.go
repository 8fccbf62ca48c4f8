// Intake Voice - telemedicine voice intake server
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

	"github.com/ashureev/intake-voice/internal/api"
	"github.com/ashureev/intake-voice/internal/config"
	"github.com/ashureev/intake-voice/internal/domain"
	"github.com/ashureev/intake-voice/internal/health"
	"github.com/ashureev/intake-voice/internal/identity"
	"github.com/ashureev/intake-voice/internal/metrics"
	"github.com/ashureev/intake-voice/internal/middleware"
	"github.com/ashureev/intake-voice/internal/model/gemini"
	"github.com/ashureev/intake-voice/internal/orchestrator"
	"github.com/ashureev/intake-voice/internal/profile"
	"github.com/ashureev/intake-voice/internal/recording"
	"github.com/ashureev/intake-voice/internal/store"
	"github.com/ashureev/intake-voice/internal/transcript"
	"github.com/ashureev/intake-voice/internal/transport"
	"github.com/ashureev/intake-voice/internal/transport/livekit"
	"github.com/ashureev/intake-voice/internal/transport/wsroom"
	"github.com/ashureev/intake-voice/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	lkproto "github.com/livekit/protocol/livekit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const inputSampleRate = 16000

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prof, err := profile.Load(cfg.InstructionsFile)
	if err != nil {
		slog.Error("Failed to load assistant profile", "error", err, "path", cfg.InstructionsFile)
		os.Exit(1)
	}
	slog.Info("Assistant profile loaded", "profile", prof.Name)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	abandoned, err := repo.CloseAbandonedSessions(ctx, time.Now(), "server restarted")
	if err != nil {
		slog.Error("Failed to close abandoned sessions", "error", err)
		os.Exit(1)
	}
	slog.Info("Abandoned session cleanup complete", "sessions_closed", abandoned)

	gcfg := gemini.DefaultConfig()
	gcfg.APIKey = cfg.Gemini.APIKey
	gcfg.Model = cfg.Gemini.Model
	gcfg.Voice = cfg.Gemini.Voice
	gcfg.Temperature = cfg.Gemini.Temperature
	gcfg.InputSampleRate = inputSampleRate
	modelClient, err := gemini.NewClient(ctx, gcfg, logger)
	if err != nil {
		slog.Error("Failed to initialize model client", "error", err)
		os.Exit(1)
	}
	if cfg.Gemini.StartupCheck {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := modelClient.Ping(pingCtx)
		cancel()
		if err != nil {
			slog.Error("Model startup check failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Model reachable", "model", gcfg.Model)
	}

	// Transports.
	wsRegistry := wsroom.NewRegistry()
	transports := map[string]transport.Adapter{
		domain.TransportWebSocket: wsRegistry,
	}
	lkcfg := livekit.DefaultConfig()
	lkcfg.URL = cfg.LiveKit.URL
	lkcfg.APIKey = cfg.LiveKit.APIKey
	lkcfg.APISecret = cfg.LiveKit.APISecret
	lkcfg.AgentIdentity = cfg.LiveKit.AgentName
	lkcfg.ParticipantWait = cfg.LiveKit.ParticipantWait
	lkcfg.InputSampleRate = inputSampleRate
	if cfg.LiveKit.Enabled() {
		transports[domain.TransportLiveKit] = livekit.NewAdapter(lkcfg, logger)
		slog.Info("LiveKit transport enabled", "url", lkcfg.URL, "agent", lkcfg.AgentIdentity)
	} else {
		slog.Info("LiveKit transport disabled (LIVEKIT_URL or credentials not set)")
	}
	if cfg.RecordingDir != "" {
		for name, adapter := range transports {
			transports[name] = recording.Wrap(adapter, cfg.RecordingDir, inputSampleRate, logger)
		}
		slog.Info("Patient audio recording enabled", "dir", cfg.RecordingDir)
	}

	// Observers.
	recorder := store.NewRecorder(repo, 0, logger)
	broadcaster := api.NewBroadcaster()
	appMetrics := metrics.New(prometheus.DefaultRegisterer)
	observers := orchestrator.Observers{recorder, appMetrics, broadcaster}
	var transcripts *transcript.Logger
	if cfg.ConversationLog.Enabled {
		transcripts, err = transcript.NewLogger(transcript.Config{
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
		observers = append(observers, transcripts)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Profile:    prof,
		Transports: transports,
		Model:      modelClient,
		Observer:   observers,
		QueueSize:  cfg.Session.QueueSize,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("Failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}

	orch.StartSweeper(ctx, orchestrator.SweeperConfig{
		MaxDuration: cfg.Session.MaxDuration,
		Interval:    cfg.Session.SweepInterval,
		Retention:   cfg.Session.Retention,
		Purger:      repo,
	})
	slog.Info("Session sweeper started",
		"max_duration", cfg.Session.MaxDuration,
		"retention", cfg.Session.Retention)

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo, orch)
	sessionsHandler := api.NewSessionsHandler(orch, repo)
	wsHandler := wsroom.NewHandler(wsRegistry, orch, wsroom.HandlerConfig{
		AllowedOrigin:    cfg.FrontendURL,
		IsDev:            cfg.IsDevelopment(),
		InputSampleRate:  inputSampleRate,
		OutputSampleRate: gemini.OutputSampleRate,
	})

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins, identity.TabHeaderName))
	r.Use(appMetrics.Middleware)
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	sessionsHandler.RegisterRoutes(r)
	broadcaster.RegisterRoutes(r)

	if cfg.LiveKit.Enabled() {
		issuer := livekit.NewTokenIssuer(lkcfg, cfg.LiveKit.TokenTTL)
		issuer.DispatchAgent = cfg.LiveKit.AgentDispatch
		limiter := api.NewRateLimiter(ctx, cfg.RateLimit.Requests, cfg.RateLimit.Window)
		connHandler := api.NewConnectionHandler(ctx, issuer, orch, limiter, cfg.LiveKit.ParticipantWait+30*time.Second)
		// An external worker joins dispatched rooms; the server stays out.
		connHandler.JoinRooms = !cfg.LiveKit.AgentDispatch
		connHandler.RegisterRoutes(r)

		receive := func(req *http.Request) (*lkproto.WebhookEvent, error) {
			return livekit.ReceiveWebhook(req, lkcfg)
		}
		api.NewWebhookHandler(receive, orch, lkcfg.AgentIdentity).RegisterRoutes(r)
	}

	// WebSocket endpoint.
	r.Get("/ws/intake", wsHandler.ServeHTTP)

	// Serve embedded intake console (catch-all).
	r.Handle("/*", web.ConsoleHandler())

	// Create server.
	// Note: SSE and WebSocket connections require long timeouts (no WriteTimeout).
	// Request contexts derive from baseCtx so open streams end on shutdown.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	healthServer := health.NewServer()
	lis, err := net.Listen("tcp", cfg.HealthGRPCAddr)
	if err != nil {
		slog.Error("Failed to listen for gRPC health", "error", err, "addr", cfg.HealthGRPCAddr)
		os.Exit(1)
	}
	go func() {
		if err := healthServer.Serve(lis); err != nil {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()
	healthServer.SetServing(true)

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	healthServer.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Close sessions before the HTTP listener.
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Error("Sessions did not close in time", "error", err)
	}
	cancelBase()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced to shutdown", "error", err)
	}
	wsRegistry.CloseAll("server shutting down")
	if err := recorder.Close(shutdownCtx); err != nil {
		slog.Error("Failed to flush session writes", "error", err)
	}
	if transcripts != nil {
		if err := transcripts.Close(); err != nil {
			slog.Error("Failed to close conversation logger", "error", err)
		}
	}
	healthServer.Shutdown()

	slog.Info("Server stopped successfully")
}
