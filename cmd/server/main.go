// Deckster - conversational presentation outline server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/deckster/internal/api"
	"github.com/ashureev/deckster/internal/app"
	"github.com/ashureev/deckster/internal/chat"
	"github.com/ashureev/deckster/internal/config"
	"github.com/ashureev/deckster/internal/housekeeping"
	"github.com/ashureev/deckster/internal/identity"
	"github.com/ashureev/deckster/internal/middleware"
	"github.com/ashureev/deckster/internal/projector"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

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

	// Initialize dependencies.
	deps, err := app.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize engine", "error", err)
		os.Exit(1)
	}
	defer deps.Close()
	slog.Info("Database connected", "path", cfg.DBPath)

	// Initialize services.
	conns := chat.NewManager()
	limiter := chat.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Stop()
	proj := projector.New()

	// Initialize handlers.
	baseHandler := api.NewHandler(deps.Conversations, proj, limiter, logger)
	sessionHandler := api.NewSessionHandler(baseHandler)
	healthHandler := api.NewHealthHandler(deps.Repo)
	wsHandler := chat.NewHandler(deps.Conversations, proj, conns, chat.Config{
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		Limiter:       limiter,
		Observer:      deps.Metrics,
		Logger:        logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", deps.Metrics.Handler())

	// Session routes carry the anonymous owner identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(deps.Repo, cfg.IsDevelopment()))
		sessionHandler.RegisterRoutes(r)
		r.Get("/ws/director", wsHandler.ServeHTTP)
	})

	// Create server.
	// Websocket turns can wait on generation, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start TTL worker.
	sweeperDone := housekeeping.StartTTLWorker(ctx, deps.Repo, deps.Sessions, cfg.SessionTTL, cfg.SweepInterval,
		func(sessionID string) {
			conns.CloseSession(sessionID)
			deps.Metrics.SessionSwept()
		})
	slog.Info("TTL worker started", "session_ttl", cfg.SessionTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	<-sweeperDone

	slog.Info("Server stopped successfully")
}

// allowedOrigins returns the CORS origins: any origin in development, the
// configured frontend otherwise.
func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(cfg.FrontendURL, "/")}
}
