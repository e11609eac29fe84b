// Package app wires the conversation engine from configuration. Both the
// server and the CLI build their engine through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/deckster/internal/config"
	"github.com/ashureev/deckster/internal/contextpack"
	"github.com/ashureev/deckster/internal/deck"
	"github.com/ashureev/deckster/internal/generate"
	"github.com/ashureev/deckster/internal/intent"
	"github.com/ashureev/deckster/internal/metrics"
	"github.com/ashureev/deckster/internal/orchestrator"
	"github.com/ashureev/deckster/internal/prompt"
	"github.com/ashureev/deckster/internal/store"
	"github.com/ashureev/deckster/internal/transcript"
)

// App holds the wired engine and the resources it owns.
type App struct {
	Repo      *store.SQLiteStore
	Sessions  *store.SessionStore
	Metrics   *metrics.Metrics
	Generator *generate.Failover
	Engine    *orchestrator.Orchestrator
	// Conversations is Engine with transcript recording.
	Conversations *transcript.Recorder
	Transcript    *transcript.Logger

	closers []func()
	logger  *slog.Logger
}

// New opens the store, connects the configured providers and builds the
// orchestrator. Providers that cannot be reached are skipped; with none the
// engine still runs and every artifact degrades to its fallback.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{logger: logger, Metrics: metrics.New()}

	prompts, err := prompt.Load(cfg.PromptsPath)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.Repo = repo
	a.closers = append(a.closers, func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	})
	if err := repo.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}

	a.Sessions = store.NewSessionStore(repo, store.WithObserver(a.Metrics), store.WithLogger(logger))
	a.Generator = a.providers(ctx, cfg.Providers)

	var classifier intent.Classifier = intent.NewRuleClassifier()
	if cfg.Engine.Classifier == config.ClassifierModel {
		classifier = intent.NewModelClassifier(a.Generator, prompts, logger,
			intent.WithHistoryWindow(cfg.Engine.HistoryWindow))
	}

	var publisher deck.Publisher = deck.LocalPublisher{}
	if cfg.Providers.DeckBuilderURL != "" {
		publisher = deck.NewHTTPPublisher(cfg.Providers.DeckBuilderURL, 0)
		logger.Info("Deck builder configured", "url", cfg.Providers.DeckBuilderURL)
	}

	engine, err := orchestrator.New(EngineConfig(cfg.Engine), orchestrator.Deps{
		Store:      a.Sessions,
		Classifier: classifier,
		Generator:  a.Generator,
		Prompts:    prompts,
		Contexts:   contextpack.NewRegistry(logger),
		Publisher:  publisher,
		Observer:   a.Metrics,
		Logger:     logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = engine

	tl, err := transcript.New(transcript.Config(cfg.Transcript), logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if tl != nil {
		a.Transcript = tl
		a.closers = append(a.closers, func() { _ = tl.Close() })
	}
	a.Conversations = transcript.Wrap(engine, a.Transcript)
	return a, nil
}

// EngineConfig maps configuration onto orchestrator settings.
func EngineConfig(c config.EngineConfig) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.ConfidenceThreshold = c.ConfidenceThreshold
	oc.HistoryWindow = c.HistoryWindow
	oc.MaxStaleRetries = c.StaleWriteRetries
	oc.Policy = generate.Policy{Timeout: c.GenerationTimeout, MaxAttempts: c.GenerationMaxAttempts}
	return oc
}

func (a *App) providers(ctx context.Context, c config.ProviderConfig) *generate.Failover {
	var providers []generate.Provider
	for _, name := range c.Order {
		p, err := a.provider(ctx, name, c)
		if err != nil {
			a.logger.Warn("Generation provider disabled", "provider", name, "reason", err)
			continue
		}
		providers = append(providers, p)
	}

	f := generate.NewFailover(a.logger, providers...)
	if len(providers) == 0 {
		a.logger.Warn("No generation provider available, responses will use fallbacks")
	} else {
		a.logger.Info("Generation providers ready", "order", f.Providers())
	}
	return f
}

var errNotConfigured = errors.New("not configured")

func (a *App) provider(ctx context.Context, name string, c config.ProviderConfig) (generate.Provider, error) {
	switch name {
	case config.ProviderGemini:
		if c.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY %w", errNotConfigured)
		}
		return generate.NewGenAI(ctx, generate.GenAIConfig{APIKey: c.GeminiAPIKey, Model: c.GeminiModel}, a.logger)
	case config.ProviderTextService:
		if c.TextServiceAddr == "" {
			return nil, fmt.Errorf("TEXT_SERVICE_ADDR %w", errNotConfigured)
		}
		g, err := generate.NewGrpc(generate.DefaultGrpcConfig(c.TextServiceAddr), a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		return g, nil
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}

// Close releases everything New opened, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
