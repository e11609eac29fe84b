// Package api provides HTTP handlers for the Deckster API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/deckster/internal/domain"
	"github.com/ashureev/deckster/internal/projector"
)

// Engine is the conversation engine behind the session endpoints.
type Engine interface {
	Open(ctx context.Context, ownerID string) (*domain.Session, domain.Event, error)
	Process(ctx context.Context, sessionID, text string) (*domain.Session, domain.Event, error)
	Session(ctx context.Context, id string) (*domain.Session, error)
}

// Limiter throttles turns per owner.
type Limiter interface {
	Allow(key string) bool
}

// Handler provides common handler utilities.
type Handler struct {
	engine    Engine
	projector *projector.Projector
	limiter   Limiter
	logger    *slog.Logger
}

// NewHandler creates a new Handler with common dependencies. limiter may be nil.
func NewHandler(engine Engine, proj *projector.Projector, limiter Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:    engine,
		projector: proj,
		limiter:   limiter,
		logger:    logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
