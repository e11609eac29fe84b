package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/deckster/internal/domain"
	"github.com/ashureev/deckster/internal/identity"
	"github.com/ashureev/deckster/internal/orchestrator"
	"github.com/ashureev/deckster/internal/projector"
	"github.com/ashureev/deckster/internal/store"
	"github.com/go-chi/chi/v5"
)

const maxTurnBytes = 32 << 10

// SessionView is the snapshot of a session returned by the API.
type SessionView struct {
	ID        string         `json:"id"`
	State     domain.State   `json:"state"`
	Version   int64          `json:"version"`
	Slots     []domain.Slot  `json:"slots"`
	Handle    *domain.Handle `json:"handle,omitempty"`
	History   []domain.Turn  `json:"history"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TurnResponse is returned for a processed turn.
type TurnResponse struct {
	SessionID string                      `json:"session_id"`
	State     domain.State                `json:"state"`
	Event     domain.EventKind            `json:"event"`
	Messages  []projector.OutboundMessage `json:"messages"`
}

type turnRequest struct {
	Text string `json:"text"`
}

// SessionHandler handles session endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/artifacts/{slot}", h.Artifact)
		r.Post("/{id}/turns", h.Turn)
	})
}

// Create opens a new session for the caller and returns its greeting.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sess, ev, err := h.engine.Open(r.Context(), ownerID)
	if err != nil {
		h.logger.Error("Failed to open session", "error", err, "owner_id", ownerID)
		Error(w, http.StatusServiceUnavailable, "could not start a session, please retry")
		return
	}

	w.Header().Set(identity.SessionHeaderName, sess.ID)
	JSON(w, http.StatusCreated, TurnResponse{
		SessionID: sess.ID,
		State:     sess.State,
		Event:     ev.Kind,
		Messages:  h.projector.Project(sess.State, ev),
	})
}

// Get returns a snapshot of one of the caller's sessions.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.owned(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, view(sess))
}

// Artifact returns the raw value of one slot.
func (h *SessionHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	slot := domain.Slot(chi.URLParam(r, "slot"))
	if !slot.Valid() {
		Error(w, http.StatusBadRequest, "unknown slot")
		return
	}
	sess, ok := h.owned(w, r)
	if !ok {
		return
	}
	v := sess.Artifact(slot)
	if v == nil {
		Error(w, http.StatusNotFound, "slot is empty")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(v)
}

// Turn processes one user message and returns the projected messages.
func (h *SessionHandler) Turn(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.owned(w, r)
	if !ok {
		return
	}

	var req turnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTurnBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(sess.OwnerID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	next, ev, err := h.engine.Process(r.Context(), sess.ID, text)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, orchestrator.ErrPersistence):
		h.logger.Error("Turn not persisted", "error", err, "session_id", sess.ID)
		Error(w, http.StatusServiceUnavailable, "your message could not be saved, please retry")
		return
	default:
		h.logger.Error("Turn failed", "error", err, "session_id", sess.ID)
		Error(w, http.StatusInternalServerError, "failed to process message")
		return
	}

	JSON(w, http.StatusOK, TurnResponse{
		SessionID: next.ID,
		State:     next.State,
		Event:     ev.Kind,
		Messages:  h.projector.Project(next.State, ev),
	})
}

// owned loads the session named in the path and checks that the caller owns
// it. Sessions of other owners are reported as missing.
func (h *SessionHandler) owned(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}

	id := chi.URLParam(r, "id")
	sess, err := h.engine.Session(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return nil, false
		}
		h.logger.Error("Failed to load session", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}
	if sess.OwnerID != ownerID {
		Error(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func view(s *domain.Session) SessionView {
	v := SessionView{
		ID:        s.ID,
		State:     s.State,
		Version:   s.Version,
		Slots:     []domain.Slot{},
		History:   s.History,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if v.History == nil {
		v.History = []domain.Turn{}
	}
	for _, slot := range domain.Slots() {
		if s.HasArtifact(slot) {
			v.Slots = append(v.Slots, slot)
		}
	}
	if raw := s.Artifact(domain.SlotPresentationHandle); raw != nil {
		var hd domain.Handle
		if json.Unmarshal(raw, &hd) == nil {
			v.Handle = &hd
		}
	}
	return v
}
