package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/deckster/internal/domain"
	"github.com/ashureev/deckster/internal/identity"
	"github.com/ashureev/deckster/internal/orchestrator"
	"github.com/ashureev/deckster/internal/projector"
	"github.com/ashureev/deckster/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Engine is the conversation engine the transport drives.
type Engine interface {
	Open(ctx context.Context, ownerID string) (*domain.Session, domain.Event, error)
	Process(ctx context.Context, sessionID, text string) (*domain.Session, domain.Event, error)
	Session(ctx context.Context, id string) (*domain.Session, error)
}

// ConnObserver is told about opened and closed connections.
type ConnObserver interface {
	ConnectionOpened()
	ConnectionClosed()
}

// Inbound message types.
const (
	msgUserMessage = "user_message"
	msgPing        = "ping"
)

const (
	retryMessage     = "Your message could not be saved. Please send it again."
	failureMessage   = "Something went wrong while processing your message."
	rateLimitMessage = "You're sending messages too quickly. Please wait a moment."
	maxMessageBytes  = 32 << 10
	writeTimeout     = 10 * time.Second
)

type inbound struct {
	Type string `json:"type"`
	Data struct {
		Text string `json:"text"`
	} `json:"data"`
}

// Handler serves conversations over websocket.
type Handler struct {
	engine        Engine
	projector     *projector.Projector
	conns         *Manager
	limiter       *RateLimiter
	observer      ConnObserver
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// Config configures a Handler. Limiter and Observer are optional.
type Config struct {
	AllowedOrigin string
	IsDev         bool
	Limiter       *RateLimiter
	Observer      ConnObserver
	Logger        *slog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(engine Engine, proj *projector.Projector, conns *Manager, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		engine:        engine,
		projector:     proj,
		conns:         conns,
		limiter:       cfg.Limiter,
		observer:      cfg.Observer,
		allowedOrigin: cfg.AllowedOrigin,
		isDev:         cfg.IsDev,
		logger:        cfg.Logger,
	}
}

// ServeHTTP implements http.Handler for websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	requested := identity.SessionIDFromContext(r.Context())
	if ownerID == "" {
		http.Error(w, "missing owner identity", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept websocket", "error", err, "owner_id", ownerID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "owner_id", ownerID)
		}
	}()
	ws.SetReadLimit(maxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sessionID, err := h.attach(ctx, ws, ownerID, requested)
	if err != nil {
		h.logger.Error("Failed to start chat session", "error", err, "owner_id", ownerID)
		h.write(ctx, ws, h.projector.Error("", retryMessage))
		return
	}

	h.conns.Register(ownerID, sessionID, ws)
	defer h.conns.Unregister(ownerID, sessionID, ws)
	if h.observer != nil {
		h.observer.ConnectionOpened()
		defer h.observer.ConnectionClosed()
	}

	h.readLoop(ctx, ws, ownerID, sessionID)
	h.logger.Info("Chat session ended", "owner_id", ownerID, "session_id", sessionID)
}

// attach resumes the requested session when the owner holds it, or opens a
// new one and sends its greeting.
func (h *Handler) attach(ctx context.Context, ws *websocket.Conn, ownerID, requested string) (string, error) {
	if requested != "" {
		sess, err := h.engine.Session(ctx, requested)
		switch {
		case err == nil && sess.OwnerID == ownerID:
			h.write(ctx, ws, h.projector.Resumed(sess.ID, sess.State))
			return sess.ID, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return "", err
		}
	}

	sess, ev, err := h.engine.Open(ctx, ownerID)
	if err != nil {
		return "", err
	}
	for _, m := range h.projector.Project(sess.State, ev) {
		h.write(ctx, ws, m)
	}
	return sess.ID, nil
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, ownerID, sessionID string) {
	for {
		var msg inbound
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("Websocket closed by client", "owner_id", ownerID)
			} else {
				h.logger.Warn("Websocket read error", "error", err, "owner_id", ownerID)
			}
			return
		}

		switch msg.Type {
		case msgPing:
			h.write(ctx, ws, map[string]string{"type": "pong"})
		case msgUserMessage:
			text := strings.TrimSpace(msg.Data.Text)
			if text == "" {
				continue
			}
			if h.limiter != nil && !h.limiter.Allow(ownerID) {
				h.write(ctx, ws, h.projector.Error(sessionID, rateLimitMessage))
				continue
			}
			h.handleTurn(ctx, ws, sessionID, text)
		default:
			h.logger.Debug("Ignoring unknown message type", "type", msg.Type, "owner_id", ownerID)
		}
	}
}

func (h *Handler) handleTurn(ctx context.Context, ws *websocket.Conn, sessionID, text string) {
	sess, ev, err := h.engine.Process(ctx, sessionID, text)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		msg := failureMessage
		if errors.Is(err, orchestrator.ErrPersistence) {
			msg = retryMessage
		}
		h.logger.Error("Turn failed", "session_id", sessionID, "error", err)
		h.write(ctx, ws, h.projector.Error(sessionID, msg))
		return
	}
	for _, m := range h.projector.Project(sess.State, ev) {
		h.write(ctx, ws, m)
	}
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, v any) {
	if ctx.Err() != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, ws, v); err != nil {
		h.logger.Debug("Websocket write error", "error", err)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("Websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
