// Package identity provides anonymous per-device owner identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	OwnerCookieName   = "deckster_owner_id"
	SessionHeaderName = "X-Deckster-Session-ID"
	ownerCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	ownerIDKey contextKey = iota
	sessionIDKey
)

var (
	ownerIDPattern   = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// OwnerToucher records that an owner was seen.
type OwnerToucher interface {
	TouchOwner(ctx context.Context, ownerID string, seen time.Time) error
}

// OwnerIDFromContext extracts the owner ID from the request context.
func OwnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the requested session ID, or "" when the
// client did not name one.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithOwner returns ctx carrying ownerID and sessionID.
func WithOwner(ctx context.Context, ownerID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, ownerIDKey, ownerID)
	return context.WithValue(ctx, sessionIDKey, sanitizeSessionID(sessionID))
}

// NewOwnerID returns a fresh anonymous owner id.
func NewOwnerID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate owner id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

// ValidOwnerID reports whether id has the anonymous owner id shape.
func ValidOwnerID(id string) bool {
	return ownerIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return ""
	}
	return id
}

func setOwnerCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     OwnerCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(ownerCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(ownerCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateOwnerID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(OwnerCookieName); err == nil && ValidOwnerID(c.Value) {
		setOwnerCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := NewOwnerID()
	if err != nil {
		return "", err
	}
	setOwnerCookie(w, id, isDev)
	return id, nil
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sid
}

// Middleware injects the anonymous owner identity and the requested session ID.
func Middleware(owners OwnerToucher, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID, err := getOrCreateOwnerID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			if err := owners.TouchOwner(r.Context(), ownerID, time.Now()); err != nil {
				http.Error(w, `{"error":"failed to record owner"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithOwner(r.Context(), ownerID, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
