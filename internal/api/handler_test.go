//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/deckster/internal/domain"
	"github.com/ashureev/deckster/internal/identity"
	"github.com/ashureev/deckster/internal/orchestrator"
	"github.com/ashureev/deckster/internal/projector"
	"github.com/ashureev/deckster/internal/store"
	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type fakeEngine struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	next     int
	err      error
}

func (e *fakeEngine) Open(_ context.Context, ownerID string) (*domain.Session, domain.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	s := domain.NewSession(fmt.Sprintf("session-%d", e.next), ownerID, time.Now())
	e.sessions[s.ID] = s
	return s.Clone(), domain.Event{Kind: domain.EventGreeting, SessionID: s.ID, State: s.State, Message: "Hello!"}, nil
}

func (e *fakeEngine) Process(_ context.Context, id, text string) (*domain.Session, domain.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, domain.Event{}, e.err
	}
	s := e.sessions[id]
	s.State = domain.StateGatherRequirements
	s.History = append(s.History, domain.Turn{Seq: s.NextSeq(), Role: domain.RoleUser, Content: text})
	payload, _ := json.Marshal(domain.ClarifyingQuestions{Questions: []string{"a?", "b?", "c?"}})
	return s.Clone(), domain.Event{Kind: domain.EventQuestions, SessionID: id, State: s.State, Payload: payload}, nil
}

func (e *fakeEngine) Session(_ context.Context, id string) (*domain.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.Clone(), nil
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newRouter(engine *fakeEngine, limiter Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := r.Header.Get("X-Test-Owner")
			if owner == "" {
				owner = "owner-1"
			}
			next.ServeHTTP(w, r.WithContext(identity.WithOwner(r.Context(), owner, "")))
		})
	})
	NewSessionHandler(NewHandler(engine, projector.New(), limiter, nil)).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body, owner string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if owner != "" {
		req.Header.Set("X-Test-Owner", owner)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newEngine() *fakeEngine {
	return &fakeEngine{sessions: make(map[string]*domain.Session)}
}

func TestSessionLifecycle(t *testing.T) {
	engine := newEngine()
	h := newRouter(engine, nil)

	rec := do(t, h, http.MethodPost, "/api/sessions", "", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get(identity.SessionHeaderName); got != "session-1" {
		t.Errorf("session header = %q", got)
	}
	var created TurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Event != domain.EventGreeting || len(created.Messages) != 1 {
		t.Errorf("create response = %+v", created)
	}

	rec = do(t, h, http.MethodPost, "/api/sessions/session-1/turns", `{"text":"solar energy"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("turn status = %d: %s", rec.Code, rec.Body)
	}
	var turn TurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &turn); err != nil {
		t.Fatal(err)
	}
	if turn.State != domain.StateGatherRequirements || turn.Messages[0].Type != projector.TypeChat {
		t.Errorf("turn response = %+v", turn)
	}

	rec = do(t, h, http.MethodGet, "/api/sessions/session-1", "", "")
	var v SessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if v.State != domain.StateGatherRequirements || len(v.History) != 1 {
		t.Errorf("view = %+v", v)
	}
}

func TestSessionsAreOwnerScoped(t *testing.T) {
	engine := newEngine()
	h := newRouter(engine, nil)
	do(t, h, http.MethodPost, "/api/sessions", "", "owner-1")

	for _, path := range []string{"/api/sessions/session-1", "/api/sessions/session-1/artifacts/outline"} {
		if rec := do(t, h, http.MethodGet, path, "", "owner-2"); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s as other owner = %d, want 404", path, rec.Code)
		}
	}
	rec := do(t, h, http.MethodPost, "/api/sessions/session-1/turns", `{"text":"hi"}`, "owner-2")
	if rec.Code != http.StatusNotFound {
		t.Errorf("turn as other owner = %d, want 404", rec.Code)
	}
}

func TestArtifact(t *testing.T) {
	engine := newEngine()
	h := newRouter(engine, nil)
	do(t, h, http.MethodPost, "/api/sessions", "", "")
	engine.sessions["session-1"].Artifacts[domain.SlotInitialRequest] = json.RawMessage(`"solar energy"`)

	rec := do(t, h, http.MethodGet, "/api/sessions/session-1/artifacts/initial_request", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != `"solar energy"` {
		t.Errorf("artifact = %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/api/sessions/session-1/artifacts/outline", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("empty slot = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/sessions/session-1/artifacts/bogus", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown slot = %d, want 400", rec.Code)
	}
}

func TestTurnErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		err     error
		limiter Limiter
		want    int
	}{
		{"bad body", `{`, nil, nil, http.StatusBadRequest},
		{"blank text", `{"text":"   "}`, nil, nil, http.StatusBadRequest},
		{"rate limited", `{"text":"solar"}`, nil, denyAll{}, http.StatusTooManyRequests},
		{"persistence", `{"text":"solar"}`, fmt.Errorf("%w: commit turn", orchestrator.ErrPersistence), nil, http.StatusServiceUnavailable},
		{"deleted", `{"text":"solar"}`, store.ErrNotFound, nil, http.StatusNotFound},
		{"other", `{"text":"solar"}`, errors.New("boom"), nil, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newEngine()
			h := newRouter(engine, tt.limiter)
			do(t, h, http.MethodPost, "/api/sessions", "", "")
			engine.err = tt.err

			rec := do(t, h, http.MethodPost, "/api/sessions/session-1/turns", tt.body, "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"healthy", nil, http.StatusOK},
		{"degraded", errors.New("database is closed"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHealthHandler(pinger{err: tt.err}).RegisterHealth(r)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}

			rec = httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != http.StatusOK {
				t.Errorf("heartbeat status = %d", rec.Code)
			}
		})
	}
}
