package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type toucherFunc func(ctx context.Context, ownerID string, seen time.Time) error

func (f toucherFunc) TouchOwner(ctx context.Context, ownerID string, seen time.Time) error {
	return f(ctx, ownerID, seen)
}

func TestMiddlewareIssuesOwnerCookie(t *testing.T) {
	t.Parallel()

	var touched, gotOwner, gotSession string
	mw := Middleware(toucherFunc(func(_ context.Context, id string, _ time.Time) error {
		touched = id
		return nil
	}), true)
	h := mw(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotOwner = OwnerIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set(SessionHeaderName, "5f0c1e9a-session")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !ValidOwnerID(gotOwner) || touched != gotOwner {
		t.Errorf("owner = %q, touched = %q", gotOwner, touched)
	}
	if gotSession != "5f0c1e9a-session" {
		t.Errorf("session = %q", gotSession)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != OwnerCookieName || cookies[0].Value != gotOwner {
		t.Errorf("cookies = %+v", cookies)
	}
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	t.Parallel()

	id, err := NewOwnerID()
	if err != nil {
		t.Fatal(err)
	}
	var got string
	h := Middleware(toucherFunc(func(context.Context, string, time.Time) error { return nil }), false)(
		http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) { got = OwnerIDFromContext(r.Context()) }),
	)

	req := httptest.NewRequest(http.MethodGet, "/?session_id=bad%20id!", nil)
	req.AddCookie(&http.Cookie{Name: OwnerCookieName, Value: id})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != id {
		t.Errorf("owner = %q, want %q", got, id)
	}
}

func TestMiddlewareTouchFailure(t *testing.T) {
	t.Parallel()

	h := Middleware(toucherFunc(func(context.Context, string, time.Time) error {
		return errors.New("db down")
	}), true)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler should not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestWithOwnerSanitizesSession(t *testing.T) {
	t.Parallel()
	ctx := WithOwner(context.Background(), "anon_x", "has space")
	if SessionIDFromContext(ctx) != "" {
		t.Errorf("session = %q, want empty", SessionIDFromContext(ctx))
	}
}
