// Package deck publishes outlines to the deck builder and returns the
// compact handle callers see in place of the full outline.
package deck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/deckster/internal/domain"
	"github.com/google/uuid"
)

// Publisher turns an outline into an externally viewable presentation.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, o *domain.Outline) (domain.Handle, error)
}

var errNoHandle = errors.New("deck builder returned no presentation id")

// HTTPPublisher posts outlines to the deck builder API.
type HTTPPublisher struct {
	base   string
	client *http.Client
}

// NewHTTPPublisher creates a publisher for the deck builder at baseURL.
func NewHTTPPublisher(baseURL string, timeout time.Duration) *HTTPPublisher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPPublisher{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type createRequest struct {
	SessionID string          `json:"session_id"`
	Title     string          `json:"title"`
	Outline   *domain.Outline `json:"outline"`
}

type createResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Publish implements Publisher.
func (p *HTTPPublisher) Publish(ctx context.Context, sessionID string, o *domain.Outline) (domain.Handle, error) {
	body, err := json.Marshal(createRequest{SessionID: sessionID, Title: o.MainTitle, Outline: o})
	if err != nil {
		return domain.Handle{}, fmt.Errorf("marshal deck payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/api/presentations", bytes.NewReader(body))
	if err != nil {
		return domain.Handle{}, fmt.Errorf("build deck request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.Handle{}, fmt.Errorf("deck builder request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.Handle{}, fmt.Errorf("deck builder error %s: %s", resp.Status, data)
	}

	var decoded createResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return domain.Handle{}, fmt.Errorf("decode deck response: %w", err)
	}
	if decoded.ID == "" {
		return domain.Handle{}, errNoHandle
	}
	return domain.Handle{ID: decoded.ID, URL: p.fullURL(decoded.URL)}, nil
}

// fullURL resolves a relative presentation path against the base URL.
func (p *HTTPPublisher) fullURL(u string) string {
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return p.base + "/" + strings.TrimLeft(u, "/")
}

// LocalPublisher mints opaque handles without an external deck builder.
type LocalPublisher struct{}

// Publish implements Publisher.
func (LocalPublisher) Publish(_ context.Context, _ string, _ *domain.Outline) (domain.Handle, error) {
	id := uuid.NewString()
	return domain.Handle{ID: id, URL: "deck://" + id}, nil
}
