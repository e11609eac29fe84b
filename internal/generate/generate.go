// Package generate drives the generative text collaborator: provider
// failover, bounded attempts and typed decoding of structured output.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/deckster/internal/domain"
)

var (
	// ErrNoProvider is returned when no provider is configured.
	ErrNoProvider = errors.New("no generation provider configured")
	// ErrSchemaViolation wraps output that does not decode into the target schema.
	ErrSchemaViolation = errors.New("output violates schema")
	// ErrTimeout marks a call that exceeded its deadline.
	ErrTimeout = errors.New("generation timed out")
	// ErrEmptyResponse is returned by providers that produced no text.
	ErrEmptyResponse = errors.New("empty response")
)

// Request is a fully rendered generation call.
type Request struct {
	SessionID string
	// State is the state whose artifact is being produced. Empty for
	// auxiliary calls such as intent routing.
	State           domain.State
	Task            string
	System          string
	Prompt          string
	Temperature     float32
	MaxOutputTokens int32
}

// Generator returns a JSON value for a request, or fails.
type Generator interface {
	Generate(ctx context.Context, req Request) (json.RawMessage, error)
}

// Provider is a named Generator that can take part in failover.
type Provider interface {
	Generator
	Name() string
}

// Validatable is implemented by artifact types that can check their own shape.
type Validatable interface {
	Validate() error
}

// Failover tries each provider in order until one succeeds.
type Failover struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFailover creates a Failover over providers in priority order.
func NewFailover(logger *slog.Logger, providers ...Provider) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{providers: providers, logger: logger}
}

// Providers returns the provider names in the order they are tried.
func (f *Failover) Providers() []string {
	names := make([]string, 0, len(f.providers))
	for _, p := range f.providers {
		names = append(names, p.Name())
	}
	return names
}

// Generate implements Generator. A cancelled or expired context stops the
// failover immediately.
func (f *Failover) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	if len(f.providers) == 0 {
		return nil, ErrNoProvider
	}

	var errs []error
	for _, p := range f.providers {
		out, err := p.Generate(ctx, req)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", p.Name(), err)
		}
		f.logger.Warn("generation provider failed",
			"provider", p.Name(),
			"session_id", req.SessionID,
			"task", req.Task,
			"error", err,
		)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// Policy bounds a structured call.
type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
}

// Structured calls g until its output decodes and validates as T, or the
// attempts run out. A timeout ends the call without further attempts. The
// returned int is the number of attempts made.
func Structured[T any, PT interface {
	*T
	Validatable
}](ctx context.Context, g Generator, req Request, p Policy) (*T, int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		raw, err := call(ctx, g, req, p.Timeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) || errors.Is(err, ErrNoProvider) || ctx.Err() != nil {
				return nil, i, err
			}
			lastErr = err
			continue
		}

		v := new(T)
		if err := Decode(raw, PT(v)); err != nil {
			lastErr = err
			continue
		}
		return v, i, nil
	}
	return nil, attempts, lastErr
}

func call(ctx context.Context, g Generator, req Request, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	raw, err := g.Generate(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, err
	}
	return raw, nil
}

// Decode unmarshals raw into dst and validates it. Any failure wraps
// ErrSchemaViolation.
func Decode(raw json.RawMessage, dst Validatable) error {
	raw = CleanJSON(raw)
	if len(raw) == 0 {
		return fmt.Errorf("%w: %w", ErrSchemaViolation, ErrEmptyResponse)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaViolation, err)
	}
	if err := dst.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaViolation, err)
	}
	return nil
}

// CleanJSON strips surrounding whitespace and markdown code fences that
// models sometimes wrap around JSON output.
func CleanJSON(raw []byte) []byte {
	b := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(b, []byte("```")) {
		return b
	}
	b = bytes.TrimPrefix(b, []byte("```"))
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	b = bytes.TrimSuffix(bytes.TrimSpace(b), []byte("```"))
	return bytes.TrimSpace(b)
}
