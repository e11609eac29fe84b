package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/deckster/internal/domain"
	"github.com/ashureev/deckster/internal/generate"
	"github.com/ashureev/deckster/internal/prompt"
)

const defaultModelTimeout = 5 * time.Second

// ModelClassifier asks the generative collaborator to route the turn and
// falls back to the rule classifier on any failure or unknown intent.
type ModelClassifier struct {
	gen      generate.Generator
	prompts  *prompt.Library
	fallback Classifier
	window   int
	timeout  time.Duration
	logger   *slog.Logger
}

// ModelOption configures a ModelClassifier.
type ModelOption func(*ModelClassifier)

// WithHistoryWindow bounds how many recent turns are sent to the model.
func WithHistoryWindow(n int) ModelOption {
	return func(m *ModelClassifier) { m.window = n }
}

// WithTimeout bounds each routing call.
func WithTimeout(d time.Duration) ModelOption {
	return func(m *ModelClassifier) { m.timeout = d }
}

// NewModelClassifier creates a model-backed classifier.
func NewModelClassifier(gen generate.Generator, prompts *prompt.Library, logger *slog.Logger, opts ...ModelOption) *ModelClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	m := &ModelClassifier{
		gen:      gen,
		prompts:  prompts,
		fallback: NewRuleClassifier(),
		window:   6,
		timeout:  defaultModelTimeout,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type routed struct {
	Kind       string  `json:"kind"`
	Confidence float64 `json:"confidence"`
	Extracted  *string `json:"extracted"`
}

// Classify implements Classifier.
func (m *ModelClassifier) Classify(ctx context.Context, state domain.State, text string, recent []domain.Turn) domain.Intent {
	if strings.TrimSpace(text) == "" {
		return domain.Unclassified()
	}
	if len(recent) > m.window {
		recent = recent[len(recent)-m.window:]
	}

	req, err := m.prompts.RenderRouter(state, text, recent)
	if err != nil {
		m.logger.Warn("render router prompt failed", "error", err)
		return m.fallback.Classify(ctx, state, text, recent)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	raw, err := m.gen.Generate(ctx, req)
	if err != nil {
		m.logger.Warn("intent routing failed, using rules", "state", state, "error", err)
		return m.fallback.Classify(ctx, state, text, recent)
	}

	var out routed
	if err := json.Unmarshal(generate.CleanJSON(raw), &out); err != nil {
		m.logger.Warn("intent routing returned invalid JSON, using rules", "state", state, "error", err)
		return m.fallback.Classify(ctx, state, text, recent)
	}

	kind := domain.IntentKind(strings.ToLower(strings.TrimSpace(out.Kind)))
	if !kind.Valid() {
		m.logger.Warn("intent routing returned unknown intent, using rules", "state", state, "kind", out.Kind)
		return m.fallback.Classify(ctx, state, text, recent)
	}

	in := domain.Intent{Kind: kind, Confidence: clamp(out.Confidence)}
	if out.Extracted != nil {
		in.Extracted = strings.TrimSpace(*out.Extracted)
	}
	if in.Extracted == "" && extractsText(kind) {
		in.Extracted = strings.TrimSpace(text)
	}
	return in
}

// extractsText reports whether the raw text is the payload of kind.
func extractsText(k domain.IntentKind) bool {
	switch k {
	case domain.IntentSubmitTopic, domain.IntentRejectProposal, domain.IntentRequestChanges, domain.IntentChangeTopic:
		return true
	}
	return false
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
