package intent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ashureev/deckster/internal/domain"
	"github.com/ashureev/deckster/internal/generate"
	"github.com/ashureev/deckster/internal/prompt"
)

type stubGenerator struct {
	raw  string
	err  error
	last generate.Request
}

func (s *stubGenerator) Generate(_ context.Context, req generate.Request) (json.RawMessage, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(s.raw), nil
}

func newModel(t *testing.T, g generate.Generator) *ModelClassifier {
	t.Helper()
	lib, err := prompt.Default()
	if err != nil {
		t.Fatalf("prompt.Default() error = %v", err)
	}
	return NewModelClassifier(g, lib, nil, WithHistoryWindow(2))
}

func TestModelClassifierUsesModel(t *testing.T) {
	t.Parallel()

	g := &stubGenerator{raw: `{"kind":"change_topic","confidence":0.97,"extracted":"tidal power"}`}
	m := newModel(t, g)

	history := []domain.Turn{
		{Role: domain.RoleUser, Content: "one"},
		{Role: domain.RoleSystem, Content: "two"},
		{Role: domain.RoleUser, Content: "three"},
	}
	got := m.Classify(context.Background(), domain.StateProposePlan, "let's do tidal power", history)
	want := domain.Intent{Kind: domain.IntentChangeTopic, Confidence: 0.97, Extracted: "tidal power"}
	if got != want {
		t.Errorf("Classify() = %+v, want %+v", got, want)
	}
	if g.last.Task != prompt.TaskRouter || g.last.Temperature != 0.1 {
		t.Errorf("request = %+v", g.last)
	}
	if strings.Contains(g.last.Prompt, `"one"`) {
		t.Error("history window not applied")
	}
}

func TestModelClassifierFallsBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		gen  *stubGenerator
	}{
		{"provider error", &stubGenerator{err: errors.New("down")}},
		{"invalid json", &stubGenerator{raw: `nope`}},
		{"unknown kind", &stubGenerator{raw: `{"kind":"Provide_Answer","confidence":1}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := newModel(t, tt.gen).Classify(context.Background(), domain.StateProposePlan, "looks good", nil)
			if got.Kind != domain.IntentAcceptProposal {
				t.Errorf("Classify() = %+v, want rule fallback accept_proposal", got)
			}
		})
	}
}

func TestModelClassifierClampsConfidence(t *testing.T) {
	t.Parallel()

	g := &stubGenerator{raw: "```json\n{\"kind\":\"request_changes\",\"confidence\":7}\n```"}
	got := newModel(t, g).Classify(context.Background(), domain.StateRefineArtifact, "shorter please", nil)
	if got.Kind != domain.IntentRequestChanges || got.Confidence != 1 {
		t.Errorf("Classify() = %+v", got)
	}
	if got.Extracted != "shorter please" {
		t.Errorf("Extracted = %q", got.Extracted)
	}
}
