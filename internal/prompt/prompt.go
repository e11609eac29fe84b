// Package prompt holds the per-state prompt library. The library is loaded
// once at startup and never mutated.
package prompt

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/deckster/internal/domain"
	"github.com/ashureev/deckster/internal/generate"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// TaskRouter names intent routing calls.
const TaskRouter = "intent_router"

// Template is the prompt and sampling settings for one generation task.
type Template struct {
	Instructions    string  `yaml:"instructions"`
	Schema          string  `yaml:"schema"`
	Temperature     float32 `yaml:"temperature"`
	MaxOutputTokens int32   `yaml:"max_output_tokens"`
}

// Library is the immutable set of templates.
type Library struct {
	Base   string                    `yaml:"base"`
	Router Template                  `yaml:"router"`
	States map[domain.State]Template `yaml:"states"`
	Help   map[domain.State]string   `yaml:"help"`
}

// Default returns the embedded library.
func Default() (*Library, error) {
	return Parse(defaultPrompts)
}

// Load returns the embedded library with entries from the YAML file at path
// layered on top. An empty path returns the embedded library.
func Load(path string) (*Library, error) {
	lib, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return lib, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	var override Library
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}

	if override.Base != "" {
		lib.Base = override.Base
	}
	if override.Router.Instructions != "" {
		lib.Router = override.Router
	}
	for s, t := range override.States {
		lib.States[s] = t
	}
	for s, h := range override.Help {
		lib.Help[s] = h
	}
	if err := lib.Validate(); err != nil {
		return nil, err
	}
	return lib, nil
}

// Parse decodes and validates a library.
func Parse(data []byte) (*Library, error) {
	var lib Library
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	if lib.States == nil {
		lib.States = make(map[domain.State]Template)
	}
	if lib.Help == nil {
		lib.Help = make(map[domain.State]string)
	}
	if err := lib.Validate(); err != nil {
		return nil, err
	}
	return &lib, nil
}

// Validate checks that every state has a template and no unknown state is named.
func (l *Library) Validate() error {
	var errs []error
	for s := range l.States {
		if !s.Valid() {
			errs = append(errs, fmt.Errorf("unknown state %q", s))
		}
	}
	for _, s := range domain.States() {
		t, ok := l.States[s]
		if !ok || strings.TrimSpace(t.Instructions) == "" {
			errs = append(errs, fmt.Errorf("missing template for %s", s))
		}
	}
	if strings.TrimSpace(l.Router.Instructions) == "" {
		errs = append(errs, errors.New("missing router template"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid prompt library: %w", errors.Join(errs...))
	}
	return nil
}

// Render builds the generation request for state from the context fields.
func (l *Library) Render(sessionID string, state domain.State, fields map[string]any) (generate.Request, error) {
	t, ok := l.States[state]
	if !ok {
		return generate.Request{}, fmt.Errorf("no template for %s", state)
	}
	body, err := render(fields, t.Schema)
	if err != nil {
		return generate.Request{}, err
	}
	return generate.Request{
		SessionID:       sessionID,
		State:           state,
		Task:            string(state),
		System:          l.system(t),
		Prompt:          body,
		Temperature:     t.Temperature,
		MaxOutputTokens: t.MaxOutputTokens,
	}, nil
}

// RenderRouter builds an intent routing request.
func (l *Library) RenderRouter(state domain.State, text string, recent []domain.Turn) (generate.Request, error) {
	type turn struct {
		Role    domain.Role `json:"role"`
		Content string      `json:"content"`
	}
	history := make([]turn, 0, len(recent))
	for _, t := range recent {
		history = append(history, turn{Role: t.Role, Content: t.Content})
	}
	body, err := render(map[string]any{
		"current_state":  state,
		"user_message":   text,
		"recent_history": history,
	}, l.Router.Schema)
	if err != nil {
		return generate.Request{}, err
	}
	return generate.Request{
		State:           state,
		Task:            TaskRouter,
		System:          l.system(l.Router),
		Prompt:          body,
		Temperature:     l.Router.Temperature,
		MaxOutputTokens: l.Router.MaxOutputTokens,
	}, nil
}

// HelpFor returns the help text for state.
func (l *Library) HelpFor(state domain.State) string {
	if h, ok := l.Help[state]; ok {
		return strings.TrimSpace(h)
	}
	return "You can start over with a new topic at any time."
}

func (l *Library) system(t Template) string {
	return strings.TrimSpace(l.Base) + "\n\n" + strings.TrimSpace(t.Instructions)
}

func render(fields map[string]any, schema string) (string, error) {
	ctx, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode context: %w", err)
	}
	var b strings.Builder
	b.WriteString("Context:\n")
	b.Write(ctx)
	if schema != "" {
		b.WriteString("\n\nRespond with JSON shaped like:\n")
		b.WriteString(strings.TrimSpace(schema))
	}
	return b.String(), nil
}
