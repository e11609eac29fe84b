package domain

import (
	"errors"
	"fmt"
)

// State is a position in the conversation state machine.
type State string

const (
	// StateGreeting is the initial state of every new session.
	StateGreeting State = "GREETING"
	// StateGatherRequirements asks the user a short list of clarifying questions.
	StateGatherRequirements State = "GATHER_REQUIREMENTS"
	// StateProposePlan shows a confirmation plan the user can accept or revise.
	StateProposePlan State = "PROPOSE_PLAN"
	// StateGenerateArtifact produces the first full outline.
	StateGenerateArtifact State = "GENERATE_ARTIFACT"
	// StateRefineArtifact revises the current outline; loops on itself.
	StateRefineArtifact State = "REFINE_ARTIFACT"
	// StateEnrichContent is reserved for per-slide content generation.
	// No transition reaches it yet.
	StateEnrichContent State = "ENRICH_CONTENT"
)

// ErrInvalidState marks a state value outside the closed set.
var ErrInvalidState = errors.New("invalid state")

var allStates = []State{
	StateGreeting,
	StateGatherRequirements,
	StateProposePlan,
	StateGenerateArtifact,
	StateRefineArtifact,
	StateEnrichContent,
}

// States returns every valid state in pipeline order.
func States() []State {
	out := make([]State, len(allStates))
	copy(out, allStates)
	return out
}

// Valid reports whether s is a member of the closed state set.
func (s State) Valid() bool {
	switch s {
	case StateGreeting, StateGatherRequirements, StateProposePlan,
		StateGenerateArtifact, StateRefineArtifact, StateEnrichContent:
		return true
	}
	return false
}

// ParseState converts a stored value into a State, rejecting anything outside
// the closed set.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, v)
	}
	return s, nil
}

func (s State) String() string { return string(s) }
