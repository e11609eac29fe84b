// Package workflow holds the conversation state machine.
package workflow

import (
	"errors"
	"fmt"

	"github.com/ashureev/deckster/internal/domain"
)

var (
	// ErrIllegalTransition is returned for any (state, intent) pair outside the table.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrInvalidState is returned when the current state is not a known state.
	ErrInvalidState = domain.ErrInvalidState
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	From   domain.State
	Intent domain.IntentKind
	// Expected lists the intents that are legal from From.
	Expected []domain.IntentKind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("no transition from %s on %s", e.From, e.Intent)
}

// Unwrap lets errors.Is match ErrIllegalTransition.
func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// Outcome is the result of a legal transition.
type Outcome struct {
	From   domain.State
	Next   domain.State
	Intent domain.IntentKind
	// Terminal marks an accept that ends core processing. Next equals From.
	Terminal bool
	// Reset marks a change of topic. Every artifact slot is purged.
	Reset bool
	// Regenerate marks a self-loop that produces a fresh artifact for the same state.
	Regenerate bool
}

type edge struct {
	next     domain.State
	terminal bool
}

type key struct {
	state  domain.State
	intent domain.IntentKind
}

var table = map[key]edge{
	{domain.StateGreeting, domain.IntentSubmitTopic}:             {next: domain.StateGatherRequirements},
	{domain.StateGatherRequirements, domain.IntentSubmitAnswers}: {next: domain.StateProposePlan},
	{domain.StateProposePlan, domain.IntentAcceptProposal}:       {next: domain.StateGenerateArtifact},
	{domain.StateProposePlan, domain.IntentRejectProposal}:       {next: domain.StateProposePlan},
	{domain.StateGenerateArtifact, domain.IntentRequestChanges}:  {next: domain.StateRefineArtifact},
	{domain.StateGenerateArtifact, domain.IntentAcceptArtifact}:  {next: domain.StateGenerateArtifact, terminal: true},
	{domain.StateRefineArtifact, domain.IntentRequestChanges}:    {next: domain.StateRefineArtifact},
	{domain.StateRefineArtifact, domain.IntentAcceptArtifact}:    {next: domain.StateRefineArtifact, terminal: true},
}

// Transition returns the outcome of applying intent in state. Change of
// topic is legal from every valid state.
func Transition(state domain.State, intent domain.IntentKind) (Outcome, error) {
	if !state.Valid() {
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	if intent == domain.IntentChangeTopic {
		return Outcome{
			From:   state,
			Next:   domain.StateGatherRequirements,
			Intent: intent,
			Reset:  true,
		}, nil
	}
	e, ok := table[key{state, intent}]
	if !ok {
		return Outcome{}, &TransitionError{From: state, Intent: intent, Expected: Expected(state)}
	}
	return Outcome{
		From:       state,
		Next:       e.next,
		Intent:     intent,
		Terminal:   e.terminal,
		Regenerate: !e.terminal && e.next == state,
	}, nil
}

// Expected returns the intents with a defined transition from state, in
// vocabulary order. Change of topic is always included for valid states.
func Expected(state domain.State) []domain.IntentKind {
	if !state.Valid() {
		return nil
	}
	var out []domain.IntentKind
	for _, k := range domain.IntentKinds() {
		if k == domain.IntentChangeTopic {
			out = append(out, k)
			continue
		}
		if _, ok := table[key{state, k}]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Edge is one row of the transition table.
type Edge struct {
	From     domain.State
	Intent   domain.IntentKind
	Next     domain.State
	Terminal bool
}

// Table returns the static rows of the transition table, excluding the
// cross-cutting change of topic.
func Table() []Edge {
	var out []Edge
	for _, s := range domain.States() {
		for _, k := range domain.IntentKinds() {
			if e, ok := table[key{s, k}]; ok {
				out = append(out, Edge{From: s, Intent: k, Next: e.next, Terminal: e.terminal})
			}
		}
	}
	return out
}
