package workflow

import (
	"errors"
	"testing"

	"github.com/ashureev/deckster/internal/domain"
	"github.com/google/go-cmp/cmp"
)

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from     domain.State
		intent   domain.IntentKind
		next     domain.State
		terminal bool
		regen    bool
	}{
		{domain.StateGreeting, domain.IntentSubmitTopic, domain.StateGatherRequirements, false, false},
		{domain.StateGatherRequirements, domain.IntentSubmitAnswers, domain.StateProposePlan, false, false},
		{domain.StateProposePlan, domain.IntentAcceptProposal, domain.StateGenerateArtifact, false, false},
		{domain.StateProposePlan, domain.IntentRejectProposal, domain.StateProposePlan, false, true},
		{domain.StateGenerateArtifact, domain.IntentRequestChanges, domain.StateRefineArtifact, false, false},
		{domain.StateGenerateArtifact, domain.IntentAcceptArtifact, domain.StateGenerateArtifact, true, false},
		{domain.StateRefineArtifact, domain.IntentRequestChanges, domain.StateRefineArtifact, false, true},
		{domain.StateRefineArtifact, domain.IntentAcceptArtifact, domain.StateRefineArtifact, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.intent), func(t *testing.T) {
			t.Parallel()
			got, err := Transition(tt.from, tt.intent)
			if err != nil {
				t.Fatalf("Transition() error = %v", err)
			}
			if got.Next != tt.next {
				t.Errorf("Next = %s, want %s", got.Next, tt.next)
			}
			if got.Terminal != tt.terminal {
				t.Errorf("Terminal = %v, want %v", got.Terminal, tt.terminal)
			}
			if got.Regenerate != tt.regen {
				t.Errorf("Regenerate = %v, want %v", got.Regenerate, tt.regen)
			}
			if got.Reset {
				t.Error("Reset should only be set for change_topic")
			}
		})
	}
}

func TestTransitionClosure(t *testing.T) {
	t.Parallel()

	legal := make(map[[2]string]bool)
	for _, e := range Table() {
		legal[[2]string{string(e.From), string(e.Intent)}] = true
	}
	if len(legal) != 8 {
		t.Fatalf("table has %d rows, want 8", len(legal))
	}

	for _, s := range domain.States() {
		for _, k := range domain.IntentKinds() {
			_, err := Transition(s, k)
			switch {
			case k == domain.IntentChangeTopic:
				if err != nil {
					t.Errorf("Transition(%s, change_topic) error = %v", s, err)
				}
			case legal[[2]string{string(s), string(k)}]:
				if err != nil {
					t.Errorf("Transition(%s, %s) error = %v", s, k, err)
				}
			default:
				if !errors.Is(err, ErrIllegalTransition) {
					t.Errorf("Transition(%s, %s) error = %v, want ErrIllegalTransition", s, k, err)
				}
				var te *TransitionError
				if !errors.As(err, &te) {
					t.Errorf("Transition(%s, %s) error is not *TransitionError", s, k)
				} else if te.From != s || te.Intent != k {
					t.Errorf("TransitionError = %+v", te)
				}
			}
		}
	}
}

func TestChangeTopicResets(t *testing.T) {
	t.Parallel()

	for _, s := range domain.States() {
		got, err := Transition(s, domain.IntentChangeTopic)
		if err != nil {
			t.Fatalf("Transition(%s) error = %v", s, err)
		}
		if got.Next != domain.StateGatherRequirements || !got.Reset {
			t.Errorf("Transition(%s, change_topic) = %+v", s, got)
		}
	}
}

func TestEnrichContentUnreachable(t *testing.T) {
	t.Parallel()

	for _, e := range Table() {
		if e.Next == domain.StateEnrichContent {
			t.Errorf("%s --%s--> %s reaches the reserved state", e.From, e.Intent, e.Next)
		}
	}
}

func TestTransitionInvalidState(t *testing.T) {
	t.Parallel()

	_, err := Transition(domain.State("BOGUS"), domain.IntentSubmitTopic)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("error = %v, want ErrInvalidState", err)
	}
	if errors.Is(err, ErrIllegalTransition) {
		t.Error("corrupt state must not be reported as an illegal transition")
	}
}

func TestExpected(t *testing.T) {
	t.Parallel()

	got := Expected(domain.StateProposePlan)
	want := []domain.IntentKind{
		domain.IntentAcceptProposal,
		domain.IntentRejectProposal,
		domain.IntentChangeTopic,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Expected() mismatch (-want +got):\n%s", diff)
	}
	if got := Expected(domain.State("")); got != nil {
		t.Errorf("Expected(invalid) = %v, want nil", got)
	}
}
