// Package contextpack builds the minimal, per-state context handed to the
// generative collaborator.
package contextpack

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/deckster/internal/domain"
)

// ErrNoStrategy is returned for a state without a registered strategy.
var ErrNoStrategy = errors.New("no context strategy for state")

// source resolves one field: first from its slot, then from history.
type source struct {
	field   Field
	slot    domain.Slot
	recover func(history []domain.Turn) (json.RawMessage, bool)
}

type strategy struct {
	sources []source
	// returningOwner adds the owner flag instead of a slot-backed field.
	returningOwner bool
}

func (s strategy) whitelist() []Field {
	out := make([]Field, 0, len(s.sources)+1)
	if s.returningOwner {
		out = append(out, FieldReturningOwner)
	}
	for _, src := range s.sources {
		out = append(out, src.field)
	}
	return out
}

var (
	initialRequest = source{
		field:   FieldInitialRequest,
		slot:    domain.SlotInitialRequest,
		recover: recoverInitialRequest,
	}
	clarificationAnswers = source{
		field:   FieldClarificationAnswers,
		slot:    domain.SlotClarificationAnswers,
		recover: recoverAnswers,
	}
	planFeedback = source{
		field:   FieldPlanFeedback,
		slot:    domain.SlotFeedback,
		recover: recoverUserText(domain.IntentRejectProposal, domain.IntentSubmitAnswers),
	}
	confirmationPlan = source{
		field:   FieldConfirmationPlan,
		slot:    domain.SlotConfirmationPlan,
		recover: recoverPlan,
	}
	outline = source{
		field:   FieldOutline,
		slot:    domain.SlotOutline,
		recover: recoverOutline,
	}
	refinementRequest = source{
		field:   FieldRefinementRequest,
		slot:    domain.SlotFeedback,
		recover: recoverUserText(domain.IntentRequestChanges, domain.IntentAcceptProposal),
	}
)

func strategyFor(state domain.State) (strategy, bool) {
	switch state {
	case domain.StateGreeting:
		return strategy{returningOwner: true}, true
	case domain.StateGatherRequirements:
		return strategy{sources: []source{initialRequest}}, true
	case domain.StateProposePlan:
		return strategy{sources: []source{initialRequest, clarificationAnswers, planFeedback}}, true
	case domain.StateGenerateArtifact:
		return strategy{sources: []source{initialRequest, clarificationAnswers, confirmationPlan}}, true
	case domain.StateRefineArtifact:
		return strategy{sources: []source{outline, refinementRequest}}, true
	case domain.StateEnrichContent:
		return strategy{sources: []source{outline}}, true
	}
	return strategy{}, false
}

// Registry maps each state to its context strategy.
type Registry struct {
	strategies map[domain.State]strategy
	logger     *slog.Logger
}

// NewRegistry creates a registry with a strategy for every state.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{strategies: make(map[domain.State]strategy), logger: logger}
	for _, s := range domain.States() {
		if st, ok := strategyFor(s); ok {
			r.strategies[s] = st
		}
	}
	return r
}

// Whitelist returns the fields a packet for state may contain.
func (r *Registry) Whitelist(state domain.State) []Field {
	st, ok := r.strategies[state]
	if !ok {
		return nil
	}
	return st.whitelist()
}

// Build returns the packet for state. Missing fields are flagged, never fatal.
func (r *Registry) Build(state domain.State, s *domain.Session) (*Packet, error) {
	st, ok := r.strategies[state]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoStrategy, state)
	}

	p := newPacket(state)
	if st.returningOwner {
		p.fields[FieldReturningOwner] = json.RawMessage(fmt.Sprintf("%t", s.ReturningOwner))
	}

	for _, src := range st.sources {
		if v := s.Artifact(src.slot); v != nil {
			p.fields[src.field] = v
			continue
		}
		if v, ok := src.recover(s.History); ok {
			p.fields[src.field] = v
			p.recovered = append(p.recovered, Recovery{Field: src.field, Slot: src.slot, Value: v})
			r.logger.Info("context field recovered from history",
				"session_id", s.ID, "state", state, "field", src.field)
			continue
		}
		p.missing = append(p.missing, src.field)
	}

	restrict(p, st.whitelist())
	return p, nil
}

// restrict removes every key outside allowed.
func restrict(p *Packet, allowed []Field) {
	ok := make(map[Field]bool, len(allowed))
	for _, f := range allowed {
		ok[f] = true
	}
	for f := range p.fields {
		if !ok[f] {
			delete(p.fields, f)
		}
	}
}
