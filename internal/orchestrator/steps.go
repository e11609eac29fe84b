package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/deckster/internal/contextpack"
	"github.com/ashureev/deckster/internal/domain"
	"github.com/ashureev/deckster/internal/generate"
)

// result is what a state's generation step produced.
type result struct {
	event domain.Event
	// content is stored as the system turn. Structured artifacts are stored
	// as JSON so they can be recovered from history.
	content string
	// publish is set when a new outline should be published after commit.
	publish *domain.Outline
	// keepHandle reports the existing presentation handle in the event.
	keepHandle bool
}

// structured runs a generation call for state and reports whether it
// failed. Failures are logged; the caller substitutes a placeholder.
func structured[T any, PT interface {
	*T
	generate.Validatable
}](ctx context.Context, o *Orchestrator, sessionID string, state domain.State, pkt *contextpack.Packet) (*T, bool, error) {
	req, err := o.prompts.Render(sessionID, state, pkt.Map())
	if err != nil {
		return nil, false, fmt.Errorf("render prompt for %s: %w", state, err)
	}

	start := time.Now()
	v, attempts, err := generate.Structured[T, PT](ctx, o.gen, req, o.cfg.Policy)
	o.observer.Generation(state, time.Since(start), attempts, err != nil)
	if err != nil {
		o.logger.Warn("generation failed, using placeholder",
			"session_id", sessionID,
			"state", state,
			"attempts", attempts,
			"error", err,
		)
		return nil, true, nil
	}
	return v, false, nil
}

func (o *Orchestrator) greet(ctx context.Context, sess *domain.Session, pkt *contextpack.Packet) (result, error) {
	g, failed, err := structured[domain.Greeting](ctx, o, sess.ID, domain.StateGreeting, pkt)
	if err != nil {
		return result{}, err
	}
	if failed {
		g = fallbackGreeting(pkt.Bool(contextpack.FieldReturningOwner))
	}
	return result{
		event:   domain.Event{Kind: domain.EventGreeting, Message: g.Message, UsedFallback: failed},
		content: g.Message,
	}, nil
}

func (o *Orchestrator) gather(ctx context.Context, d *draft, pkt *contextpack.Packet) (result, error) {
	q, failed, err := structured[domain.ClarifyingQuestions](ctx, o, d.sess.ID, domain.StateGatherRequirements, pkt)
	if err != nil {
		return result{}, err
	}
	if failed {
		q = fallbackQuestions()
	}
	q.Type = domain.TypeClarifyingQuestions

	b, err := json.Marshal(q)
	if err != nil {
		return result{}, fmt.Errorf("encode questions: %w", err)
	}
	return result{
		event: domain.Event{
			Kind:         domain.EventQuestions,
			Payload:      b,
			Message:      "A few questions so I can tailor the presentation:",
			UsedFallback: failed,
		},
		content: string(b),
	}, nil
}

func (o *Orchestrator) plan(ctx context.Context, d *draft, pkt *contextpack.Packet) (result, error) {
	p, failed, err := structured[domain.ConfirmationPlan](ctx, o, d.sess.ID, domain.StateProposePlan, pkt)
	if err != nil {
		return result{}, err
	}
	if failed {
		p = fallbackPlan(pkt.Text(contextpack.FieldInitialRequest))
	}
	p.Type = domain.TypeConfirmationPlan

	b, err := json.Marshal(p)
	if err != nil {
		return result{}, fmt.Errorf("encode plan: %w", err)
	}
	d.put(domain.SlotConfirmationPlan, b)
	return result{
		event: domain.Event{
			Kind:         domain.EventPlan,
			Slot:         domain.SlotConfirmationPlan,
			Payload:      b,
			Message:      p.SummaryOfUserRequest,
			UsedFallback: failed,
		},
		content: string(b),
	}, nil
}

func (o *Orchestrator) generateOutline(ctx context.Context, d *draft, pkt *contextpack.Packet) (result, error) {
	want := DefaultSlideCount
	var p domain.ConfirmationPlan
	if pkt.Has(contextpack.FieldConfirmationPlan) && pkt.Decode(contextpack.FieldConfirmationPlan, &p) == nil && p.ProposedSlideCount > 0 {
		want = p.ProposedSlideCount
	}

	outline, failed, err := structured[domain.Outline](ctx, o, d.sess.ID, domain.StateGenerateArtifact, pkt)
	if err != nil {
		return result{}, err
	}
	if failed {
		outline = fallbackOutline(pkt.Text(contextpack.FieldInitialRequest), want)
	} else {
		normalizeOutline(outline, want)
	}
	return o.outlineResult(d, domain.EventOutline, outline, nil, "")
}

func (o *Orchestrator) refine(ctx context.Context, d *draft, pkt *contextpack.Packet) (result, error) {
	var before *domain.Outline
	if pkt.Has(contextpack.FieldOutline) {
		before = new(domain.Outline)
		if err := pkt.Decode(contextpack.FieldOutline, before); err != nil {
			before = nil
		}
	}

	after, failed, err := structured[domain.Outline](ctx, o, d.sess.ID, domain.StateRefineArtifact, pkt)
	if err != nil {
		return result{}, err
	}
	if failed {
		if before == nil {
			return o.outlineResult(d, domain.EventRefined, fallbackOutline("", DefaultSlideCount), nil, "")
		}
		return o.unchanged(domain.EventRefined, before, "I couldn't apply those changes, so the outline is unchanged.")
	}

	normalizeOutline(after, 0)
	if before == nil {
		return o.outlineResult(d, domain.EventRefined, after, nil, "")
	}
	changes := diffOutlines(before, after)
	return o.outlineResult(d, domain.EventRefined, after, changes, refinedMessage(changes))
}

func (o *Orchestrator) enrich(ctx context.Context, d *draft, pkt *contextpack.Packet) (result, error) {
	var before domain.Outline
	if err := pkt.Decode(contextpack.FieldOutline, &before); err != nil {
		return result{}, fmt.Errorf("enrich needs an outline: %w", err)
	}

	after, failed, err := structured[domain.Outline](ctx, o, d.sess.ID, domain.StateEnrichContent, pkt)
	if err != nil {
		return result{}, err
	}
	if failed {
		return o.unchanged(domain.EventEnrich, &before, "Slide content could not be generated yet.")
	}
	normalizeOutline(after, len(before.Slides))
	return o.outlineResult(d, domain.EventEnrich, after, diffOutlines(&before, after), "")
}

// outlineResult stores a new outline and schedules it for publishing. The
// previous handle is cleared since it points at the old deck. An empty msg
// reports slide progress.
func (o *Orchestrator) outlineResult(d *draft, kind domain.EventKind, outline *domain.Outline, changes []string, msg string) (result, error) {
	b, err := json.Marshal(outline)
	if err != nil {
		return result{}, fmt.Errorf("encode outline: %w", err)
	}
	d.put(domain.SlotOutline, b)
	d.drop(domain.SlotPresentationHandle)

	u := units(outline)
	if msg == "" {
		msg = outlineMessage(outline, u)
	}
	return result{
		event: domain.Event{
			Kind:         kind,
			Slot:         domain.SlotOutline,
			Summary:      summarize(outline),
			Units:        u,
			Changes:      changes,
			Message:      msg,
			UsedFallback: u.Generated < u.Total,
		},
		content: string(b),
		publish: outline,
	}, nil
}

// unchanged reports that generation failed and the existing outline stands.
func (o *Orchestrator) unchanged(kind domain.EventKind, outline *domain.Outline, msg string) (result, error) {
	b, err := json.Marshal(outline)
	if err != nil {
		return result{}, fmt.Errorf("encode outline: %w", err)
	}
	return result{
		event: domain.Event{
			Kind:         kind,
			Slot:         domain.SlotOutline,
			Summary:      summarize(outline),
			Units:        units(outline),
			Message:      msg,
			UsedFallback: true,
		},
		content:    string(b),
		keepHandle: true,
	}, nil
}
