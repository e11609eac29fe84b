// Package orchestrator runs one conversation turn end to end: it classifies
// the input, applies the state machine, builds the minimal context for the
// next state, calls the generator and persists the result before reporting
// it.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/deckster/internal/contextpack"
	"github.com/ashureev/deckster/internal/deck"
	"github.com/ashureev/deckster/internal/domain"
	"github.com/ashureev/deckster/internal/generate"
	"github.com/ashureev/deckster/internal/intent"
	"github.com/ashureev/deckster/internal/prompt"
	"github.com/ashureev/deckster/internal/store"
	"github.com/ashureev/deckster/internal/workflow"
	"github.com/google/uuid"
)

// ErrPersistence marks a turn whose effect was not durably stored. The
// caller should report it as failed and ask the user to retry.
var ErrPersistence = errors.New("persistence failure")

// Turn outcomes reported to the Observer.
const (
	OutcomeAdvanced  = "advanced"
	OutcomeClarify   = "clarify"
	OutcomeHelp      = "help"
	OutcomeIllegal   = "illegal"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Observer receives per-turn measurements.
type Observer interface {
	TurnProcessed(state domain.State, outcome string)
	IntentClassified(kind domain.IntentKind)
	Generation(state domain.State, elapsed time.Duration, attempts int, fallback bool)
	StaleWrite()
}

type nopObserver struct{}

func (nopObserver) TurnProcessed(domain.State, string) {}
func (nopObserver) IntentClassified(domain.IntentKind) {}
func (nopObserver) Generation(domain.State, time.Duration, int, bool) {}
func (nopObserver) StaleWrite() {}

// Config tunes turn processing.
type Config struct {
	// ConfidenceThreshold is the minimum classifier confidence to act on.
	ConfidenceThreshold float64
	// HistoryWindow is how many recent turns the classifier sees.
	HistoryWindow int
	// MaxStaleRetries bounds how often a turn is re-run after a stale write.
	MaxStaleRetries int
	Policy          generate.Policy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.5,
		HistoryWindow:       6,
		MaxStaleRetries:     3,
		Policy:              generate.Policy{Timeout: 60 * time.Second, MaxAttempts: 3},
	}
}

// Deps are the collaborators of an Orchestrator. Publisher, Observer,
// Logger, Now and NewID are optional.
type Deps struct {
	Store      *store.SessionStore
	Classifier intent.Classifier
	Generator  generate.Generator
	Prompts    *prompt.Library
	Contexts   *contextpack.Registry
	Publisher  deck.Publisher
	Observer   Observer
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

// Orchestrator processes conversation turns.
type Orchestrator struct {
	cfg        Config
	store      *store.SessionStore
	classifier intent.Classifier
	gen        generate.Generator
	prompts    *prompt.Library
	contexts   *contextpack.Registry
	publisher  deck.Publisher
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	queue      *queue
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Classifier == nil:
		return nil, errors.New("orchestrator: classifier is required")
	case deps.Generator == nil:
		return nil, errors.New("orchestrator: generator is required")
	case deps.Prompts == nil:
		return nil, errors.New("orchestrator: prompt library is required")
	}
	if cfg.MaxStaleRetries < 0 {
		cfg.MaxStaleRetries = 0
	}

	o := &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		classifier: deps.Classifier,
		gen:        deps.Generator,
		prompts:    deps.Prompts,
		contexts:   deps.Contexts,
		publisher:  deps.Publisher,
		observer:   deps.Observer,
		logger:     deps.Logger,
		now:        deps.Now,
		newID:      deps.NewID,
		queue:      newQueue(),
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.contexts == nil {
		o.contexts = contextpack.NewRegistry(o.logger)
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o, nil
}

// Session returns the current snapshot of a session.
func (o *Orchestrator) Session(ctx context.Context, id string) (*domain.Session, error) {
	return o.store.Get(ctx, id)
}

// Open starts a new session for ownerID and produces its greeting.
func (o *Orchestrator) Open(ctx context.Context, ownerID string) (*domain.Session, domain.Event, error) {
	now := o.now()
	repo := o.store.Repository()

	existing, err := repo.ListSessions(ctx, ownerID)
	if err != nil {
		return nil, domain.Event{}, fmt.Errorf("%w: list sessions: %w", ErrPersistence, err)
	}
	if err := repo.TouchOwner(ctx, ownerID, now); err != nil {
		return nil, domain.Event{}, fmt.Errorf("%w: touch owner: %w", ErrPersistence, err)
	}

	sess := domain.NewSession(o.newID(), ownerID, now)
	sess.ReturningOwner = len(existing) > 0

	pkt, err := o.contexts.Build(domain.StateGreeting, sess)
	if err != nil {
		return nil, domain.Event{}, err
	}
	res, err := o.greet(ctx, sess, pkt)
	if err != nil {
		return nil, domain.Event{}, err
	}
	sess.History = append(sess.History, domain.Turn{
		Seq:       sess.NextSeq(),
		Role:      domain.RoleSystem,
		Content:   res.content,
		State:     domain.StateGreeting,
		Timestamp: now,
	})

	if err := o.store.Create(ctx, sess); err != nil {
		o.observer.TurnProcessed(domain.StateGreeting, OutcomeFailed)
		return nil, domain.Event{}, fmt.Errorf("%w: create session: %w", ErrPersistence, err)
	}

	ev := res.event
	ev.SessionID = sess.ID
	ev.State = domain.StateGreeting
	ev.Previous = domain.StateGreeting
	o.observer.TurnProcessed(domain.StateGreeting, OutcomeAdvanced)
	o.logger.Info("session opened", "session_id", sess.ID, "owner_id", ownerID, "returning_owner", sess.ReturningOwner)
	return sess.Clone(), ev, nil
}

// Process handles one inbound user turn. Turns for the same session are
// processed one at a time in the order Process was called.
func (o *Orchestrator) Process(ctx context.Context, sessionID, text string) (*domain.Session, domain.Event, error) {
	release, err := o.queue.acquire(ctx, sessionID)
	if err != nil {
		return nil, domain.Event{}, err
	}
	defer release()

	for attempt := 0; ; attempt++ {
		sess, err := o.store.Get(ctx, sessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, domain.Event{}, err
			}
			return nil, domain.Event{}, fmt.Errorf("%w: load session: %w", ErrPersistence, err)
		}

		updated, ev, outcome, err := o.step(ctx, sess, text)
		if err == nil {
			o.observer.TurnProcessed(ev.State, outcome)
			return updated, ev, nil
		}
		if errors.Is(err, store.ErrStaleWrite) {
			o.observer.StaleWrite()
			o.store.Invalidate(sessionID)
			if attempt < o.cfg.MaxStaleRetries {
				o.logger.Warn("stale write, re-running turn", "session_id", sessionID, "attempt", attempt+1)
				continue
			}
			err = fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		o.observer.TurnProcessed(sess.State, OutcomeFailed)
		o.logger.Error("turn failed", "session_id", sessionID, "state", sess.State, "error", err)
		return nil, domain.Event{}, err
	}
}

// step runs one attempt of a turn against sess.
func (o *Orchestrator) step(ctx context.Context, sess *domain.Session, text string) (*domain.Session, domain.Event, string, error) {
	now := o.now()
	in := o.classifier.Classify(ctx, sess.State, text, sess.RecentHistory(o.cfg.HistoryWindow))
	o.observer.IntentClassified(in.Kind)

	user := domain.Turn{
		Seq:       sess.NextSeq(),
		Role:      domain.RoleUser,
		Content:   text,
		Intent:    in.Kind,
		State:     sess.State,
		Timestamp: now,
	}
	ev := domain.Event{SessionID: sess.ID, State: sess.State, Previous: sess.State, Intent: in}

	if in.Kind == domain.IntentAskQuestion {
		ev.Kind = domain.EventHelp
		ev.Message = o.prompts.HelpFor(sess.State)
		return o.reply(ctx, sess, user, ev, OutcomeHelp)
	}
	if in.Kind == domain.IntentUnclassified || in.Confidence < o.cfg.ConfidenceThreshold {
		// Untagged so history recovery never treats it as a real answer.
		user.Intent = domain.IntentUnclassified
		ev.Kind = domain.EventClarify
		ev.Message = clarifyMessage(sess.State)
		ev.Suggestions = suggestions(sess.State)
		return o.reply(ctx, sess, user, ev, OutcomeClarify)
	}

	out, err := workflow.Transition(sess.State, in.Kind)
	if err != nil {
		var te *workflow.TransitionError
		if !errors.As(err, &te) {
			return nil, domain.Event{}, "", err
		}
		user.Intent = domain.IntentUnclassified
		ev.Kind = domain.EventIllegal
		ev.Message = illegalMessage(sess.State)
		ev.Suggestions = suggestions(sess.State)
		return o.reply(ctx, sess, user, ev, OutcomeIllegal)
	}
	if out.Terminal {
		ev.Kind = domain.EventCompleted
		ev.Message = completedMessage
		if h, ok := handleOf(sess); ok {
			ev.Handle = &h
		}
		return o.reply(ctx, sess, user, ev, OutcomeCompleted)
	}
	return o.advance(ctx, sess, user, in, out)
}

// reply records a turn that does not change state.
func (o *Orchestrator) reply(ctx context.Context, sess *domain.Session, user domain.Turn, ev domain.Event, outcome string) (*domain.Session, domain.Event, string, error) {
	sys := domain.Turn{
		Seq:       user.Seq + 1,
		Role:      domain.RoleSystem,
		Content:   ev.Message,
		State:     sess.State,
		Timestamp: user.Timestamp,
	}
	updated, err := o.commit(ctx, sess, sess.State, newDraft(sess), user, sys)
	if err != nil {
		return nil, domain.Event{}, "", err
	}
	return updated, ev, outcome, nil
}

// advance runs a legal transition: capture the input, build the context for
// the next state, generate, commit, then publish.
func (o *Orchestrator) advance(ctx context.Context, sess *domain.Session, user domain.Turn, in domain.Intent, out workflow.Outcome) (*domain.Session, domain.Event, string, error) {
	d := newDraft(sess)
	if out.Reset {
		for _, slot := range domain.Slots() {
			d.drop(slot)
		}
	}
	if in.Kind == domain.IntentChangeTopic {
		// The reset leaves every slot empty. The new topic is recovered
		// from this tag.
		user.Extracted = strings.TrimSpace(in.Extracted)
	}
	d.capture(user)
	d.sess.History = append(d.sess.History, user)

	pkt, err := o.contexts.Build(out.Next, d.sess)
	if err != nil {
		return nil, domain.Event{}, "", err
	}
	if !out.Reset {
		for _, r := range pkt.Recovered() {
			d.put(r.Slot, r.Value)
		}
	}

	var res result
	switch out.Next {
	case domain.StateGreeting:
		res, err = o.greet(ctx, d.sess, pkt)
	case domain.StateGatherRequirements:
		res, err = o.gather(ctx, d, pkt)
	case domain.StateProposePlan:
		res, err = o.plan(ctx, d, pkt)
	case domain.StateGenerateArtifact:
		res, err = o.generateOutline(ctx, d, pkt)
	case domain.StateRefineArtifact:
		res, err = o.refine(ctx, d, pkt)
	case domain.StateEnrichContent:
		res, err = o.enrich(ctx, d, pkt)
	default:
		err = fmt.Errorf("%w: %q", workflow.ErrInvalidState, out.Next)
	}
	if err != nil {
		return nil, domain.Event{}, "", err
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.Event{}, "", err
	}

	sys := domain.Turn{
		Seq:       user.Seq + 1,
		Role:      domain.RoleSystem,
		Content:   res.content,
		State:     out.Next,
		Timestamp: user.Timestamp,
	}
	updated, err := o.commit(ctx, sess, out.Next, d, user, sys)
	if err != nil {
		return nil, domain.Event{}, "", err
	}

	ev := res.event
	ev.SessionID = sess.ID
	ev.State = out.Next
	ev.Previous = sess.State
	ev.Intent = in

	if res.publish != nil {
		if h, ok := o.publish(ctx, updated.ID, res.publish); ok {
			ev.Handle = &h
			if fresh, err := o.store.Get(ctx, updated.ID); err == nil {
				updated = fresh
			}
		}
	} else if ev.Handle == nil && res.keepHandle {
		if h, ok := handleOf(updated); ok {
			ev.Handle = &h
		}
	}

	o.logger.Info("turn processed",
		"session_id", sess.ID,
		"intent", in.Kind,
		"from", sess.State,
		"to", out.Next,
		"used_fallback", ev.UsedFallback,
	)
	return updated, ev, OutcomeAdvanced, nil
}

// commit writes the step with a version check.
func (o *Orchestrator) commit(ctx context.Context, sess *domain.Session, state domain.State, d *draft, turns ...domain.Turn) (*domain.Session, error) {
	updated, err := o.store.Commit(ctx, store.Commit{
		SessionID:       sess.ID,
		ExpectedVersion: sess.Version,
		State:           state,
		Set:             d.set,
		Clear:           d.clear,
		Turns:           turns,
		UpdatedAt:       o.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleWrite) || errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: commit turn: %w", ErrPersistence, err)
	}
	return updated, nil
}

// publish hands the committed outline to the deck builder and stores the
// handle. Failures leave the outline in place and return no handle.
func (o *Orchestrator) publish(ctx context.Context, sessionID string, outline *domain.Outline) (domain.Handle, bool) {
	if o.publisher == nil {
		return domain.Handle{}, false
	}
	h, err := o.publisher.Publish(ctx, sessionID, outline)
	if err != nil {
		o.logger.Warn("publish failed", "session_id", sessionID, "error", err)
		return domain.Handle{}, false
	}
	b, err := json.Marshal(h)
	if err != nil {
		return domain.Handle{}, false
	}
	if err := o.store.PutField(ctx, sessionID, domain.SlotPresentationHandle, b); err != nil {
		o.logger.Warn("failed to store presentation handle", "session_id", sessionID, "error", err)
		return domain.Handle{}, false
	}
	return h, true
}

func handleOf(s *domain.Session) (domain.Handle, bool) {
	raw := s.Artifact(domain.SlotPresentationHandle)
	if raw == nil {
		return domain.Handle{}, false
	}
	var h domain.Handle
	if err := json.Unmarshal(raw, &h); err != nil || h.ID == "" {
		return domain.Handle{}, false
	}
	return h, true
}

// draft is the working copy of a session during one step. Slot writes are
// mirrored into the set and clear lists of the eventual commit.
type draft struct {
	sess  *domain.Session
	set   map[domain.Slot]json.RawMessage
	clear []domain.Slot
}

func newDraft(s *domain.Session) *draft {
	return &draft{sess: s.Clone(), set: make(map[domain.Slot]json.RawMessage)}
}

func (d *draft) put(slot domain.Slot, v json.RawMessage) {
	d.sess.Artifacts[slot] = v
	d.set[slot] = v
	d.clear = slices.DeleteFunc(d.clear, func(s domain.Slot) bool { return s == slot })
}

func (d *draft) putJSON(slot domain.Slot, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", slot, err)
	}
	d.put(slot, b)
	return nil
}

func (d *draft) drop(slot domain.Slot) {
	delete(d.sess.Artifacts, slot)
	delete(d.set, slot)
	if !slices.Contains(d.clear, slot) {
		d.clear = append(d.clear, slot)
	}
}

// capture writes what the inbound turn contributes before generation.
func (d *draft) capture(user domain.Turn) {
	text := strings.TrimSpace(user.Content)
	switch user.Intent {
	case domain.IntentSubmitTopic:
		_ = d.putJSON(domain.SlotInitialRequest, text)
	case domain.IntentSubmitAnswers:
		_ = d.putJSON(domain.SlotClarificationAnswers, domain.ClarificationAnswers{
			Text:      text,
			Questions: lastQuestions(d.sess.History),
		})
		d.drop(domain.SlotFeedback)
	case domain.IntentAcceptProposal:
		d.drop(domain.SlotFeedback)
	case domain.IntentRejectProposal, domain.IntentRequestChanges:
		_ = d.putJSON(domain.SlotFeedback, text)
	}
}

// lastQuestions returns the newest clarifying questions asked in history.
func lastQuestions(history []domain.Turn) []string {
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if t.Role != domain.RoleSystem || t.State != domain.StateGatherRequirements {
			continue
		}
		var q domain.ClarifyingQuestions
		if err := json.Unmarshal([]byte(t.Content), &q); err == nil && len(q.Questions) > 0 {
			return q.Questions
		}
	}
	return nil
}
