package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/deckster/internal/deck"
	"github.com/ashureev/deckster/internal/domain"
	"github.com/ashureev/deckster/internal/generate"
	"github.com/ashureev/deckster/internal/intent"
	"github.com/ashureev/deckster/internal/prompt"
	"github.com/ashureev/deckster/internal/store"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// genai pulls in opencensus, which starts its view worker at init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const (
	greetingJSON  = `{"message":"Hi! What would you like to present?"}`
	questionsJSON = `{"type":"ClarifyingQuestions","questions":["Who is the audience?","How long is the talk?","What tone fits best?","Any data to include?"]}`
	planJSON      = `{"type":"ConfirmationPlan","summary_of_user_request":"A talk on solar energy for a city council","key_assumptions":["Non-technical audience"],"proposed_slide_count":7}`
)

func outlineJSON(n int, title string) string {
	o := domain.Outline{Type: domain.TypeOutline, MainTitle: title, OverallTheme: "clean"}
	for i := 1; i <= n; i++ {
		o.Slides = append(o.Slides, domain.Slide{
			Title:     fmt.Sprintf("Slide title %d", i),
			SlideType: domain.SlideContentHeavy,
			Narrative: fmt.Sprintf("Narrative %d", i),
			KeyPoints: []string{"point"},
		})
	}
	b, _ := json.Marshal(o)
	return string(b)
}

type reply struct {
	body  string
	err   error
	block bool
}

// scriptedGen answers by task. The last reply for a task repeats.
type scriptedGen struct {
	mu      sync.Mutex
	replies map[string][]reply
	calls   []generate.Request
	hook    func(generate.Request)
}

func newScriptedGen() *scriptedGen {
	g := &scriptedGen{replies: make(map[string][]reply)}
	g.on(domain.StateGreeting, reply{body: greetingJSON})
	g.on(domain.StateGatherRequirements, reply{body: questionsJSON})
	g.on(domain.StateProposePlan, reply{body: planJSON})
	g.on(domain.StateGenerateArtifact, reply{body: outlineJSON(7, "Solar Energy")})
	g.on(domain.StateRefineArtifact, reply{body: outlineJSON(7, "Solar Energy")})
	return g
}

func (g *scriptedGen) on(state domain.State, rs ...reply) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies[string(state)] = rs
}

func (g *scriptedGen) Generate(ctx context.Context, req generate.Request) (json.RawMessage, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	rs := g.replies[req.Task]
	var r reply
	if len(rs) > 0 {
		r = rs[0]
		if len(rs) > 1 {
			g.replies[req.Task] = rs[1:]
		}
	}
	hook := g.hook
	g.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return json.RawMessage(r.body), nil
}

func (g *scriptedGen) callsFor(state domain.State) []generate.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []generate.Request
	for _, c := range g.calls {
		if c.Task == string(state) {
			out = append(out, c)
		}
	}
	return out
}

// failingRepo can fail commits.
type failingRepo struct {
	store.Repository
	failCommit atomic.Bool
}

func (f *failingRepo) Commit(ctx context.Context, c store.Commit) (int64, error) {
	if f.failCommit.Load() {
		return 0, errors.New("disk I/O error")
	}
	return f.Repository.Commit(ctx, c)
}

type recordingObserver struct {
	mu        sync.Mutex
	outcomes  []string
	fallbacks int
	stale     int
}

func (r *recordingObserver) TurnProcessed(_ domain.State, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingObserver) IntentClassified(domain.IntentKind) {}

func (r *recordingObserver) Generation(_ domain.State, _ time.Duration, _ int, fallback bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fallback {
		r.fallbacks++
	}
}

func (r *recordingObserver) StaleWrite() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale++
}

type classifierFunc func(state domain.State, text string) domain.Intent

func (f classifierFunc) Classify(_ context.Context, state domain.State, text string, _ []domain.Turn) domain.Intent {
	return f(state, text)
}

type env struct {
	orch  *Orchestrator
	gen   *scriptedGen
	repo  *failingRepo
	store *store.SessionStore
	obs   *recordingObserver
}

type envOption func(*Config, *Deps)

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	sqlite, err := store.NewSQLite(filepath.Join(t.TempDir(), "deckster.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })

	prompts, err := prompt.Default()
	if err != nil {
		t.Fatal(err)
	}

	e := &env{
		gen:  newScriptedGen(),
		repo: &failingRepo{Repository: sqlite},
		obs:  &recordingObserver{},
	}
	e.store = store.NewSessionStore(e.repo)

	cfg := DefaultConfig()
	cfg.Policy = generate.Policy{Timeout: time.Second, MaxAttempts: 3}
	deps := Deps{
		Store:      e.store,
		Classifier: intent.NewRuleClassifier(),
		Generator:  e.gen,
		Prompts:    prompts,
		Publisher:  deck.LocalPublisher{},
		Observer:   e.obs,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	e.orch, err = New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func (e *env) open(t *testing.T) *domain.Session {
	t.Helper()
	sess, ev, err := e.orch.Open(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if ev.Kind != domain.EventGreeting || sess.State != domain.StateGreeting {
		t.Fatalf("Open() = %s in %s", ev.Kind, sess.State)
	}
	return sess
}

func (e *env) say(t *testing.T, id, text string) (*domain.Session, domain.Event) {
	t.Helper()
	sess, ev, err := e.orch.Process(context.Background(), id, text)
	if err != nil {
		t.Fatalf("Process(%q) error = %v", text, err)
	}
	return sess, ev
}

// toGenerate drives a new session up to GENERATE_ARTIFACT.
func (e *env) toGenerate(t *testing.T) (*domain.Session, domain.Event) {
	t.Helper()
	sess := e.open(t)
	e.say(t, sess.ID, "I need a presentation about solar energy")
	e.say(t, sess.ID, "The audience is the city council and the talk is twenty minutes")
	return e.say(t, sess.ID, "looks good")
}

func TestProcessSolarEnergyScenario(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	sess := e.open(t)

	got, ev := e.say(t, sess.ID, "I need a presentation about solar energy")

	if ev.Intent.Kind != domain.IntentSubmitTopic {
		t.Errorf("intent = %s, want submit_topic", ev.Intent.Kind)
	}
	if got.State != domain.StateGatherRequirements || ev.State != domain.StateGatherRequirements {
		t.Fatalf("state = %s / %s", got.State, ev.State)
	}
	if ev.Kind != domain.EventQuestions || ev.UsedFallback {
		t.Errorf("event = %s fallback=%t", ev.Kind, ev.UsedFallback)
	}
	var q domain.ClarifyingQuestions
	if err := json.Unmarshal(ev.Payload, &q); err != nil {
		t.Fatal(err)
	}
	if len(q.Questions) != 4 {
		t.Errorf("questions = %d, want 4", len(q.Questions))
	}

	var request string
	if err := json.Unmarshal(got.Artifact(domain.SlotInitialRequest), &request); err != nil {
		t.Fatal(err)
	}
	if request != "I need a presentation about solar energy" {
		t.Errorf("initial_request = %q", request)
	}
	if n := len(got.History); n != 3 {
		t.Errorf("history = %d turns, want 3", n)
	}
}

func TestProcessAcceptPlanTimeoutFallsBackToPlaceholders(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(c *Config, _ *Deps) {
		c.Policy = generate.Policy{Timeout: 50 * time.Millisecond, MaxAttempts: 3}
	})
	e.gen.on(domain.StateGenerateArtifact, reply{block: true})

	got, ev := e.toGenerate(t)

	if ev.Intent.Kind != domain.IntentAcceptProposal || ev.Intent.Confidence < 0.5 {
		t.Errorf("intent = %+v", ev.Intent)
	}
	if got.State != domain.StateGenerateArtifact {
		t.Fatalf("state = %s", got.State)
	}
	if !ev.UsedFallback {
		t.Error("UsedFallback = false, want true")
	}
	if diff := cmp.Diff(&domain.Units{Total: 7, Generated: 0}, ev.Units); diff != "" {
		t.Errorf("units mismatch (-want +got):\n%s", diff)
	}
	if n := len(e.gen.callsFor(domain.StateGenerateArtifact)); n != 1 {
		t.Errorf("generate calls = %d, timeouts must not be retried", n)
	}

	var o domain.Outline
	if err := json.Unmarshal(got.Artifact(domain.SlotOutline), &o); err != nil {
		t.Fatal(err)
	}
	if len(o.Slides) != 7 || o.PlaceholderCount() != 7 {
		t.Errorf("outline has %d slides, %d placeholders; want 7/7", len(o.Slides), o.PlaceholderCount())
	}
}

func TestProcessOutlineIsPersistedBehindHandle(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	got, ev := e.toGenerate(t)

	if ev.Kind != domain.EventOutline || ev.UsedFallback {
		t.Fatalf("event = %s fallback=%t", ev.Kind, ev.UsedFallback)
	}
	if ev.Handle == nil || !strings.HasPrefix(ev.Handle.URL, "deck://") {
		t.Fatalf("handle = %+v", ev.Handle)
	}
	if len(ev.Payload) != 0 {
		t.Error("outline event must not carry the full artifact")
	}
	if ev.Summary == nil || len(ev.Summary.SlideTitles) != 7 {
		t.Errorf("summary = %+v", ev.Summary)
	}

	// A fresh cache over the same database sees the full artifact.
	fresh, err := store.NewSessionStore(e.repo.Repository).Get(context.Background(), got.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []*domain.Session{got, fresh} {
		var o domain.Outline
		if err := json.Unmarshal(s.Artifact(domain.SlotOutline), &o); err != nil {
			t.Fatalf("outline slot: %v", err)
		}
		if err := o.Validate(); err != nil {
			t.Errorf("outline invalid: %v", err)
		}
		for i, sl := range o.Slides {
			if sl.SlideID != domain.SlideID(i+1) || sl.SlideNumber != i+1 {
				t.Errorf("slide %d numbered %d/%s", i, sl.SlideNumber, sl.SlideID)
			}
		}
		var h domain.Handle
		if err := json.Unmarshal(s.Artifact(domain.SlotPresentationHandle), &h); err != nil || h.ID != ev.Handle.ID {
			t.Errorf("handle slot = %s", s.Artifact(domain.SlotPresentationHandle))
		}
	}
}

func TestProcessChangeTopicResetsEverySlot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, e *env) *domain.Session
		from  domain.State
		had   domain.Slot
	}{
		{
			name: "gather requirements",
			setup: func(t *testing.T, e *env) *domain.Session {
				sess := e.open(t)
				got, _ := e.say(t, sess.ID, "I need a presentation about solar energy")
				return got
			},
			from: domain.StateGatherRequirements,
			had:  domain.SlotInitialRequest,
		},
		{
			name: "propose plan after a rejection",
			setup: func(t *testing.T, e *env) *domain.Session {
				sess := e.open(t)
				e.say(t, sess.ID, "I need a presentation about solar energy")
				e.say(t, sess.ID, "The audience is the city council and the talk is twenty minutes")
				got, _ := e.say(t, sess.ID, "no, fewer slides please")
				return got
			},
			from: domain.StateProposePlan,
			had:  domain.SlotFeedback,
		},
		{
			name: "generate artifact",
			setup: func(t *testing.T, e *env) *domain.Session {
				got, _ := e.toGenerate(t)
				return got
			},
			from: domain.StateGenerateArtifact,
			had:  domain.SlotPresentationHandle,
		},
		{
			name: "refine artifact",
			setup: func(t *testing.T, e *env) *domain.Session {
				sess, _ := e.toGenerate(t)
				got, _ := e.say(t, sess.ID, "make slide 3 shorter")
				return got
			},
			from: domain.StateRefineArtifact,
			had:  domain.SlotOutline,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			sess := tt.setup(t, e)
			if sess.State != tt.from || !sess.HasArtifact(tt.had) {
				t.Fatalf("setup reached %s with %s=%t", sess.State, tt.had, sess.HasArtifact(tt.had))
			}

			got, ev := e.say(t, sess.ID, "forget it, let's do a presentation on tidal power instead")

			if ev.Intent.Kind != domain.IntentChangeTopic || ev.Intent.Extracted != "tidal power" {
				t.Fatalf("intent = %+v", ev.Intent)
			}
			if got.State != domain.StateGatherRequirements {
				t.Errorf("state = %s", got.State)
			}

			reqs := e.gen.callsFor(domain.StateGatherRequirements)
			last := reqs[len(reqs)-1]
			if !strings.Contains(last.Prompt, `"tidal power"`) || strings.Contains(last.Prompt, "forget it") || strings.Contains(last.Prompt, "solar") {
				t.Errorf("questions prompt built from the wrong topic:\n%s", last.Prompt)
			}

			durable, err := e.repo.GetSession(context.Background(), sess.ID)
			if err != nil {
				t.Fatal(err)
			}
			for _, s := range []*domain.Session{got, durable} {
				for _, slot := range domain.Slots() {
					if s.HasArtifact(slot) {
						t.Errorf("slot %s not cleared", slot)
					}
				}
			}
			if durable.State != domain.StateGatherRequirements {
				t.Errorf("durable state = %s", durable.State)
			}
			if turn := durable.History[len(durable.History)-2]; turn.Extracted != "tidal power" {
				t.Errorf("change_topic turn extracted = %q", turn.Extracted)
			}

			// The next answer plans from the extracted topic and heals the slot.
			next, _ := e.say(t, sess.ID, "Marine engineers, thirty minutes, technical depth")
			plans := e.gen.callsFor(domain.StateProposePlan)
			if p := plans[len(plans)-1].Prompt; !strings.Contains(p, `"tidal power"`) || strings.Contains(p, "forget it") {
				t.Errorf("plan prompt built from the wrong topic:\n%s", p)
			}
			var request string
			if err := json.Unmarshal(next.Artifact(domain.SlotInitialRequest), &request); err != nil || request != "tidal power" {
				t.Errorf("initial_request = %s, want the extracted topic", next.Artifact(domain.SlotInitialRequest))
			}
		})
	}
}

func TestProcessRefineSendsOnlyOutlineAndRequest(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	sess, _ := e.toGenerate(t)

	refined := outlineJSON(7, "Solar Energy")
	refined = strings.Replace(refined, "Slide title 3", "Shorter third slide", 1)
	e.gen.on(domain.StateRefineArtifact, reply{body: refined})

	got, ev := e.say(t, sess.ID, "make slide 3 shorter")

	if got.State != domain.StateRefineArtifact || ev.Kind != domain.EventRefined {
		t.Fatalf("state = %s, event = %s", got.State, ev.Kind)
	}
	reqs := e.gen.callsFor(domain.StateRefineArtifact)
	if len(reqs) != 1 {
		t.Fatalf("refine calls = %d", len(reqs))
	}
	p := reqs[0].Prompt
	if !strings.Contains(p, "make slide 3 shorter") || !strings.Contains(p, "Slide title 7") {
		t.Errorf("refine prompt missing outline or request:\n%s", p)
	}
	if strings.Contains(p, "I need a presentation about solar energy") || strings.Contains(p, "city council") {
		t.Errorf("refine prompt leaks earlier context:\n%s", p)
	}
	want := []string{`Slide 3: "Slide title 3" is now "Shorter third slide"`}
	if diff := cmp.Diff(want, ev.Changes); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
	if ev.Handle == nil {
		t.Error("refined outline was not republished")
	}
}

func TestProcessRefineFailureKeepsOutline(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	sess, generated := e.toGenerate(t)
	before := sess.Artifact(domain.SlotOutline)

	e.gen.on(domain.StateRefineArtifact, reply{body: `{"not":"an outline"}`})
	got, ev := e.say(t, sess.ID, "make slide 3 shorter")

	if !ev.UsedFallback {
		t.Error("UsedFallback = false")
	}
	if string(got.Artifact(domain.SlotOutline)) != string(before) {
		t.Error("outline changed after failed refinement")
	}
	if ev.Handle == nil || ev.Handle.ID != generated.Handle.ID {
		t.Errorf("handle = %+v, want the existing one", ev.Handle)
	}
	if n := len(e.gen.callsFor(domain.StateRefineArtifact)); n != 3 {
		t.Errorf("refine attempts = %d, want 3", n)
	}
}

func TestProcessAcceptArtifactCompletes(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	sess, _ := e.toGenerate(t)

	got, ev := e.say(t, sess.ID, "perfect, ship it")

	if ev.Kind != domain.EventCompleted || got.State != domain.StateGenerateArtifact {
		t.Errorf("event = %s, state = %s", ev.Kind, got.State)
	}
	if ev.Handle == nil {
		t.Error("completion should reference the published deck")
	}
}

func TestProcessNonAdvancingTurns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		intent domain.Intent
		text   string
		want   domain.EventKind
	}{
		{"unclassified", domain.Unclassified(), "hmm", domain.EventClarify},
		{"low confidence", domain.Intent{Kind: domain.IntentSubmitTopic, Confidence: 0.2}, "maybe", domain.EventClarify},
		{"illegal", domain.Intent{Kind: domain.IntentAcceptArtifact, Confidence: 0.9}, "accept", domain.EventIllegal},
		{"help", domain.Intent{Kind: domain.IntentAskQuestion, Confidence: 0.9}, "how does this work?", domain.EventHelp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, func(_ *Config, d *Deps) {
				d.Classifier = classifierFunc(func(domain.State, string) domain.Intent { return tt.intent })
			})
			sess := e.open(t)

			got, ev := e.say(t, sess.ID, tt.text)

			if ev.Kind != tt.want {
				t.Errorf("event = %s, want %s", ev.Kind, tt.want)
			}
			if got.State != domain.StateGreeting || ev.StateChanged() {
				t.Errorf("state moved to %s", got.State)
			}
			if ev.Message == "" {
				t.Error("empty message")
			}
			if tt.want == domain.EventIllegal && len(ev.Suggestions) == 0 {
				t.Error("illegal transition should suggest legal moves")
			}
			if len(got.History) != 3 || got.History[1].Content != tt.text {
				t.Errorf("history = %+v", got.History)
			}
			if len(got.Artifacts) != 0 {
				t.Errorf("artifacts written: %v", got.Artifacts)
			}
		})
	}
}

func TestProcessStaleWriteReruns(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	sess := e.open(t)

	var once sync.Once
	e.gen.mu.Lock()
	e.gen.hook = func(req generate.Request) {
		if req.Task != string(domain.StateGatherRequirements) {
			return
		}
		once.Do(func() {
			// Another process advances the stored version behind the cache.
			if _, err := e.repo.PutState(context.Background(), sess.ID, domain.StateGreeting); err != nil {
				t.Error(err)
			}
		})
	}
	e.gen.mu.Unlock()

	got, ev := e.say(t, sess.ID, "I need a presentation about solar energy")

	if ev.State != domain.StateGatherRequirements {
		t.Fatalf("state = %s", ev.State)
	}
	if n := len(e.gen.callsFor(domain.StateGatherRequirements)); n != 2 {
		t.Errorf("generation calls = %d, want 2", n)
	}
	e.obs.mu.Lock()
	stale := e.obs.stale
	e.obs.mu.Unlock()
	if stale != 1 {
		t.Errorf("stale writes = %d, want 1", stale)
	}
	if len(got.History) != 3 {
		t.Errorf("history = %d turns; the discarded attempt must leave no trace", len(got.History))
	}
}

func TestProcessPersistenceFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	sess := e.open(t)

	e.repo.failCommit.Store(true)
	_, _, err := e.orch.Process(context.Background(), sess.ID, "I need a presentation about solar energy")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Process() error = %v, want ErrPersistence", err)
	}

	e.repo.failCommit.Store(false)
	got, err := e.store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateGreeting || len(got.History) != 1 || len(got.Artifacts) != 0 {
		t.Errorf("failed turn left state %s, %d turns, %d slots", got.State, len(got.History), len(got.Artifacts))
	}
}

func TestProcessUnknownSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_, _, err := e.orch.Process(context.Background(), "missing", "hello")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Process() error = %v, want ErrNotFound", err)
	}
}

func TestProcessSameSessionTurnsDoNotInterleave(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(_ *Config, d *Deps) {
		d.Classifier = classifierFunc(func(domain.State, string) domain.Intent { return domain.Unclassified() })
	})
	sess := e.open(t)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, _, err := e.orch.Process(context.Background(), sess.ID, fmt.Sprintf("msg-%d", i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	got, err := e.repo.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.History) != 1+2*n {
		t.Fatalf("history = %d turns, want %d", len(got.History), 1+2*n)
	}
	seen := make(map[string]bool)
	for i := 1; i < len(got.History); i += 2 {
		u, s := got.History[i], got.History[i+1]
		if u.Role != domain.RoleUser || s.Role != domain.RoleSystem {
			t.Fatalf("turns %d,%d are %s,%s", i, i+1, u.Role, s.Role)
		}
		if seen[u.Content] {
			t.Errorf("duplicate turn %q", u.Content)
		}
		seen[u.Content] = true
	}
	for i, turn := range got.History {
		if turn.Seq != int64(i+1) {
			t.Errorf("turn %d has seq %d", i, turn.Seq)
		}
	}
	if e.orch.queue.len() != 0 {
		t.Error("queue not drained")
	}
}

func TestOpenReturningOwner(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.gen.on(domain.StateGreeting, reply{err: errors.New("provider down")})

	first, ev, err := e.orch.Open(context.Background(), "owner-2")
	if err != nil {
		t.Fatal(err)
	}
	if !ev.UsedFallback || first.ReturningOwner {
		t.Errorf("first open: fallback=%t returning=%t", ev.UsedFallback, first.ReturningOwner)
	}

	second, ev, err := e.orch.Open(context.Background(), "owner-2")
	if err != nil {
		t.Fatal(err)
	}
	if !second.ReturningOwner || !strings.Contains(ev.Message, "Welcome back") {
		t.Errorf("second open: returning=%t message=%q", second.ReturningOwner, ev.Message)
	}
	reqs := e.gen.callsFor(domain.StateGreeting)
	if !strings.Contains(reqs[len(reqs)-1].Prompt, `"returning_owner": true`) {
		t.Errorf("greeting prompt = %s", reqs[len(reqs)-1].Prompt)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()
	if _, err := New(DefaultConfig(), Deps{}); err == nil {
		t.Fatal("New() with no deps should fail")
	}
}
