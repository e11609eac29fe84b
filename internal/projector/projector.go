// Package projector turns domain events into the ordered outbound messages
// a client renders.
package projector

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/deckster/internal/domain"
	"github.com/google/uuid"
)

// MessageType is the kind of an outbound message.
type MessageType string

const (
	TypeChat     MessageType = "chat_message"
	TypeAction   MessageType = "action_request"
	TypeStatus   MessageType = "status_update"
	TypeArtifact MessageType = "presentation_url"
)

// OutboundMessage is the envelope sent to clients.
type OutboundMessage struct {
	MessageID string          `json:"message_id"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// ChatPayload is conversational text with an optional short list.
type ChatPayload struct {
	Text      string   `json:"text"`
	ListItems []string `json:"list_items,omitempty"`
}

// Action is one labeled option of a choice request. Value is the text sent
// back when the option is picked.
type Action struct {
	Label   string `json:"label"`
	Value   string `json:"value"`
	Primary bool   `json:"primary,omitempty"`
}

// ActionPayload asks the user to pick one option.
type ActionPayload struct {
	Prompt  string   `json:"prompt"`
	Actions []Action `json:"actions"`
}

// Statuses carried by StatusPayload.
const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
	StatusError    = "error"
)

// StatusPayload reports progress.
type StatusPayload struct {
	Status        string `json:"status"`
	Text          string `json:"text"`
	Progress      *int   `json:"progress,omitempty"`
	EstimatedTime *int   `json:"estimated_time,omitempty"`
}

// ArtifactPayload is the compact view of an outline with its external handle.
type ArtifactPayload struct {
	ID           string        `json:"id,omitempty"`
	URL          string        `json:"url,omitempty"`
	MainTitle    string        `json:"main_title"`
	SlideTitles  []string      `json:"slide_titles,omitempty"`
	SlideCount   int           `json:"slide_count"`
	Units        *domain.Units `json:"units,omitempty"`
	UsedFallback bool          `json:"used_fallback,omitempty"`
	Partial      bool          `json:"partial,omitempty"`
	Changes      []string      `json:"changes,omitempty"`
}

// Projector builds outbound messages. Only ids and timestamps vary between
// calls; the count and type sequence depend on the state and event kind.
type Projector struct {
	now   func() time.Time
	newID func() string
}

// New returns a projector using UUIDs and the wall clock.
func New() *Projector {
	return &Projector{now: time.Now, newID: uuid.NewString}
}

// Project returns the messages for ev, which left the session in state.
// Events that did not advance the session yield a single chat message.
func (p *Projector) Project(state domain.State, ev domain.Event) []OutboundMessage {
	b := &builder{p: p, sessionID: ev.SessionID}

	switch ev.Kind {
	case domain.EventClarify, domain.EventIllegal:
		b.chat(ev.Message, ev.Suggestions)
		return b.out
	case domain.EventHelp, domain.EventCompleted:
		b.chat(ev.Message, nil)
		return b.out
	}

	switch state {
	case domain.StateGreeting:
		b.chat(ev.Message, nil)
	case domain.StateGatherRequirements:
		b.chat(ev.Message, questions(ev.Payload))
	case domain.StateProposePlan:
		text, items := plan(ev)
		b.chat(text, items)
		b.action("Does this plan work for you?",
			Action{Label: "Looks good", Value: "looks good", Primary: true},
			Action{Label: "Make changes", Value: "I'd like to change the plan"},
		)
	case domain.StateGenerateArtifact, domain.StateEnrichContent:
		b.status(ev)
		b.artifact(ev, false)
		b.action("Happy with the outline?",
			Action{Label: "Looks perfect", Value: "looks good", Primary: true},
			Action{Label: "Request changes", Value: "I'd like to make some changes"},
		)
	case domain.StateRefineArtifact:
		b.status(ev)
		b.artifact(ev, true)
		b.chat(ev.Message, nil)
		b.action("Anything else to change?",
			Action{Label: "Looks perfect", Value: "looks good", Primary: true},
			Action{Label: "More changes", Value: "I'd like to make some more changes"},
		)
	}
	return b.out
}

// Error returns the single status message reporting a failed turn.
func (p *Projector) Error(sessionID, text string) OutboundMessage {
	b := &builder{p: p, sessionID: sessionID}
	b.add(TypeStatus, StatusPayload{Status: StatusError, Text: text})
	return b.out[0]
}

var resumeText = map[domain.State]string{
	domain.StateGreeting:           "Welcome back! What would you like your presentation to be about?",
	domain.StateGatherRequirements: "Welcome back! Answer the questions above whenever you're ready.",
	domain.StateProposePlan:        "Welcome back! Let me know if the plan above works for you.",
	domain.StateGenerateArtifact:   "Welcome back! Your outline is ready for review.",
	domain.StateRefineArtifact:     "Welcome back! Tell me what else you'd like to change.",
	domain.StateEnrichContent:      "Welcome back! Your outline is ready for review.",
}

// Resumed returns the chat message sent when a client reattaches to an
// existing session.
func (p *Projector) Resumed(sessionID string, state domain.State) OutboundMessage {
	b := &builder{p: p, sessionID: sessionID}
	text, ok := resumeText[state]
	if !ok {
		text = "Welcome back!"
	}
	b.chat(text, nil)
	return b.out[0]
}

type builder struct {
	p         *Projector
	sessionID string
	out       []OutboundMessage
}

func (b *builder) add(t MessageType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	b.out = append(b.out, OutboundMessage{
		MessageID: b.p.newID(),
		SessionID: b.sessionID,
		Timestamp: b.p.now(),
		Type:      t,
		Payload:   raw,
	})
}

func (b *builder) chat(text string, items []string) {
	b.add(TypeChat, ChatPayload{Text: text, ListItems: items})
}

func (b *builder) action(prompt string, actions ...Action) {
	b.add(TypeAction, ActionPayload{Prompt: prompt, Actions: actions})
}

func (b *builder) status(ev domain.Event) {
	done := 100
	s := StatusPayload{Status: StatusComplete, Text: "Your outline is ready.", Progress: &done}
	if ev.UsedFallback {
		s.Status = StatusPartial
		s.Text = "Some slides could not be generated and are placeholders."
		if u := ev.Units; u != nil && u.Total > 0 {
			s.Text = fmt.Sprintf("%d of %d slides generated, the rest are placeholders.", u.Generated, u.Total)
		}
	}
	b.add(TypeStatus, s)
}

func (b *builder) artifact(ev domain.Event, partial bool) {
	a := ArtifactPayload{
		Units:        ev.Units,
		UsedFallback: ev.UsedFallback,
		Partial:      partial,
	}
	if ev.Handle != nil {
		a.ID = ev.Handle.ID
		a.URL = ev.Handle.URL
	}
	if s := ev.Summary; s != nil {
		a.MainTitle = s.MainTitle
		a.SlideCount = len(s.SlideTitles)
		if !partial {
			a.SlideTitles = s.SlideTitles
		}
	}
	if partial {
		a.Changes = ev.Changes
	}
	b.add(TypeArtifact, a)
}

func questions(payload json.RawMessage) []string {
	var q domain.ClarifyingQuestions
	if err := json.Unmarshal(payload, &q); err != nil {
		return nil
	}
	return q.Questions
}

func plan(ev domain.Event) (string, []string) {
	var p domain.ConfirmationPlan
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return ev.Message, nil
	}
	text := fmt.Sprintf("%s\n\nI'm planning %d slides.", p.SummaryOfUserRequest, p.ProposedSlideCount)
	if len(p.KeyAssumptions) > 0 {
		text += " I've assumed:"
	}
	return text, p.KeyAssumptions
}
