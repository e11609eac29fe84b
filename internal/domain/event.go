package domain

import "encoding/json"

// EventKind names the outcome of one processed turn.
type EventKind string

const (
	EventGreeting  EventKind = "greeting"
	EventQuestions EventKind = "questions"
	EventPlan      EventKind = "plan"
	EventOutline   EventKind = "outline"
	EventRefined   EventKind = "refined"
	EventEnrich    EventKind = "enrich"
	EventClarify   EventKind = "clarify"
	EventHelp      EventKind = "help"
	EventIllegal   EventKind = "illegal_transition"
	EventCompleted EventKind = "completed"
)

// Units reports generation progress for a multi-unit artifact.
type Units struct {
	Total     int `json:"total"`
	Generated int `json:"generated"`
}

// OutlineSummary is the compact view of an outline handed to callers.
type OutlineSummary struct {
	MainTitle   string   `json:"main_title"`
	SlideTitles []string `json:"slide_titles"`
}

// Event is the internal, transport-neutral result of Process. Large
// artifacts never travel in an Event; the outline is referenced by Handle.
type Event struct {
	Kind         EventKind       `json:"kind"`
	SessionID    string          `json:"session_id"`
	State        State           `json:"state"`
	Previous     State           `json:"previous"`
	Intent       Intent          `json:"intent"`
	Slot         Slot            `json:"slot,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Summary      *OutlineSummary `json:"summary,omitempty"`
	Handle       *Handle         `json:"handle,omitempty"`
	UsedFallback bool            `json:"used_fallback,omitempty"`
	Units        *Units          `json:"units,omitempty"`
	Changes      []string        `json:"changes,omitempty"`
	Message      string          `json:"message,omitempty"`
	Suggestions  []string        `json:"suggestions,omitempty"`
}

// StateChanged reports whether the turn moved the session.
func (e *Event) StateChanged() bool {
	return e.State != e.Previous
}
