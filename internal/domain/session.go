package domain

import (
	"encoding/json"
	"time"
)

// Slot names one artifact position in a session.
type Slot string

const (
	SlotInitialRequest       Slot = "initial_request"
	SlotClarificationAnswers Slot = "clarification_answers"
	SlotConfirmationPlan     Slot = "confirmation_plan"
	SlotOutline              Slot = "outline"
	SlotFeedback             Slot = "feedback"
	SlotPresentationHandle   Slot = "presentation_handle"
)

// Slots returns every artifact slot. A change of topic purges all of them.
func Slots() []Slot {
	return []Slot{
		SlotInitialRequest,
		SlotClarificationAnswers,
		SlotConfirmationPlan,
		SlotOutline,
		SlotFeedback,
		SlotPresentationHandle,
	}
}

// Valid reports whether s is a known slot.
func (s Slot) Valid() bool {
	for _, v := range Slots() {
		if v == s {
			return true
		}
	}
	return false
}

// Role identifies who produced a turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// Turn is one immutable entry of the conversation history.
type Turn struct {
	Seq       int64      `json:"seq"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Intent    IntentKind `json:"intent,omitempty"`
	Extracted string     `json:"extracted,omitempty"`
	State     State      `json:"state,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Session is the durable root entity of one conversation.
type Session struct {
	ID        string                   `json:"id"`
	OwnerID   string                   `json:"owner_id"`
	State     State                    `json:"state"`
	Version   int64                    `json:"version"`
	Artifacts map[Slot]json.RawMessage `json:"artifacts"`
	History   []Turn                   `json:"history"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`

	// ReturningOwner is true when the owner had other sessions before this
	// one was created. Not persisted.
	ReturningOwner bool `json:"-"`
}

// NewSession returns a session in the initial state with empty artifacts
// and history.
func NewSession(id, ownerID string, now time.Time) *Session {
	return &Session{
		ID:        id,
		OwnerID:   ownerID,
		State:     StateGreeting,
		Artifacts: make(map[Slot]json.RawMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Artifact returns the raw value stored in slot, or nil when empty.
func (s *Session) Artifact(slot Slot) json.RawMessage {
	v := s.Artifacts[slot]
	if len(v) == 0 || string(v) == "null" {
		return nil
	}
	return v
}

// HasArtifact reports whether slot holds a value.
func (s *Session) HasArtifact(slot Slot) bool {
	return s.Artifact(slot) != nil
}

// RecentHistory returns at most the last n turns.
func (s *Session) RecentHistory(n int) []Turn {
	if n <= 0 {
		return nil
	}
	if n >= len(s.History) {
		out := make([]Turn, len(s.History))
		copy(out, s.History)
		return out
	}
	out := make([]Turn, n)
	copy(out, s.History[len(s.History)-n:])
	return out
}

// NextSeq returns the sequence number the next appended turn should carry.
func (s *Session) NextSeq() int64 {
	if len(s.History) == 0 {
		return 1
	}
	return s.History[len(s.History)-1].Seq + 1
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Artifacts = make(map[Slot]json.RawMessage, len(s.Artifacts))
	for k, v := range s.Artifacts {
		c.Artifacts[k] = append(json.RawMessage(nil), v...)
	}
	c.History = make([]Turn, len(s.History))
	copy(c.History, s.History)
	return &c
}
