package contextpack

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ashureev/deckster/internal/domain"
)

// Field names one entry of a context packet.
type Field string

const (
	FieldReturningOwner       Field = "returning_owner"
	FieldInitialRequest       Field = "initial_request"
	FieldClarificationAnswers Field = "clarification_answers"
	FieldPlanFeedback         Field = "plan_feedback"
	FieldConfirmationPlan     Field = "confirmation_plan"
	FieldOutline              Field = "outline"
	FieldRefinementRequest    Field = "refinement_request"
)

// Recovery is a field rebuilt from history because its slot was empty.
type Recovery struct {
	Field Field
	Slot  domain.Slot
	Value json.RawMessage
}

// Packet is the minimal context handed to one generation step.
type Packet struct {
	State     domain.State
	fields    map[Field]json.RawMessage
	missing   []Field
	recovered []Recovery
}

func newPacket(state domain.State) *Packet {
	return &Packet{State: state, fields: make(map[Field]json.RawMessage)}
}

// Keys returns the populated fields in sorted order.
func (p *Packet) Keys() []Field {
	out := make([]Field, 0, len(p.fields))
	for f := range p.fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether f is populated.
func (p *Packet) Has(f Field) bool {
	_, ok := p.fields[f]
	return ok
}

// Raw returns the JSON value of f.
func (p *Packet) Raw(f Field) (json.RawMessage, bool) {
	v, ok := p.fields[f]
	return v, ok
}

// Text returns f decoded as a string, or "".
func (p *Packet) Text(f Field) string {
	var s string
	if v, ok := p.fields[f]; ok {
		_ = json.Unmarshal(v, &s)
	}
	return s
}

// Bool returns f decoded as a bool, or false.
func (p *Packet) Bool(f Field) bool {
	var b bool
	if v, ok := p.fields[f]; ok {
		_ = json.Unmarshal(v, &b)
	}
	return b
}

// Decode unmarshals f into dst.
func (p *Packet) Decode(f Field, dst any) error {
	v, ok := p.fields[f]
	if !ok {
		return fmt.Errorf("field %s not in packet", f)
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("decode %s: %w", f, err)
	}
	return nil
}

// Missing lists whitelisted fields that could not be resolved.
func (p *Packet) Missing() []Field {
	return append([]Field(nil), p.missing...)
}

// Recovered lists fields rebuilt from history.
func (p *Packet) Recovered() []Recovery {
	return append([]Recovery(nil), p.recovered...)
}

// Map returns the packet as prompt input. Values stay raw JSON.
func (p *Packet) Map() map[string]any {
	out := make(map[string]any, len(p.fields))
	for f, v := range p.fields {
		out[string(f)] = v
	}
	return out
}

// MarshalJSON encodes only the populated fields.
func (p *Packet) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Map())
}
