package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Artifact type tags carried in the "type" field of structured outputs.
const (
	TypeClarifyingQuestions = "ClarifyingQuestions"
	TypeConfirmationPlan    = "ConfirmationPlan"
	TypeOutline             = "PresentationStrawman"
)

// Bounds enforced by artifact validation.
const (
	MinQuestions  = 3
	MaxQuestions  = 5
	MinSlideCount = 2
	MaxSlideCount = 30
)

// ErrInvalidArtifact is wrapped by every validation failure.
var ErrInvalidArtifact = errors.New("invalid artifact")

// Greeting is the conversational output of the GREETING state.
type Greeting struct {
	Message string `json:"message"`
}

// Validate checks the greeting shape.
func (g *Greeting) Validate() error {
	if strings.TrimSpace(g.Message) == "" {
		return fmt.Errorf("%w: empty greeting", ErrInvalidArtifact)
	}
	return nil
}

// ClarifyingQuestions is the output of GATHER_REQUIREMENTS.
type ClarifyingQuestions struct {
	Type      string   `json:"type"`
	Questions []string `json:"questions"`
}

// Validate checks question count and that no question is blank.
func (q *ClarifyingQuestions) Validate() error {
	if q.Type != "" && q.Type != TypeClarifyingQuestions {
		return fmt.Errorf("%w: type %q", ErrInvalidArtifact, q.Type)
	}
	if n := len(q.Questions); n < MinQuestions || n > MaxQuestions {
		return fmt.Errorf("%w: %d questions, want %d-%d", ErrInvalidArtifact, n, MinQuestions, MaxQuestions)
	}
	for i, v := range q.Questions {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: question %d is empty", ErrInvalidArtifact, i+1)
		}
	}
	return nil
}

// ClarificationAnswers records the user's answers to the clarifying questions.
type ClarificationAnswers struct {
	Text      string   `json:"text"`
	Questions []string `json:"questions,omitempty"`
}

// ConfirmationPlan is the output of PROPOSE_PLAN.
type ConfirmationPlan struct {
	Type                 string   `json:"type"`
	SummaryOfUserRequest string   `json:"summary_of_user_request"`
	KeyAssumptions       []string `json:"key_assumptions"`
	ProposedSlideCount   int      `json:"proposed_slide_count"`
	Placeholder          bool     `json:"placeholder,omitempty"`
}

// Validate checks the plan shape.
func (p *ConfirmationPlan) Validate() error {
	if p.Type != "" && p.Type != TypeConfirmationPlan {
		return fmt.Errorf("%w: type %q", ErrInvalidArtifact, p.Type)
	}
	if strings.TrimSpace(p.SummaryOfUserRequest) == "" {
		return fmt.Errorf("%w: plan has no summary", ErrInvalidArtifact)
	}
	if p.ProposedSlideCount < MinSlideCount || p.ProposedSlideCount > MaxSlideCount {
		return fmt.Errorf("%w: proposed_slide_count %d out of range", ErrInvalidArtifact, p.ProposedSlideCount)
	}
	return nil
}

// SlideType classifies a slide.
type SlideType string

const (
	SlideTitle          SlideType = "title_slide"
	SlideSectionDivider SlideType = "section_divider"
	SlideContentHeavy   SlideType = "content_heavy"
	SlideVisualHeavy    SlideType = "visual_heavy"
	SlideDataDriven     SlideType = "data_driven"
	SlideDiagramFocused SlideType = "diagram_focused"
	SlideMixedContent   SlideType = "mixed_content"
	SlideConclusion     SlideType = "conclusion_slide"
)

// SlideTypes returns the closed slide type set.
func SlideTypes() []SlideType {
	return []SlideType{
		SlideTitle, SlideSectionDivider, SlideContentHeavy, SlideVisualHeavy,
		SlideDataDriven, SlideDiagramFocused, SlideMixedContent, SlideConclusion,
	}
}

func (t SlideType) valid() bool {
	for _, v := range SlideTypes() {
		if v == t {
			return true
		}
	}
	return false
}

// Slide is one unit of an outline.
type Slide struct {
	SlideNumber         int       `json:"slide_number"`
	SlideID             string    `json:"slide_id"`
	Title               string    `json:"title"`
	SlideType           SlideType `json:"slide_type"`
	Narrative           string    `json:"narrative"`
	KeyPoints           []string  `json:"key_points"`
	AnalyticsNeeded     string    `json:"analytics_needed,omitempty"`
	VisualsNeeded       string    `json:"visuals_needed,omitempty"`
	DiagramsNeeded      string    `json:"diagrams_needed,omitempty"`
	TablesNeeded        string    `json:"tables_needed,omitempty"`
	StructurePreference string    `json:"structure_preference,omitempty"`
	SpeakerNotes        string    `json:"speaker_notes,omitempty"`
	Placeholder         bool      `json:"placeholder,omitempty"`
}

// Validate checks a single slide.
func (s *Slide) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("%w: slide %d has no title", ErrInvalidArtifact, s.SlideNumber)
	}
	if strings.TrimSpace(s.Narrative) == "" {
		return fmt.Errorf("%w: slide %d has no narrative", ErrInvalidArtifact, s.SlideNumber)
	}
	if !s.SlideType.valid() {
		return fmt.Errorf("%w: slide %d has type %q", ErrInvalidArtifact, s.SlideNumber, s.SlideType)
	}
	return nil
}

// Outline is the full structured presentation produced by GENERATE_ARTIFACT
// and REFINE_ARTIFACT.
type Outline struct {
	Type                 string  `json:"type"`
	MainTitle            string  `json:"main_title"`
	OverallTheme         string  `json:"overall_theme"`
	Slides               []Slide `json:"slides"`
	DesignSuggestions    string  `json:"design_suggestions"`
	TargetAudience       string  `json:"target_audience"`
	PresentationDuration int     `json:"presentation_duration"`
}

// Validate checks the outline envelope. Individual slides are checked
// separately so a single bad slide can be replaced instead of rejecting the
// whole outline.
func (o *Outline) Validate() error {
	if o.Type != "" && o.Type != TypeOutline {
		return fmt.Errorf("%w: type %q", ErrInvalidArtifact, o.Type)
	}
	if strings.TrimSpace(o.MainTitle) == "" {
		return fmt.Errorf("%w: outline has no main_title", ErrInvalidArtifact)
	}
	if len(o.Slides) == 0 {
		return fmt.Errorf("%w: outline has no slides", ErrInvalidArtifact)
	}
	return nil
}

// PlaceholderCount returns how many slides are placeholders.
func (o *Outline) PlaceholderCount() int {
	n := 0
	for _, s := range o.Slides {
		if s.Placeholder {
			n++
		}
	}
	return n
}

// SlideID formats the canonical id of the slide at 1-based position n.
func SlideID(n int) string {
	return fmt.Sprintf("slide_%03d", n)
}

// PlaceholderSlide returns a flagged stand-in for slide n of total.
func PlaceholderSlide(n, total int) Slide {
	t := SlideContentHeavy
	switch {
	case n == 1:
		t = SlideTitle
	case n == total:
		t = SlideConclusion
	}
	return Slide{
		SlideNumber: n,
		SlideID:     SlideID(n),
		Title:       fmt.Sprintf("Slide %d", n),
		SlideType:   t,
		Narrative:   "Content for this slide could not be generated yet.",
		KeyPoints:   []string{},
		Placeholder: true,
	}
}

// Handle is the compact external reference returned to callers in place of
// a full outline.
type Handle struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
