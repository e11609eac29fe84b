package orchestrator

import (
	"fmt"
	"strings"

	"github.com/ashureev/deckster/internal/domain"
)

// DefaultSlideCount is used when no accepted plan states a slide count.
const DefaultSlideCount = 10

// normalizeOutline renumbers slides, assigns canonical ids, replaces slides
// that fail validation with placeholders and pads to want slides. It
// reports how many slides were replaced or added.
func normalizeOutline(o *domain.Outline, want int) int {
	o.Type = domain.TypeOutline
	total := len(o.Slides)
	if want > total {
		total = want
	}

	replaced := 0
	for i := range o.Slides {
		n := i + 1
		s := &o.Slides[i]
		s.SlideNumber = n
		s.SlideID = domain.SlideID(n)
		if s.KeyPoints == nil {
			s.KeyPoints = []string{}
		}
		if err := s.Validate(); err != nil {
			*s = domain.PlaceholderSlide(n, total)
			replaced++
		}
	}
	for n := len(o.Slides) + 1; n <= total; n++ {
		o.Slides = append(o.Slides, domain.PlaceholderSlide(n, total))
		replaced++
	}
	return replaced
}

// fallbackOutline returns an outline of n placeholder slides.
func fallbackOutline(title string, n int) *domain.Outline {
	if n < 1 {
		n = DefaultSlideCount
	}
	if strings.TrimSpace(title) == "" {
		title = "Untitled presentation"
	}
	o := &domain.Outline{
		Type:      domain.TypeOutline,
		MainTitle: title,
		Slides:    make([]domain.Slide, 0, n),
	}
	for i := 1; i <= n; i++ {
		o.Slides = append(o.Slides, domain.PlaceholderSlide(i, n))
	}
	return o
}

func summarize(o *domain.Outline) *domain.OutlineSummary {
	s := &domain.OutlineSummary{MainTitle: o.MainTitle, SlideTitles: make([]string, 0, len(o.Slides))}
	for _, sl := range o.Slides {
		s.SlideTitles = append(s.SlideTitles, sl.Title)
	}
	return s
}

func units(o *domain.Outline) *domain.Units {
	return &domain.Units{Total: len(o.Slides), Generated: len(o.Slides) - o.PlaceholderCount()}
}

// diffOutlines describes what a refinement changed, in slide order.
func diffOutlines(before, after *domain.Outline) []string {
	var changes []string
	if before.MainTitle != after.MainTitle {
		changes = append(changes, fmt.Sprintf("Retitled the presentation to %q", after.MainTitle))
	}

	common := min(len(before.Slides), len(after.Slides))
	for i := 0; i < common; i++ {
		b, a := before.Slides[i], after.Slides[i]
		switch {
		case b.Title != a.Title:
			changes = append(changes, fmt.Sprintf("Slide %d: %q is now %q", i+1, b.Title, a.Title))
		case !sameSlideContent(b, a):
			changes = append(changes, fmt.Sprintf("Slide %d: updated %q", i+1, a.Title))
		}
	}
	for i := common; i < len(after.Slides); i++ {
		changes = append(changes, fmt.Sprintf("Added slide %d: %q", i+1, after.Slides[i].Title))
	}
	for i := common; i < len(before.Slides); i++ {
		changes = append(changes, fmt.Sprintf("Removed slide %d: %q", i+1, before.Slides[i].Title))
	}
	return changes
}

func sameSlideContent(a, b domain.Slide) bool {
	if a.SlideType != b.SlideType || a.Narrative != b.Narrative || a.SpeakerNotes != b.SpeakerNotes {
		return false
	}
	if len(a.KeyPoints) != len(b.KeyPoints) {
		return false
	}
	for i := range a.KeyPoints {
		if a.KeyPoints[i] != b.KeyPoints[i] {
			return false
		}
	}
	return a.VisualsNeeded == b.VisualsNeeded &&
		a.AnalyticsNeeded == b.AnalyticsNeeded &&
		a.DiagramsNeeded == b.DiagramsNeeded &&
		a.TablesNeeded == b.TablesNeeded
}
