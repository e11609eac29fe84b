package orchestrator

import (
	"testing"

	"github.com/ashureev/deckster/internal/domain"
	"github.com/google/go-cmp/cmp"
)

func TestNormalizeOutline(t *testing.T) {
	t.Parallel()

	o := &domain.Outline{
		MainTitle: "Solar",
		Slides: []domain.Slide{
			{SlideNumber: 9, SlideID: "x", Title: "Intro", SlideType: domain.SlideTitle, Narrative: "n"},
			{Title: "", SlideType: domain.SlideContentHeavy, Narrative: "missing title"},
			{Title: "Costs", SlideType: "chart", Narrative: "bad type"},
		},
	}
	replaced := normalizeOutline(o, 5)

	if replaced != 4 {
		t.Errorf("replaced = %d, want 4", replaced)
	}
	if o.Type != domain.TypeOutline {
		t.Errorf("type = %q", o.Type)
	}
	var ids []string
	for i, s := range o.Slides {
		if s.SlideNumber != i+1 {
			t.Errorf("slide %d numbered %d", i, s.SlideNumber)
		}
		ids = append(ids, s.SlideID)
	}
	want := []string{"slide_001", "slide_002", "slide_003", "slide_004", "slide_005"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if o.Slides[0].Placeholder || !o.Slides[1].Placeholder || !o.Slides[4].Placeholder {
		t.Error("placeholder flags wrong")
	}
	if o.Slides[4].SlideType != domain.SlideConclusion {
		t.Errorf("last placeholder type = %s", o.Slides[4].SlideType)
	}
	if o.Slides[0].KeyPoints == nil {
		t.Error("key points should be an empty list, not null")
	}
}

func TestNormalizeOutlineKeepsExtraSlides(t *testing.T) {
	t.Parallel()

	o := fallbackOutline("Deck", 3)
	for i := range o.Slides {
		o.Slides[i].Placeholder = false
	}
	if n := normalizeOutline(o, 2); n != 0 || len(o.Slides) != 3 {
		t.Errorf("normalize(3 slides, want 2) = %d replaced, %d slides", n, len(o.Slides))
	}
}

func TestFallbackOutline(t *testing.T) {
	t.Parallel()

	o := fallbackOutline("", 0)
	if o.MainTitle == "" || len(o.Slides) != DefaultSlideCount {
		t.Fatalf("fallback = %q with %d slides", o.MainTitle, len(o.Slides))
	}
	if err := o.Validate(); err != nil {
		t.Errorf("fallback outline invalid: %v", err)
	}
	u := units(o)
	if u.Generated != 0 || u.Total != DefaultSlideCount {
		t.Errorf("units = %+v", u)
	}
}

func TestDiffOutlines(t *testing.T) {
	t.Parallel()

	before := fallbackOutline("Deck", 3)
	after := fallbackOutline("Better deck", 4)
	after.Slides[0].Title = "Welcome"
	after.Slides[1].Narrative = "Tighter story."
	after.Slides[2].SlideType = domain.SlideContentHeavy
	after.Slides[2].Title = before.Slides[2].Title

	got := diffOutlines(before, after)
	want := []string{
		`Retitled the presentation to "Better deck"`,
		`Slide 1: "Slide 1" is now "Welcome"`,
		`Slide 2: updated "Slide 2"`,
		`Slide 3: updated "Slide 3"`,
		`Added slide 4: "Slide 4"`,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("diff mismatch (-want +got):\n%s", diff)
	}

	if got := diffOutlines(before, before); len(got) != 0 {
		t.Errorf("identical outlines reported %v", got)
	}
}
