// Package intent classifies inbound user turns.
package intent

import (
	"context"
	"strings"
	"unicode"

	"github.com/ashureev/deckster/internal/domain"
)

// Classifier maps a user turn to an intent. Implementations hold no hidden
// state: identical inputs yield identical output.
type Classifier interface {
	Classify(ctx context.Context, state domain.State, text string, recent []domain.Turn) domain.Intent
}

// Confidence levels returned by the rule classifier.
const (
	confidenceStrong = 0.95
	confidenceHigh   = 0.9
	confidenceMedium = 0.75
	confidenceWeak   = 0.4
)

var (
	changeTopicPhrases = []string{
		"change topic", "change the topic", "new topic", "different topic",
		"start over", "start again", "start from scratch", "forget it", "forget that",
		"forget about", "scrap that", "never mind", "nevermind", "instead let's",
		"let's do a presentation on", "let's do a presentation about",
		"actually let's do", "actually i want", "switch topic", "switch to a",
	}
	// Stripped from the front of a change-of-topic message to extract the new topic.
	topicLeadIns = []string{
		"let's do a presentation on", "let's do a presentation about",
		"a presentation on", "a presentation about", "presentation on",
		"presentation about", "instead", "let's do", "let's talk about",
		"i want", "about", "on",
	}
	helpPhrases = []string{
		"how long", "how does this work", "how does it work", "what do you mean",
		"what is a", "what's a", "what does", "what happens", "what can you",
		"help", "confused", "i don't understand", "explain the process",
		"what are the steps", "what next", "what's next",
	}
	acceptPhrases = []string{
		"yes", "yep", "yeah", "yup", "sure", "ok", "okay", "looks good", "look good",
		"sounds good", "sounds great", "perfect", "great", "go ahead", "proceed",
		"approve", "approved", "lgtm", "that works", "works for me", "do it",
		"let's go", "happy with", "i'm happy", "love it", "that's it", "done",
		"ship it", "all good", "fine", "correct", "exactly",
	}
	rejectPhrases = []string{
		"no", "nope", "not quite", "not right", "don't", "do not", "wrong",
		"change", "revise", "adjust", "instead", "fewer", "more slides", "less",
		"but", "however", "rather", "remove", "add", "different",
	}
	// Phrases that deny a change read as approval. Longer phrases come first
	// so that stripping leaves no fragment behind.
	negatedChangePhrases = []string{
		"don't change anything", "do not change anything", "don't change a thing",
		"no more changes", "no further changes", "nothing to add", "nothing to change",
		"nothing else", "no changes", "no change", "no edits", "no problems",
		"no problem", "don't change", "do not change",
	}
	editPhrases = []string{
		"make", "change", "add", "remove", "delete", "combine", "merge", "split",
		"shorter", "longer", "shorten", "expand", "replace", "rename", "move",
		"swap", "reorder", "more", "less", "fewer", "instead", "update", "rewrite",
		"fix", "drop", "include", "focus", "simplify", "slide",
	}
	greetingOnly = []string{
		"hi", "hello", "hey", "hi there", "hello there", "good morning",
		"good afternoon", "good evening", "thanks", "thank you",
	}
	bareAnswers = []string{"yes", "no", "ok", "okay", "sure", "yep", "nope", "maybe"}
)

// RuleClassifier is a deterministic keyword classifier. It ignores the
// history window.
type RuleClassifier struct{}

// NewRuleClassifier returns the rule-based classifier.
func NewRuleClassifier() *RuleClassifier { return &RuleClassifier{} }

// Classify implements Classifier.
func (RuleClassifier) Classify(_ context.Context, state domain.State, text string, _ []domain.Turn) domain.Intent {
	n := normalize(text)
	if n == "" {
		return domain.Unclassified()
	}

	if state != domain.StateGreeting && matchAny(n, changeTopicPhrases) {
		return domain.Intent{
			Kind:       domain.IntentChangeTopic,
			Confidence: confidenceHigh,
			Extracted:  extractTopic(text),
		}
	}

	question := strings.HasSuffix(strings.TrimSpace(text), "?")
	if matchAny(n, helpPhrases) && (question || wordCount(n) <= 4) {
		// "can you make slide 2 shorter?" is an edit, not a meta-question.
		if !(isOutlineState(state) && matchAny(n, editPhrases)) {
			return domain.Intent{Kind: domain.IntentAskQuestion, Confidence: confidenceMedium}
		}
	}

	switch state {
	case domain.StateGreeting:
		if matchExact(n, greetingOnly) {
			return domain.Unclassified()
		}
		conf := confidenceHigh
		if wordCount(n) < 3 {
			conf = confidenceMedium
		}
		return domain.Intent{Kind: domain.IntentSubmitTopic, Confidence: conf, Extracted: strings.TrimSpace(text)}

	case domain.StateGatherRequirements:
		if matchExact(n, bareAnswers) {
			return domain.Unclassified()
		}
		conf := confidenceHigh
		if wordCount(n) < 4 {
			conf = confidenceMedium
		}
		return domain.Intent{Kind: domain.IntentSubmitAnswers, Confidence: conf}

	case domain.StateProposePlan:
		rest, negated := stripNegatedChanges(n)
		accept := negated || matchAny(rest, acceptPhrases)
		reject := matchAny(rest, rejectPhrases)
		switch {
		case reject:
			return domain.Intent{Kind: domain.IntentRejectProposal, Confidence: confidenceHigh, Extracted: strings.TrimSpace(text)}
		case accept:
			return domain.Intent{Kind: domain.IntentAcceptProposal, Confidence: confidenceStrong}
		}
		return domain.Intent{Kind: domain.IntentRejectProposal, Confidence: confidenceWeak, Extracted: strings.TrimSpace(text)}

	case domain.StateGenerateArtifact, domain.StateRefineArtifact:
		rest, negated := stripNegatedChanges(n)
		edit := matchAny(rest, editPhrases)
		accept := negated || matchAny(rest, acceptPhrases)
		switch {
		case edit:
			return domain.Intent{Kind: domain.IntentRequestChanges, Confidence: confidenceHigh, Extracted: strings.TrimSpace(text)}
		case accept:
			return domain.Intent{Kind: domain.IntentAcceptArtifact, Confidence: confidenceStrong}
		}
		if wordCount(n) >= 4 {
			return domain.Intent{Kind: domain.IntentRequestChanges, Confidence: confidenceWeak, Extracted: strings.TrimSpace(text)}
		}
		return domain.Unclassified()

	case domain.StateEnrichContent:
		return domain.Unclassified()
	}
	return domain.Unclassified()
}

func isOutlineState(s domain.State) bool {
	return s == domain.StateGenerateArtifact || s == domain.StateRefineArtifact
}

// normalize lowercases text, folds curly apostrophes and collapses
// everything that is not a letter, digit or apostrophe into single spaces.
func normalize(text string) string {
	text = strings.ReplaceAll(strings.ToLower(text), "’", "'")
	var b strings.Builder
	space := true
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// matchAny reports whether any phrase occurs in n on word boundaries.
func matchAny(n string, phrases []string) bool {
	padded := " " + n + " "
	for _, p := range phrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}

// stripNegatedChanges removes every phrase that denies a change from n and
// reports whether one was found.
func stripNegatedChanges(n string) (string, bool) {
	padded := " " + n + " "
	found := false
	for _, p := range negatedChangePhrases {
		for strings.Contains(padded, " "+p+" ") {
			padded = strings.Replace(padded, " "+p+" ", " ", 1)
			found = true
		}
	}
	return strings.Join(strings.Fields(padded), " "), found
}

func matchExact(n string, phrases []string) bool {
	for _, p := range phrases {
		if n == p {
			return true
		}
	}
	return false
}

func wordCount(n string) int {
	return len(strings.Fields(n))
}

// extractTopic trims change-of-topic lead-ins so that "forget it, let's do
// a presentation on tidal power instead" yields "tidal power". The full text
// is returned when nothing is left.
func extractTopic(text string) string {
	n := normalize(text)
	for _, p := range changeTopicPhrases {
		if i := strings.Index(" "+n+" ", " "+p+" "); i >= 0 {
			n = strings.TrimSpace(n[i+len(p):])
		}
	}
	for changed := true; changed; {
		changed = false
		for _, p := range topicLeadIns {
			if strings.HasPrefix(n, p+" ") {
				n = strings.TrimSpace(strings.TrimPrefix(n, p))
				changed = true
			}
		}
	}
	n = strings.TrimSpace(strings.TrimSuffix(n, " instead"))
	if n == "" || n == "instead" {
		return strings.TrimSpace(text)
	}
	return n
}
