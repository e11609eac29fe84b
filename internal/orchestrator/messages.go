package orchestrator

import (
	"fmt"
	"strings"

	"github.com/ashureev/deckster/internal/domain"
	"github.com/ashureev/deckster/internal/workflow"
)

var intentLabels = map[domain.IntentKind]string{
	domain.IntentSubmitTopic:    "Describe your presentation topic",
	domain.IntentSubmitAnswers:  "Answer the questions above",
	domain.IntentAcceptProposal: "Accept the plan",
	domain.IntentRejectProposal: "Revise the plan",
	domain.IntentRequestChanges: "Request changes to the outline",
	domain.IntentAcceptArtifact: "Accept the outline",
	domain.IntentChangeTopic:    "Start over with a new topic",
}

// suggestions lists what the user can do from state.
func suggestions(state domain.State) []string {
	var out []string
	for _, k := range workflow.Expected(state) {
		if l, ok := intentLabels[k]; ok {
			out = append(out, l)
		}
	}
	return out
}

func clarifyMessage(state domain.State) string {
	switch state {
	case domain.StateGreeting:
		return "What would you like your presentation to be about?"
	case domain.StateGatherRequirements:
		return "Could you answer the questions above in a sentence or two?"
	case domain.StateProposePlan:
		return "Should I go ahead with this plan, or would you like to change something?"
	case domain.StateGenerateArtifact, domain.StateRefineArtifact:
		return "Are you happy with the outline, or is there something you'd like changed?"
	case domain.StateEnrichContent:
		return "I'm still working on the slide content."
	}
	return "Sorry, I didn't catch that."
}

func illegalMessage(state domain.State) string {
	labels := suggestions(state)
	if len(labels) == 0 {
		return "I didn't understand that."
	}
	return fmt.Sprintf("I didn't understand that here. Did you mean: %s?", strings.ToLower(strings.Join(labels, ", or ")))
}

const completedMessage = "Great, the outline is final. You can start a new topic whenever you like."

func fallbackGreeting(returning bool) *domain.Greeting {
	if returning {
		return &domain.Greeting{Message: "Welcome back! What would you like to present this time?"}
	}
	return &domain.Greeting{Message: "Hello! I help you turn an idea into a presentation outline. What would you like to present?"}
}

func fallbackQuestions() *domain.ClarifyingQuestions {
	return &domain.ClarifyingQuestions{
		Type: domain.TypeClarifyingQuestions,
		Questions: []string{
			"Who is the audience for this presentation?",
			"How long should the presentation be?",
			"What should the audience remember afterwards?",
		},
	}
}

func fallbackPlan(request string) *domain.ConfirmationPlan {
	summary := strings.TrimSpace(request)
	if summary == "" {
		summary = "A presentation on the topic you described."
	}
	return &domain.ConfirmationPlan{
		Type:                 domain.TypeConfirmationPlan,
		SummaryOfUserRequest: summary,
		KeyAssumptions:       []string{},
		ProposedSlideCount:   DefaultSlideCount,
		Placeholder:          true,
	}
}

func outlineMessage(o *domain.Outline, u *domain.Units) string {
	if u.Generated < u.Total {
		return fmt.Sprintf("%d of %d slides generated, the rest are placeholders.", u.Generated, u.Total)
	}
	return fmt.Sprintf("Here is a %d-slide outline for %q.", u.Total, o.MainTitle)
}

func refinedMessage(changes []string) string {
	if len(changes) == 0 {
		return "I looked at your request but nothing in the outline needed to change."
	}
	return "Here's what changed:\n- " + strings.Join(changes, "\n- ")
}
