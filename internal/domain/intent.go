package domain

// IntentKind names the purpose of one inbound user turn.
type IntentKind string

const (
	IntentSubmitTopic    IntentKind = "submit_topic"
	IntentSubmitAnswers  IntentKind = "submit_answers"
	IntentAcceptProposal IntentKind = "accept_proposal"
	IntentRejectProposal IntentKind = "reject_proposal"
	IntentRequestChanges IntentKind = "request_changes"
	IntentAcceptArtifact IntentKind = "accept_artifact"
	IntentChangeTopic    IntentKind = "change_topic"
	IntentAskQuestion    IntentKind = "ask_question"
	IntentUnclassified   IntentKind = "unclassified"
)

var allIntents = []IntentKind{
	IntentSubmitTopic,
	IntentSubmitAnswers,
	IntentAcceptProposal,
	IntentRejectProposal,
	IntentRequestChanges,
	IntentAcceptArtifact,
	IntentChangeTopic,
	IntentAskQuestion,
	IntentUnclassified,
}

// IntentKinds returns the closed intent vocabulary.
func IntentKinds() []IntentKind {
	out := make([]IntentKind, len(allIntents))
	copy(out, allIntents)
	return out
}

// Valid reports whether k belongs to the vocabulary.
func (k IntentKind) Valid() bool {
	for _, v := range allIntents {
		if v == k {
			return true
		}
	}
	return false
}

// Intent is the classification of a single turn. It is never persisted
// beyond the turn that produced it.
type Intent struct {
	Kind       IntentKind `json:"kind"`
	Confidence float64    `json:"confidence"`
	Extracted  string     `json:"extracted,omitempty"`
}

// Unclassified returns the sentinel intent used when nothing matched.
func Unclassified() Intent {
	return Intent{Kind: IntentUnclassified}
}
