package contextpack

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/deckster/internal/domain"
)

// History recovery scans turns newest first and takes the first structural
// match. A change of topic is a barrier: nothing older than the latest
// change_topic turn belongs to the current conversation.

func recoverInitialRequest(history []domain.Turn) (json.RawMessage, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if t.Role != domain.RoleUser {
			continue
		}
		switch t.Intent {
		case domain.IntentSubmitTopic:
			return textValue(t.Content)
		case domain.IntentChangeTopic:
			if t.Extracted != "" {
				return textValue(t.Extracted)
			}
			return textValue(t.Content)
		}
	}
	return nil, false
}

func recoverAnswers(history []domain.Turn) (json.RawMessage, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if t.Role != domain.RoleUser {
			continue
		}
		if t.Intent == domain.IntentChangeTopic {
			return nil, false
		}
		if t.Intent == domain.IntentSubmitAnswers && strings.TrimSpace(t.Content) != "" {
			b, err := json.Marshal(domain.ClarificationAnswers{Text: strings.TrimSpace(t.Content)})
			if err != nil {
				return nil, false
			}
			return b, true
		}
	}
	return nil, false
}

// recoverUserText returns the latest user turn tagged kind, stopping at a
// change of topic or at any turn tagged one of the barrier intents.
func recoverUserText(kind domain.IntentKind, barriers ...domain.IntentKind) func([]domain.Turn) (json.RawMessage, bool) {
	return func(history []domain.Turn) (json.RawMessage, bool) {
		for i := len(history) - 1; i >= 0; i-- {
			t := history[i]
			if t.Role != domain.RoleUser {
				continue
			}
			if t.Intent == kind {
				return textValue(t.Content)
			}
			if t.Intent == domain.IntentChangeTopic {
				return nil, false
			}
			for _, b := range barriers {
				if t.Intent == b {
					return nil, false
				}
			}
		}
		return nil, false
	}
}

func recoverPlan(history []domain.Turn) (json.RawMessage, bool) {
	return recoverSystem(history, func(raw []byte) bool {
		var p domain.ConfirmationPlan
		return json.Unmarshal(raw, &p) == nil && p.Type == domain.TypeConfirmationPlan && p.Validate() == nil
	})
}

func recoverOutline(history []domain.Turn) (json.RawMessage, bool) {
	return recoverSystem(history, func(raw []byte) bool {
		var o domain.Outline
		return json.Unmarshal(raw, &o) == nil && o.Type == domain.TypeOutline && o.Validate() == nil
	})
}

// recoverSystem returns the newest system turn whose content satisfies match.
func recoverSystem(history []domain.Turn, match func([]byte) bool) (json.RawMessage, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if t.Role == domain.RoleUser && t.Intent == domain.IntentChangeTopic {
			return nil, false
		}
		if t.Role != domain.RoleSystem {
			continue
		}
		c := strings.TrimSpace(t.Content)
		if !strings.HasPrefix(c, "{") {
			continue
		}
		if match([]byte(c)) {
			return json.RawMessage(c), true
		}
	}
	return nil, false
}

func textValue(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, false
	}
	return b, true
}
