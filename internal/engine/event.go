package engine

import (
	"policy-engine/internal/model"
)

// EventState is the payload travelling along a dispatch chain. Blocks read
// the documents of the upstream action and may replace them for downstream
// targets.
type EventState struct {
	Documents []*model.PolicyDocument
	// Data carries block specific payload (drafts, references, results).
	Data map[string]interface{}
}

// StateOf wraps documents into an event state.
func StateOf(docs ...*model.PolicyDocument) *EventState {
	return &EventState{Documents: docs}
}

// Event is one delivery to a block's OnEvent. User is the resolved actor of
// the binding, never nil for user-scoped inputs. ScopeIDs is set only on
// timer ticks and carries the armed user scopes of the tick.
type Event struct {
	Input    model.InputEvent
	SourceID string
	User     *model.PolicyUser
	State    *EventState
	ScopeIDs []string
}
