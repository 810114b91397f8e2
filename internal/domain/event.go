// Package domain holds the entities, identifiers, and store contract shared
// by the bus, orchestrator, governance engine, and tool layer. It has no
// infrastructure dependencies.
package domain

import "time"

// Event types carried on the in-process bus.
const (
	EventConversationMessage = "conversation.message"
	EventGovernanceGuidance  = "governance.guidance"
)

// Event is an immutable in-process bus message. Type and ProjectID are never
// empty once validated; treat a published Event as read-only.
type Event struct {
	Type        string
	ProjectID   string
	Payload     map[string]any
	TS          time.Time
	RequestID   string
	Traceparent string
}

// NewEvent stamps an event with the current wall time.
func NewEvent(evtType, projectID string, payload map[string]any) Event {
	return Event{
		Type:      evtType,
		ProjectID: projectID,
		Payload:   payload,
		TS:        time.Now().UTC(),
	}
}
