package models

// EventType tags a progress message sent to the caller of a session.
type EventType string

const (
	EventStatus       EventType = "status"
	EventPlan         EventType = "plan"
	EventFiles        EventType = "files"
	EventVerification EventType = "verification"
	EventComplete     EventType = "complete"
	EventError        EventType = "error"
)

// Event is one progress message. A session emits any number of events and
// ends with exactly one complete or error event.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// Terminal reports whether the event ends a session stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}
