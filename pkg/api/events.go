package api

import "time"

// EventType discriminates the engine event union.
type EventType string

// Step events track movement of the session's step pointer.
const (
	EventStepEntered   EventType = "step.entered"
	EventStepCompleted EventType = "step.completed"
	EventStepRegressed EventType = "step.regressed"
)

// Session events are terminal: no further step events follow them.
const (
	EventSessionCompleted EventType = "session.completed"
	EventSessionCancelled EventType = "session.cancelled"
	EventSessionFailed    EventType = "session.failed"
)

// Timer and capture events.
const (
	EventTimerTick       EventType = "timer.tick"
	EventTimerCompleted  EventType = "timer.completed"
	EventCaptureAnalyzed EventType = "capture.analyzed"
)

// Event is a single engine event. Which optional fields are set depends on
// Type: step events carry StepOrder (and Output for step.completed), session
// events carry the Session snapshot, timer events carry Remaining, and
// capture.analyzed carries the Capture.
type Event struct {
	Type           EventType  `json:"type"`
	SessionID      string     `json:"session_id"`
	SequenceNumber int64      `json:"sequence_number"`
	StepOrder      int        `json:"step_order,omitempty"`
	Output         StepOutput `json:"output,omitempty"`
	Session        *Session   `json:"session,omitempty"`
	Capture        *Capture   `json:"capture,omitempty"`
	Remaining      *int       `json:"remaining_seconds,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Time           time.Time  `json:"time"`
}

// IsTerminal reports whether the event ends the session's event stream.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventSessionCompleted, EventSessionCancelled, EventSessionFailed:
		return true
	}
	return false
}
