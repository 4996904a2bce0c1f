package api

import (
	"sort"
	"time"
)

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

const (
	SessionStatusStarted    SessionStatus = "started"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
	SessionStatusCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether no further mutation is permitted in this status.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusCancelled
}

// StepOutput is the recorded output of one completed step.
type StepOutput map[string]any

// StepData maps step order to that step's recorded output.
type StepData map[int]StepOutput

// Orders returns the recorded step orders in ascending order.
func (d StepData) Orders() []int {
	orders := make([]int, 0, len(d))
	for o := range d {
		orders = append(orders, o)
	}
	sort.Ints(orders)
	return orders
}

// Clone returns a deep copy of the data.
func (d StepData) Clone() StepData {
	if d == nil {
		return nil
	}
	out := make(StepData, len(d))
	for k, v := range d {
		out[k] = v.Clone()
	}
	return out
}

// Clone returns a deep copy of the output. Nested maps and slices, such
// as an analysis result, are copied too.
func (o StepOutput) Clone() StepOutput {
	if o == nil {
		return nil
	}
	return StepOutput(cloneMap(o))
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the JSON-shaped containers; scalars are returned as is.
func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case StepOutput:
		return StepOutput(cloneMap(v))
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	}
	return v
}

// SessionRefs links a session to business entities owned by the
// surrounding application.
type SessionRefs struct {
	OrderID   string `json:"order_id,omitempty"`
	PatientID string `json:"patient_id,omitempty"`
	TestID    string `json:"test_id,omitempty"`
}

// Session is one execution of a protocol. Steps pins the step list the
// session started with, so catalog edits never affect a running session.
type Session struct {
	ID          string        `json:"id"`
	Object      string        `json:"object"`
	ProtocolID  string        `json:"protocol_id"`
	Refs        SessionRefs   `json:"refs"`
	Status      SessionStatus `json:"status"`
	CurrentStep int           `json:"current_step"`
	Steps       []Step        `json:"steps"`
	Data        StepData      `json:"data"`
	Results     StepData      `json:"results,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Owner       string        `json:"owner,omitempty"`
	Version     int64         `json:"version"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// StepCount returns the number of steps in the pinned step list.
func (s *Session) StepCount() int {
	return len(s.Steps)
}

// Step returns the pinned step with the given order.
func (s *Session) Step(order int) (Step, bool) {
	return stepByOrder(s.Steps, order)
}

// Current returns the step the session is positioned on.
func (s *Session) Current() (Step, bool) {
	return s.Step(s.CurrentStep)
}

// CloneSession returns a deep copy safe for in-memory stores.
func CloneSession(in *Session) *Session {
	if in == nil {
		return nil
	}
	out := *in
	out.Steps = CloneSteps(in.Steps)
	out.Data = in.Data.Clone()
	out.Results = in.Results.Clone()
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
