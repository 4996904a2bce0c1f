package api

import "time"

// AuditEventType names a session-affecting event in the audit log.
type AuditEventType string

const (
	AuditSessionCreated    AuditEventType = "session_created"
	AuditStepCompleted     AuditEventType = "step_completed"
	AuditStepRegressed     AuditEventType = "step_regressed"
	AuditSessionCompleted  AuditEventType = "session_completed"
	AuditSessionCancelled  AuditEventType = "session_cancelled"
	AuditSessionFailed     AuditEventType = "session_failed"
	AuditCaptureCreated    AuditEventType = "capture_created"
	AuditAnalysisSubmitted AuditEventType = "analysis_submitted"
	AuditAnalysisCompleted AuditEventType = "analysis_completed"
	AuditAnalysisFailed    AuditEventType = "analysis_failed"
)

// AuditEntry is one append-only record in a session's timeline. For
// capture events the statuses are analysis statuses.
type AuditEntry struct {
	ID           int64          `json:"id"`
	SessionID    string         `json:"session_id"`
	EventType    AuditEventType `json:"event_type"`
	BeforeStatus string         `json:"before_status,omitempty"`
	AfterStatus  string         `json:"after_status,omitempty"`
	Actor        string         `json:"actor,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	StepOrder    int            `json:"step_order,omitempty"`
	CaptureID    string         `json:"capture_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
