package api

import "fmt"

// ValidateSessionTransition checks whether a session status transition is valid.
// Terminal states (completed, failed, cancelled) do not allow outgoing transitions.
// in_progress -> in_progress is the ordinary step advance.
func ValidateSessionTransition(from, to SessionStatus) *APIError {
	valid := map[SessionStatus][]SessionStatus{
		SessionStatusStarted:    {SessionStatusInProgress, SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled},
		SessionStatusInProgress: {SessionStatusInProgress, SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled},
	}

	allowed, exists := valid[from]
	if !exists {
		if from.Terminal() {
			return &APIError{
				Type:    ErrorTypeConflict,
				Code:    CodeSessionTerminal,
				Param:   "status",
				Message: fmt.Sprintf("invalid transition from %s to %s", from, to),
			}
		}
		return NewInvalidRequestError("status",
			fmt.Sprintf("invalid transition from %s to %s", from, to))
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return NewInvalidRequestError("status",
		fmt.Sprintf("invalid transition from %s to %s", from, to))
}

// ValidateAnalysisTransition checks whether a capture analysis status
// transition is valid. A failed capture may be re-submitted; a completed
// capture only accepts another result (last write wins).
func ValidateAnalysisTransition(from, to AnalysisStatus) *APIError {
	valid := map[AnalysisStatus][]AnalysisStatus{
		AnalysisStatusPending:    {AnalysisStatusProcessing, AnalysisStatusCompleted, AnalysisStatusFailed},
		AnalysisStatusProcessing: {AnalysisStatusCompleted, AnalysisStatusFailed},
		AnalysisStatusFailed:     {AnalysisStatusProcessing, AnalysisStatusFailed},
		AnalysisStatusCompleted:  {AnalysisStatusCompleted},
	}

	allowed, exists := valid[from]
	if !exists {
		return NewInvalidRequestError("analysis_status",
			fmt.Sprintf("invalid transition from %s to %s", from, to))
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return NewConflictError(fmt.Sprintf("invalid analysis transition from %s to %s", from, to))
}
