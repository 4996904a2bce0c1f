package api

import "fmt"

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeServerError     ErrorType = "server_error"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeValidation      ErrorType = "validation_error"
	ErrorTypeStaleStep       ErrorType = "stale_step"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypePersistence     ErrorType = "persistence_error"
	ErrorTypeAnalysis        ErrorType = "analysis_error"
	ErrorTypeTooManyRequests ErrorType = "too_many_requests"
	ErrorTypeUnauthorized    ErrorType = "unauthorized"
	ErrorTypeForbidden       ErrorType = "forbidden"
)

// Error codes refine an ErrorType.
const (
	CodeMissingInput     = "missing_input"
	CodeInvalidInput     = "invalid_input"
	CodeTimerRunning     = "timer_running"
	CodeAnalysisPending  = "analysis_pending"
	CodeAnalysisFailed   = "analysis_failed"
	CodeStaleStep        = "stale_step"
	CodeProtocolNotFound = "protocol_not_found"
	CodeSessionTerminal  = "session_terminal"
	CodeTimeout          = "timeout"
	CodeBackend          = "backend"
)

// APIError represents a structured API error with type, code, param, and message.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`

	cause error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *APIError) Unwrap() error {
	return e.cause
}

// Is matches another *APIError by Type, and by Code when the target sets one.
// This makes the package-level sentinels usable with errors.Is.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	if t.Type != e.Type {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels for errors.Is checks. Never returned directly.
var (
	ErrValidation       = &APIError{Type: ErrorTypeValidation}
	ErrInvalidRequest   = &APIError{Type: ErrorTypeInvalidRequest}
	ErrNotFound         = &APIError{Type: ErrorTypeNotFound}
	ErrConflict         = &APIError{Type: ErrorTypeConflict}
	ErrMissingInput     = &APIError{Type: ErrorTypeValidation, Code: CodeMissingInput}
	ErrStaleStep        = &APIError{Type: ErrorTypeStaleStep}
	ErrProtocolNotFound = &APIError{Type: ErrorTypeNotFound, Code: CodeProtocolNotFound}
	ErrSessionTerminal  = &APIError{Type: ErrorTypeConflict, Code: CodeSessionTerminal}
	ErrPersistence      = &APIError{Type: ErrorTypePersistence}
	ErrAnalysis         = &APIError{Type: ErrorTypeAnalysis}
)

// ErrorResponse wraps an APIError for JSON serialization as the top-level error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Param:   param,
		Message: message,
	}
}

// NewNotFoundError creates an APIError for resources that cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeServerError,
		Message: message,
	}
}

// NewValidationError creates an APIError for step input that does not
// satisfy the step's completion contract.
func NewValidationError(code, param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Param:   param,
		Message: message,
	}
}

// NewMissingInputError creates a validation error for a required input
// that was not supplied.
func NewMissingInputError(param, message string) *APIError {
	return NewValidationError(CodeMissingInput, param, message)
}

// NewStaleStepError reports a submission for a step that is no longer current.
func NewStaleStepError(submitted, current int) *APIError {
	return &APIError{
		Type:    ErrorTypeStaleStep,
		Code:    CodeStaleStep,
		Param:   "step_order",
		Message: fmt.Sprintf("step %d is not the current step (current is %d)", submitted, current),
	}
}

// NewProtocolNotFoundError reports a missing or inactive protocol.
func NewProtocolNotFoundError(id string) *APIError {
	return &APIError{
		Type:    ErrorTypeNotFound,
		Code:    CodeProtocolNotFound,
		Param:   "protocol_id",
		Message: fmt.Sprintf("protocol %q not found or inactive", id),
	}
}

// NewSessionTerminalError reports a mutation attempt on a finished session.
func NewSessionTerminalError(id string, status SessionStatus) *APIError {
	return &APIError{
		Type:    ErrorTypeConflict,
		Code:    CodeSessionTerminal,
		Message: fmt.Sprintf("session %s is %s", id, status),
	}
}

// NewConflictError creates an APIError for state conflicts.
func NewConflictError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeConflict,
		Message: message,
	}
}

// NewPersistenceError wraps a store failure. The cause stays reachable
// through errors.Unwrap.
func NewPersistenceError(op string, cause error) *APIError {
	return &APIError{
		Type:    ErrorTypePersistence,
		Message: fmt.Sprintf("%s: %v", op, cause),
		cause:   cause,
	}
}

// NewAnalysisError creates an APIError for a failed or timed out analysis.
func NewAnalysisError(code, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeAnalysis,
		Code:    code,
		Message: message,
	}
}

// NewTooManyRequestsError creates an APIError for rate limiting.
func NewTooManyRequestsError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeTooManyRequests,
		Message: message,
	}
}

// NewUnauthorizedError reports missing or rejected credentials.
func NewUnauthorizedError(message string) *APIError {
	return &APIError{Type: ErrorTypeUnauthorized, Message: message}
}

// NewForbiddenError reports an authenticated operator acting outside
// their role.
func NewForbiddenError(message string) *APIError {
	return &APIError{Type: ErrorTypeForbidden, Message: message}
}
