package api

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeServerError           ErrorType = "server_error"
	ErrorTypeInvalidRequest        ErrorType = "invalid_request"
	ErrorTypeProvision             ErrorType = "provision_error"
	ErrorTypeRuntimeUnavailable    ErrorType = "runtime_unavailable"
	ErrorTypeExecutionTimeout      ErrorType = "execution_timeout"
	ErrorTypeContainerDied         ErrorType = "container_died"
	ErrorTypeSessionExpired        ErrorType = "session_expired"
	ErrorTypeSessionNotFound       ErrorType = "session_not_found"
	ErrorTypeIncompleteToolResults ErrorType = "incomplete_tool_results"
	ErrorTypeMaxIterationsExceeded ErrorType = "max_iterations_exceeded"
	ErrorTypeSessionBusy           ErrorType = "session_busy"
	ErrorTypeAgentError            ErrorType = "agent_error"
)

// APIError represents a structured error with type, code, param, and message.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is reports whether target is an APIError of the same type. This lets
// callers test wrapped errors against the sentinels below with errors.Is.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// ErrorResponse wraps an APIError for JSON serialization as the top-level error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// Sentinels for errors.Is comparisons. Only the Type is significant.
var (
	ErrProvision             = &APIError{Type: ErrorTypeProvision}
	ErrRuntimeUnavailable    = &APIError{Type: ErrorTypeRuntimeUnavailable}
	ErrExecutionTimeout      = &APIError{Type: ErrorTypeExecutionTimeout}
	ErrContainerDied         = &APIError{Type: ErrorTypeContainerDied}
	ErrSessionExpired        = &APIError{Type: ErrorTypeSessionExpired}
	ErrSessionNotFound       = &APIError{Type: ErrorTypeSessionNotFound}
	ErrIncompleteToolResults = &APIError{Type: ErrorTypeIncompleteToolResults}
	ErrMaxIterationsExceeded = &APIError{Type: ErrorTypeMaxIterationsExceeded}
	ErrSessionBusy           = &APIError{Type: ErrorTypeSessionBusy}
	ErrAgentError            = &APIError{Type: ErrorTypeAgentError}
)

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Param:   param,
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

// NewProvisionError reports that a sandbox could not be created.
func NewProvisionError(message string) *APIError {
	return &APIError{Type: ErrorTypeProvision, Message: message}
}

// NewRuntimeUnavailableError reports that the container runtime cannot be reached.
func NewRuntimeUnavailableError(message string) *APIError {
	return &APIError{Type: ErrorTypeRuntimeUnavailable, Message: message}
}

// NewExecutionTimeoutError reports that sandboxed code exceeded its time budget.
func NewExecutionTimeoutError(message string) *APIError {
	return &APIError{Type: ErrorTypeExecutionTimeout, Message: message}
}

// NewContainerDiedError reports that the sandbox process disappeared mid-call.
func NewContainerDiedError(message string) *APIError {
	return &APIError{Type: ErrorTypeContainerDied, Message: message}
}

// NewSessionExpiredError reports a reference to a session that no longer runs.
func NewSessionExpiredError(id string) *APIError {
	return &APIError{Type: ErrorTypeSessionExpired, Param: "session_id", Message: fmt.Sprintf("session %s has expired", id)}
}

// NewSessionNotFoundError reports a reference to an unknown session.
func NewSessionNotFoundError(id string) *APIError {
	return &APIError{Type: ErrorTypeSessionNotFound, Param: "session_id", Message: fmt.Sprintf("session %s not found", id)}
}

// NewIncompleteToolResultsError reports a result submission that does not
// cover the exact set of pending tool calls.
func NewIncompleteToolResultsError(message string) *APIError {
	return &APIError{Type: ErrorTypeIncompleteToolResults, Param: "tool_results", Message: message}
}

// NewMaxIterationsExceededError reports that a session hit its tool round limit.
func NewMaxIterationsExceededError(max int) *APIError {
	return &APIError{
		Type:    ErrorTypeMaxIterationsExceeded,
		Message: fmt.Sprintf("maximum of %d tool-call rounds exceeded", max),
	}
}

// NewSessionBusyError reports a concurrent step against the same session.
func NewSessionBusyError(id string) *APIError {
	return &APIError{Type: ErrorTypeSessionBusy, Param: "session_id", Message: fmt.Sprintf("session %s is already executing", id)}
}

// NewAgentError reports a failure raised by the code running in the sandbox.
func NewAgentError(code, message string) *APIError {
	return &APIError{Type: ErrorTypeAgentError, Code: code, Message: message}
}

// AsAPIError extracts the APIError from err's chain. Errors without one are
// reported as server errors.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewServerError(err.Error())
}

// Retryable reports whether the driver may reasonably retry the operation
// that produced err. No retry happens inside the gateway.
func Retryable(err error) bool {
	return errors.Is(err, ErrRuntimeUnavailable) ||
		errors.Is(err, ErrProvision) ||
		errors.Is(err, ErrExecutionTimeout)
}
