package api

import "fmt"

// SessionState is the state of a PTC session.
type SessionState int

const (
	SessionActive SessionState = iota
	SessionExecuting
	SessionWaitingForToolResults
	SessionCompleted
	SessionExpired
	SessionFailed
)

var sessionStateNames = [...]string{
	SessionActive:                "active",
	SessionExecuting:             "executing",
	SessionWaitingForToolResults: "waiting_for_tool_results",
	SessionCompleted:             "completed",
	SessionExpired:               "expired",
	SessionFailed:                "failed",
}

func (s SessionState) String() string {
	if s < 0 || int(s) >= len(sessionStateNames) {
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
	return sessionStateNames[s]
}

// MarshalText encodes the state as its lowercase name.
func (s SessionState) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(sessionStateNames) {
		return nil, fmt.Errorf("unknown session state %d", int(s))
	}
	return []byte(sessionStateNames[s]), nil
}

// UnmarshalText decodes a state from its lowercase name.
func (s *SessionState) UnmarshalText(b []byte) error {
	st, ok := ParseSessionState(string(b))
	if !ok {
		return fmt.Errorf("unknown session state %q", b)
	}
	*s = st
	return nil
}

// ParseSessionState converts a state name back to a SessionState.
func ParseSessionState(name string) (SessionState, bool) {
	for i, n := range sessionStateNames {
		if n == name {
			return SessionState(i), true
		}
	}
	return 0, false
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionExpired, SessionFailed:
		return true
	default:
		return false
	}
}

// Live reports whether a session in this state owns a container.
func (s SessionState) Live() bool {
	return !s.Terminal()
}

// ValidateSessionTransition checks whether a session state transition is valid.
// Terminal states (completed, expired, failed) do not allow outgoing transitions.
func ValidateSessionTransition(from, to SessionState) *APIError {
	var allowed []SessionState
	switch from {
	case SessionActive:
		allowed = []SessionState{SessionExecuting, SessionExpired, SessionFailed}
	case SessionExecuting:
		allowed = []SessionState{SessionWaitingForToolResults, SessionCompleted, SessionExpired, SessionFailed}
	case SessionWaitingForToolResults:
		allowed = []SessionState{SessionExecuting, SessionExpired, SessionFailed}
	case SessionCompleted, SessionExpired, SessionFailed:
		// terminal
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return NewInvalidRequestError("state",
		fmt.Sprintf("invalid transition from %s to %s", from, to))
}
