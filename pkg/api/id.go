package api

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

const (
	sessionIDPrefix  = "ptc_sess_"
	toolCallIDPrefix = "toolu_"
)

var (
	sessionIDPattern  = regexp.MustCompile(`^ptc_sess_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	toolCallIDPattern = regexp.MustCompile(`^toolu_[0-9]{12}$`)
)

// NewSessionID generates a new session ID with the "ptc_sess_" prefix
// followed by a random UUID.
func NewSessionID() string {
	return sessionIDPrefix + uuid.NewString()
}

// ValidateSessionID checks whether the given string is a well-formed session ID.
func ValidateSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// ToolCallID formats the n-th tool call id of a session. The in-sandbox
// agent uses the same format.
func ToolCallID(n int) string {
	return fmt.Sprintf("%s%012d", toolCallIDPrefix, n)
}

// ValidateToolCallID checks whether the given string is a well-formed tool call ID.
func ValidateToolCallID(id string) bool {
	return toolCallIDPattern.MatchString(id)
}
