package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Dir is the IPC directory inside the sandbox.
const Dir = "/tmp/ptc"

// Well-known paths inside the sandbox.
const (
	ToolCallsPath   = Dir + "/tool_calls.json"
	ToolResultsPath = Dir + "/tool_results.json"
	StatusPath      = Dir + "/status"
	ResultPath      = Dir + "/result.json"
	RunnerPath      = Dir + "/runner.py"
	CodePath        = Dir + "/code.py"
)

// Status is the agent's status token.
type Status string

const (
	// StatusUnknown means the agent has not written a status yet.
	StatusUnknown       Status = ""
	StatusRunning       Status = "running"
	StatusAwaitingTools Status = "awaiting_tools"
	StatusDone          Status = "done"
	StatusError         Status = "error"
)

// Terminal reports whether the agent has finished.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// ParseStatus decodes the content of the status file.
func ParseStatus(b []byte) (Status, error) {
	s := Status(bytes.TrimSpace(b))
	switch s {
	case StatusRunning, StatusAwaitingTools, StatusDone, StatusError:
		return s, nil
	default:
		return StatusUnknown, fmt.Errorf("%w: unknown status token %q", ErrMalformed, string(s))
	}
}

// ToolCallRequest is one tool invocation requested by sandboxed code.
// Round is assigned on the host when the request is batched and is not
// part of the file format.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Round     int             `json:"-"`
}

// ToolCallResult answers one ToolCallRequest. Output is opaque JSON
// supplied by the driver.
type ToolCallResult struct {
	ID      string          `json:"id"`
	Output  json.RawMessage `json:"output"`
	IsError bool            `json:"is_error"`
}

// FinalResult is the content of result.json.
type FinalResult struct {
	Stdout string        `json:"stdout"`
	Stderr string        `json:"stderr"`
	Error  *AgentFailure `json:"error,omitempty"`
}

// AgentFailure describes an exception raised inside the sandbox.
type AgentFailure struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// IDs returns the ids of reqs in order.
func IDs(reqs []ToolCallRequest) []string {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	return ids
}

func (f *AgentFailure) Error() string {
	if f.Message == "" {
		return f.Type
	}
	return f.Type + ": " + f.Message
}
