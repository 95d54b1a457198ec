package ipc

import (
	_ "embed"
	"strconv"
	"strings"
	"time"
)

// RunnerScript is the in-sandbox agent. It runs code.py with call_tool,
// async_call_tool and one function per allowed tool in scope.
//
//go:embed runner.py
var RunnerScript []byte

// AgentOptions parameterizes one run of the agent.
type AgentOptions struct {
	// Tools are the names callable as plain functions from the code.
	Tools []string

	// NextCallID is the counter value for the first tool call id, so ids
	// stay unique across runs within a session.
	NextCallID int

	// Window is how long a round stays open after its first call. Calls
	// made later wait for the next round.
	Window time.Duration

	// Poll is the agent's inbox polling interval.
	Poll time.Duration
}

// AgentCommand returns the command that starts the agent.
func AgentCommand() []string {
	return []string{"python3", "-u", RunnerPath}
}

// Env returns the environment for the agent process.
func (o AgentOptions) Env() []string {
	next := o.NextCallID
	if next < 1 {
		next = 1
	}
	env := []string{
		"PTC_IPC_DIR=" + Dir,
		"PTC_TOOLS=" + strings.Join(o.Tools, ","),
		"PTC_NEXT_CALL_ID=" + strconv.Itoa(next),
		"PYTHONDONTWRITEBYTECODE=1",
	}
	if o.Window > 0 {
		env = append(env, "PTC_BATCH_WINDOW_MS="+strconv.FormatInt(o.Window.Milliseconds(), 10))
	}
	if o.Poll > 0 {
		env = append(env, "PTC_POLL_MS="+strconv.FormatInt(o.Poll.Milliseconds(), 10))
	}
	return env
}
