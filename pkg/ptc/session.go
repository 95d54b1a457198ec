package ptc

import (
	"slices"
	"sync"
	"time"

	"github.com/rhuss/ptcgate/pkg/api"
	"github.com/rhuss/ptcgate/pkg/ipc"
	"github.com/rhuss/ptcgate/pkg/sandbox"
)

// Session is a read-only snapshot of a PTC session.
type Session struct {
	ID               string           `json:"id"`
	State            api.SessionState `json:"state"`
	ContainerID      string           `json:"container_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	LastActiveAt     time.Time        `json:"last_active_at"`
	Deadline         time.Time        `json:"timeout_deadline"`
	Iterations       int              `json:"iteration_count"`
	PendingToolCalls []string         `json:"pending_tool_call_ids,omitempty"`
	Error            *api.APIError    `json:"error,omitempty"`
}

// inboxState tracks the tool results file across a resume.
type inboxState int

const (
	inboxEmpty inboxState = iota
	// inboxWritten: results written, agent not yet seen waiting on them.
	inboxWritten
	// inboxSeen: agent seen waiting after the write; the next status other
	// than awaiting_tools means it has consumed them.
	inboxSeen
)

// entry is a session table slot.
//
// Fields under mu may be read by any goroutine holding it. The step
// fields below are owned by whichever step holds the session's
// in-flight registration.
type entry struct {
	mu         sync.Mutex
	id         string
	state      api.SessionState
	createdAt  time.Time
	lastActive time.Time
	deadline   time.Time
	iterations int
	pending    []string
	err        *api.APIError
	retired    bool
	handle     *sandbox.Handle
	tools      []string

	// step fields
	channel    *ipc.Channel
	batcher    *Batcher
	proc       *sandbox.Process
	resolved   map[string]bool
	inbox      inboxState
	nextCallID int
	polls      int
}

// snapshotLocked copies the session. e.mu must be held.
func (e *entry) snapshotLocked() Session {
	s := Session{
		ID:               e.id,
		State:            e.state,
		CreatedAt:        e.createdAt,
		LastActiveAt:     e.lastActive,
		Deadline:         e.deadline,
		Iterations:       e.iterations,
		PendingToolCalls: slices.Clone(e.pending),
		Error:            e.err,
	}
	if e.handle != nil {
		s.ContainerID = e.handle.ID
	}
	return s
}

func (e *entry) snapshot() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}
