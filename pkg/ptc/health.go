package ptc

import (
	"context"
	"time"

	"github.com/rhuss/ptcgate/pkg/sandbox"
)

const healthTimeout = 2 * time.Second

// Health is a point-in-time view of the PTC subsystem.
type Health struct {
	Enabled          bool                    `json:"enabled"`
	RuntimeReachable bool                    `json:"runtime_reachable"`
	RuntimeName      string                  `json:"runtime_name,omitempty"`
	RuntimeVersion   string                  `json:"runtime_version,omitempty"`
	JournalReachable bool                    `json:"journal_reachable"`
	JournalError     string                  `json:"journal_error,omitempty"`
	ActiveSessions   int                     `json:"active_sessions"`
	Containers       []sandbox.ContainerInfo `json:"containers"`
	Error            string                  `json:"error,omitempty"`
}

// Health probes the container runtime and the session journal and
// reports live sessions. It does not wait on any session.
func (o *Orchestrator) Health(ctx context.Context) Health {
	h := Health{
		Enabled:        o.cfg.Enabled,
		ActiveSessions: o.sessions.Len(),
		Containers:     o.exec.Snapshot(),
	}
	if h.Containers == nil {
		h.Containers = []sandbox.ContainerInfo{}
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	// Without the journal, retired ids read as unknown instead of expired.
	if err := o.sessions.journalHealth(ctx); err != nil {
		h.JournalError = err.Error()
	} else {
		h.JournalReachable = true
	}

	info, err := o.exec.Runtime().Info(ctx)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.RuntimeReachable = true
	h.RuntimeName = info.Name
	h.RuntimeVersion = info.Version
	return h
}
