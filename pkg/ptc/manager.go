package ptc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rhuss/ptcgate/pkg/api"
	"github.com/rhuss/ptcgate/pkg/debug"
	"github.com/rhuss/ptcgate/pkg/ipc"
	"github.com/rhuss/ptcgate/pkg/observability"
	"github.com/rhuss/ptcgate/pkg/sandbox"
	"github.com/rhuss/ptcgate/pkg/storage"
)

// Manager owns the session table. The table lock guards membership only;
// each entry has its own lock for transitions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	exec     *sandbox.Executor
	journal  storage.Journal
	inflight *InFlightRegistry

	sessionTimeout time.Duration
	maxIterations  int
	now            func() time.Time
}

// NewManager creates a Manager. A nil now uses time.Now.
func NewManager(exec *sandbox.Executor, journal storage.Journal, sessionTimeout time.Duration, maxIterations int, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		sessions:       make(map[string]*entry),
		exec:           exec,
		journal:        journal,
		inflight:       NewInFlightRegistry(),
		sessionTimeout: sessionTimeout,
		maxIterations:  maxIterations,
		now:            now,
	}
}

// add registers a new Active session owning h.
func (m *Manager) add(id string, h *sandbox.Handle, ch *ipc.Channel, b *Batcher, tools []string) *entry {
	now := m.now()
	e := &entry{
		id:         id,
		state:      api.SessionActive,
		createdAt:  now,
		lastActive: now,
		deadline:   now.Add(m.sessionTimeout),
		handle:     h,
		tools:      tools,
		channel:    ch,
		batcher:    b,
		nextCallID: 1,
		resolved:   make(map[string]bool),
	}

	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()

	observability.ActiveSessions.Inc()
	debug.Log("session", "created", "session", id, "container", h.ID)
	return e
}

// journalHealth checks the journal backend. No journal is healthy.
func (m *Manager) journalHealth(ctx context.Context) error {
	if m.journal == nil {
		return nil
	}
	return m.journal.HealthCheck(ctx)
}

// lookup returns the live entry for id. Retired sessions give
// SessionExpired and unknown ones SessionNotFound.
func (m *Manager) lookup(ctx context.Context, id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}
	return nil, m.staleError(ctx, id)
}

func (m *Manager) staleError(ctx context.Context, id string) error {
	if m.journal != nil {
		rec, err := m.journal.GetSession(ctx, id)
		if err == nil {
			return api.NewSessionExpiredError(fmt.Sprintf("%s (%s)", rec.SessionID, rec.State))
		}
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("journal lookup failed", "session", id, "error", err.Error())
		}
	}
	return api.NewSessionNotFoundError(id)
}

// Get returns a snapshot of a live session, or of a retired one from the
// journal.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return e.snapshot(), nil
	}
	if m.journal != nil {
		rec, err := m.journal.GetSession(ctx, id)
		if err == nil {
			return Session{
				ID:           rec.SessionID,
				State:        rec.State,
				ContainerID:  rec.ContainerID,
				CreatedAt:    rec.CreatedAt,
				LastActiveAt: rec.RetiredAt,
				Iterations:   rec.Iterations,
				Error:        rec.Error,
			}, nil
		}
	}
	return Session{}, api.NewSessionNotFoundError(id)
}

// List returns snapshots of all live sessions, oldest first.
func (m *Manager) List() []Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Session, len(entries))
	for i, e := range entries {
		out[i] = e.snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// transitionLocked moves e to state to. e.mu must be held.
func (m *Manager) transitionLocked(e *entry, to api.SessionState) error {
	if e.retired {
		return api.NewSessionExpiredError(e.id)
	}
	if err := api.ValidateSessionTransition(e.state, to); err != nil {
		return err
	}
	debug.Log("session", "transition", "session", e.id, "from", e.state, "to", to)
	e.state = to
	return nil
}

// touch refreshes the session deadline.
func (m *Manager) touch(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retired {
		return
	}
	e.lastActive = m.now()
	e.deadline = e.lastActive.Add(m.sessionTimeout)
}

// emitBatch records an emitted batch as the pending set and moves e to
// WaitingForToolResults. If the iteration cap is reached the session is
// failed instead and MaxIterationsExceeded returned.
func (m *Manager) emitBatch(ctx context.Context, e *entry, batch Batch) error {
	e.mu.Lock()
	if e.iterations >= m.maxIterations {
		e.mu.Unlock()
		err := api.NewMaxIterationsExceededError(m.maxIterations)
		m.retire(ctx, e, api.SessionFailed, err)
		return err
	}
	if err := m.transitionLocked(e, api.SessionWaitingForToolResults); err != nil {
		e.mu.Unlock()
		return err
	}
	e.pending = batch.IDs()
	e.mu.Unlock()

	observability.ToolCallBatchesTotal.Inc()
	observability.ToolCallBatchSize.Observe(float64(len(batch.Calls)))
	debug.Log("batch", "emitted", "session", e.id, "round", batch.Round, "size", len(batch.Calls))
	return nil
}

// acceptResults checks that results resolve exactly the pending set and,
// if so, moves e back to Executing and counts the completed cycle. The
// results are returned in pending order. On rejection nothing changes.
func (m *Manager) acceptResults(e *entry, results []ipc.ToolCallResult) ([]ipc.ToolCallResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.retired {
		return nil, api.NewSessionExpiredError(e.id)
	}
	if e.state != api.SessionWaitingForToolResults {
		if len(results) == 0 {
			return nil, nil
		}
		observability.ToolResultRejectionsTotal.WithLabelValues("not_waiting").Inc()
		return nil, api.NewIncompleteToolResultsError(
			fmt.Sprintf("session is %s; no tool results are pending", e.state))
	}

	byID := make(map[string]ipc.ToolCallResult, len(results))
	for _, r := range results {
		if _, dup := byID[r.ID]; dup {
			observability.ToolResultRejectionsTotal.WithLabelValues("duplicate").Inc()
			return nil, api.NewIncompleteToolResultsError("duplicate result for " + r.ID)
		}
		byID[r.ID] = r
	}

	var missing, extra []string
	for _, id := range e.pending {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	for id := range byID {
		if !slices.Contains(e.pending, id) {
			extra = append(extra, id)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(extra)
		reason := "subset"
		if len(extra) > 0 {
			reason = "superset"
		}
		observability.ToolResultRejectionsTotal.WithLabelValues(reason).Inc()
		return nil, api.NewIncompleteToolResultsError(
			fmt.Sprintf("results must resolve exactly the pending calls; missing %v, unexpected %v", missing, extra))
	}

	ordered := make([]ipc.ToolCallResult, len(e.pending))
	for i, id := range e.pending {
		ordered[i] = byID[id]
	}
	return ordered, nil
}

// resume completes the cycle after results were delivered to the sandbox.
func (m *Manager) resume(e *entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := m.transitionLocked(e, api.SessionExecuting); err != nil {
		return err
	}
	e.iterations++
	e.pending = nil
	return nil
}

// begin moves an Active session to Executing.
func (m *Manager) begin(e *entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.transitionLocked(e, api.SessionExecuting)
}

// retire moves e to a terminal state, cancels its running step, releases
// its sandbox and records it in the journal. Only the first call for a
// session has any effect; it reports whether this call was that one.
func (m *Manager) retire(ctx context.Context, e *entry, to api.SessionState, cause *api.APIError) bool {
	e.mu.Lock()
	if e.retired {
		e.mu.Unlock()
		return false
	}
	if err := api.ValidateSessionTransition(e.state, to); err != nil {
		slog.Error("invalid retirement", "session", e.id, "from", e.state, "to", to)
		to = api.SessionFailed
	}
	e.state = to
	e.err = cause
	e.retired = true
	e.pending = nil
	rec := &storage.Record{
		SessionID:  e.id,
		State:      to,
		Error:      cause,
		Iterations: e.iterations,
		CreatedAt:  e.createdAt,
		RetiredAt:  m.now(),
	}
	if e.handle != nil {
		rec.ContainerID = e.handle.ID
	}
	h := e.handle
	e.mu.Unlock()

	stepCause := error(api.NewSessionExpiredError(e.id))
	if cause != nil {
		stepCause = cause
	}
	m.inflight.Cancel(e.id, stepCause)

	if h != nil {
		if err := m.exec.Release(ctx, h); err != nil {
			slog.Error("sandbox release failed, left for reaping", "session", e.id, "error", err.Error())
		}
	}

	m.mu.Lock()
	delete(m.sessions, e.id)
	m.mu.Unlock()

	if m.journal != nil {
		if err := m.journal.SaveSession(context.WithoutCancel(ctx), rec); err != nil && !errors.Is(err, storage.ErrConflict) {
			slog.Warn("failed to journal session", "session", e.id, "error", err.Error())
		}
	}

	reason := ""
	if cause != nil {
		reason = string(cause.Type)
	}
	observability.ActiveSessions.Dec()
	observability.SessionsTotal.WithLabelValues(to.String(), reason).Inc()
	observability.SessionIterations.Observe(float64(rec.Iterations))
	slog.Info("session retired", "session", e.id, "state", to.String(), "reason", reason, "iterations", rec.Iterations)
	return true
}

// Sweep expires every session whose deadline is before now. It returns
// how many sessions it expired.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	m.mu.RLock()
	var due []*entry
	for _, e := range m.sessions {
		e.mu.Lock()
		if !e.retired && now.After(e.deadline) {
			due = append(due, e)
		}
		e.mu.Unlock()
	}
	m.mu.RUnlock()

	n := 0
	for _, e := range due {
		if m.retire(ctx, e, api.SessionExpired, api.NewSessionExpiredError(e.id)) {
			n++
		}
	}
	if n > 0 {
		debug.Log("session", "sweep expired sessions", "count", n)
	}
	return n
}

// retireAll fails every live session, for shutdown.
func (m *Manager) retireAll(ctx context.Context, cause *api.APIError) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.retire(ctx, e, api.SessionFailed, cause)
		}()
	}
	wg.Wait()
}
