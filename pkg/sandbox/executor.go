package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rhuss/ptcgate/pkg/api"
	"github.com/rhuss/ptcgate/pkg/debug"
	"github.com/rhuss/ptcgate/pkg/ipc"
	"github.com/rhuss/ptcgate/pkg/observability"
)

// Container status values reported in snapshots.
const (
	StatusRunning   = "running"
	StatusExited    = "exited"
	StatusReleasing = "releasing"
)

const (
	killTimeout    = 5 * time.Second
	releaseTimeout = 30 * time.Second
	releaseWorkers = 8
)

// Spec describes the sandbox to acquire for a session.
type Spec struct {
	SessionID       string
	Image           string
	Limits          Limits
	NetworkDisabled bool
}

// Handle is a live sandbox owned by one session.
type Handle struct {
	ID              string
	SessionID       string
	Image           string
	Limits          Limits
	NetworkDisabled bool
	CreatedAt       time.Time

	mu       sync.Mutex // serializes release
	released bool
	status   atomic.Value
}

// Status returns the last observed container status.
func (h *Handle) Status() string {
	s, _ := h.status.Load().(string)
	return s
}

func (h *Handle) setStatus(s string) { h.status.Store(s) }

// ContainerInfo is a read-only view of one registered container.
type ContainerInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// Executor provisions and drives sandboxes through a Runtime.
type Executor struct {
	runtime Runtime
	user    string

	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewExecutor creates an Executor. Commands run as user inside the
// sandbox ("uid:gid").
func NewExecutor(rt Runtime, user string) *Executor {
	return &Executor{
		runtime: rt,
		user:    user,
		handles: make(map[string]*Handle),
	}
}

// Runtime returns the underlying runtime.
func (e *Executor) Runtime() Runtime {
	return e.runtime
}

// Acquire creates and starts a sandbox. Any failure is a provision error
// and leaves no container behind.
func (e *Executor) Acquire(ctx context.Context, spec Spec) (*Handle, error) {
	start := time.Now()
	err := e.runtime.EnsureImage(ctx, spec.Image)
	observe("ensure_image", start, err)
	if err != nil {
		return nil, provisionError("obtaining image "+spec.Image, err)
	}

	start = time.Now()
	id, err := e.runtime.Create(ctx, ContainerConfig{
		Image:           spec.Image,
		Limits:          spec.Limits,
		NetworkDisabled: spec.NetworkDisabled,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelSession: spec.SessionID,
		},
	})
	observe("create", start, err)
	if err != nil {
		return nil, provisionError("creating container", err)
	}

	start = time.Now()
	err = e.runtime.Start(ctx, id)
	observe("start", start, err)
	if err != nil {
		e.removeDetached(id)
		return nil, provisionError("starting container", err)
	}

	h := &Handle{
		ID:              id,
		SessionID:       spec.SessionID,
		Image:           spec.Image,
		Limits:          spec.Limits,
		NetworkDisabled: spec.NetworkDisabled,
		CreatedAt:       time.Now(),
	}
	h.setStatus(StatusRunning)

	e.mu.Lock()
	e.handles[id] = h
	e.mu.Unlock()

	debug.Log("sandbox", "acquired", "container", shortID(id), "session", spec.SessionID, "image", spec.Image)
	return h, nil
}

// Inject places payload at path inside the sandbox, replacing any
// existing file.
func (e *Executor) Inject(ctx context.Context, h *Handle, payload []byte, path string, executable bool) error {
	mode := fs.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	return e.copyTo(ctx, h, path, payload, mode)
}

func (e *Executor) copyTo(ctx context.Context, h *Handle, path string, data []byte, mode fs.FileMode) error {
	start := time.Now()
	err := e.runtime.CopyTo(ctx, h.ID, path, data, mode)
	observe("copy_to", start, err)
	if err != nil {
		return e.runtimeError(h, "copying "+path, err)
	}
	return nil
}

// Exec runs a command to completion. When timeout elapses first, every
// process the sandbox user owns is killed and ExecutionTimeout is
// returned. If the container stops during the call, ContainerDied is
// returned.
func (e *Executor) Exec(ctx context.Context, h *Handle, opts ExecOptions, timeout time.Duration) (ExecResult, error) {
	if opts.User == "" {
		opts.User = e.user
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := e.runtime.Exec(execCtx, h.ID, opts)
	observe("exec", start, err)

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		e.Kill(ctx, h)
		return ExecResult{}, api.NewExecutionTimeoutError(
			fmt.Sprintf("command %q exceeded %s", strings.Join(opts.Cmd, " "), timeout))
	}
	if err != nil {
		if ctx.Err() != nil {
			return ExecResult{}, ctx.Err()
		}
		return ExecResult{}, e.runtimeError(h, "exec", err)
	}
	if !e.Healthcheck(ctx, h) {
		return res, api.NewContainerDiedError("sandbox stopped while running command")
	}
	return res, nil
}

// Process is a command started in the background.
type Process struct {
	execID string
	handle *Handle
}

// Spawn starts a command without waiting for it.
func (e *Executor) Spawn(ctx context.Context, h *Handle, opts ExecOptions) (*Process, error) {
	if opts.User == "" {
		opts.User = e.user
	}
	start := time.Now()
	execID, err := e.runtime.ExecDetached(ctx, h.ID, opts)
	observe("exec_detached", start, err)
	if err != nil {
		return nil, e.runtimeError(h, "starting "+strings.Join(opts.Cmd, " "), err)
	}
	debug.Log("sandbox", "spawned", "container", shortID(h.ID), "exec", shortID(execID))
	return &Process{execID: execID, handle: h}, nil
}

// Running reports whether p is still running and its exit code otherwise.
func (e *Executor) Running(ctx context.Context, p *Process) (bool, int, error) {
	running, code, err := e.runtime.ExecStatus(ctx, p.execID)
	if err != nil {
		return false, 0, e.runtimeError(p.handle, "inspecting exec", err)
	}
	return running, code, nil
}

// Kill sends SIGKILL to every process of the sandbox user. The
// container's own main process is not affected.
func (e *Executor) Kill(ctx context.Context, h *Handle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
	defer cancel()

	start := time.Now()
	_, err := e.runtime.Exec(ctx, h.ID, ExecOptions{
		Cmd:  []string{"sh", "-c", "kill -KILL -1"},
		User: e.user,
	})
	observe("kill", start, err)
	if err != nil {
		slog.Warn("failed to kill sandbox processes", "container", shortID(h.ID), "error", err.Error())
		return
	}
	debug.Log("sandbox", "killed processes", "container", shortID(h.ID))
}

// Healthcheck reports whether the sandbox container is running.
func (e *Executor) Healthcheck(ctx context.Context, h *Handle) bool {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return false
	}

	st, err := e.runtime.Inspect(ctx, h.ID)
	if err != nil {
		debug.Log("sandbox", "healthcheck failed", "container", shortID(h.ID), "error", err.Error())
		if errors.Is(err, ErrNotFound) {
			h.setStatus(StatusExited)
		}
		return false
	}
	if st.Running {
		h.setStatus(StatusRunning)
	} else {
		h.setStatus(StatusExited)
	}
	return st.Running
}

// Logs returns the tail of the container's output for diagnostics.
func (e *Executor) Logs(ctx context.Context, h *Handle, tail int) string {
	out, err := e.runtime.Logs(ctx, h.ID, tail)
	if err != nil {
		return ""
	}
	return out
}

// Release stops and removes the sandbox. It is safe to call more than
// once and on a container that is already gone; only the first
// successful call reaches the runtime. A failed removal leaves the handle
// registered so a later call can retry.
func (e *Executor) Release(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.setStatus(StatusReleasing)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	start := time.Now()
	err := e.runtime.Remove(ctx, h.ID)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	observe("remove", start, err)
	if err != nil {
		slog.Warn("failed to release sandbox", "container", shortID(h.ID), "session", h.SessionID, "error", err.Error())
		return fmt.Errorf("releasing sandbox %s: %w", shortID(h.ID), err)
	}

	h.released = true
	e.mu.Lock()
	delete(e.handles, h.ID)
	e.mu.Unlock()

	debug.Log("sandbox", "released", "container", shortID(h.ID), "session", h.SessionID)
	return nil
}

// Snapshot lists registered containers, oldest first. It never calls the
// runtime.
func (e *Executor) Snapshot() []ContainerInfo {
	e.mu.RLock()
	handles := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.RUnlock()

	sort.Slice(handles, func(i, j int) bool {
		return handles[i].CreatedAt.Before(handles[j].CreatedAt)
	})
	out := make([]ContainerInfo, len(handles))
	for i, h := range handles {
		out[i] = ContainerInfo{ID: h.ID, SessionID: h.SessionID, Status: h.Status()}
	}
	return out
}

// ReleaseAll releases every registered sandbox concurrently.
func (e *Executor) ReleaseAll(ctx context.Context) error {
	e.mu.RLock()
	handles := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(releaseWorkers)
	for _, h := range handles {
		g.Go(func() error {
			return e.Release(ctx, h)
		})
	}
	return g.Wait()
}

// Reap removes managed containers that no registered handle owns, such
// as those left behind by a previous process. It returns how many were
// removed.
func (e *Executor) Reap(ctx context.Context) (int, error) {
	containers, err := e.runtime.List(ctx, map[string]string{LabelManaged: "true"})
	if err != nil {
		return 0, fmt.Errorf("listing managed containers: %w", err)
	}

	var removed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(releaseWorkers)
	for _, c := range containers {
		e.mu.RLock()
		_, owned := e.handles[c.ID]
		e.mu.RUnlock()
		if owned {
			continue
		}
		g.Go(func() error {
			err := e.runtime.Remove(gctx, c.ID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("removing orphan %s: %w", shortID(c.ID), err)
			}
			removed.Add(1)
			slog.Info("reaped orphaned sandbox", "container", shortID(c.ID), "session", c.Labels[LabelSession])
			return nil
		})
	}
	err = g.Wait()
	return int(removed.Load()), err
}

// Files returns access to the sandbox filesystem for the IPC channel.
func (e *Executor) Files(h *Handle) ipc.Files {
	return &handleFiles{exec: e, handle: h}
}

// handleFiles adapts an Executor and Handle to ipc.Files.
type handleFiles struct {
	exec   *Executor
	handle *Handle
}

var _ ipc.Files = (*handleFiles)(nil)

func (f *handleFiles) ReadFile(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	data, err := f.exec.runtime.CopyFrom(ctx, f.handle.ID, path)
	if errors.Is(err, fs.ErrNotExist) {
		observe("copy_from", start, nil)
		return nil, err
	}
	observe("copy_from", start, err)
	if err != nil {
		return nil, f.exec.runtimeError(f.handle, "reading "+path, err)
	}
	return data, nil
}

func (f *handleFiles) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error {
	return f.exec.copyTo(ctx, f.handle, path, data, mode)
}

func (f *handleFiles) RemoveFile(ctx context.Context, path string) error {
	res, err := f.exec.runtime.Exec(ctx, f.handle.ID, ExecOptions{
		Cmd:  []string{"rm", "-f", path},
		User: f.exec.user,
	})
	if err != nil {
		return f.exec.runtimeError(f.handle, "removing "+path, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("removing %s: exit code %d: %s", path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// runtimeError maps a runtime failure during a session to the error
// taxonomy.
func (e *Executor) runtimeError(h *Handle, op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		h.setStatus(StatusExited)
		return api.NewContainerDiedError(fmt.Sprintf("%s: sandbox %s is gone", op, shortID(h.ID)))
	case errors.Is(err, ErrUnavailable):
		return api.NewRuntimeUnavailableError(fmt.Sprintf("%s: %v", op, err))
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// removeDetached removes a container that never became a handle.
func (e *Executor) removeDetached(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := e.runtime.Remove(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		slog.Warn("failed to remove container after start failure", "container", shortID(id), "error", err.Error())
	}
}

func provisionError(what string, err error) *api.APIError {
	return api.NewProvisionError(fmt.Sprintf("%s: %v", what, err))
}

func observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.SandboxOperationDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
