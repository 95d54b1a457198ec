// Package sandboxtest provides an in-memory sandbox.Runtime whose agent
// is a scripted Go program speaking the same file protocol as the real
// in-sandbox agent.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rhuss/ptcgate/pkg/ipc"
	"github.com/rhuss/ptcgate/pkg/sandbox"
)

var _ sandbox.Runtime = (*Runtime)(nil)

// Runtime is a fake container runtime. The zero value is not usable; use
// NewRuntime.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*container
	execs      map[string]*execution
	programs   map[string]Program
	removes    map[string]int
	seq        int

	// Failure injection. Set before use.
	InfoErr   error
	ImageErr  error
	CreateErr error
	StartErr  error
	RemoveErr error
}

type container struct {
	id      string
	cfg     sandbox.ContainerConfig
	running bool
	files   map[string][]byte
	modes   map[string]fs.FileMode
}

type execution struct {
	id          string
	containerID string
	running     bool
	exitCode    int
	cancel      context.CancelFunc
}

// NewRuntime creates an empty fake runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		containers: make(map[string]*container),
		execs:      make(map[string]*execution),
		programs:   make(map[string]Program),
		removes:    make(map[string]int),
	}
}

// Register makes the agent run prog whenever the installed code equals code.
func (r *Runtime) Register(code string, prog Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[code] = prog
}

// Live returns how many containers exist.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Removals returns how many times Remove reached container id.
func (r *Runtime) Removals(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removes[id]
}

// Stop marks a container as exited and kills its processes, as if it
// had crashed.
func (r *Runtime) Stop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.running = false
		r.killLocked(id, 137)
	}
}

// Adopt adds a managed container that no executor knows about.
func (r *Runtime) Adopt(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("orphan%058d", r.seq)
	r.containers[id] = &container{
		id:      id,
		running: true,
		cfg: sandbox.ContainerConfig{Labels: map[string]string{
			sandbox.LabelManaged: "true",
			sandbox.LabelSession: sessionID,
		}},
		files: make(map[string][]byte),
		modes: make(map[string]fs.FileMode),
	}
	return id
}

// File returns the content of a file in container id.
func (r *Runtime) File(id, p string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, false
	}
	data, ok := c.files[p]
	return slices.Clone(data), ok
}

func (r *Runtime) Info(context.Context) (sandbox.RuntimeInfo, error) {
	if r.InfoErr != nil {
		return sandbox.RuntimeInfo{}, r.InfoErr
	}
	return sandbox.RuntimeInfo{Name: "fake", Version: "test", OS: "linux"}, nil
}

func (r *Runtime) EnsureImage(context.Context, string) error {
	return r.ImageErr
}

func (r *Runtime) Create(_ context.Context, cfg sandbox.ContainerConfig) (string, error) {
	if r.CreateErr != nil {
		return "", r.CreateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("%064d", r.seq)
	r.containers[id] = &container{
		id:    id,
		cfg:   cfg,
		files: make(map[string][]byte),
		modes: make(map[string]fs.FileMode),
	}
	return id, nil
}

func (r *Runtime) Start(_ context.Context, id string) error {
	if r.StartErr != nil {
		return r.StartErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	c.running = true
	return nil
}

func (r *Runtime) Remove(_ context.Context, id string) error {
	if r.RemoveErr != nil {
		return r.RemoveErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[id]; !ok {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	r.removes[id]++
	r.killLocked(id, 137)
	delete(r.containers, id)
	return nil
}

func (r *Runtime) Inspect(_ context.Context, id string) (sandbox.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return sandbox.ContainerState{}, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	return c.state(), nil
}

func (c *container) state() sandbox.ContainerState {
	status := "exited"
	if c.running {
		status = "running"
	}
	return sandbox.ContainerState{ID: c.id, Running: c.running, Status: status, Labels: c.cfg.Labels}
}

func (r *Runtime) CopyTo(_ context.Context, id, p string, data []byte, mode fs.FileMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	c.files[p] = slices.Clone(data)
	c.modes[p] = mode
	return nil
}

func (r *Runtime) CopyFrom(_ context.Context, id, p string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	data, ok := c.files[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}
	return slices.Clone(data), nil
}

// Exec understands rm -f, the kill command, sleep, and python3 -c
// "print(...)" with a single string literal.
func (r *Runtime) Exec(ctx context.Context, id string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return sandbox.ExecResult{}, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	if !c.running {
		r.mu.Unlock()
		return sandbox.ExecResult{}, fmt.Errorf("container %s is not running", id)
	}

	cmd := opts.Cmd
	switch {
	case len(cmd) == 3 && cmd[0] == "rm" && cmd[1] == "-f":
		delete(c.files, cmd[2])
		r.mu.Unlock()
		return sandbox.ExecResult{}, nil
	case len(cmd) == 3 && cmd[0] == "sh" && strings.HasPrefix(cmd[2], "kill -KILL"):
		r.killLocked(id, 137)
		r.mu.Unlock()
		return sandbox.ExecResult{}, nil
	case len(cmd) == 3 && cmd[0] == "python3" && cmd[1] == "-c":
		r.mu.Unlock()
		out, err := strconv.Unquote(strings.TrimSuffix(strings.TrimPrefix(cmd[2], "print("), ")"))
		if err != nil {
			return sandbox.ExecResult{ExitCode: 1, Stderr: "SyntaxError\n"}, nil
		}
		return sandbox.ExecResult{Stdout: out + "\n"}, nil
	case len(cmd) == 2 && cmd[0] == "sleep":
		d, err := time.ParseDuration(cmd[1] + "s")
		if err != nil {
			r.mu.Unlock()
			return sandbox.ExecResult{ExitCode: 1}, nil
		}
		ex, execCtx := r.newExecLocked(id)
		r.mu.Unlock()
		select {
		case <-time.After(d):
			r.finish(ex.id, 0)
			return sandbox.ExecResult{}, nil
		case <-execCtx.Done():
			return sandbox.ExecResult{ExitCode: 137}, nil
		case <-ctx.Done():
			return sandbox.ExecResult{}, ctx.Err()
		}
	default:
		r.mu.Unlock()
		return sandbox.ExecResult{ExitCode: 127, Stderr: path.Base(cmd[0]) + ": not found\n"}, nil
	}
}

// ExecDetached runs the scripted agent for the agent command; anything
// else exits immediately.
func (r *Runtime) ExecDetached(_ context.Context, id string, opts sandbox.ExecOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	if !c.running {
		return "", fmt.Errorf("container %s is not running", id)
	}

	ex, ctx := r.newExecLocked(id)
	if !slices.Equal(opts.Cmd, ipc.AgentCommand()) {
		ex.running = false
		return ex.id, nil
	}

	prog, ok := r.programs[string(c.files[ipc.CodePath])]
	if !ok {
		prog = Program{Fail("NameError", "code not registered with the fake runtime")}
	}
	a := &agent{rt: r, containerID: id, env: parseEnv(opts.Env)}
	go func() {
		code := a.run(ctx, prog)
		r.finish(ex.id, code)
	}()
	return ex.id, nil
}

func (r *Runtime) ExecStatus(_ context.Context, execID string) (bool, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.execs[execID]
	if !ok {
		return false, 0, fmt.Errorf("%w: exec %s", sandbox.ErrNotFound, execID)
	}
	return ex.running, ex.exitCode, nil
}

func (r *Runtime) Logs(context.Context, string, int) (string, error) {
	return "", nil
}

func (r *Runtime) List(_ context.Context, labels map[string]string) ([]sandbox.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sandbox.ContainerState
	for _, c := range r.containers {
		match := true
		for k, v := range labels {
			if c.cfg.Labels[k] != v {
				match = false
			}
		}
		if match {
			out = append(out, c.state())
		}
	}
	return out, nil
}

func (r *Runtime) Close() error { return nil }

func (r *Runtime) newExecLocked(containerID string) (*execution, context.Context) {
	r.seq++
	ctx, cancel := context.WithCancel(context.Background())
	ex := &execution{
		id:          fmt.Sprintf("exec%060d", r.seq),
		containerID: containerID,
		running:     true,
		cancel:      cancel,
	}
	r.execs[ex.id] = ex
	return ex, ctx
}

func (r *Runtime) finish(execID string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ex, ok := r.execs[execID]; ok && ex.running {
		ex.running = false
		ex.exitCode = code
		ex.cancel()
	}
}

func (r *Runtime) killLocked(containerID string, code int) {
	for _, ex := range r.execs {
		if ex.containerID == containerID && ex.running {
			ex.running = false
			ex.exitCode = code
			ex.cancel()
		}
	}
}

// files helpers used by the agent.

func (r *Runtime) read(id, p string) ([]byte, error) {
	return r.CopyFrom(context.Background(), id, p)
}

func (r *Runtime) write(id, p string, data []byte) error {
	return r.CopyTo(context.Background(), id, p, data, 0o644)
}

func parseEnv(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}

var errKilled = errors.New("killed")
