package ptc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rhuss/ptcgate/pkg/api"
	"github.com/rhuss/ptcgate/pkg/debug"
	"github.com/rhuss/ptcgate/pkg/ipc"
	"github.com/rhuss/ptcgate/pkg/observability"
	"github.com/rhuss/ptcgate/pkg/sandbox"
	"github.com/rhuss/ptcgate/pkg/storage"
)

// healthEvery is how many polls pass between container health checks
// while the agent process is alive.
const healthEvery = 20

// Orchestrator is the contract the conversational loop driver uses to run
// model generated code that calls tools.
type Orchestrator struct {
	cfg      Config
	exec     *sandbox.Executor
	sessions *Manager
	now      func() time.Time
	cron     *cron.Cron
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now for session deadlines and batch windows.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. journal may be nil, in which case retired
// sessions are forgotten and resolve to SessionNotFound.
func New(cfg Config, exec *sandbox.Executor, journal storage.Journal, opts ...Option) *Orchestrator {
	cfg.defaults()
	o := &Orchestrator{cfg: cfg, exec: exec, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	o.sessions = NewManager(exec, journal, cfg.SessionTimeout, cfg.MaxIterations, o.now)
	return o
}

// BeginRequest starts or resumes a session.
type BeginRequest struct {
	// SessionID refers to an existing session. Empty starts a new one.
	SessionID string

	// Code is the program to run. Required for a new session. For an
	// existing session that has not started executing it replaces the
	// installed code; otherwise it is ignored.
	Code string

	// Tools are the names callable from the code.
	Tools []string
}

// Outcome is the final output of a completed session.
type Outcome struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// StepResult is either a batch of tool calls the driver must resolve or
// the final Outcome.
type StepResult struct {
	Session Session
	Batch   *Batch
	Outcome *Outcome
}

// BeginOrResume provisions a sandbox for a new session, or validates an
// existing session and its sandbox.
func (o *Orchestrator) BeginOrResume(ctx context.Context, req BeginRequest) (Session, error) {
	if !o.cfg.Enabled {
		return Session{}, api.NewInvalidRequestError("", "programmatic tool calling is disabled")
	}
	if req.SessionID != "" {
		return o.resume(ctx, req)
	}
	if req.Code == "" {
		return Session{}, api.NewInvalidRequestError("code", "code is required to start a session")
	}

	id := api.NewSessionID()
	h, err := o.exec.Acquire(ctx, sandbox.Spec{
		SessionID:       id,
		Image:           o.cfg.Image,
		Limits:          o.cfg.Limits,
		NetworkDisabled: o.cfg.NetworkDisabled,
	})
	if err != nil {
		return Session{}, err
	}

	ch := ipc.NewChannel(o.exec.Files(h))
	if err := ch.Install(ctx, req.Code); err != nil {
		o.exec.Release(ctx, h)
		return Session{}, api.NewProvisionError(fmt.Sprintf("installing agent: %v", err))
	}

	e := o.sessions.add(id, h, ch, o.newBatcher(), req.Tools)
	slog.Info("ptc session started", "session", id, "container", h.ID, "tools", len(req.Tools))
	return e.snapshot(), nil
}

func (o *Orchestrator) resume(ctx context.Context, req BeginRequest) (Session, error) {
	if !api.ValidateSessionID(req.SessionID) {
		return Session{}, api.NewSessionNotFoundError(req.SessionID)
	}
	e, err := o.sessions.lookup(ctx, req.SessionID)
	if err != nil {
		return Session{}, err
	}
	if err := o.checkLive(ctx, e); err != nil {
		return Session{}, err
	}

	if req.Code != "" {
		// Guard against a concurrent step while the code is replaced.
		if !o.sessions.inflight.Register(e.id, func(error) {}) {
			return Session{}, api.NewSessionBusyError(e.id)
		}
		defer o.sessions.inflight.Remove(e.id)

		e.mu.Lock()
		active := e.state == api.SessionActive && !e.retired
		e.mu.Unlock()
		if active {
			if err := e.channel.Install(ctx, req.Code); err != nil {
				return Session{}, o.fail(ctx, e, err)
			}
			if req.Tools != nil {
				e.mu.Lock()
				e.tools = req.Tools
				e.mu.Unlock()
			}
		}
	}

	o.sessions.touch(e)
	return e.snapshot(), nil
}

// checkLive expires a session past its deadline and fails one whose
// sandbox is gone.
func (o *Orchestrator) checkLive(ctx context.Context, e *entry) error {
	e.mu.Lock()
	expired := o.now().After(e.deadline)
	retired := e.retired
	e.mu.Unlock()

	if retired {
		return api.NewSessionExpiredError(e.id)
	}
	if expired {
		err := api.NewSessionExpiredError(e.id)
		o.sessions.retire(ctx, e, api.SessionExpired, err)
		return err
	}
	if !o.exec.Healthcheck(ctx, e.handle) {
		err := api.NewContainerDiedError("sandbox for session " + e.id + " is not running")
		o.sessions.retire(ctx, e, api.SessionFailed, err)
		return err
	}
	return nil
}

// Step advances a session. In WaitingForToolResults, results must
// resolve exactly the pending calls. The agent then runs until it emits
// a new batch, finishes, or fails.
func (o *Orchestrator) Step(ctx context.Context, id string, results []ipc.ToolCallResult) (*StepResult, error) {
	e, err := o.sessions.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	stepCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !o.sessions.inflight.Register(id, cancel) {
		return nil, api.NewSessionBusyError(id)
	}
	defer o.sessions.inflight.Remove(id)

	if err := o.checkLive(stepCtx, e); err != nil {
		return nil, err
	}
	o.sessions.touch(e)

	ordered, err := o.sessions.acceptResults(e, results)
	if err != nil {
		return nil, err
	}

	switch snap := e.snapshot(); snap.State {
	case api.SessionActive:
		if err := o.startAgent(stepCtx, e); err != nil {
			return nil, o.fail(stepCtx, e, err)
		}
	case api.SessionWaitingForToolResults:
		if err := o.deliver(stepCtx, e, ordered); err != nil {
			return nil, o.fail(stepCtx, e, err)
		}
	case api.SessionExecuting:
		debug.Log("ptc", "step continues waiting", "session", id)
	default:
		return nil, api.NewSessionExpiredError(id)
	}

	res, err := o.wait(stepCtx, e)
	if err != nil {
		return nil, err
	}
	o.sessions.touch(e)
	return res, nil
}

func (o *Orchestrator) startAgent(ctx context.Context, e *entry) error {
	if err := o.sessions.begin(e); err != nil {
		return err
	}
	proc, err := o.exec.Spawn(ctx, e.handle, sandbox.ExecOptions{
		Cmd: ipc.AgentCommand(),
		Env: ipc.AgentOptions{
			Tools:      e.tools,
			NextCallID: e.nextCallID,
			Window:     o.cfg.BatchWindow,
			Poll:       o.cfg.PollInterval,
		}.Env(),
		WorkingDir: ipc.Dir,
	})
	if err != nil {
		return err
	}
	e.proc = proc
	return nil
}

// newBatcher sizes the elapsed-time grace to one host poll on top of the
// agent's, so a seal written on time is observed before the window closes.
func (o *Orchestrator) newBatcher() *Batcher {
	b := NewBatcher(o.cfg.BatchWindow, o.now)
	b.SetGrace(2 * o.cfg.PollInterval)
	return b
}

// deliver writes accepted results to the inbox and completes the cycle.
// The outbox is trimmed later, once the agent is seen waiting.
func (o *Orchestrator) deliver(ctx context.Context, e *entry, results []ipc.ToolCallResult) error {
	if err := e.channel.WriteToolResults(ctx, results); err != nil {
		return err
	}
	for _, r := range results {
		e.resolved[r.ID] = true
	}
	e.inbox = inboxWritten
	return o.sessions.resume(e)
}

// wait polls the sandbox until the step resolves or the execution
// timeout elapses.
func (o *Orchestrator) wait(ctx context.Context, e *entry) (*StepResult, error) {
	observability.StepsInFlight.Inc()
	defer observability.StepsInFlight.Dec()

	timeout := time.NewTimer(o.cfg.ExecutionTimeout)
	defer timeout.Stop()
	next := time.NewTimer(o.cfg.PollInterval)
	defer next.Stop()

	for {
		res, err := o.poll(ctx, e)
		if err != nil {
			return nil, o.fail(ctx, e, err)
		}
		if res != nil {
			return res, nil
		}

		next.Reset(o.nextPoll(e))
		select {
		case <-ctx.Done():
			return nil, stepCancelled(ctx)
		case <-timeout.C:
			o.exec.Kill(ctx, e.handle)
			err := api.NewExecutionTimeoutError(
				fmt.Sprintf("no result within %s", o.cfg.ExecutionTimeout))
			o.sessions.retire(ctx, e, api.SessionFailed, err)
			return nil, err
		case <-next.C:
		}
	}
}

// nextPoll is the poll interval, shortened so the host wakes when the
// oldest batch window closes.
func (o *Orchestrator) nextPoll(e *entry) time.Duration {
	d := o.cfg.PollInterval
	if deadline := e.batcher.Deadline(); !deadline.IsZero() {
		d = min(d, max(deadline.Sub(o.now()), time.Millisecond))
	}
	return d
}

// poll makes one pass over the IPC files. It returns a nil result while
// the step should keep waiting.
func (o *Orchestrator) poll(ctx context.Context, e *entry) (*StepResult, error) {
	e.polls++
	status, err := e.channel.ReadStatus(ctx)
	if errors.Is(err, ipc.ErrMalformed) {
		debug.Log("ipc", "skipping unreadable status", "session", e.id, "error", err.Error())
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if status.Terminal() {
		return o.finish(ctx, e, status)
	}
	if err := o.checkAgent(ctx, e); err != nil {
		return nil, err
	}

	// An awaiting status seen before the agent has picked up delivered
	// results still belongs to the previous round.
	sealed := status == ipc.StatusAwaitingTools && e.inbox == inboxEmpty

	switch {
	case status == ipc.StatusAwaitingTools:
		if e.inbox == inboxWritten {
			e.inbox = inboxSeen
		}
		if len(e.resolved) > 0 {
			if _, err := e.channel.TrimToolCalls(ctx, e.resolved); err != nil {
				return nil, err
			}
			e.resolved = make(map[string]bool)
		}
	case status == ipc.StatusRunning && e.inbox == inboxSeen:
		if err := e.channel.ClearToolResults(ctx); err != nil {
			return nil, err
		}
		e.inbox = inboxEmpty
	}

	if status == ipc.StatusUnknown {
		return nil, nil
	}
	calls, err := e.channel.ReadToolCalls(ctx)
	if errors.Is(err, ipc.ErrMalformed) {
		debug.Log("ipc", "skipping unreadable outbox", "session", e.id, "error", err.Error())
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if n := e.batcher.Observe(calls); n > 0 {
		debug.Log("batch", "observed tool calls", "session", e.id, "new", n, "pending", e.batcher.Pending())
	}

	if !e.batcher.Due(sealed) {
		return nil, nil
	}
	flush := e.batcher.Flush
	if sealed {
		flush = e.batcher.FlushRound
	}
	batch, _ := flush()
	if err := o.sessions.emitBatch(ctx, e, batch); err != nil {
		return nil, err
	}
	return &StepResult{Session: e.snapshot(), Batch: &batch}, nil
}

// checkAgent reports ContainerDied when the agent process has exited
// without a final status, or the container has stopped.
func (o *Orchestrator) checkAgent(ctx context.Context, e *entry) error {
	if e.proc != nil {
		running, code, err := o.exec.Running(ctx, e.proc)
		if err != nil {
			return err
		}
		if !running {
			// The agent may have written its final status after our read.
			status, err := e.channel.ReadStatus(ctx)
			if err == nil && status.Terminal() {
				return nil
			}
			if logs := o.exec.Logs(ctx, e.handle, 20); logs != "" {
				debug.Log("sandbox", "container output", "session", e.id, "logs", debug.Truncate(logs, 2000))
			}
			return api.NewContainerDiedError(fmt.Sprintf("agent exited with code %d without a result", code))
		}
	}
	if e.polls%healthEvery == 0 && !o.exec.Healthcheck(ctx, e.handle) {
		return api.NewContainerDiedError("sandbox container stopped")
	}
	return nil
}

// finish reads the final payload and retires the session.
func (o *Orchestrator) finish(ctx context.Context, e *entry, status ipc.Status) (*StepResult, error) {
	res, err := e.channel.ReadResult(ctx)
	if err != nil {
		return nil, api.NewAgentError("missing_result", fmt.Sprintf("agent reported %s without a readable result: %v", status, err))
	}
	if status == ipc.StatusError || res.Error != nil {
		failure := res.Error
		if failure == nil {
			failure = &ipc.AgentFailure{Type: "UnknownError", Message: "agent reported an error"}
		}
		return nil, api.NewAgentError(failure.Type, failure.Error())
	}

	o.sessions.retire(ctx, e, api.SessionCompleted, nil)
	return &StepResult{
		Session: e.snapshot(),
		Outcome: &Outcome{Stdout: res.Stdout, Stderr: res.Stderr},
	}, nil
}

// fail retires the session for err and returns the error the caller
// should see. When the session was retired concurrently, the cause of
// that retirement wins.
func (o *Orchestrator) fail(ctx context.Context, e *entry, err error) error {
	if ctx.Err() != nil {
		return stepCancelled(ctx)
	}
	apiErr := api.AsAPIError(err)
	switch apiErr.Type {
	case api.ErrorTypeSessionExpired, api.ErrorTypeSessionNotFound:
		return apiErr
	}
	o.sessions.retire(ctx, e, api.SessionFailed, apiErr)
	return apiErr
}

// stepCancelled returns the reason a step's context ended: the cause
// given by Terminate or the sweep, or the caller's own cancellation.
func stepCancelled(ctx context.Context) error {
	var apiErr *api.APIError
	if errors.As(context.Cause(ctx), &apiErr) {
		return apiErr
	}
	return ctx.Err()
}

// Terminate retires a session early and releases its sandbox. Terminating
// an already retired session is a no-op.
func (o *Orchestrator) Terminate(ctx context.Context, id string) error {
	e, err := o.sessions.lookup(ctx, id)
	if err != nil {
		if errors.Is(err, api.ErrSessionExpired) {
			return nil
		}
		return err
	}
	cause := api.NewSessionNotFoundError(id)
	cause.Code = "terminated"
	cause.Message = "session " + id + " was terminated"
	o.sessions.retire(ctx, e, api.SessionFailed, cause)
	return nil
}

// Get returns a snapshot of a live or retired session.
func (o *Orchestrator) Get(ctx context.Context, id string) (Session, error) {
	return o.sessions.Get(ctx, id)
}

// Sessions returns snapshots of all live sessions.
func (o *Orchestrator) Sessions() []Session {
	return o.sessions.List()
}

// Sweep expires sessions past their deadline.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	return o.sessions.Sweep(ctx, o.now())
}

// Reap removes managed containers that no live session owns.
func (o *Orchestrator) Reap(ctx context.Context) (int, error) {
	return o.exec.Reap(ctx)
}

// Start reaps orphaned sandboxes if configured and schedules the expiry
// sweep.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.cfg.Enabled {
		return nil
	}
	if o.cfg.ReapOnStart {
		n, err := o.Reap(ctx)
		if err != nil {
			slog.Warn("orphan reaping failed", "error", err.Error())
		} else if n > 0 {
			slog.Info("reaped orphaned sandboxes", "count", n)
		}
	}

	o.cron = cron.New()
	spec := "@every " + o.cfg.SweepInterval.String()
	if _, err := o.cron.AddFunc(spec, func() {
		o.Sweep(context.WithoutCancel(ctx))
	}); err != nil {
		return fmt.Errorf("scheduling expiry sweep: %w", err)
	}
	o.cron.Start()
	debug.Log("ptc", "expiry sweep scheduled", "interval", o.cfg.SweepInterval)
	return nil
}

// Close stops the sweep and retires every live session, releasing all
// sandboxes.
func (o *Orchestrator) Close(ctx context.Context) error {
	if o.cron != nil {
		select {
		case <-o.cron.Stop().Done():
		case <-ctx.Done():
		}
	}

	cause := api.NewServerError("gateway shutting down")
	cause.Code = "shutdown"
	o.sessions.retireAll(ctx, cause)
	return o.exec.ReleaseAll(ctx)
}
