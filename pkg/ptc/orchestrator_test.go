package ptc_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/ptcgate/pkg/api"
	"github.com/rhuss/ptcgate/pkg/ipc"
	"github.com/rhuss/ptcgate/pkg/ptc"
	"github.com/rhuss/ptcgate/pkg/sandbox"
	"github.com/rhuss/ptcgate/pkg/sandbox/sandboxtest"
	"github.com/rhuss/ptcgate/pkg/storage/memory"
)

type harness struct {
	orch    *ptc.Orchestrator
	rt      *sandboxtest.Runtime
	journal *memory.Journal
}

func testConfig() ptc.Config {
	return ptc.Config{
		Enabled:          true,
		Image:            "python:3.11-slim",
		NetworkDisabled:  true,
		SessionTimeout:   time.Minute,
		ExecutionTimeout: 5 * time.Second,
		MaxIterations:    10,
		BatchWindow:      150 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		SweepInterval:    time.Hour,
	}
}

func newHarness(t *testing.T, cfg ptc.Config, opts ...ptc.Option) *harness {
	t.Helper()
	rt := sandboxtest.NewRuntime()
	journal := memory.New(100)
	orch := ptc.New(cfg, sandbox.NewExecutor(rt, "65534:65534"), journal, opts...)
	t.Cleanup(func() {
		orch.Close(context.Background())
	})
	return &harness{orch: orch, rt: rt, journal: journal}
}

func (h *harness) begin(t *testing.T, code string, prog sandboxtest.Program, tools ...string) ptc.Session {
	t.Helper()
	h.rt.Register(code, prog)
	s, err := h.orch.BeginOrResume(context.Background(), ptc.BeginRequest{Code: code, Tools: tools})
	if err != nil {
		t.Fatalf("BeginOrResume: %v", err)
	}
	return s
}

func results(batch *ptc.Batch, output func(ipc.ToolCallRequest) string) []ipc.ToolCallResult {
	out := make([]ipc.ToolCallResult, len(batch.Calls))
	for i, c := range batch.Calls {
		data, _ := json.Marshal(output(c))
		out[i] = ipc.ToolCallResult{ID: c.ID, Output: data}
	}
	return out
}

func echo(c ipc.ToolCallRequest) string { return c.Name + ":" + string(c.Arguments) }

func TestSingleCallRoundTrip(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.begin(t, "weather", sandboxtest.Program{
		sandboxtest.CallTools(sandboxtest.Call{Name: "get_weather", Args: map[string]any{"city": "Paris"}}),
		sandboxtest.Print("done\n"),
	}, "get_weather")

	if s.State != api.SessionActive {
		t.Fatalf("state = %v, want active", s.State)
	}
	ctx := context.Background()

	res, err := h.orch.Step(ctx, s.ID, nil)
	if err != nil {
		t.Fatalf("first step: %v", err)
	}
	if res.Batch == nil || res.Outcome != nil {
		t.Fatalf("expected a batch, got %+v", res)
	}
	if ids := res.Batch.IDs(); !slices.Equal(ids, []string{"toolu_000000000001"}) {
		t.Fatalf("batch ids = %v", ids)
	}
	if res.Session.State != api.SessionWaitingForToolResults {
		t.Errorf("state = %v, want waiting", res.Session.State)
	}
	if res.Batch.Calls[0].Name != "get_weather" {
		t.Errorf("name = %q", res.Batch.Calls[0].Name)
	}

	res, err = h.orch.Step(ctx, s.ID, results(res.Batch, func(ipc.ToolCallRequest) string { return "sunny" }))
	if err != nil {
		t.Fatalf("second step: %v", err)
	}
	if res.Outcome == nil {
		t.Fatalf("expected an outcome, got batch %+v", res.Batch)
	}
	if want := "\"sunny\"\ndone\n"; res.Outcome.Stdout != want {
		t.Errorf("stdout = %q, want %q", res.Outcome.Stdout, want)
	}
	if res.Session.State != api.SessionCompleted {
		t.Errorf("state = %v, want completed", res.Session.State)
	}
	if res.Session.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Session.Iterations)
	}
	if h.rt.Live() != 0 {
		t.Errorf("%d containers left after completion", h.rt.Live())
	}
}

func TestStaggeredCallsSplitIntoBatches(t *testing.T) {
	h := newHarness(t, testConfig())
	calls := make([]sandboxtest.Call, 4)
	for i := range calls {
		calls[i] = sandboxtest.Call{Name: "lookup", Args: map[string]any{"n": i + 1}}
	}
	s := h.begin(t, "staggered", sandboxtest.Program{
		sandboxtest.CallToolsStaggered(100*time.Millisecond, calls...),
	}, "lookup")
	ctx := context.Background()

	res, err := h.orch.Step(ctx, s.ID, nil)
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if ids := res.Batch.IDs(); !slices.Equal(ids, []string{"toolu_000000000001", "toolu_000000000002"}) {
		t.Fatalf("batch 1 = %v", ids)
	}

	res, err = h.orch.Step(ctx, s.ID, results(res.Batch, echo))
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if res.Batch == nil {
		t.Fatalf("expected second batch, got outcome %+v", res.Outcome)
	}
	if ids := res.Batch.IDs(); !slices.Equal(ids, []string{"toolu_000000000003", "toolu_000000000004"}) {
		t.Fatalf("batch 2 = %v", ids)
	}
	if res.Batch.Round != 2 {
		t.Errorf("round = %d, want 2", res.Batch.Round)
	}

	res, err = h.orch.Step(ctx, s.ID, results(res.Batch, echo))
	if err != nil {
		t.Fatalf("step 3: %v", err)
	}
	if res.Outcome == nil {
		t.Fatal("expected outcome")
	}
	want := `"lookup:{\"n\":1}"` + "\n" + `"lookup:{\"n\":2}"` + "\n" +
		`"lookup:{\"n\":3}"` + "\n" + `"lookup:{\"n\":4}"` + "\n"
	if res.Outcome.Stdout != want {
		t.Errorf("stdout = %q, want %q", res.Outcome.Stdout, want)
	}
	if res.Session.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Session.Iterations)
	}
}

func TestAgentErrorFailsSession(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.begin(t, "raise", sandboxtest.Program{
		sandboxtest.Print("partial\n"),
		sandboxtest.Fail("ValueError", "bad input"),
	})

	_, err := h.orch.Step(context.Background(), s.ID, nil)
	if !errors.Is(err, api.ErrAgentError) {
		t.Fatalf("err = %v, want agent error", err)
	}
	apiErr := api.AsAPIError(err)
	if apiErr.Code != "ValueError" {
		t.Errorf("code = %q, want ValueError", apiErr.Code)
	}

	got, err := h.orch.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != api.SessionFailed {
		t.Errorf("state = %v, want failed", got.State)
	}
	if h.rt.Live() != 0 {
		t.Errorf("%d containers left after failure", h.rt.Live())
	}
}

func TestToolErrorResultReachesCode(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.begin(t, "tool-error", sandboxtest.Program{
		sandboxtest.CallTools(sandboxtest.Call{Name: "flaky"}),
	}, "flaky")
	ctx := context.Background()

	res, err := h.orch.Step(ctx, s.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	rs := results(res.Batch, func(ipc.ToolCallRequest) string { return "boom" })
	rs[0].IsError = true

	res, err = h.orch.Step(ctx, s.ID, rs)
	if err != nil {
		t.Fatal(err)
	}
	if want := "error: \"boom\"\n"; res.Outcome == nil || res.Outcome.Stdout != want {
		t.Errorf("outcome = %+v, want stdout %q", res.Outcome, want)
	}
}

func TestResultsMustMatchPendingSet(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.begin(t, "pair", sandboxtest.Program{
		sandboxtest.CallTools(sandboxtest.Call{Name: "a"}, sandboxtest.Call{Name: "b"}),
	}, "a", "b")
	ctx := context.Background()

	res, err := h.orch.Step(ctx, s.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	full := results(res.Batch, echo)
	if len(full) != 2 {
		t.Fatalf("batch size = %d, want 2", len(full))
	}

	tests := []struct {
		name    string
		results []ipc.ToolCallResult
	}{
		{name: "empty", results: nil},
		{name: "subset", results: full[:1]},
		{name: "superset", results: append(slices.Clone(full), ipc.ToolCallResult{ID: "toolu_000000000099", Output: json.RawMessage(`"x"`)})},
		{name: "duplicate", results: []ipc.ToolCallResult{full[0], full[0]}},
		{name: "unknown", results: []ipc.ToolCallResult{full[0], {ID: "toolu_000000000042", Output: json.RawMessage(`"x"`)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Step(ctx, s.ID, tt.results)
			if !errors.Is(err, api.ErrIncompleteToolResults) {
				t.Fatalf("err = %v, want incomplete tool results", err)
			}
			got, err := h.orch.Get(ctx, s.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.State != api.SessionWaitingForToolResults || got.Iterations != 0 {
				t.Errorf("session changed: state %v, iterations %d", got.State, got.Iterations)
			}
		})
	}

	// Order does not matter.
	slices.Reverse(full)
	res, err = h.orch.Step(ctx, s.ID, full)
	if err != nil {
		t.Fatalf("exact set rejected: %v", err)
	}
	if res.Outcome == nil {
		t.Fatal("expected outcome")
	}
	if want := "\"a:null\"\n\"b:null\"\n"; res.Outcome.Stdout != want {
		t.Errorf("stdout = %q, want %q", res.Outcome.Stdout, want)
	}
}

func TestResultsRejectedWhenNotWaiting(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.begin(t, "noop", sandboxtest.Program{sandboxtest.Print("hi")})

	_, err := h.orch.Step(context.Background(), s.ID, []ipc.ToolCallResult{
		{ID: "toolu_000000000001", Output: json.RawMessage(`1`)},
	})
	if !errors.Is(err, api.ErrIncompleteToolResults) {
		t.Fatalf("err = %v, want incomplete tool results", err)
	}
}

func TestIterationCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 1
	h := newHarness(t, cfg)
	s := h.begin(t, "loop", sandboxtest.Program{
		sandboxtest.CallTools(sandboxtest.Call{Name: "next"}),
		sandboxtest.CallTools(sandboxtest.Call{Name: "next"}),
	}, "next")
	ctx := context.Background()

	res, err := h.orch.Step(ctx, s.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.orch.Step(ctx, s.ID, results(res.Batch, echo))
	if !errors.Is(err, api.ErrMaxIterationsExceeded) {
		t.Fatalf("err = %v, want max iterations exceeded", err)
	}

	got, err := h.orch.Get(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != api.SessionFailed || got.Iterations != 1 {
		t.Errorf("session = %+v", got)
	}
	if h.rt.Live() != 0 {
		t.Errorf("%d containers left", h.rt.Live())
	}
}

func TestExecutionTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutionTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	s := h.begin(t, "hang", sandboxtest.Program{sandboxtest.Hang()})

	start := time.Now()
	_, err := h.orch.Step(context.Background(), s.ID, nil)
	if !errors.Is(err, api.ErrExecutionTimeout) {
		t.Fatalf("err = %v, want execution timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	got, _ := h.orch.Get(context.Background(), s.ID)
	if got.State != api.SessionFailed {
		t.Errorf("state = %v, want failed", got.State)
	}
	if h.rt.Live() != 0 {
		t.Errorf("%d containers left", h.rt.Live())
	}
}

func TestContainerDied(t *testing.T) {
	tests := []struct {
		name string
		step sandboxtest.Step
	}{
		{name: "crash", step: sandboxtest.Crash()},
		{name: "exit without status", step: sandboxtest.Exit()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			s := h.begin(t, tt.name, sandboxtest.Program{sandboxtest.Print("x"), tt.step})

			_, err := h.orch.Step(context.Background(), s.ID, nil)
			if !errors.Is(err, api.ErrContainerDied) {
				t.Fatalf("err = %v, want container died", err)
			}
			got, _ := h.orch.Get(context.Background(), s.ID)
			if got.State != api.SessionFailed {
				t.Errorf("state = %v, want failed", got.State)
			}
		})
	}
}

func TestResumeDetectsDeadContainer(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.begin(t, "once", sandboxtest.Program{sandboxtest.CallTools(sandboxtest.Call{Name: "t"})}, "t")
	ctx := context.Background()

	res, err := h.orch.Step(ctx, s.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	h.rt.Stop(s.ContainerID)

	_, err = h.orch.Step(ctx, s.ID, results(res.Batch, echo))
	if !errors.Is(err, api.ErrContainerDied) {
		t.Fatalf("err = %v, want container died", err)
	}
	_, err = h.orch.Step(ctx, s.ID, nil)
	if !errors.Is(err, api.ErrSessionExpired) {
		t.Errorf("stale reference: err = %v, want session expired", err)
	}
}

func TestConcurrentStepIsBusy(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.begin(t, "hang", sandboxtest.Program{sandboxtest.Hang()})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := h.orch.Step(ctx, s.ID, nil)
		errc <- err
	}()
	waitForState(t, h.orch, s.ID, api.SessionExecuting)

	_, err := h.orch.Step(ctx, s.ID, nil)
	if !errors.Is(err, api.ErrSessionBusy) {
		t.Fatalf("err = %v, want session busy", err)
	}

	if err := h.orch.Terminate(ctx, s.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, api.ErrSessionNotFound) {
			t.Errorf("running step err = %v, want session not found", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("step did not return after terminate")
	}
	if n := h.rt.Removals(s.ContainerID); n != 1 {
		t.Errorf("container removed %d times, want 1", n)
	}
}

func TestSweepRacingStep(t *testing.T) {
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := testConfig()
	cfg.SessionTimeout = time.Minute
	h := newHarness(t, cfg, ptc.WithClock(clock.Now))
	s := h.begin(t, "hang", sandboxtest.Program{sandboxtest.Hang()})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := h.orch.Step(ctx, s.ID, nil)
		errc <- err
	}()
	waitForState(t, h.orch, s.ID, api.SessionExecuting)

	clock.Advance(2 * time.Minute)
	var wg sync.WaitGroup
	expired := make([]int, 4)
	for i := range expired {
		wg.Add(1)
		go func() {
			defer wg.Done()
			expired[i] = h.orch.Sweep(ctx)
		}()
	}
	wg.Wait()

	total := 0
	for _, n := range expired {
		total += n
	}
	if total != 1 {
		t.Errorf("sweeps expired %d sessions, want 1", total)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, api.ErrSessionExpired) {
			t.Errorf("step err = %v, want session expired", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("step did not return after sweep")
	}
	if n := h.rt.Removals(s.ContainerID); n != 1 {
		t.Errorf("container removed %d times, want 1", n)
	}

	got, err := h.orch.Get(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != api.SessionExpired {
		t.Errorf("journaled state = %v, want expired", got.State)
	}
}

func TestExpiredSessionRejectedOnStep(t *testing.T) {
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := newHarness(t, testConfig(), ptc.WithClock(clock.Now))
	s := h.begin(t, "idle", sandboxtest.Program{sandboxtest.Print("x")})

	clock.Advance(2 * time.Minute)
	_, err := h.orch.Step(context.Background(), s.ID, nil)
	if !errors.Is(err, api.ErrSessionExpired) {
		t.Fatalf("err = %v, want session expired", err)
	}
	if h.rt.Live() != 0 {
		t.Errorf("%d containers left", h.rt.Live())
	}
}

func TestUnknownAndStaleReferences(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.orch.Step(ctx, "ptc_sess_doesnotexist", nil)
	if !errors.Is(err, api.ErrSessionNotFound) {
		t.Errorf("unknown step: err = %v", err)
	}
	_, err = h.orch.BeginOrResume(ctx, ptc.BeginRequest{SessionID: "not-an-id"})
	if !errors.Is(err, api.ErrSessionNotFound) {
		t.Errorf("malformed resume: err = %v", err)
	}

	s := h.begin(t, "quick", sandboxtest.Program{sandboxtest.Print("ok")})
	if _, err := h.orch.Step(ctx, s.ID, nil); err != nil {
		t.Fatal(err)
	}
	_, err = h.orch.BeginOrResume(ctx, ptc.BeginRequest{SessionID: s.ID})
	if !errors.Is(err, api.ErrSessionExpired) {
		t.Errorf("completed resume: err = %v, want session expired", err)
	}
	if err := h.orch.Terminate(ctx, s.ID); err != nil {
		t.Errorf("terminating a retired session: %v", err)
	}
}

func TestResumeReplacesCodeWhileActive(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.begin(t, "first", sandboxtest.Program{sandboxtest.Print("first")})
	h.rt.Register("second", sandboxtest.Program{sandboxtest.Print("second")})
	ctx := context.Background()

	got, err := h.orch.BeginOrResume(ctx, ptc.BeginRequest{SessionID: s.ID, Code: "second"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got.ID != s.ID || got.State != api.SessionActive {
		t.Errorf("session = %+v", got)
	}

	res, err := h.orch.Step(ctx, s.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome == nil || res.Outcome.Stdout != "second" {
		t.Errorf("outcome = %+v, want second", res.Outcome)
	}
}

func TestBeginValidation(t *testing.T) {
	ctx := context.Background()

	disabled := testConfig()
	disabled.Enabled = false
	h := newHarness(t, disabled)
	if _, err := h.orch.BeginOrResume(ctx, ptc.BeginRequest{Code: "x"}); err == nil {
		t.Error("expected error when disabled")
	}

	h = newHarness(t, testConfig())
	_, err := h.orch.BeginOrResume(ctx, ptc.BeginRequest{})
	if api.AsAPIError(err) == nil || api.AsAPIError(err).Type != api.ErrorTypeInvalidRequest {
		t.Errorf("missing code: err = %v", err)
	}
}

func TestProvisionFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rt.StartErr = errors.New("oci runtime error")

	_, err := h.orch.BeginOrResume(context.Background(), ptc.BeginRequest{Code: "x"})
	if !errors.Is(err, api.ErrProvision) {
		t.Fatalf("err = %v, want provision error", err)
	}
	if h.rt.Live() != 0 {
		t.Errorf("%d containers left after failed provisioning", h.rt.Live())
	}
	if n := len(h.orch.Sessions()); n != 0 {
		t.Errorf("%d sessions registered", n)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t, testConfig())
	for i := range 3 {
		h.begin(t, fmt.Sprintf("s%d", i), sandboxtest.Program{sandboxtest.Print("x")})
	}
	if h.rt.Live() != 3 {
		t.Fatalf("live = %d, want 3", h.rt.Live())
	}
	if err := h.orch.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.rt.Live() != 0 {
		t.Errorf("%d containers left after Close", h.rt.Live())
	}
	if h.journal.Len() != 3 {
		t.Errorf("journal has %d records, want 3", h.journal.Len())
	}
}

func TestStartReapsOrphans(t *testing.T) {
	cfg := testConfig()
	cfg.ReapOnStart = true
	h := newHarness(t, cfg)
	h.rt.Adopt("ptc_sess_leftover")
	live := h.begin(t, "keep", sandboxtest.Program{sandboxtest.Print("x")})

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.rt.Live() != 1 {
		t.Errorf("live = %d, want 1", h.rt.Live())
	}
	if _, err := h.orch.Get(context.Background(), live.ID); err != nil {
		t.Errorf("live session lost: %v", err)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, testConfig())
	h.begin(t, "x", sandboxtest.Program{sandboxtest.Print("x")})

	health := h.orch.Health(context.Background())
	if !health.Enabled || !health.RuntimeReachable || health.RuntimeVersion != "test" {
		t.Errorf("health = %+v", health)
	}
	if health.ActiveSessions != 1 || len(health.Containers) != 1 {
		t.Errorf("sessions = %d, containers = %d", health.ActiveSessions, len(health.Containers))
	}

	if !health.JournalReachable || health.JournalError != "" {
		t.Errorf("journal = %v %q", health.JournalReachable, health.JournalError)
	}

	h.rt.InfoErr = errors.New("connection refused")
	health = h.orch.Health(context.Background())
	if health.RuntimeReachable || health.Error == "" {
		t.Errorf("unreachable runtime reported healthy: %+v", health)
	}
}

// downJournal is a journal whose backend cannot be reached.
type downJournal struct{ *memory.Journal }

func (downJournal) HealthCheck(context.Context) error {
	return errors.New("dial tcp 127.0.0.1:5432: connection refused")
}

func TestHealthReportsJournal(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	orch := ptc.New(testConfig(), sandbox.NewExecutor(rt, "65534:65534"), downJournal{memory.New(10)})
	t.Cleanup(func() { orch.Close(context.Background()) })

	health := orch.Health(context.Background())
	if health.JournalReachable || !strings.Contains(health.JournalError, "connection refused") {
		t.Errorf("journal = %v %q", health.JournalReachable, health.JournalError)
	}
	if !health.RuntimeReachable {
		t.Errorf("runtime should still be reachable: %+v", health)
	}
}

func waitForState(t *testing.T, o *ptc.Orchestrator, id string, want api.SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, err := o.Get(context.Background(), id)
		if err == nil && s.State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %v", id, want)
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
