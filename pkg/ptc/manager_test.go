package ptc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rhuss/ptcgate/pkg/api"
	"github.com/rhuss/ptcgate/pkg/ipc"
	"github.com/rhuss/ptcgate/pkg/sandbox"
	"github.com/rhuss/ptcgate/pkg/sandbox/sandboxtest"
	"github.com/rhuss/ptcgate/pkg/storage/memory"
)

func newTestManager(t *testing.T, maxIterations int) (*Manager, *sandboxtest.Runtime, *memory.Journal) {
	t.Helper()
	rt := sandboxtest.NewRuntime()
	journal := memory.New(10)
	exec := sandbox.NewExecutor(rt, "65534:65534")
	return NewManager(exec, journal, time.Minute, maxIterations, nil), rt, journal
}

func addSession(t *testing.T, m *Manager, id string) *entry {
	t.Helper()
	h, err := m.exec.Acquire(context.Background(), sandbox.Spec{SessionID: id, Image: "python:3.11-slim"})
	if err != nil {
		t.Fatal(err)
	}
	return m.add(id, h, ipc.NewChannel(m.exec.Files(h)), NewBatcher(100*time.Millisecond, nil), nil)
}

func waiting(t *testing.T, m *Manager, e *entry, ids ...string) {
	t.Helper()
	if err := m.begin(e); err != nil {
		t.Fatal(err)
	}
	batch := Batch{Round: 1}
	for _, id := range ids {
		batch.Calls = append(batch.Calls, ipc.ToolCallRequest{ID: id, Name: "t"})
	}
	if err := m.emitBatch(context.Background(), e, batch); err != nil {
		t.Fatal(err)
	}
}

func TestAcceptResultsReturnsPendingOrder(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	e := addSession(t, m, "ptc_sess_order")
	waiting(t, m, e, "toolu_000000000001", "toolu_000000000002", "toolu_000000000003")

	in := []ipc.ToolCallResult{
		{ID: "toolu_000000000003", Output: json.RawMessage(`3`)},
		{ID: "toolu_000000000001", Output: json.RawMessage(`1`)},
		{ID: "toolu_000000000002", Output: json.RawMessage(`2`)},
	}
	got, err := m.acceptResults(e, in)
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range got {
		if want := string(rune('1' + i)); string(r.Output) != want {
			t.Errorf("result %d = %s, want %s", i, r.Output, want)
		}
	}

	// Acceptance alone does not complete the cycle.
	if s := e.snapshot(); s.State != api.SessionWaitingForToolResults || s.Iterations != 0 {
		t.Errorf("session = %+v", s)
	}
	if err := m.resume(e); err != nil {
		t.Fatal(err)
	}
	if s := e.snapshot(); s.State != api.SessionExecuting || s.Iterations != 1 || len(s.PendingToolCalls) != 0 {
		t.Errorf("after resume = %+v", s)
	}
}

func TestEmitBatchRequiresExecuting(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	e := addSession(t, m, "ptc_sess_emit")

	err := m.emitBatch(context.Background(), e, Batch{Calls: []ipc.ToolCallRequest{{ID: "toolu_000000000001"}}})
	if err == nil {
		t.Fatal("emitting from Active should fail")
	}
	if s := e.snapshot(); s.State != api.SessionActive {
		t.Errorf("state = %v, want active", s.State)
	}
}

func TestRetireExactlyOnce(t *testing.T) {
	m, rt, journal := newTestManager(t, 10)
	e := addSession(t, m, "ptc_sess_once")

	var cancelled atomic.Int32
	m.inflight.Register(e.id, func(error) { cancelled.Add(1) })

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.retire(context.Background(), e, api.SessionExpired, api.NewSessionExpiredError(e.id)) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("retire won %d times, want 1", wins.Load())
	}
	if cancelled.Load() != 1 {
		t.Errorf("step cancelled %d times, want 1", cancelled.Load())
	}
	if n := rt.Removals(e.handle.ID); n != 1 {
		t.Errorf("container removed %d times, want 1", n)
	}
	if m.Len() != 0 {
		t.Errorf("table still holds %d sessions", m.Len())
	}
	if journal.Len() != 1 {
		t.Errorf("journal has %d records, want 1", journal.Len())
	}
}

func TestLookupDistinguishesStaleFromUnknown(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	e := addSession(t, m, "ptc_sess_stale")
	m.retire(context.Background(), e, api.SessionFailed, api.NewContainerDiedError("gone"))

	_, err := m.lookup(context.Background(), "ptc_sess_stale")
	if !errors.Is(err, api.ErrSessionExpired) {
		t.Errorf("stale lookup = %v, want session expired", err)
	}
	_, err = m.lookup(context.Background(), "ptc_sess_never")
	if !errors.Is(err, api.ErrSessionNotFound) {
		t.Errorf("unknown lookup = %v, want session not found", err)
	}

	s, err := m.Get(context.Background(), "ptc_sess_stale")
	if err != nil {
		t.Fatal(err)
	}
	if s.State != api.SessionFailed || !errors.Is(s.Error, api.ErrContainerDied) {
		t.Errorf("journaled session = %+v", s)
	}
}

func TestSweepOnlyExpiresPastDeadline(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	old := addSession(t, m, "ptc_sess_old")
	now = now.Add(45 * time.Second)
	fresh := addSession(t, m, "ptc_sess_fresh")

	// At the deadline exactly, a session is still live.
	if n := m.Sweep(context.Background(), old.deadline); n != 0 {
		t.Errorf("sweep at deadline expired %d", n)
	}
	if n := m.Sweep(context.Background(), old.deadline.Add(time.Second)); n != 1 {
		t.Errorf("sweep expired %d, want 1", n)
	}
	if _, err := m.lookup(context.Background(), fresh.id); err != nil {
		t.Errorf("fresh session swept: %v", err)
	}
	if s := old.snapshot(); s.State != api.SessionExpired {
		t.Errorf("old state = %v, want expired", s.State)
	}
}

func TestTouchExtendsDeadline(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	e := addSession(t, m, "ptc_sess_touch")
	first := e.snapshot().Deadline
	now = now.Add(30 * time.Second)
	m.touch(e)
	if got := e.snapshot().Deadline; !got.Equal(first.Add(30 * time.Second)) {
		t.Errorf("deadline = %v, want %v", got, first.Add(30*time.Second))
	}
}

func TestNewSessionVisibleOnlyWhenComplete(t *testing.T) {
	rt := sandboxtest.NewRuntime()
	o := New(Config{Enabled: true, Image: "python:3.11-slim"}, sandbox.NewExecutor(rt, "65534:65534"), memory.New(10))
	t.Cleanup(func() { o.Close(context.Background()) })

	stop := make(chan struct{})
	var incomplete atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			o.sessions.mu.RLock()
			for _, e := range o.sessions.sessions {
				if e.channel == nil || e.batcher == nil {
					incomplete.Add(1)
				}
			}
			o.sessions.mu.RUnlock()
		}
	}()

	for range 20 {
		if _, err := o.BeginOrResume(context.Background(), BeginRequest{Code: "print(1)"}); err != nil {
			t.Fatalf("BeginOrResume: %v", err)
		}
	}
	close(stop)
	wg.Wait()

	if n := incomplete.Load(); n != 0 {
		t.Errorf("observed %d sessions without a channel or batcher", n)
	}
}
