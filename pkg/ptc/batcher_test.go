package ptc

import (
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/rhuss/ptcgate/pkg/ipc"
)

// fakeClock is a manually advanced clock.
type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
func (c *fakeClock) Set(base time.Time, d time.Duration) { c.t = base.Add(d) }

func call(id string) ipc.ToolCallRequest {
	return ipc.ToolCallRequest{ID: id, Name: "lookup", Arguments: []byte(`{}`)}
}

func TestBatcherCoalescesWithinWindow(t *testing.T) {
	clock := newFakeClock()
	b := NewBatcher(100*time.Millisecond, clock.Now)

	b.Observe([]ipc.ToolCallRequest{call("c1")})
	clock.Advance(50 * time.Millisecond)
	b.Observe([]ipc.ToolCallRequest{call("c1"), call("c2")})

	clock.Advance(49 * time.Millisecond)
	if b.Due(false) {
		t.Fatal("window closed before 100ms")
	}

	clock.Advance(1 * time.Millisecond)
	if !b.Due(false) {
		t.Fatal("window not due at 100ms")
	}
	batch, ok := b.Flush()
	if !ok {
		t.Fatal("Flush returned no batch")
	}
	if got := batch.IDs(); !slices.Equal(got, []string{"c1", "c2"}) {
		t.Errorf("batch = %v, want [c1 c2]", got)
	}
	if batch.Round != 1 || batch.Calls[1].Round != 1 {
		t.Errorf("round = %d/%d, want 1", batch.Round, batch.Calls[1].Round)
	}
	if batch.ClosedAt.Sub(batch.OpenedAt) < 100*time.Millisecond {
		t.Errorf("batch emitted after %s", batch.ClosedAt.Sub(batch.OpenedAt))
	}

	// C3 at t=150ms opens a new batch.
	clock.Advance(50 * time.Millisecond)
	b.Observe([]ipc.ToolCallRequest{call("c3")})
	if b.Due(false) {
		t.Fatal("new window due immediately")
	}
	clock.Advance(100 * time.Millisecond)
	batch, _ = b.Flush()
	if got := batch.IDs(); !slices.Equal(got, []string{"c3"}) || batch.Round != 2 {
		t.Errorf("second batch = %v round %d", got, batch.Round)
	}
}

func TestBatcherWindowBoundary(t *testing.T) {
	const window = 100 * time.Millisecond

	tests := []struct {
		name    string
		offset  time.Duration
		batches [][]string
	}{
		{name: "just before close joins", offset: window - time.Nanosecond, batches: [][]string{{"c1", "c2"}}},
		{name: "at close starts new round", offset: window, batches: [][]string{{"c1"}, {"c2"}}},
		{name: "after close starts new round", offset: window + time.Millisecond, batches: [][]string{{"c1"}, {"c2"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			base := clock.Now()
			b := NewBatcher(window, clock.Now)

			b.Observe([]ipc.ToolCallRequest{call("c1")})
			clock.Set(base, tt.offset)
			b.Observe([]ipc.ToolCallRequest{call("c2")})

			clock.Set(base, 10*window)
			var got [][]string
			for {
				batch, ok := b.Flush()
				if !ok {
					break
				}
				got = append(got, batch.IDs())
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.batches) {
				t.Errorf("batches = %v, want %v", got, tt.batches)
			}
		})
	}
}

func TestBatcherHeldWindowKeepsOwnStart(t *testing.T) {
	clock := newFakeClock()
	base := clock.Now()
	b := NewBatcher(100*time.Millisecond, clock.Now)

	b.Observe([]ipc.ToolCallRequest{call("c1")})
	clock.Set(base, 120*time.Millisecond)
	b.Observe([]ipc.ToolCallRequest{call("c2")})

	b.Flush()
	if want := base.Add(220 * time.Millisecond); !b.Deadline().Equal(want) {
		t.Errorf("deadline = %v, want %v", b.Deadline(), want)
	}
	clock.Set(base, 219*time.Millisecond)
	if b.Due(false) {
		t.Error("held window due early")
	}
	clock.Set(base, 220*time.Millisecond)
	if !b.Due(false) {
		t.Error("held window not due at its own deadline")
	}
}

func TestBatcherRoundCompleteClosesEarly(t *testing.T) {
	clock := newFakeClock()
	b := NewBatcher(100*time.Millisecond, clock.Now)

	b.Observe([]ipc.ToolCallRequest{call("c1"), call("c2")})
	clock.Advance(10 * time.Millisecond)
	if !b.Due(true) {
		t.Fatal("completed round should close the window")
	}
	batch, _ := b.Flush()
	if len(batch.Calls) != 2 {
		t.Errorf("batch size = %d", len(batch.Calls))
	}
}

func TestBatcherSealedRoundTakesLateObservations(t *testing.T) {
	clock := newFakeClock()
	base := clock.Now()
	b := NewBatcher(100*time.Millisecond, clock.Now)
	b.SetGrace(50 * time.Millisecond)

	// C2 was made at 90ms but first read on the poll at 110ms.
	b.Observe([]ipc.ToolCallRequest{call("c1")})
	clock.Set(base, 110*time.Millisecond)
	b.Observe([]ipc.ToolCallRequest{call("c1"), call("c2")})

	if b.Due(false) {
		t.Fatal("window closed inside the grace period")
	}
	if !b.Due(true) {
		t.Fatal("sealed round not due")
	}
	batch, ok := b.FlushRound()
	if !ok {
		t.Fatal("FlushRound returned no batch")
	}
	if got := batch.IDs(); !slices.Equal(got, []string{"c1", "c2"}) {
		t.Errorf("batch = %v, want [c1 c2]", got)
	}
	if batch.Round != 1 || batch.Calls[1].Round != 1 || !batch.OpenedAt.Equal(base) {
		t.Errorf("batch round %d opened %v", batch.Round, batch.OpenedAt)
	}
	if b.Pending() != 0 {
		t.Errorf("pending = %d after FlushRound", b.Pending())
	}
	if _, ok := b.FlushRound(); ok {
		t.Error("second FlushRound emitted a batch")
	}
}

func TestBatcherGraceDelaysElapsedClose(t *testing.T) {
	clock := newFakeClock()
	base := clock.Now()
	b := NewBatcher(100*time.Millisecond, clock.Now)
	b.SetGrace(50 * time.Millisecond)

	b.Observe([]ipc.ToolCallRequest{call("c1")})
	if want := base.Add(150 * time.Millisecond); !b.Deadline().Equal(want) {
		t.Errorf("deadline = %v, want %v", b.Deadline(), want)
	}
	clock.Set(base, 149*time.Millisecond)
	if b.Due(false) {
		t.Fatal("due before window plus grace")
	}
	clock.Set(base, 150*time.Millisecond)
	if !b.Due(false) {
		t.Fatal("not due at window plus grace")
	}

	// Membership still ends at the window itself.
	b.Observe([]ipc.ToolCallRequest{call("c2")})
	batch, _ := b.Flush()
	if got := batch.IDs(); !slices.Equal(got, []string{"c1"}) {
		t.Errorf("batch = %v, want [c1]", got)
	}
}

func TestBatcherEveryCallInExactlyOneBatch(t *testing.T) {
	clock := newFakeClock()
	b := NewBatcher(100*time.Millisecond, clock.Now)

	var observed []string
	counts := make(map[string]int)
	for i := range 40 {
		id := fmt.Sprintf("toolu_%012d", i+1)
		observed = append(observed, id)
		// Re-observe everything so far, as the host does on every poll.
		var outbox []ipc.ToolCallRequest
		for _, o := range observed {
			outbox = append(outbox, call(o))
		}
		b.Observe(outbox)
		clock.Advance(time.Duration(7*i%60) * time.Millisecond)
		if i%5 == 0 && b.Due(false) {
			batch, _ := b.Flush()
			for _, id := range batch.IDs() {
				counts[id]++
			}
		}
	}
	clock.Advance(time.Second)
	for {
		batch, ok := b.Flush()
		if !ok {
			break
		}
		for _, id := range batch.IDs() {
			counts[id]++
		}
	}

	if b.Pending() != 0 {
		t.Errorf("pending = %d after draining", b.Pending())
	}
	for _, id := range observed {
		if counts[id] != 1 {
			t.Errorf("%s emitted %d times", id, counts[id])
		}
	}
}

func TestBatcherEmpty(t *testing.T) {
	b := NewBatcher(100*time.Millisecond, nil)
	if b.Due(true) {
		t.Error("empty batcher due")
	}
	if _, ok := b.Flush(); ok {
		t.Error("empty batcher flushed a batch")
	}
	if !b.Deadline().IsZero() {
		t.Error("empty batcher has a deadline")
	}
}

func TestBatchIsImmutable(t *testing.T) {
	clock := newFakeClock()
	b := NewBatcher(100*time.Millisecond, clock.Now)
	b.Observe([]ipc.ToolCallRequest{call("c1")})
	clock.Advance(time.Second)
	batch, _ := b.Flush()

	batch.Calls[0].ID = "mutated"
	b.Observe([]ipc.ToolCallRequest{call("c1")})
	if b.Pending() != 0 {
		t.Error("re-observing an emitted id queued it again")
	}
}
