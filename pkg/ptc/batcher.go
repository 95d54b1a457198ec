package ptc

import (
	"slices"
	"time"

	"github.com/rhuss/ptcgate/pkg/ipc"
)

// Batch is an emitted, immutable set of tool calls in arrival order.
type Batch struct {
	Round    int
	Calls    []ipc.ToolCallRequest
	OpenedAt time.Time
	ClosedAt time.Time
}

// IDs returns the call ids of the batch.
func (b Batch) IDs() []string {
	return ipc.IDs(b.Calls)
}

// Batcher coalesces tool calls observed close together into batches.
//
// The first call observed opens a window. Calls observed strictly before
// the window has elapsed join it. A call observed at or after the end of
// the window opens a new window at its own observation time; windows are
// never extended. Windows are emitted in order and every observed call
// ends up in exactly one batch.
//
// Observation lags the agent by up to one poll, so a call made just
// before its window closed can be seen just after. When the agent seals
// the round itself, FlushRound emits everything observed as that round.
// The elapsed-time close waits an extra grace period to give the seal a
// chance to arrive first.
//
// A Batcher is not safe for concurrent use.
type Batcher struct {
	window time.Duration
	grace  time.Duration
	now    func() time.Time

	seen    map[string]bool
	round   int
	windows []*window
}

type window struct {
	start time.Time
	calls []ipc.ToolCallRequest
}

// NewBatcher creates a Batcher. A nil now uses time.Now.
func NewBatcher(d time.Duration, now func() time.Time) *Batcher {
	if now == nil {
		now = time.Now
	}
	return &Batcher{
		window: d,
		now:    now,
		seen:   make(map[string]bool),
	}
}

// SetGrace delays the elapsed-time close of every window by d.
func (b *Batcher) SetGrace(d time.Duration) {
	b.grace = d
}

// Observe records calls seen at the current time. Calls already observed
// are ignored. It returns how many calls were new.
func (b *Batcher) Observe(calls []ipc.ToolCallRequest) int {
	t := b.now()
	n := 0
	for _, c := range calls {
		if b.seen[c.ID] {
			continue
		}
		b.seen[c.ID] = true
		n++

		if k := len(b.windows); k > 0 && t.Sub(b.windows[k-1].start) < b.window {
			b.windows[k-1].calls = append(b.windows[k-1].calls, c)
			continue
		}
		b.windows = append(b.windows, &window{start: t, calls: []ipc.ToolCallRequest{c}})
	}
	return n
}

// Due reports whether the oldest window should be emitted: its time has
// elapsed, or the agent has declared the round complete.
func (b *Batcher) Due(roundComplete bool) bool {
	if len(b.windows) == 0 {
		return false
	}
	return roundComplete || !b.now().Before(b.Deadline())
}

// Deadline returns when the oldest window closes on elapsed time, or the
// zero time if no window is open.
func (b *Batcher) Deadline() time.Time {
	if len(b.windows) == 0 {
		return time.Time{}
	}
	return b.windows[0].start.Add(b.window + b.grace)
}

// Pending returns how many observed calls have not been emitted yet.
func (b *Batcher) Pending() int {
	n := 0
	for _, w := range b.windows {
		n += len(w.calls)
	}
	return n
}

// Flush emits the oldest window as a batch. ok is false when no window
// is open.
func (b *Batcher) Flush() (batch Batch, ok bool) {
	if len(b.windows) == 0 {
		return Batch{}, false
	}
	w := b.windows[0]
	b.windows = b.windows[1:]
	return b.emit(w.start, w.calls), true
}

// FlushRound emits every open window as one batch, for a round the agent
// has sealed. ok is false when nothing is pending.
func (b *Batcher) FlushRound() (batch Batch, ok bool) {
	if len(b.windows) == 0 {
		return Batch{}, false
	}
	var calls []ipc.ToolCallRequest
	for _, w := range b.windows {
		calls = append(calls, w.calls...)
	}
	start := b.windows[0].start
	b.windows = nil
	return b.emit(start, calls), true
}

func (b *Batcher) emit(opened time.Time, calls []ipc.ToolCallRequest) Batch {
	b.round++
	calls = slices.Clone(calls)
	for i := range calls {
		calls[i].Round = b.round
	}
	return Batch{
		Round:    b.round,
		Calls:    calls,
		OpenedAt: opened,
		ClosedAt: b.now(),
	}
}
