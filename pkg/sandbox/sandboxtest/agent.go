package sandboxtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rhuss/ptcgate/pkg/ipc"
)

// Program is the script the fake agent runs in place of user code.
type Program []Step

// Step is one action of a Program.
type Step func(ctx context.Context, a *agent) error

// Call is one tool invocation made by a CallTools step.
type Call struct {
	Name string
	Args map[string]any
}

// Print appends s to stdout.
func Print(s string) Step {
	return func(_ context.Context, a *agent) error {
		a.stdout.WriteString(s)
		return nil
	}
}

// CallTools issues calls concurrently in one round and waits for all of
// their results. Each result's output is printed on its own line.
func CallTools(calls ...Call) Step {
	return CallToolsStaggered(0, calls...)
}

// CallToolsStaggered is CallTools with a delay between successive calls.
func CallToolsStaggered(gap time.Duration, calls ...Call) Step {
	return func(ctx context.Context, a *agent) error {
		results, err := a.round(ctx, calls, gap)
		if err != nil {
			return err
		}
		for _, res := range results {
			if res.IsError {
				a.stdout.WriteString("error: ")
			}
			a.stdout.Write(res.Output)
			a.stdout.WriteString("\n")
		}
		return nil
	}
}

// Fail ends the program with an exception.
func Fail(typ, message string) Step {
	return func(context.Context, *agent) error {
		return &ipc.AgentFailure{Type: typ, Message: message}
	}
}

// Hang blocks until the agent is killed.
func Hang() Step {
	return func(ctx context.Context, _ *agent) error {
		<-ctx.Done()
		return errKilled
	}
}

// Crash stops the container without writing a status.
func Crash() Step {
	return func(_ context.Context, a *agent) error {
		a.rt.Stop(a.containerID)
		return errKilled
	}
}

// Exit ends the agent process without writing a status, leaving the
// container running.
func Exit() Step {
	return func(context.Context, *agent) error {
		return errKilled
	}
}

// Sleep pauses the program.
func Sleep(d time.Duration) Step {
	return func(ctx context.Context, _ *agent) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return errKilled
		}
	}
}

// sealDelay is how long the fake agent waits after its last call before
// sealing a round. It ignores PTC_BATCH_WINDOW_MS so that staggered calls
// exercise the host closing windows on its own.
const sealDelay = 5 * time.Millisecond

type agent struct {
	rt          *Runtime
	containerID string
	env         map[string]string
	stdout      strings.Builder
	nextID      int
}

func (a *agent) poll() time.Duration {
	if ms, err := strconv.Atoi(a.env["PTC_POLL_MS"]); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 2 * time.Millisecond
}


func (a *agent) run(ctx context.Context, prog Program) int {
	a.nextID, _ = strconv.Atoi(a.env["PTC_NEXT_CALL_ID"])
	if a.nextID < 1 {
		a.nextID = 1
	}
	a.status(ipc.StatusRunning)

	for _, step := range prog {
		err := step(ctx, a)
		if errors.Is(err, errKilled) || ctx.Err() != nil {
			return 137
		}
		var failure *ipc.AgentFailure
		if errors.As(err, &failure) {
			a.finish(failure)
			return 1
		}
		if err != nil {
			a.finish(&ipc.AgentFailure{Type: "RuntimeError", Message: err.Error()})
			return 1
		}
	}
	a.finish(nil)
	return 0
}

func (a *agent) finish(failure *ipc.AgentFailure) {
	res := ipc.FinalResult{Stdout: a.stdout.String(), Error: failure}
	data, _ := json.Marshal(res)
	a.rt.write(a.containerID, ipc.ResultPath, data)
	if failure != nil {
		a.status(ipc.StatusError)
		return
	}
	a.status(ipc.StatusDone)
}

func (a *agent) status(s ipc.Status) {
	a.rt.write(a.containerID, ipc.StatusPath, []byte(s))
}

// round appends calls to the outbox, seals the round, and waits until
// the inbox answers every id and the host has trimmed them from the
// outbox.
func (a *agent) round(ctx context.Context, calls []Call, gap time.Duration) ([]ipc.ToolCallResult, error) {
	ids := make([]string, len(calls))
	for i, c := range calls {
		if i > 0 && gap > 0 {
			if err := sleep(ctx, gap); err != nil {
				return nil, err
			}
		}
		ids[i] = fmt.Sprintf("toolu_%012d", a.nextID)
		a.nextID++

		args, err := json.Marshal(c.Args)
		if err != nil {
			return nil, err
		}
		var outbox []ipc.ToolCallRequest
		if data, err := a.rt.read(a.containerID, ipc.ToolCallsPath); err == nil {
			json.Unmarshal(data, &outbox)
		}
		outbox = append(outbox, ipc.ToolCallRequest{ID: ids[i], Name: c.Name, Arguments: args})
		data, _ := json.Marshal(outbox)
		a.rt.write(a.containerID, ipc.ToolCallsPath, data)
	}

	if err := sleep(ctx, sealDelay); err != nil {
		return nil, err
	}
	a.status(ipc.StatusAwaitingTools)

	got := make(map[string]ipc.ToolCallResult, len(ids))
	for {
		if err := sleep(ctx, a.poll()); err != nil {
			return nil, err
		}
		data, err := a.rt.read(a.containerID, ipc.ToolResultsPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errKilled
		}
		var inbox []ipc.ToolCallResult
		if len(data) > 0 && json.Unmarshal(data, &inbox) != nil {
			continue
		}
		for _, r := range inbox {
			if slices.Contains(ids, r.ID) {
				got[r.ID] = r
			}
		}
		if len(got) < len(ids) || a.pending(ids) {
			continue
		}

		a.status(ipc.StatusRunning)
		out := make([]ipc.ToolCallResult, len(ids))
		for i, id := range ids {
			out[i] = got[id]
		}
		return out, nil
	}
}

// pending reports whether any of ids is still in the outbox.
func (a *agent) pending(ids []string) bool {
	data, err := a.rt.read(a.containerID, ipc.ToolCallsPath)
	if err != nil {
		return false
	}
	var outbox []ipc.ToolCallRequest
	if json.Unmarshal(data, &outbox) != nil {
		return true
	}
	for _, r := range outbox {
		if slices.Contains(ids, r.ID) {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return errKilled
	}
}
