package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/rhuss/ptcgate/pkg/debug"
)

// ErrMalformed is returned when an IPC file cannot be decoded.
var ErrMalformed = errors.New("malformed ipc file")

// Files gives access to files inside one sandbox. ReadFile returns an error
// wrapping fs.ErrNotExist for a missing file; RemoveFile ignores one.
type Files interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error
	RemoveFile(ctx context.Context, path string) error
}

// Channel is the host side of the IPC protocol for one sandbox.
// A Channel is not safe for concurrent use; the session manager serializes
// all access to a session.
type Channel struct {
	files Files
}

// NewChannel creates a Channel over the given sandbox files.
func NewChannel(files Files) *Channel {
	return &Channel{files: files}
}

// ReadStatus returns the agent's current status, or StatusUnknown if the
// agent has not written one yet.
func (c *Channel) ReadStatus(ctx context.Context) (Status, error) {
	data, err := c.files.ReadFile(ctx, StatusPath)
	if errors.Is(err, fs.ErrNotExist) {
		return StatusUnknown, nil
	}
	if err != nil {
		return StatusUnknown, fmt.Errorf("reading status: %w", err)
	}
	return ParseStatus(data)
}

// ReadToolCalls returns the outbox in arrival order. A missing outbox is empty.
func (c *Channel) ReadToolCalls(ctx context.Context) ([]ToolCallRequest, error) {
	data, err := c.files.ReadFile(ctx, ToolCallsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tool calls: %w", err)
	}
	debug.Dump("ipc", "tool_calls.json", data)

	var reqs []ToolCallRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("%w: tool_calls.json: %v", ErrMalformed, err)
	}
	for i, r := range reqs {
		if r.ID == "" || r.Name == "" {
			return nil, fmt.Errorf("%w: tool_calls.json entry %d lacks id or name", ErrMalformed, i)
		}
	}
	return reqs, nil
}

// ReadToolResults returns the current inbox. A missing inbox is empty.
func (c *Channel) ReadToolResults(ctx context.Context) ([]ToolCallResult, error) {
	data, err := c.files.ReadFile(ctx, ToolResultsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tool results: %w", err)
	}
	var results []ToolCallResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("%w: tool_results.json: %v", ErrMalformed, err)
	}
	return results, nil
}

// WriteToolResults adds results to the inbox. Entries already present are
// kept unless results carries the same id. The whole inbox is written in a
// single copy so the agent never sees a partial set from this call.
func (c *Channel) WriteToolResults(ctx context.Context, results []ToolCallResult) error {
	existing, err := c.ReadToolResults(ctx)
	if err != nil && !errors.Is(err, ErrMalformed) {
		return err
	}

	index := make(map[string]int, len(existing)+len(results))
	merged := make([]ToolCallResult, 0, len(existing)+len(results))
	for _, r := range existing {
		index[r.ID] = len(merged)
		merged = append(merged, r)
	}
	for _, r := range results {
		if len(r.Output) == 0 {
			r.Output = json.RawMessage("null")
		}
		if i, ok := index[r.ID]; ok {
			merged[i] = r
			continue
		}
		index[r.ID] = len(merged)
		merged = append(merged, r)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding tool results: %w", err)
	}
	debug.Dump("ipc", "tool_results.json", data)
	if err := c.files.WriteFile(ctx, ToolResultsPath, data, 0o666); err != nil {
		return fmt.Errorf("writing tool results: %w", err)
	}
	return nil
}

// TrimToolCalls removes the resolved ids from the outbox. The file is only
// rewritten when it actually contains one of them. Callers must have
// observed StatusAwaitingTools and written the matching results first.
func (c *Channel) TrimToolCalls(ctx context.Context, resolved map[string]bool) (int, error) {
	reqs, err := c.ReadToolCalls(ctx)
	if err != nil {
		return 0, err
	}

	kept := make([]ToolCallRequest, 0, len(reqs))
	for _, r := range reqs {
		if !resolved[r.ID] {
			kept = append(kept, r)
		}
	}
	removed := len(reqs) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	data, err := json.Marshal(kept)
	if err != nil {
		return 0, fmt.Errorf("encoding tool calls: %w", err)
	}
	if err := c.files.WriteFile(ctx, ToolCallsPath, data, 0o666); err != nil {
		return 0, fmt.Errorf("trimming tool calls: %w", err)
	}
	debug.Log("ipc", "trimmed outbox", "removed", removed, "kept", len(kept))
	return removed, nil
}

// ClearToolResults deletes the inbox after the agent has consumed it.
func (c *Channel) ClearToolResults(ctx context.Context) error {
	if err := c.files.RemoveFile(ctx, ToolResultsPath); err != nil {
		return fmt.Errorf("clearing tool results: %w", err)
	}
	return nil
}

// ReadResult returns the final payload written by the agent.
func (c *Channel) ReadResult(ctx context.Context) (*FinalResult, error) {
	data, err := c.files.ReadFile(ctx, ResultPath)
	if err != nil {
		return nil, fmt.Errorf("reading result: %w", err)
	}
	debug.Dump("ipc", "result.json", data)

	var res FinalResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("%w: result.json: %v", ErrMalformed, err)
	}
	return &res, nil
}

// Install places the agent script and the code to run. Existing files are
// overwritten.
func (c *Channel) Install(ctx context.Context, code string) error {
	if err := c.files.WriteFile(ctx, RunnerPath, RunnerScript, 0o755); err != nil {
		return fmt.Errorf("installing runner: %w", err)
	}
	if err := c.files.WriteFile(ctx, CodePath, []byte(code), 0o644); err != nil {
		return fmt.Errorf("installing code: %w", err)
	}
	return nil
}
