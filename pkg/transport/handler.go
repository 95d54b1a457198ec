package transport

import (
	"context"

	"github.com/rhuss/ptcgate/pkg/ipc"
	"github.com/rhuss/ptcgate/pkg/ptc"
)

// Orchestrator is the contract the HTTP surface drives. *ptc.Orchestrator
// implements it.
type Orchestrator interface {
	// IsEligible reports whether a request may use programmatic tool calling.
	IsEligible(d ptc.Descriptor) bool

	// CallableTools returns the tools code in the sandbox may call.
	CallableTools(d ptc.Descriptor) []string

	// BeginOrResume starts a session or validates an existing one.
	BeginOrResume(ctx context.Context, req ptc.BeginRequest) (ptc.Session, error)

	// Step advances a session, optionally delivering tool results.
	Step(ctx context.Context, id string, results []ipc.ToolCallResult) (*ptc.StepResult, error)

	// Get returns a read-only session snapshot.
	Get(ctx context.Context, id string) (ptc.Session, error)

	// Terminate retires a session and releases its sandbox.
	Terminate(ctx context.Context, id string) error

	// Health reports runtime reachability and live sessions.
	Health(ctx context.Context) ptc.Health
}

var _ Orchestrator = (*ptc.Orchestrator)(nil)
