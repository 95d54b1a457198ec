package sandbox

import (
	"context"
	"errors"
	"io/fs"
)

// Labels applied to every container created by an Executor.
const (
	LabelManaged = "ptcgate.managed"
	LabelSession = "ptcgate.session"
)

var (
	// ErrNotFound is returned by a Runtime when the container does not exist.
	ErrNotFound = errors.New("container not found")

	// ErrUnavailable is returned by a Runtime when the runtime cannot be reached.
	ErrUnavailable = errors.New("container runtime unavailable")
)

// Runtime is the container runtime primitives the executor builds on.
//
// Implementations report a missing container with ErrNotFound, an
// unreachable runtime with ErrUnavailable, and a missing path in CopyFrom
// with fs.ErrNotExist.
type Runtime interface {
	// Info pings the runtime and reports its version.
	Info(ctx context.Context) (RuntimeInfo, error)

	// EnsureImage makes the image available locally according to the
	// runtime's pull policy.
	EnsureImage(ctx context.Context, image string) error

	Create(ctx context.Context, cfg ContainerConfig) (string, error)
	Start(ctx context.Context, id string) error

	// Remove stops and removes the container and its anonymous volumes.
	Remove(ctx context.Context, id string) error

	Inspect(ctx context.Context, id string) (ContainerState, error)

	// CopyTo writes a single file, creating its parent directory.
	CopyTo(ctx context.Context, id, path string, data []byte, mode fs.FileMode) error

	// CopyFrom reads a single regular file.
	CopyFrom(ctx context.Context, id, path string) ([]byte, error)

	// Exec runs a command and waits for it, returning its output.
	Exec(ctx context.Context, id string, opts ExecOptions) (ExecResult, error)

	// ExecDetached starts a command in the background and returns its exec id.
	ExecDetached(ctx context.Context, id string, opts ExecOptions) (string, error)

	// ExecStatus reports whether a detached command is still running and,
	// once it has exited, its exit code.
	ExecStatus(ctx context.Context, execID string) (running bool, exitCode int, err error)

	// Logs returns the last tail lines of the container's output.
	Logs(ctx context.Context, id string, tail int) (string, error)

	// List returns containers carrying all the given labels.
	List(ctx context.Context, labels map[string]string) ([]ContainerState, error)

	Close() error
}

// RuntimeInfo describes a reachable runtime.
type RuntimeInfo struct {
	Name    string
	Version string
	OS      string
}

// Limits bounds the resources of one container.
type Limits struct {
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
}

// ContainerConfig is what the executor asks the runtime to create.
type ContainerConfig struct {
	Image           string
	Limits          Limits
	NetworkDisabled bool
	Labels          map[string]string
}

// ContainerState is the runtime's view of one container.
type ContainerState struct {
	ID        string
	Running   bool
	Status    string
	ExitCode  int
	OOMKilled bool
	Labels    map[string]string
}

// ExecOptions describes a command to run inside a container.
type ExecOptions struct {
	Cmd        []string
	Env        []string
	User       string
	WorkingDir string
}

// ExecResult is the outcome of an attached command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}
