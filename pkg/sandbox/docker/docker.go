// Package docker implements sandbox.Runtime on the Docker Engine API.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/rhuss/ptcgate/pkg/debug"
	"github.com/rhuss/ptcgate/pkg/sandbox"
)

// Pull policies for EnsureImage.
const (
	PullAlways       = "always"
	PullIfNotPresent = "if_not_present"
	PullNever        = "never"
)

// Ensure Runtime implements sandbox.Runtime.
var _ sandbox.Runtime = (*Runtime)(nil)

// Config holds the runtime connection and image settings.
type Config struct {
	// Host is the daemon address. Empty uses DOCKER_HOST and the
	// other standard environment variables.
	Host string

	PullPolicy string

	// RegistryAuth is the base64 encoded auth config sent with pulls.
	RegistryAuth string
}

// Runtime talks to a Docker (or Podman compatible) daemon.
type Runtime struct {
	cli        *client.Client
	pullPolicy string
	auth       string
}

// New creates a Runtime. No connection is made until the first call.
func New(cfg Config) (*Runtime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	policy := cfg.PullPolicy
	if policy == "" {
		policy = PullIfNotPresent
	}
	return &Runtime{cli: cli, pullPolicy: policy, auth: cfg.RegistryAuth}, nil
}

// Info pings the daemon and reports its version.
func (r *Runtime) Info(ctx context.Context) (sandbox.RuntimeInfo, error) {
	ping, err := r.cli.Ping(ctx)
	if err != nil {
		return sandbox.RuntimeInfo{}, mapErr(err)
	}
	info := sandbox.RuntimeInfo{Name: "docker", OS: ping.OSType}
	v, err := r.cli.ServerVersion(ctx)
	if err != nil {
		return info, mapErr(err)
	}
	info.Version = v.Version
	if v.Platform.Name != "" {
		info.Name = v.Platform.Name
	}
	return info, nil
}

// EnsureImage applies the pull policy to ref.
func (r *Runtime) EnsureImage(ctx context.Context, ref string) error {
	if r.pullPolicy != PullAlways {
		_, err := r.cli.ImageInspect(ctx, ref)
		if err == nil {
			return nil
		}
		if !client.IsErrNotFound(err) {
			return mapErr(err)
		}
		if r.pullPolicy == PullNever {
			return fmt.Errorf("image %s not present and pull policy is %s", ref, PullNever)
		}
	}

	slog.Info("pulling sandbox image", "image", ref)
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: r.auth})
	if err != nil {
		return mapErr(err)
	}
	defer rc.Close()
	return drainPull(rc)
}

// drainPull consumes a pull progress stream, returning the first error
// reported in it.
func drainPull(rc io.Reader) error {
	dec := json.NewDecoder(rc)
	for {
		var msg struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("pull failed: %s", msg.Error)
		}
		debug.Trace("sandbox", "pull progress", "status", msg.Status)
	}
}

// Create creates a container idling on sleep. Commands are run with exec.
func (r *Runtime) Create(ctx context.Context, cfg sandbox.ContainerConfig) (string, error) {
	useInit := true
	pids := cfg.Limits.PidsLimit
	hostCfg := &container.HostConfig{
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Init:        &useInit,
		Resources: container.Resources{
			Memory:     cfg.Limits.MemoryBytes,
			MemorySwap: cfg.Limits.MemoryBytes,
			NanoCPUs:   cfg.Limits.NanoCPUs,
		},
	}
	if pids > 0 {
		hostCfg.Resources.PidsLimit = &pids
	}
	if cfg.NetworkDisabled {
		hostCfg.NetworkMode = container.NetworkMode("none")
	}

	stopTimeout := 0
	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:           cfg.Image,
		Cmd:             []string{"sleep", "infinity"},
		WorkingDir:      "/tmp",
		Labels:          cfg.Labels,
		NetworkDisabled: cfg.NetworkDisabled,
		StopTimeout:     &stopTimeout,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return "", mapErr(err)
	}
	for _, w := range resp.Warnings {
		slog.Warn("container create warning", "container", resp.ID, "warning", w)
	}
	return resp.ID, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	return mapErr(r.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

// Remove stops the container without grace period and removes it.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	timeout := 0
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return mapErr(err)
		}
		debug.Log("sandbox", "stop failed, forcing removal", "container", id, "error", err.Error())
	}
	return mapErr(r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}))
}

func (r *Runtime) Inspect(ctx context.Context, id string) (sandbox.ContainerState, error) {
	resp, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return sandbox.ContainerState{}, mapErr(err)
	}
	st := sandbox.ContainerState{ID: resp.ID}
	if resp.State != nil {
		st.Running = resp.State.Running
		st.Status = string(resp.State.Status)
		st.ExitCode = resp.State.ExitCode
		st.OOMKilled = resp.State.OOMKilled
	}
	if resp.Config != nil {
		st.Labels = resp.Config.Labels
	}
	return st, nil
}

// CopyTo sends a tar holding the parent directory (mode 0777, so the
// unprivileged sandbox user can create files next to it) and the file.
func (r *Runtime) CopyTo(ctx context.Context, id, p string, data []byte, mode fs.FileMode) error {
	archive, err := tarFile(p, data, mode)
	if err != nil {
		return err
	}
	return mapErr(r.cli.CopyToContainer(ctx, id, "/", archive, container.CopyToContainerOptions{}))
}

func tarFile(p string, data []byte, mode fs.FileMode) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	dir := strings.TrimPrefix(path.Dir(p), "/")
	if dir != "" && dir != "." {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     dir + "/",
			Mode:     0o777,
			ModTime:  now,
		}); err != nil {
			return nil, fmt.Errorf("writing tar header: %w", err)
		}
	}
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     strings.TrimPrefix(p, "/"),
		Mode:     int64(mode.Perm()),
		Size:     int64(len(data)),
		ModTime:  now,
	}); err != nil {
		return nil, fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return nil, fmt.Errorf("writing tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar: %w", err)
	}
	return &buf, nil
}

// CopyFrom reads one regular file out of the container.
func (r *Runtime) CopyFrom(ctx context.Context, id, p string) ([]byte, error) {
	rc, _, err := r.cli.CopyFromContainer(ctx, id, p)
	if err != nil {
		if client.IsErrNotFound(err) {
			// The API reports a missing path and a missing container alike.
			if _, ierr := r.cli.ContainerInspect(ctx, id); ierr != nil {
				return nil, mapErr(ierr)
			}
			return nil, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
		}
		return nil, mapErr(err)
	}
	defer rc.Close()
	return untarFile(rc, p)
}

func untarFile(r io.Reader, p string) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		return data, nil
	}
}

// Exec runs a command attached and waits for it. Cancelling ctx stops
// waiting but does not stop the command.
func (r *Runtime) Exec(ctx context.Context, id string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
	created, err := r.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		User:         opts.User,
		Env:          opts.Env,
		Cmd:          opts.Cmd,
		WorkingDir:   opts.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return sandbox.ExecResult{}, mapErr(err)
	}

	hj, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return sandbox.ExecResult{}, mapErr(err)
	}
	defer hj.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, hj.Reader)
		copied <- err
	}()

	select {
	case <-ctx.Done():
		hj.Close()
		return sandbox.ExecResult{}, ctx.Err()
	case err := <-copied:
		if err != nil {
			return sandbox.ExecResult{}, fmt.Errorf("reading exec output: %w", err)
		}
	}

	code, err := r.waitExit(ctx, created.ID)
	if err != nil {
		return sandbox.ExecResult{}, err
	}
	return sandbox.ExecResult{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// waitExit returns the exit code once the daemon has recorded it; the
// output stream can close slightly before that.
func (r *Runtime) waitExit(ctx context.Context, execID string) (int, error) {
	for range 50 {
		insp, err := r.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, mapErr(err)
		}
		if !insp.Running {
			return insp.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return 0, fmt.Errorf("exec %s still running after output closed", execID)
}

func (r *Runtime) ExecDetached(ctx context.Context, id string, opts sandbox.ExecOptions) (string, error) {
	created, err := r.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		User:       opts.User,
		Env:        opts.Env,
		Cmd:        opts.Cmd,
		WorkingDir: opts.WorkingDir,
	})
	if err != nil {
		return "", mapErr(err)
	}
	if err := r.cli.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return "", mapErr(err)
	}
	return created.ID, nil
}

func (r *Runtime) ExecStatus(ctx context.Context, execID string) (bool, int, error) {
	insp, err := r.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return false, 0, mapErr(err)
	}
	return insp.Running, insp.ExitCode, nil
}

func (r *Runtime) Logs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", mapErr(err)
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "", fmt.Errorf("reading logs: %w", err)
	}
	return out.String(), nil
}

func (r *Runtime) List(ctx context.Context, labels map[string]string) ([]sandbox.ContainerState, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	summaries, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]sandbox.ContainerState, len(summaries))
	for i, s := range summaries {
		out[i] = sandbox.ContainerState{
			ID:      s.ID,
			Running: s.State == container.StateRunning,
			Status:  string(s.State),
			Labels:  s.Labels,
		}
	}
	return out, nil
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}

// mapErr translates client errors to the sandbox sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrNotFound(err):
		return fmt.Errorf("%w: %v", sandbox.ErrNotFound, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	default:
		return err
	}
}
