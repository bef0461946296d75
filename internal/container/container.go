// Package container manages one long-lived, resource-capped docker
// container per project. Exec calls for the same project are serialized;
// across projects they run in parallel up to a global limit.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/devteamhq/runner/internal/runerr"
)

// stopTimeout bounds container teardown.
const stopTimeout = 60 * time.Second

// Handle identifies a running per-project container.
type Handle struct {
	ProjectID     string
	ContainerID   string
	CreatedAt     time.Time
	LastHealthyAt time.Time
}

// ExecOpts controls a single exec.
type ExecOpts struct {
	Cwd     string
	Timeout time.Duration
	Env     []string // KEY=VALUE pairs; passed per-exec, never written to the volume.
	Stdin   string
}

// ExecResult is the captured outcome of an exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Execer abstracts container operations for the pipeline and tests.
type Execer interface {
	Ensure(ctx context.Context, projectID string) (Handle, error)
	Exec(ctx context.Context, projectID string, cmd []string, opts ExecOpts) (ExecResult, error)
	Stop(ctx context.Context, projectID string) error
}

// Manager implements Execer using the docker CLI.
type Manager struct {
	CacheRoot string // Host directory mounted at /workspace.
	Image     string
	CPU       int
	MemMiB    int

	global *semaphore.Weighted

	mu       sync.Mutex
	projects map[string]*project
}

// project serializes execs for one project and tracks its handle.
type project struct {
	mu     sync.Mutex
	handle Handle
}

// NewManager creates a Manager with the given global exec parallelism.
func NewManager(cacheRoot, image string, cpu, memMiB, globalLimit int) *Manager {
	return &Manager{
		CacheRoot: cacheRoot,
		Image:     image,
		CPU:       cpu,
		MemMiB:    memMiB,
		global:    semaphore.NewWeighted(int64(globalLimit)),
		projects:  make(map[string]*project),
	}
}

// Name returns the docker container name for a project.
func Name(projectID string) string {
	return "runner-" + strings.ReplaceAll(projectID, "/", "-")
}

func (m *Manager) project(projectID string) *project {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		p = &project{}
		m.projects[projectID] = p
	}
	return p
}

// Ensure creates the project container if needed and validates its health.
// An unhealthy container gets one automatic restart; a second failure
// escalates as a container error.
func (m *Manager) Ensure(ctx context.Context, projectID string) (Handle, error) {
	p := m.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()

	name := Name(projectID)
	id, running, err := m.inspect(ctx, name)
	if err != nil {
		return Handle{}, runerr.New(runerr.KindContainerCreate, "prep", err)
	}
	if id == "" {
		slog.Info("creating container", "projectId", projectID, "image", m.Image)
		id, err = m.create(ctx, projectID, name)
		if err != nil {
			return Handle{}, runerr.New(runerr.KindContainerCreate, "prep", err).WithSummary("container create failed")
		}
		p.handle = Handle{ProjectID: projectID, ContainerID: id, CreatedAt: time.Now().UTC()}
	} else if !running {
		if err := m.docker(ctx, "start", name); err != nil {
			return Handle{}, runerr.New(runerr.KindContainerCreate, "prep", err)
		}
	}
	if p.handle.ContainerID == "" {
		p.handle = Handle{ProjectID: projectID, ContainerID: id, CreatedAt: time.Now().UTC()}
	}

	if err := m.healthy(ctx, name); err != nil {
		slog.Warn("container unhealthy, restarting once", "projectId", projectID, "err", err)
		if rErr := m.docker(ctx, "restart", name); rErr != nil {
			return Handle{}, runerr.New(runerr.KindContainerUnhealthy, "prep", rErr).WithSummary("container restart failed")
		}
		if err := m.healthy(ctx, name); err != nil {
			return Handle{}, runerr.New(runerr.KindContainerUnhealthy, "prep", err).WithSummary("container unhealthy after restart")
		}
	}
	p.handle.LastHealthyAt = time.Now().UTC()
	return p.handle, nil
}

// Exec runs cmd inside the project container. Same-project calls are
// serialized; the global semaphore bounds cross-project parallelism.
func (m *Manager) Exec(ctx context.Context, projectID string, cmd []string, opts ExecOpts) (ExecResult, error) {
	if err := m.global.Acquire(ctx, 1); err != nil {
		return ExecResult{}, runerr.New(runerr.KindContainerExec, "exec", err)
	}
	defer m.global.Release(1)

	p := m.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := []string{"exec"}
	if opts.Stdin != "" {
		args = append(args, "-i")
	}
	if opts.Cwd != "" {
		args = append(args, "-w", opts.Cwd)
	}
	for _, kv := range opts.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, Name(projectID))
	args = append(args, cmd...)

	dockerCmd := exec.CommandContext(ctx, "docker", args...) //nolint:gosec // args are built from internal state.
	var stdout, stderr bytes.Buffer
	dockerCmd.Stdout = &stdout
	dockerCmd.Stderr = &stderr
	if opts.Stdin != "" {
		dockerCmd.Stdin = strings.NewReader(opts.Stdin)
	}

	start := time.Now()
	err := dockerCmd.Run()
	res := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = ee.ExitCode()
			if ctx.Err() != nil {
				return res, runerr.New(runerr.KindContainerTimeout, "exec", ctx.Err())
			}
			// Non-zero exit is a result, not a transport failure.
			return res, nil
		}
		return res, runerr.New(runerr.KindContainerExec, "exec", err)
	}
	return res, nil
}

// Stop removes the project container. Bounded at 60 s.
func (m *Manager) Stop(ctx context.Context, projectID string) error {
	p := m.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	slog.Info("stopping container", "projectId", projectID)
	if err := m.docker(ctx, "rm", "-f", Name(projectID)); err != nil {
		return runerr.New(runerr.KindContainerExec, "stop", err)
	}
	p.handle = Handle{}
	return nil
}

// create runs the container: always-on, resource-capped, with the project
// cache mounted at /workspace.
func (m *Manager) create(ctx context.Context, projectID, name string) (string, error) {
	args := []string{
		"run", "-d",
		"--name", name,
		"--restart", "always",
		"--cpus", fmt.Sprintf("%d", m.CPU),
		"--memory", fmt.Sprintf("%dm", m.MemMiB),
		"-v", fmt.Sprintf("%s/%s:/workspace", m.CacheRoot, projectID),
		"-w", "/workspace",
		m.Image,
		"sleep", "infinity",
	}
	cmd := exec.CommandContext(ctx, "docker", args...) //nolint:gosec // args are built from configuration.
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker run: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// inspect returns the container id and running state, or "" when absent.
func (m *Manager) inspect(ctx context.Context, name string) (string, bool, error) {
	cmd := exec.CommandContext(ctx, "docker", "inspect", "--format", "{{.Id}} {{.State.Running}}", name)
	out, err := cmd.Output()
	if err != nil {
		// A missing container is not an error.
		return "", false, nil
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) != 2 {
		return "", false, fmt.Errorf("unexpected inspect output: %q", out)
	}
	return fields[0], fields[1] == "true", nil
}

// healthy verifies git and node answer version queries inside the container.
func (m *Manager) healthy(ctx context.Context, name string) error {
	for _, probe := range [][]string{{"git", "--version"}, {"node", "--version"}} {
		cmd := exec.CommandContext(ctx, "docker", append([]string{"exec", name}, probe...)...) //nolint:gosec // probe commands are fixed.
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s probe: %w: %s", probe[0], err, strings.TrimSpace(stderr.String()))
		}
	}
	return nil
}

func (m *Manager) docker(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "docker", args...) //nolint:gosec // args are built from internal state.
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
