// Package dockerbox runs agent sessions in Docker containers with the
// worktree bind-mounted, so nothing the agent executes touches the host
// checkout directly.
package dockerbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"log/slog"

	"github.com/fairyhunter13/gitfix/internal/domain"
)

// API is the slice of the Docker Engine client this adapter calls.
type API interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Sandbox implements domain.Sandbox on the Docker Engine.
type Sandbox struct {
	cli API
}

// New connects to the daemon named by the ambient DOCKER_* environment.
func New() (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("op=sandbox.new: %w", err)
	}
	return &Sandbox{cli: cli}, nil
}

// NewWithAPI wires an explicit engine client.
func NewWithAPI(cli API) *Sandbox { return &Sandbox{cli: cli} }

// Run creates and starts a container for the spec. A missing local image is
// pulled once before giving up.
func (s *Sandbox) Run(ctx domain.Context, spec domain.SandboxSpec) (domain.SandboxHandle, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.Network),
		AutoRemove:  spec.AutoRemove,
	}

	created, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil && isNoSuchImage(err) {
		if perr := s.pullImage(ctx, spec.Image); perr != nil {
			return nil, perr
		}
		created, err = s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("op=sandbox.create image=%s: %w", spec.Image, err)
	}
	if err := s.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = s.cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("op=sandbox.start: %w", err)
	}
	slog.Info("sandbox container started",
		slog.String("name", spec.Name),
		slog.String("id", shortID(created.ID)),
		slog.String("image", spec.Image))
	return &Handle{cli: s.cli, id: created.ID, name: spec.Name}, nil
}

// Ping verifies the daemon is reachable; the readiness probe calls this.
func (s *Sandbox) Ping(ctx domain.Context) error {
	if _, err := s.cli.Ping(ctx); err != nil {
		return fmt.Errorf("op=sandbox.ping: %w", err)
	}
	return nil
}

// Close releases the engine connection.
func (s *Sandbox) Close() error { return s.cli.Close() }

func (s *Sandbox) pullImage(ctx domain.Context, ref string) error {
	slog.Info("pulling sandbox image", slog.String("image", ref))
	rc, err := s.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("op=sandbox.pull image=%s: %w", ref, err)
	}
	defer func() { _ = rc.Close() }()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("op=sandbox.pull image=%s: %w", ref, err)
	}
	return nil
}

// isNoSuchImage matches the daemon's message for a missing local image.
func isNoSuchImage(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No such image")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Handle is one running container, owned by a single handler task.
type Handle struct {
	cli  API
	id   string
	name string
}

// ID returns the engine container ID.
func (h *Handle) ID() string { return h.id }

// Name returns the name the container was created with.
func (h *Handle) Name() string { return h.name }

// Logs follows the container's combined output. The engine multiplexes
// stdout and stderr into framed chunks; the returned reader is demuxed.
func (h *Handle) Logs(ctx domain.Context) (io.ReadCloser, error) {
	raw, err := h.cli.ContainerLogs(ctx, h.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("op=sandbox.logs: %w", err)
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		_ = raw.Close()
		_ = pw.CloseWithError(err)
	}()
	return pr, nil
}

// Wait blocks until the container stops running and returns its exit code.
func (h *Handle) Wait(ctx domain.Context) (int, error) {
	waitCh, errCh := h.cli.ContainerWait(ctx, h.id, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return int(resp.StatusCode), fmt.Errorf("op=sandbox.wait: %s", resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err := <-errCh:
		return -1, fmt.Errorf("op=sandbox.wait: %w", err)
	}
}

// Stop asks the container to exit, killing it after the grace period.
func (h *Handle) Stop(ctx domain.Context, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := h.cli.ContainerStop(ctx, h.id, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("op=sandbox.stop: %w", err)
	}
	return nil
}

// Remove force-deletes the container and its anonymous volumes.
func (h *Handle) Remove(ctx domain.Context) error {
	if err := h.cli.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("op=sandbox.remove: %w", err)
	}
	return nil
}
