package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"slices"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dontdude/goxec-cluster/internal/domain"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// cleanupTimeout bounds the kill and remove calls made after a run.
const cleanupTimeout = 10 * time.Second

// containerAPI is the slice of the Docker SDK client the sandbox uses.
type containerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, container string, options container.StartOptions) error
	ContainerWait(ctx context.Context, container string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, container, signal string) error
	ContainerInspect(ctx context.Context, container string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, container string, options container.RemoveOptions) error
}

// Config holds the limits applied to every container.
type Config struct {
	Timeout        time.Duration
	MemoryBytes    int64
	CPUShares      int64
	PidsLimit      int64
	MaxOutputBytes int
	// MountPath is where the staged file appears inside the container.
	MountPath string
	// BindSource is the host directory holding staged files, as the daemon sees it.
	BindSource string
	PullImages bool
}

// Sandbox runs untrusted programs in throwaway Docker containers.
type Sandbox struct {
	api    containerAPI
	cfg    Config
	logger *slog.Logger
}

// Check if Sandbox implements domain.Sandbox
var _ domain.Sandbox = (*Sandbox)(nil)

// NewSandbox connects to the Docker daemon from the environment and verifies it with a Ping.
// An unreachable daemon is reported to the caller so the node refuses to start.
func NewSandbox(ctx context.Context, cfg Config, logger *slog.Logger) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("connecting to docker daemon: %w", err)
	}

	logger.Info("Docker client initialized", "host", cli.DaemonHost())
	return newSandbox(cli, cfg, logger), nil
}

func newSandbox(api containerAPI, cfg Config, logger *slog.Logger) *Sandbox {
	return &Sandbox{api: api, cfg: cfg, logger: logger.With("component", "sandbox")}
}

// Run executes the staged file within an ephemeral container.
// The wall-clock limit is enforced by killing the container, never by asking the program to stop.
func (s *Sandbox) Run(ctx context.Context, inv domain.Invocation) domain.Outcome {
	logger := s.logger.With("taskID", inv.TaskID, "image", inv.Image)
	start := time.Now()

	id, err := s.create(ctx, inv)
	if err != nil {
		logger.Error("Failed to create container", "error", err)
		return domain.Failed(domain.FailureSandboxLaunch, err.Error())
	}
	defer s.remove(id, logger)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	hijack, err := s.api.ContainerAttach(runCtx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		logger.Error("Failed to attach to container", "error", err)
		return domain.Failed(domain.FailureSandboxLaunch, fmt.Sprintf("attach: %v", err))
	}
	defer hijack.Close()

	// Register the wait before starting so a program that exits instantly is not missed.
	statusCh, waitErrCh := s.api.ContainerWait(runCtx, id, container.WaitConditionNextExit)

	if err := s.api.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		logger.Error("Failed to start container", "error", err)
		return domain.Failed(domain.FailureSandboxLaunch, fmt.Sprintf("start: %v", err))
	}

	out := newCapture(s.cfg.MaxOutputBytes)
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(out.Stdout(), out.Stderr(), hijack.Reader)
		copyDone <- err
	}()

	var exitCode int64
	for exited := false; !exited; {
		select {
		case status := <-statusCh:
			if status.Error != nil {
				return domain.Failed(domain.FailureSandboxLaunch, status.Error.Message)
			}
			exitCode = status.StatusCode
			exited = true

		case err := <-waitErrCh:
			s.kill(id, logger)
			if ctx.Err() != nil {
				return domain.Failed(domain.FailureInternal, "execution cancelled")
			}
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				logger.Info("Container exceeded timeout", "timeout", s.cfg.Timeout)
				return domain.Failed(domain.FailureSandboxTimeout, domain.ReasonTimeout)
			}
			return domain.Failed(domain.FailureSandboxLaunch, fmt.Sprintf("wait: %v", err))

		case err := <-copyDone:
			copyDone = nil
			if errors.Is(err, errOutputTooLarge) {
				s.kill(id, logger)
				logger.Info("Container output exceeded limit", "limit", s.cfg.MaxOutputBytes)
				return domain.Failed(domain.FailureOutputTooLarge, domain.ReasonOutputTooLarge)
			}
		}
	}

	if copyDone != nil {
		// The process is gone; give the stream what is left of the budget to drain.
		select {
		case err := <-copyDone:
			if errors.Is(err, errOutputTooLarge) {
				return domain.Failed(domain.FailureOutputTooLarge, domain.ReasonOutputTooLarge)
			}
		case <-runCtx.Done():
			hijack.Close()
			<-copyDone
		}
	}

	oomKilled := false
	inspectCtx, inspectCancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer inspectCancel()
	if info, err := s.api.ContainerInspect(inspectCtx, id); err != nil {
		logger.Warn("Failed to inspect container", "error", err)
	} else if info.ContainerJSONBase != nil && info.State != nil {
		oomKilled = info.State.OOMKilled
	}

	outcome := classify(exitCode, oomKilled, out)
	logger.Debug("Container finished",
		"exitCode", exitCode,
		"oomKilled", oomKilled,
		"duration", time.Since(start),
		"stdoutBytes", out.stdout.Len(),
		"stderrBytes", out.stderr.Len(),
	)
	return outcome
}

// create builds the container with its limits, pulling the image on first use.
// Only the task's own file is bind-mounted, read-only.
func (s *Sandbox) create(ctx context.Context, inv domain.Invocation) (string, error) {
	name := filepath.Base(inv.FilePath)
	target := path.Join(s.cfg.MountPath, name)
	source := filepath.Join(s.cfg.BindSource, name)

	cfg := &container.Config{
		Image:           inv.Image,
		Cmd:             append(slices.Clone(inv.Command), target),
		WorkingDir:      s.cfg.MountPath,
		Env:             []string{"HOME=/tmp"},
		User:            "65534:65534",
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
	}
	pids := s.cfg.PidsLimit
	hostCfg := &container.HostConfig{
		Binds:          []string{source + ":" + target + ":ro"},
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,nosuid,size=16m"},
		LogConfig:      container.LogConfig{Type: "none"},
		Resources: container.Resources{
			Memory:     s.cfg.MemoryBytes,
			MemorySwap: s.cfg.MemoryBytes, // no swap on top of the ceiling
			CPUShares:  s.cfg.CPUShares,
			PidsLimit:  &pids,
		},
	}
	containerName := "goxec-" + uuid.NewString()

	resp, err := s.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName)
	if err != nil && cerrdefs.IsNotFound(err) && s.cfg.PullImages {
		if pullErr := s.pull(ctx, inv.Image); pullErr != nil {
			return "", pullErr
		}
		resp, err = s.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName)
	}
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

func (s *Sandbox) pull(ctx context.Context, ref string) error {
	s.logger.Info("Pulling image", "image", ref)
	reader, err := s.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// Drain the response body to ensure the pull completes properly.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (s *Sandbox) kill(id string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.api.ContainerKill(ctx, id, "KILL"); err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
		logger.Warn("Failed to kill container", "containerID", id, "error", err)
	}
}

func (s *Sandbox) remove(id string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		logger.Warn("Failed to remove container", "containerID", id, "error", err)
	}
}
