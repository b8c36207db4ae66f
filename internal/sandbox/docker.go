package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/worldland/worldland-probe/internal/domain"
	"github.com/worldland/worldland-probe/internal/runner"
)

const (
	DefaultImage = "python:3.12-slim"

	// scratch directory mount point inside the container
	containerWorkdir = "/sandbox"

	// cleanup runs on its own context so a cancelled request still removes the container
	cleanupTimeout = 10 * time.Second
)

// DockerConfig configures the container backend
type DockerConfig struct {
	Config

	// Image provides the interpreter. Default python:3.12-slim.
	Image string

	// MemoryBytes caps container memory (0 = unlimited)
	MemoryBytes int64

	// CPUCount caps container CPUs, fractional values allowed (0 = unlimited)
	CPUCount float64

	// PidsLimit caps the number of processes in the container (0 = unlimited)
	PidsLimit int64
}

// DockerClient is the subset of the Docker SDK the backend uses (mockable)
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	Close() error
}

// Compile-time interface check
var _ DockerClient = (*client.Client)(nil)

// DockerExecutor runs snippets in a short-lived container
type DockerExecutor struct {
	cli DockerClient
	cfg DockerConfig
	log *slog.Logger

	// start retry policy, shortened in tests
	newBackOff func() backoff.BackOff
}

// NewDockerExecutor connects to the Docker daemon described by the environment
func NewDockerExecutor(cfg DockerConfig) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewDockerExecutorWithClient(cli, cfg)
}

// NewDockerExecutorWithClient creates a DockerExecutor with a provided client (for testing)
func NewDockerExecutorWithClient(cli DockerClient, cfg DockerConfig) (*DockerExecutor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Limits) > 0 {
		return nil, errors.New("rlimits are not supported by the docker backend, use memory and cpu limits")
	}
	cfg.applyDefaults()
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	return &DockerExecutor{
		cli:        cli,
		cfg:        cfg,
		log:        cfg.Logger,
		newBackOff: defaultStartBackOff,
	}, nil
}

func defaultStartBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return b
}

// Execute runs code inside a container with the same contract as
// HostExecutor.Execute. The container has no network and sees the scratch
// directory read-only; it is removed before Execute returns.
func (e *DockerExecutor) Execute(ctx context.Context, code string, timeout time.Duration) (domain.ExecutionOutcome, error) {
	timeout = e.cfg.timeout(timeout)

	sc, err := newScratch(e.cfg.ScratchRoot, e.cfg.ScriptName, code)
	if err != nil {
		return domain.ExecutionOutcome{}, err
	}
	defer sc.remove(e.log)

	if err := e.ensureImage(ctx); err != nil {
		return domain.ExecutionOutcome{}, &runner.SpawnError{Program: e.cfg.Image, Err: err}
	}

	id, err := e.createContainer(ctx, sc)
	if err != nil {
		return domain.ExecutionOutcome{}, &runner.SpawnError{Program: e.cfg.Image, Err: err}
	}
	defer e.removeContainer(id)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// wait is registered before start so a fast exit is not missed
	waitCh, errCh := e.cli.ContainerWait(runCtx, id, container.WaitConditionNextExit)

	start := time.Now()
	if err := e.startContainer(ctx, id); err != nil {
		return domain.ExecutionOutcome{}, &runner.SpawnError{Program: e.cfg.Image, Err: err}
	}

	outcome := domain.ExecutionOutcome{}
	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return domain.ExecutionOutcome{}, fmt.Errorf("error waiting for container: %s", resp.Error.Message)
		}
		exitCode := int(resp.StatusCode)
		outcome.ExitCode = &exitCode
	case err := <-errCh:
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.kill(id)
			return domain.ExecutionOutcome{}, fmt.Errorf("snippet execution cancelled: %w", ctxErr)
		}
		if runCtx.Err() == nil {
			return domain.ExecutionOutcome{}, fmt.Errorf("error waiting for container: %w", err)
		}
		e.kill(id)
		outcome.TimedOut = true
	}
	outcome.DurationMs = time.Since(start).Milliseconds()
	outcome.Success = outcome.ExitCode != nil && *outcome.ExitCode == 0

	if err := e.collectLogs(id, &outcome); err != nil {
		e.log.Warn("failed to read container output", "container", id, "error", err)
	}

	e.log.Debug("container snippet finished",
		"container", id,
		"success", outcome.Success,
		"timed_out", outcome.TimedOut,
		"duration_ms", outcome.DurationMs)
	return outcome, nil
}

// ensureImage pulls the image if it's not available locally.
func (e *DockerExecutor) ensureImage(ctx context.Context) error {
	if _, err := e.cli.ImageInspect(ctx, e.cfg.Image); err == nil {
		return nil
	}

	e.log.Info("image not found locally, pulling from registry", "image", e.cfg.Image)

	reader, err := e.cli.ImagePull(ctx, e.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", e.cfg.Image, err)
	}
	defer reader.Close()

	// progress output is discarded
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error during image pull %s: %w", e.cfg.Image, err)
	}

	e.log.Info("image pulled successfully", "image", e.cfg.Image)
	return nil
}

func (e *DockerExecutor) createContainer(ctx context.Context, sc *scratch) (string, error) {
	pids := e.cfg.PidsLimit
	hostConfig := &container.HostConfig{
		Binds:       []string{sc.dir + ":" + containerWorkdir + ":ro"},
		NetworkMode: "none",
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:   e.cfg.MemoryBytes,
			NanoCPUs: int64(e.cfg.CPUCount * 1e9),
		},
	}
	if pids > 0 {
		hostConfig.Resources.PidsLimit = &pids
	}

	containerConfig := &container.Config{
		Image:           e.cfg.Image,
		Cmd:             []string{e.cfg.Interpreter, path.Join(containerWorkdir, e.cfg.ScriptName)},
		WorkingDir:      containerWorkdir,
		NetworkDisabled: true,
		Env:             []string{"PYTHONDONTWRITEBYTECODE=1"},
		User:            hostUser(),
	}

	// scratch directory names are unique, so they double as container names
	resp, err := e.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, filepath.Base(sc.dir))
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

// hostUser maps the container user onto the owner of the scratch directory.
// Without DAC capabilities container root cannot enter a 0700 directory
// owned by someone else. Empty where uids do not exist.
func hostUser() string {
	uid, gid := os.Getuid(), os.Getgid()
	if uid < 0 || gid < 0 {
		return ""
	}
	return fmt.Sprintf("%d:%d", uid, gid)
}

// startContainer starts a container with exponential backoff retry
func (e *DockerExecutor) startContainer(ctx context.Context, id string) error {
	operation := func() error {
		if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start container: %w", err)
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(e.newBackOff(), ctx)); err != nil {
		return fmt.Errorf("failed to start container after retries: %w", err)
	}
	return nil
}

func (e *DockerExecutor) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		e.log.Warn("failed to kill container", "container", id, "error", err)
	}
}

func (e *DockerExecutor) collectLogs(id string, outcome *domain.ExecutionOutcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return err
	}
	outcome.Stdout = stdout.String()
	outcome.Stderr = stderr.String()
	return nil
}

func (e *DockerExecutor) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	opts := container.RemoveOptions{RemoveVolumes: true, Force: true}
	if err := e.cli.ContainerRemove(ctx, id, opts); err != nil {
		e.log.Warn("failed to remove container", "container", id, "error", err)
	}
}

// Close closes the Docker client connection
func (e *DockerExecutor) Close() error {
	if e.cli != nil {
		return e.cli.Close()
	}
	return nil
}
