package runtime

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// labDir is where the bundle is unpacked inside sandboxes.
const labDir = "/lab"

// DockerConfig holds configuration for the Docker runner.
type DockerConfig struct {
	Image    string
	Command  []string
	MemoryMB int64
	NanoCPUs int64
	// Network is the container network mode. Defaults to "none".
	Network string
}

// DockerRunner implements the Runner interface using the Docker SDK.
type DockerRunner struct {
	client   client.APIClient
	config   DockerConfig
	registry *registry
}

// NewDockerRunner creates a new Docker-based runner.
func NewDockerRunner(cfg DockerConfig) (*DockerRunner, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("Failed to create Docker client: %w", err)
	}
	return newDockerRunner(cli, cfg)
}

func newDockerRunner(cli client.APIClient, cfg DockerConfig) (*DockerRunner, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker image is required")
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	if cfg.Network == "" {
		cfg.Network = "none"
	}
	return &DockerRunner{client: cli, config: cfg, registry: newRegistry()}, nil
}

// Start implements Runner.Start using Docker containers.
// The execution is registered before the image pull, so a Stop that
// arrives while the container is being prepared ends the run as stopped.
func (d *DockerRunner) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if err := ValidateBundle(opts.Lab); err != nil {
		return nil, err
	}
	archive, err := tarBundle(labDir[1:], opts.Lab)
	if err != nil {
		return nil, fmt.Errorf("failed to pack bundle: %w", err)
	}

	startCtx, pending, err := d.registry.begin(ctx, opts.ExecutionID)
	if err != nil {
		return nil, err
	}
	abort := func(err error) (Handle, error) {
		d.registry.remove(opts.ExecutionID)
		if pending.isStopped() {
			log.Printf("Execution %s stopped before its container started", opts.ExecutionID)
			return stoppedStream(), nil
		}
		return nil, err
	}

	// Check if the image exists locally first to save time.
	if _, err := d.client.ImageInspect(startCtx, d.config.Image); err != nil {
		reader, err := d.client.ImagePull(startCtx, d.config.Image, image.PullOptions{})
		if err != nil {
			return abort(fmt.Errorf("Failed to pull image %s: %w", d.config.Image, err))
		}
		_, err = io.Copy(io.Discard, reader)
		reader.Close()
		if err != nil {
			return abort(fmt.Errorf("Failed to pull image %s: %w", d.config.Image, err))
		}
	}

	containerConfig := &container.Config{
		Image:      d.config.Image,
		Cmd:        d.config.Command,
		Env:        mapToEnvList(runEnv(opts)),
		WorkingDir: labDir,
		Tty:        false,
		Labels: map[string]string{
			"labplane.execution-id": opts.ExecutionID,
			"labplane.lab-id":       opts.Lab.ID,
		},
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.config.Network),
		Resources: container.Resources{
			Memory:   d.config.MemoryMB * 1024 * 1024,
			NanoCPUs: d.config.NanoCPUs,
		},
	}
	created, err := d.client.ContainerCreate(startCtx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return abort(fmt.Errorf("Failed to create container: %w", err))
	}
	containerID := created.ID

	remove := func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.client.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			log.Printf("Failed to remove container %s: %v", containerID, err)
		}
	}

	if err := d.client.CopyToContainer(startCtx, containerID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		remove()
		return abort(fmt.Errorf("Failed to copy bundle: %w", err))
	}

	if pending.isStopped() {
		remove()
		return abort(nil)
	}
	if err := d.client.ContainerStart(startCtx, containerID, container.StartOptions{}); err != nil {
		remove()
		return abort(fmt.Errorf("Failed to start container: %w", err))
	}

	var (
		stopOnce sync.Once
		mu       sync.Mutex
		stopped  bool
	)
	stop := func(stopCtx context.Context) error {
		var err error
		stopOnce.Do(func() {
			mu.Lock()
			stopped = true
			mu.Unlock()
			timeout := 5
			err = d.client.ContainerStop(stopCtx, containerID, container.StopOptions{Timeout: &timeout})
			if client.IsErrNotFound(err) {
				err = nil
			}
		})
		return err
	}
	if !pending.running(stop) {
		// Stopped while ContainerStart was in flight.
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		stop(stopCtx)
		cancel()
	}

	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		remove()
		return abort(fmt.Errorf("Failed to attach logs: %w", err))
	}

	s := newStream()
	go func() {
		defer remove()
		defer d.registry.remove(opts.ExecutionID)

		// Timeouts arrive as context cancellation; stop the container so logs end.
		exited := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				stop(stopCtx)
			case <-exited:
			}
		}()

		// The log stream is multiplexed because the container has no TTY.
		_, copyErr := stdcopy.StdCopy(
			&eventWriter{ctx: ctx, s: s, origin: OriginStdout},
			&eventWriter{ctx: ctx, s: s, origin: OriginStderr},
			logs,
		)
		logs.Close()

		result := d.wait(containerID)
		close(exited)

		mu.Lock()
		result.Stopped = stopped
		mu.Unlock()
		if ctx.Err() != nil {
			result = ExitResult{ExitCode: -1, Stopped: result.Stopped, Error: ctx.Err()}
		} else if result.Error == nil && copyErr != nil {
			result.Error = copyErr
		}
		s.finish(result)
	}()

	return s, nil
}

func (d *DockerRunner) wait(containerID string) ExitResult {
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	statusCh, errCh := d.client.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return ExitResult{ExitCode: -1, Error: err}
	case status := <-statusCh:
		if status.Error != nil {
			return ExitResult{ExitCode: int(status.StatusCode), Error: fmt.Errorf("%s", status.Error.Message)}
		}
		return ExitResult{ExitCode: int(status.StatusCode)}
	}
}

// Stop implements Runner.Stop by stopping the execution's container.
func (d *DockerRunner) Stop(ctx context.Context, executionID string) error {
	return d.registry.stop(ctx, executionID)
}
