package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// ExecRunner implements the Runner interface using raw OS processes.
// Each execution gets its own working directory and process group.
type ExecRunner struct {
	WorkDir string
	Command []string

	registry *registry
}

// NewExecRunner creates a new process-based runner.
// command is the entrypoint run inside the lab directory, e.g. ["python", "main.py"].
func NewExecRunner(workDir string, command []string) *ExecRunner {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "labplane", "runner")
	}
	return &ExecRunner{
		WorkDir:  workDir,
		Command:  command,
		registry: newRegistry(),
	}
}

// Start implements Runner.Start using os/exec.
func (e *ExecRunner) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(e.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	if err := ValidateBundle(opts.Lab); err != nil {
		return nil, err
	}
	if opts.ExecutionID == "" {
		return nil, fmt.Errorf("execution id is required")
	}

	dir := filepath.Join(e.WorkDir, opts.ExecutionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	if err := writeBundle(dir, opts.Lab); err != nil {
		cleanup()
		return nil, err
	}

	cmd := exec.Command(e.Command[0], e.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), mapToEnvList(runEnv(opts))...)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	var (
		stopOnce sync.Once
		stopped  bool
		mu       sync.Mutex
	)
	stop := func(context.Context) error {
		var err error
		stopOnce.Do(func() {
			mu.Lock()
			stopped = true
			mu.Unlock()
			err = killProcessGroup(cmd)
			if errors.Is(err, os.ErrProcessDone) {
				err = nil
			}
		})
		return err
	}
	if err := e.registry.add(opts.ExecutionID, stop); err != nil {
		killProcessGroup(cmd)
		cmd.Wait()
		cleanup()
		return nil, err
	}

	s := newStream()
	exited := make(chan struct{})

	// Context cancellation (timeout) kills the run.
	go func() {
		select {
		case <-ctx.Done():
			stop(context.Background())
		case <-exited:
		}
	}()

	go func() {
		defer cleanup()
		defer e.registry.remove(opts.ExecutionID)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			pump(ctx, s, OriginStdout, stdout)
		}()
		go func() {
			defer wg.Done()
			pump(ctx, s, OriginStderr, stderr)
		}()
		wg.Wait()

		waitErr := cmd.Wait()
		close(exited)

		mu.Lock()
		wasStopped := stopped
		mu.Unlock()

		result := ExitResult{ExitCode: cmd.ProcessState.ExitCode(), Stopped: wasStopped}
		if ctx.Err() != nil {
			result.ExitCode = -1
			result.Error = ctx.Err()
		} else if waitErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(waitErr, &exitErr) {
				result.Error = waitErr
			}
		}
		s.finish(result)
	}()

	return s, nil
}

// Stop implements Runner.Stop by killing the execution's process group.
func (e *ExecRunner) Stop(ctx context.Context, executionID string) error {
	return e.registry.stop(ctx, executionID)
}

// pump relays a pipe chunk by chunk without waiting for line breaks.
func pump(ctx context.Context, s *stream, origin Origin, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if !s.emit(ctx, origin, string(buf[:n])) {
				// Keep draining so the process never blocks on a full pipe.
				io.Copy(io.Discard, r)
				return
			}
		}
		if err != nil {
			return
		}
	}
}
