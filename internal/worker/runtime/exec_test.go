package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"labplane/internal/store"
)

func shellLab(script string) store.Lab {
	return store.Lab{ID: "lab-1", Files: []store.LabFile{{Name: "main.sh", Content: script}}}
}

// collect drains a handle's events, failing the test if the run never ends.
func collect(t *testing.T, h Handle) (stdout, stderr string, events []Event) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return stdout, stderr, events
			}
			events = append(events, ev)
			if ev.Origin == OriginStdout {
				stdout += ev.Content
			} else {
				stderr += ev.Content
			}
		case <-timeout:
			t.Fatal("run did not finish in time")
		}
	}
}

func TestNewExecRunner_DefaultWorkDir(t *testing.T) {
	rt := NewExecRunner("", []string{"sh", "main.sh"})

	expected := filepath.Join(os.TempDir(), "labplane", "runner")
	if rt.WorkDir != expected {
		t.Errorf("expected WorkDir to be %s, got %s", expected, rt.WorkDir)
	}
}

func TestExecRunner_SeparatesStdoutAndStderr(t *testing.T) {
	rt := NewExecRunner(t.TempDir(), []string{"sh", "main.sh"})

	ctx := context.Background()
	handle, err := rt.Start(ctx, StartOptions{
		ExecutionID: "exec-1",
		Lab:         shellLab("echo out; echo err 1>&2"),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stdout, stderr, _ := collect(t, handle)
	if strings.TrimSpace(stdout) != "out" {
		t.Errorf("expected stdout 'out', got %q", stdout)
	}
	if strings.TrimSpace(stderr) != "err" {
		t.Errorf("expected stderr 'err', got %q", stderr)
	}

	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}
}

func TestExecRunner_ExitCodeNonZero(t *testing.T) {
	rt := NewExecRunner(t.TempDir(), []string{"sh", "main.sh"})

	ctx := context.Background()
	handle, err := rt.Start(ctx, StartOptions{ExecutionID: "exec-2", Lab: shellLab("exit 3")})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	collect(t, handle)

	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", result.ExitCode)
	}
	if result.Error != nil {
		t.Errorf("expected no error for a plain non-zero exit, got %v", result.Error)
	}
}

func TestExecRunner_WritesBundleAndCleansUp(t *testing.T) {
	baseDir := t.TempDir()
	rt := NewExecRunner(baseDir, []string{"sh", "main.sh"})

	lab := store.Lab{ID: "lab-2", Files: []store.LabFile{
		{Name: "main.sh", Content: "cat data/input.txt; echo $LABPLANE_EXECUTION_ID"},
		{Name: "data/input.txt", Content: "from-bundle\n"},
	}}

	ctx := context.Background()
	handle, err := rt.Start(ctx, StartOptions{ExecutionID: "exec-3", Lab: lab})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stdout, _, _ := collect(t, handle)
	if !strings.Contains(stdout, "from-bundle") {
		t.Errorf("expected bundle file content in output, got %q", stdout)
	}
	if !strings.Contains(stdout, "exec-3") {
		t.Errorf("expected execution id in environment, got %q", stdout)
	}
	handle.Wait(ctx)

	if _, err := os.Stat(filepath.Join(baseDir, "exec-3")); !os.IsNotExist(err) {
		t.Errorf("expected work directory to be removed, stat err: %v", err)
	}
}

func TestExecRunner_EmptyCommand(t *testing.T) {
	rt := NewExecRunner(t.TempDir(), nil)

	_, err := rt.Start(context.Background(), StartOptions{ExecutionID: "exec-4", Lab: shellLab("true")})
	if err == nil {
		t.Fatal("expected error for empty command")
	}
	if !strings.Contains(err.Error(), "command is required") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExecRunner_CommandNotFound(t *testing.T) {
	rt := NewExecRunner(t.TempDir(), []string{"nonexistent-binary-xyz"})

	if _, err := rt.Start(context.Background(), StartOptions{ExecutionID: "exec-5", Lab: shellLab("true")}); err == nil {
		t.Fatal("expected error for non-existent command")
	}
}

func TestExecRunner_MalformedBundleFailsFast(t *testing.T) {
	rt := NewExecRunner(t.TempDir(), []string{"sh", "main.sh"})

	_, err := rt.Start(context.Background(), StartOptions{
		ExecutionID: "exec-6",
		Lab:         store.Lab{ID: "bad", Files: []store.LabFile{{Name: "../escape.sh", Content: "true"}}},
	})
	if !errors.Is(err, ErrMalformedBundle) {
		t.Errorf("expected ErrMalformedBundle, got %v", err)
	}
}

func TestExecRunner_StopEndsStream(t *testing.T) {
	rt := NewExecRunner(t.TempDir(), []string{"sh", "main.sh"})

	ctx := context.Background()
	handle, err := rt.Start(ctx, StartOptions{
		ExecutionID: "exec-7",
		Lab:         shellLab("echo started; sleep 30; echo never"),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	first := <-handle.Events()
	if strings.TrimSpace(first.Content) != "started" {
		t.Fatalf("expected 'started', got %q", first.Content)
	}

	if err := rt.Stop(ctx, "exec-7"); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	stdout, _, _ := collect(t, handle)
	if strings.Contains(stdout, "never") {
		t.Errorf("expected no output after stop, got %q", stdout)
	}

	result, _ := handle.Wait(ctx)
	if !result.Stopped {
		t.Error("expected result to be marked stopped")
	}

	// Stop is idempotent once the run is gone.
	if err := rt.Stop(ctx, "exec-7"); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
	if err := rt.Stop(ctx, "unknown"); err != nil {
		t.Errorf("Stop of unknown execution failed: %v", err)
	}
}

func TestExecRunner_ContextCancellation(t *testing.T) {
	rt := NewExecRunner(t.TempDir(), []string{"sh", "main.sh"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	handle, err := rt.Start(ctx, StartOptions{ExecutionID: "exec-8", Lab: shellLab("sleep 10")})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	collect(t, handle)

	result, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if result.ExitCode != -1 {
		t.Errorf("expected exit code -1 on timeout, got %d", result.ExitCode)
	}
	if !errors.Is(result.Error, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", result.Error)
	}
}
