package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DummyRunner simulates execution without any sandbox. It replays a
// fixed script of events, which makes it useful for tests and offline use.
type DummyRunner struct {
	// Script is replayed for every run. When empty, a short
	// description of the lab is produced instead.
	Script []Event
	// Delay is the pause before each event.
	Delay time.Duration

	registry *registry
}

// NewDummyRunner creates a simulated runner.
func NewDummyRunner(delay time.Duration, script ...Event) *DummyRunner {
	return &DummyRunner{
		Script:   script,
		Delay:    delay,
		registry: newRegistry(),
	}
}

func defaultScript(opts StartOptions) []Event {
	events := []Event{{Origin: OriginStdout, Content: fmt.Sprintf("Running lab %s\n", opts.Lab.ID)}}
	for _, f := range opts.Lab.Files {
		events = append(events, Event{Origin: OriginStdout, Content: fmt.Sprintf("%s: %d bytes\n", f.Name, len(f.Content))})
	}
	return append(events, Event{Origin: OriginStdout, Content: "Done\n"})
}

// Start implements Runner.Start.
func (d *DummyRunner) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	script := d.Script
	if len(script) == 0 {
		script = defaultScript(opts)
	}

	stopped := make(chan struct{})
	var once sync.Once
	stop := func(context.Context) error {
		once.Do(func() { close(stopped) })
		return nil
	}
	if err := d.registry.add(opts.ExecutionID, stop); err != nil {
		return nil, err
	}

	s := newStream()
	go func() {
		defer d.registry.remove(opts.ExecutionID)

		for _, ev := range script {
			if d.Delay > 0 {
				select {
				case <-time.After(d.Delay):
				case <-stopped:
					s.finish(ExitResult{ExitCode: -1, Stopped: true})
					return
				case <-ctx.Done():
					s.finish(ExitResult{ExitCode: -1, Error: ctx.Err()})
					return
				}
			}
			select {
			case <-stopped:
				s.finish(ExitResult{ExitCode: -1, Stopped: true})
				return
			default:
			}
			if !s.emit(ctx, ev.Origin, ev.Content) {
				s.finish(ExitResult{ExitCode: -1, Error: ctx.Err()})
				return
			}
		}
		s.finish(ExitResult{ExitCode: 0})
	}()

	return s, nil
}

// Stop implements Runner.Stop.
func (d *DummyRunner) Stop(ctx context.Context, executionID string) error {
	return d.registry.stop(ctx, executionID)
}
