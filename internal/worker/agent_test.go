package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"labplane/internal/approval"
	"labplane/internal/store"
	"labplane/internal/store/memory"
	"labplane/internal/worker/runtime"
)

// MockSource wraps the memory store and reports when the agent has subscribed.
type MockSource struct {
	*memory.Store
	subscribed chan struct{}
}

func newMockSource() *MockSource {
	return &MockSource{Store: memory.New(), subscribed: make(chan struct{})}
}

func (m *MockSource) SubscribeStops(ctx context.Context) (<-chan store.Invocation, error) {
	ch, err := m.Store.SubscribeStops(ctx)
	close(m.subscribed)
	return ch, err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func finished(s store.ExecutionLedger, id string) func() bool {
	return func() bool {
		exec, err := s.GetExecutionByID(context.Background(), id)
		return err == nil && exec.Status == store.ExecutionStatusFinished
	}
}

func startAgent(t *testing.T, src *MockSource, runner runtime.Runner, config AgentConfig) (*Agent, context.CancelFunc) {
	t.Helper()
	o := NewOrchestrator(src, src, approval.AllowAll{}, runner, nil, OrchestratorConfig{})
	agent := NewAgent(src, o, config, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go agent.Run(ctx)

	select {
	case <-src.subscribed:
	case <-time.After(time.Second):
		t.Fatal("agent did not subscribe")
	}
	return agent, cancel
}

func TestNewAgent_DefaultConcurrency(t *testing.T) {
	for _, c := range []int{0, -5} {
		agent := NewAgent(memory.New(), nil, AgentConfig{Concurrency: c}, nil)
		if agent.config.Concurrency != 64 {
			t.Errorf("Concurrency %d: expected default 64, got %d", c, agent.config.Concurrency)
		}
	}
}

func TestNewAgent_CustomConcurrency(t *testing.T) {
	agent := NewAgent(memory.New(), nil, AgentConfig{Concurrency: 8}, nil)
	if agent.config.Concurrency != 8 {
		t.Errorf("expected concurrency=8, got %d", agent.config.Concurrency)
	}
}

func TestAgent_HandlesOnlyItsServer(t *testing.T) {
	src := newMockSource()
	_, cancel := startAgent(t, src, runtime.NewDummyRunner(0), AgentConfig{ServerID: "srv"})
	defer cancel()
	ctx := context.Background()

	other := testInvocation("other", "lab-x", store.LabFile{Name: "a.py", Content: "1"})
	other.ServerID = "another-server"
	src.CreateInvocation(ctx, &other)

	mine := testInvocation("mine", "lab-y", store.LabFile{Name: "a.py", Content: "2"})
	src.CreateInvocation(ctx, &mine)

	waitFor(t, "execution of mine", finished(src, "mine"))

	msgs, _ := src.GetMessages(ctx, "mine", -1, 0)
	assertSingleTerminal(t, msgs)

	if msgs, _ := src.GetMessages(ctx, "other", -1, 0); len(msgs) != 0 {
		t.Errorf("expected invocation for another server to be ignored, got %v", kinds(msgs))
	}
}

func TestAgent_StopFeedStopsExecution(t *testing.T) {
	src := newMockSource()
	script := make([]runtime.Event, 200)
	for i := range script {
		script[i] = runtime.Event{Origin: runtime.OriginStdout, Content: "tick\n"}
	}
	runner := runtime.NewDummyRunner(10*time.Millisecond, script...)
	_, cancel := startAgent(t, src, runner, AgentConfig{ServerID: "srv"})
	defer cancel()
	ctx := context.Background()

	inv := testInvocation("inv-1", "lab-1")
	src.CreateInvocation(ctx, &inv)

	waitFor(t, "execution to start", func() bool {
		msgs, _ := src.GetMessages(ctx, "inv-1", -1, 0)
		return len(msgs) > 0
	})

	if err := src.RequestStop(ctx, "inv-1"); err != nil {
		t.Fatalf("RequestStop failed: %v", err)
	}
	waitFor(t, "execution to finish", finished(src, "inv-1"))

	msgs, _ := src.GetMessages(ctx, "inv-1", -1, 0)
	waitFor(t, "terminal message", func() bool {
		msgs, _ = src.GetMessages(ctx, "inv-1", -1, 0)
		return len(msgs) > 0 && msgs[len(msgs)-1].Kind.Terminal()
	})
	assertSingleTerminal(t, msgs)
	if last := msgs[len(msgs)-1]; last.Data != "execution stopped" {
		t.Errorf("expected stopped run, got %+v", last)
	}
	if len(msgs) > len(script) {
		t.Errorf("expected the run to be cut short, got %d messages", len(msgs))
	}
}

func TestAgent_GracefulShutdownFinishesRuns(t *testing.T) {
	src := newMockSource()
	runner := runtime.NewDummyRunner(20*time.Millisecond,
		runtime.Event{Origin: runtime.OriginStdout, Content: "1"},
		runtime.Event{Origin: runtime.OriginStdout, Content: "2"},
		runtime.Event{Origin: runtime.OriginStdout, Content: "3"},
		runtime.Event{Origin: runtime.OriginStdout, Content: "4"},
	)
	agent, cancel := startAgent(t, src, runner, AgentConfig{ServerID: "srv"})
	ctx := context.Background()

	inv := testInvocation("inv-1", "lab-1")
	src.CreateInvocation(ctx, &inv)
	waitFor(t, "execution record", func() bool {
		_, err := src.GetExecutionByID(ctx, "inv-1")
		return err == nil
	})

	cancel()
	select {
	case <-agent.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}

	if !finished(src, "inv-1")() {
		t.Error("expected in-flight execution to finish before shutdown")
	}
	msgs, _ := src.GetMessages(ctx, "inv-1", -1, 0)
	if len(msgs) != 5 {
		t.Errorf("expected all 5 messages persisted, got %v", kinds(msgs))
	}
}

func TestAgent_UnhandledInvocationSurvivesRestart(t *testing.T) {
	src := newMockSource()
	release := make(chan struct{})
	runner := &MockRunner{
		StartFunc: func(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
			if opts.ExecutionID == "inv-1" {
				<-release
			}
			return &slowHandle{delay: time.Millisecond, onDone: func() {}}, nil
		},
	}
	agent, cancel := startAgent(t, src, runner, AgentConfig{ServerID: "srv", Concurrency: 1})
	ctx := context.Background()

	first := testInvocation("inv-1", "lab-1")
	src.CreateInvocation(ctx, &first)
	waitFor(t, "first run to start", func() bool { return runner.startCount() == 1 })

	// inv-2 queues behind the only slot while the agent shuts down.
	second := testInvocation("inv-2", "lab-2", store.LabFile{Name: "main.py", Content: "print(2)"})
	src.CreateInvocation(ctx, &second)
	cancel()
	close(release)
	select {
	case <-agent.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}

	restarted := &MockSource{Store: src.Store, subscribed: make(chan struct{})}
	_, cancel = startAgent(t, restarted, runner, AgentConfig{ServerID: "srv", Concurrency: 1})
	defer cancel()

	waitFor(t, "inv-2 to finish", finished(src, "inv-2"))
	msgs, _ := src.GetMessages(ctx, "inv-2", -1, 0)
	assertSingleTerminal(t, msgs)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	starts := 0
	for _, id := range runner.StartCalls {
		if id == "inv-2" {
			starts++
		}
	}
	if starts != 1 {
		t.Errorf("got %d starts of inv-2, want 1", starts)
	}
}

func TestAgent_ConcurrencyLimit(t *testing.T) {
	src := newMockSource()

	var mu sync.Mutex
	current, peak := 0, 0
	runner := &MockRunner{
		StartFunc: func(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			return &slowHandle{delay: 30 * time.Millisecond, onDone: func() {
				mu.Lock()
				current--
				mu.Unlock()
			}}, nil
		},
	}
	_, cancel := startAgent(t, src, runner, AgentConfig{ServerID: "srv", Concurrency: 2})
	defer cancel()
	ctx := context.Background()

	const n = 6
	for i := 0; i < n; i++ {
		inv := testInvocation(fmt.Sprintf("inv-%d", i), "lab",
			store.LabFile{Name: "main.py", Content: fmt.Sprintf("print(%d)", i)})
		src.CreateInvocation(ctx, &inv)
	}
	for i := 0; i < n; i++ {
		waitFor(t, fmt.Sprintf("inv-%d", i), finished(src, fmt.Sprintf("inv-%d", i)))
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("expected at most 2 concurrent runs, saw %d", peak)
	}
	if runner.startCount() != n {
		t.Errorf("expected %d runs, got %d", n, runner.startCount())
	}
}

// slowHandle produces no output and ends after delay.
type slowHandle struct {
	delay  time.Duration
	onDone func()
	once   sync.Once
	ch     chan runtime.Event
}

func (h *slowHandle) Events() <-chan runtime.Event {
	h.once.Do(func() {
		h.ch = make(chan runtime.Event)
		go func() {
			time.Sleep(h.delay)
			h.onDone()
			close(h.ch)
		}()
	})
	return h.ch
}

func (h *slowHandle) Wait(ctx context.Context) (runtime.ExitResult, error) {
	return runtime.ExitResult{}, nil
}
