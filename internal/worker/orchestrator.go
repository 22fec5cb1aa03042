// Package worker turns invocations into executions and relays their output.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"labplane/internal/approval"
	"labplane/internal/fingerprint"
	"labplane/internal/store"
	"labplane/internal/worker/runtime"
)

// ErrStoreUnavailable wraps store failures reported by Stream.Err.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrApprovalUnavailable wraps approval gate failures reported by Stream.Err.
var ErrApprovalUnavailable = errors.New("approval unavailable")

// Invocation outcomes, used for span and metric attributes.
const (
	outcomeRedirected = "redirected"
	outcomeRejected   = "rejected"
	outcomeFinished   = "finished"
)

// OrchestratorConfig holds the per-worker settings of the pipeline.
type OrchestratorConfig struct {
	// ServerInfo is copied into every execution record.
	ServerInfo string
	// ExecutionTimeout bounds a single run (default: 30m).
	ExecutionTimeout time.Duration
}

// Orchestrator runs the pipeline for each invocation: cache lookup,
// approval, execution and message relay.
type Orchestrator struct {
	index   store.ResultIndex
	ledger  store.ExecutionLedger
	gate    approval.Gate
	runner  runtime.Runner
	logger  *slog.Logger
	config  OrchestratorConfig
	tracer  trace.Tracer
	metrics *metrics
	now     func() time.Time

	mu   sync.Mutex
	runs map[string]*activeRun
}

// activeRun is an approved execution from its ledger record to the end of
// its run. A stop that arrives before the runner owns the execution is held
// here and applied once Start returns.
type activeRun struct {
	mu            sync.Mutex
	started       bool
	stopRequested bool
}

func (r *activeRun) requestStop() (started bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopRequested = true
	return r.started
}

func (r *activeRun) stopPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}

// markStarted records that the runner owns the execution and reports
// whether a stop is waiting to be applied.
func (r *activeRun) markStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return r.stopRequested
}

// NewOrchestrator wires the pipeline's collaborators.
func NewOrchestrator(index store.ResultIndex, ledger store.ExecutionLedger, gate approval.Gate, runner runtime.Runner, logger *slog.Logger, config OrchestratorConfig) *Orchestrator {
	if config.ExecutionTimeout <= 0 {
		config.ExecutionTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		index:   index,
		ledger:  ledger,
		gate:    gate,
		runner:  runner,
		logger:  logger,
		config:  config,
		tracer:  otel.Tracer(instrumentationName),
		metrics: newMetrics(),
		now:     time.Now,
		runs:    make(map[string]*activeRun),
	}
}

// Stop ends an execution. It is safe to call at any point of the run: a
// stop that arrives before the runner has started the execution makes the
// run end as stopped without producing output.
func (o *Orchestrator) Stop(ctx context.Context, executionID string) error {
	o.mu.Lock()
	run, ok := o.runs[executionID]
	o.mu.Unlock()
	if ok && !run.requestStop() {
		return nil
	}
	return o.runner.Stop(ctx, executionID)
}

func (o *Orchestrator) track(executionID string) *activeRun {
	run := &activeRun{}
	o.mu.Lock()
	o.runs[executionID] = run
	o.mu.Unlock()
	return run
}

func (o *Orchestrator) untrack(executionID string, run *activeRun) {
	o.mu.Lock()
	if o.runs[executionID] == run {
		delete(o.runs, executionID)
	}
	o.mu.Unlock()
}

// Handle starts the pipeline for inv and returns its message stream.
// Exactly one terminal message is produced. Cancelling ctx only detaches
// the caller: the run continues and every message is still persisted.
// A run is stopped through the runner, see Agent.
func (o *Orchestrator) Handle(ctx context.Context, inv store.Invocation) *Stream {
	st := newStream()
	p := &pipeline{
		o:       o,
		inv:     inv,
		stream:  st,
		persist: newMailbox(),
		deliver: newMailbox(),
		logger:  o.logger.With("invocation_id", inv.ID, "lab_id", inv.Lab.ID),
	}

	runCtx := context.WithoutCancel(ctx)
	go st.deliver(ctx, p.deliver)
	persisted := make(chan struct{})
	go func() {
		defer close(persisted)
		p.persistAll(runCtx)
	}()
	go func() {
		defer close(st.done)
		p.run(runCtx)
		p.persist.close()
		p.deliver.close()
		<-persisted
	}()
	return st
}

// pipeline is the state of one invocation. Only the run goroutine emits.
type pipeline struct {
	o       *Orchestrator
	inv     store.Invocation
	stream  *Stream
	persist *mailbox
	deliver *mailbox
	logger  *slog.Logger
	seq     int64
}

func (p *pipeline) run(ctx context.Context) {
	o := p.o
	fp := fingerprint.Of(p.inv.Lab)

	ctx, span := o.tracer.Start(ctx, "handle_invocation",
		trace.WithAttributes(
			attribute.String("invocation.id", p.inv.ID),
			attribute.String("lab.id", p.inv.Lab.ID),
			attribute.String("fingerprint", fp),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	outcome := p.handle(ctx, span, fp)
	span.SetAttributes(attribute.String("outcome", outcome))
	o.metrics.invocations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (p *pipeline) handle(ctx context.Context, span trace.Span, fp string) string {
	o := p.o

	cached, err := o.index.GetExecutionByFingerprint(ctx, fp)
	switch {
	case err == nil:
		p.logger.Info("redirecting to cached execution", "execution_id", cached.ID)
		p.emit(ctx, store.MessageKindOutputRedirected, cached.ID)
		return outcomeRedirected
	case !errors.Is(err, store.ErrNotFound):
		p.failf(span, "%w: lookup of %s: %v", ErrStoreUnavailable, fp, err)
		p.emit(ctx, store.MessageKindExecutionRejected, fmt.Sprintf("result index unavailable: %v", err))
		return outcomeRejected
	}

	decision, err := o.gate.Decide(ctx, p.inv)
	if err != nil {
		p.failf(span, "%w: %v", ErrApprovalUnavailable, err)
		p.emit(ctx, store.MessageKindExecutionRejected, fmt.Sprintf("approval unavailable: %v", err))
		return outcomeRejected
	}
	if !decision.Allow {
		p.logger.Info("execution rejected", "reason", decision.Message)
		p.emit(ctx, store.MessageKindExecutionRejected, decision.Message)
		return outcomeRejected
	}

	run := o.track(p.inv.ID)
	defer o.untrack(p.inv.ID, run)

	execution := &store.Execution{
		ID:          p.inv.ID,
		Fingerprint: fp,
		LabID:       p.inv.Lab.ID,
		UserID:      p.inv.UserID,
		Status:      store.ExecutionStatusExecuting,
		ServerInfo:  o.config.ServerInfo,
	}
	if err := o.ledger.CreateExecution(ctx, execution); err != nil {
		p.failf(span, "%w: create execution: %v", ErrStoreUnavailable, err)
		p.emit(ctx, store.MessageKindExecutionRejected, fmt.Sprintf("could not record execution: %v", err))
		return outcomeRejected
	}
	p.indexExecution(ctx, span, fp)

	p.execute(ctx, span, run)
	return outcomeFinished
}

// indexExecution makes the new execution authoritative for fp and updates the
// labs sharing it. Failures are reported but do not stop the run.
func (p *pipeline) indexExecution(ctx context.Context, span trace.Span, fp string) {
	o := p.o
	labID := p.inv.Lab.ID

	if err := o.index.PutFingerprint(ctx, fp, p.inv.ID); err != nil {
		p.failf(span, "%w: index fingerprint: %v", ErrStoreUnavailable, err)
	}

	labs, err := o.index.LabsForFingerprint(ctx, fp)
	if err != nil {
		p.failf(span, "%w: labs for fingerprint: %v", ErrStoreUnavailable, err)
	}
	others := make([]string, 0, len(labs))
	for _, id := range labs {
		if id != labID {
			others = append(others, id)
		}
	}
	if len(others) > 0 {
		p.logger.Info("marking labs with cached run", "count", len(others))
		if err := o.index.MarkLabsCachedRun(ctx, others); err != nil {
			p.failf(span, "%w: mark labs: %v", ErrStoreUnavailable, err)
		}
	}

	if err := o.index.AssociateLab(ctx, fp, labID); err != nil {
		p.failf(span, "%w: associate lab: %v", ErrStoreUnavailable, err)
	}
}

// execute relays the runner's output and closes the run with ExecutionFinished.
func (p *pipeline) execute(ctx context.Context, span trace.Span, run *activeRun) {
	o := p.o
	timeout := o.config.ExecutionTimeout

	if run.stopPending() {
		p.logger.Info("execution stopped before start")
		p.complete(ctx, span, "execution stopped")
		return
	}

	o.metrics.running.Add(ctx, 1)
	defer o.metrics.running.Add(ctx, -1)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-finished:
		case <-runCtx.Done():
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer stopCancel()
				if err := o.runner.Stop(stopCtx, p.inv.ID); err != nil {
					p.logger.Error("failed to stop timed out execution", "error", err)
				}
			}
		}
	}()

	p.logger.Info("starting execution")
	handle, err := o.runner.Start(runCtx, runtime.StartOptions{
		ExecutionID: p.inv.ID,
		Lab:         p.inv.Lab,
	})
	if err != nil {
		p.logger.Error("failed to start execution", "error", err)
		span.RecordError(err)
		p.complete(ctx, span, fmt.Sprintf("failed to start execution: %v", err))
		return
	}
	if run.markStarted() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := o.runner.Stop(stopCtx, p.inv.ID); err != nil {
			p.logger.Error("failed to stop execution", "error", err)
		}
		stopCancel()
	}

	for ev := range handle.Events() {
		kind := store.MessageKindStdout
		if ev.Origin == runtime.OriginStderr {
			kind = store.MessageKindStderr
		}
		p.emit(ctx, kind, ev.Content)
	}

	result, err := handle.Wait(ctx)
	if err != nil {
		result = runtime.ExitResult{ExitCode: -1, Error: err}
	}

	var summary string
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		summary = fmt.Sprintf("execution timed out after %v", timeout)
	case result.Stopped:
		summary = "execution stopped"
	case result.Error != nil:
		summary = result.Error.Error()
	case result.ExitCode != 0:
		summary = fmt.Sprintf("exit code %d", result.ExitCode)
	}
	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	p.logger.Info("execution finished", "exit_code", result.ExitCode, "stopped", result.Stopped)
	p.complete(ctx, span, summary)
}

func (p *pipeline) complete(ctx context.Context, span trace.Span, summary string) {
	p.emit(ctx, store.MessageKindExecutionFinished, summary)
	if err := p.o.ledger.CompleteExecution(ctx, p.inv.ID); err != nil {
		p.failf(span, "%w: complete execution: %v", ErrStoreUnavailable, err)
	}
}

// emit stamps a message and hands it to the persister and the caller.
func (p *pipeline) emit(ctx context.Context, kind store.MessageKind, data string) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	msg := store.ExecutionMessage{
		ID:          id.String(),
		ExecutionID: p.inv.ID,
		Seq:         p.seq,
		Kind:        kind,
		Data:        data,
		Timestamp:   p.o.now().UTC(),
	}
	p.seq++

	p.persist.put(msg)
	p.deliver.put(msg)
	p.o.metrics.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

// persistAll is the single writer of the execution's message log.
func (p *pipeline) persistAll(ctx context.Context) {
	for {
		batch, ok := p.persist.take()
		if !ok {
			return
		}
		for i := range batch {
			msg := batch[i]
			if err := p.o.ledger.AddMessage(ctx, &msg); err != nil {
				p.o.metrics.persistErrors.Add(ctx, 1)
				p.logger.Error("failed to persist message", "seq", msg.Seq, "kind", msg.Kind, "error", err)
				p.stream.fail(fmt.Errorf("%w: persist message %d: %v", ErrStoreUnavailable, msg.Seq, err))
			}
		}
	}
}

func (p *pipeline) failf(span trace.Span, format string, args ...any) {
	err := fmt.Errorf(format, args...)
	p.logger.Error("invocation error", "error", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.stream.fail(err)
}
