package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/switchyard/internal/app"
	"github.com/mattjoyce/switchyard/internal/command"
	"github.com/mattjoyce/switchyard/internal/events"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/proxy"
	"github.com/mattjoyce/switchyard/internal/registry"
	"github.com/mattjoyce/switchyard/internal/verify"
	"github.com/mattjoyce/switchyard/internal/workspace"
)

// TableSource hands out the routing table a new dispatch should use.
type TableSource interface {
	Current() *registry.Table
}

// Executor runs an application inside its context.
type Executor interface {
	Execute(ctx context.Context, req proxy.Request) (proxy.RawOutcome, error)
}

// PanicError is a panic recovered inside a dispatch stage.
type PanicError struct {
	Stage string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("internal fault during %s: %v", e.Stage, e.Value)
}

// Dispatcher wires the pipeline stages together.
type Dispatcher struct {
	tables   TableSource
	parser   *command.Parser
	injector workspace.Provider
	executor Executor
	events   events.Publisher
	logger   *slog.Logger
}

// Options configures a Dispatcher. Events may be nil.
type Options struct {
	Tables   TableSource
	Parser   *command.Parser
	Injector workspace.Provider
	Executor Executor
	Events   events.Publisher
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	parser := opts.Parser
	if parser == nil {
		parser = command.NewParser(command.DefaultMarker)
	}
	return &Dispatcher{
		tables:   opts.Tables,
		parser:   parser,
		injector: opts.Injector,
		executor: opts.Executor,
		events:   opts.Events,
		logger:   log.WithComponent("dispatch"),
	}
}

// Dispatch routes one raw command. It always returns a Result with a
// terminal status; failures never escape as errors or panics.
func (d *Dispatcher) Dispatch(ctx context.Context, input string) *Result {
	id := uuid.New().String()
	logger := d.logger.With("dispatch_id", id)
	m := newMachine(id, logger, d.events)

	dispatchInFlight.Inc()
	defer dispatchInFlight.Dec()

	res := d.run(ctx, m, input)
	res.DispatchID = id
	res.State = m.last
	res.Duration = time.Since(m.started)

	dispatchTotal.WithLabelValues(string(res.Status), string(res.Kind)).Inc()
	dispatchDuration.WithLabelValues(string(res.Status)).Observe(res.Duration.Seconds())

	switch res.Status {
	case StatusCompleted:
		logger.Info("dispatch completed", "app", res.App, "output_location", res.OutputLocation,
			"artifacts", len(res.Artifacts), "duration", res.Duration)
	case StatusRejected:
		logger.Info("dispatch rejected", "kind", res.Kind, "reason", res.Message)
	default:
		logger.Warn("dispatch degraded", "app", res.App, "state", res.State, "kind", res.Kind, "reason", res.Message)
	}
	if d.events != nil {
		d.events.Publish(events.DispatchFinished, res.Wire())
	}
	return res
}

func (d *Dispatcher) run(ctx context.Context, m *machine, input string) *Result {
	// One snapshot for the whole dispatch.
	var table *registry.Table
	if err := stage("snapshot", func() error {
		table = d.tables.Current()
		if table == nil {
			return errors.New("no routing table available")
		}
		return nil
	}); err != nil {
		return d.degrade(m, KindInternal, err, "", app.Descriptor{}, "")
	}

	var cmd command.Command
	if err := stage("parse", func() error {
		var err error
		cmd, err = d.parser.Parse(input)
		return err
	}); err != nil {
		if isPanic(err) {
			return d.degrade(m, KindInternal, err, "", app.Descriptor{}, "")
		}
		return d.reject(m, KindMalformed, err, nil)
	}
	if err := m.advance(StateParsed); err != nil {
		return d.degrade(m, KindInternal, err, "", app.Descriptor{}, "")
	}
	m.app = cmd.Identifier

	var desc app.Descriptor
	if err := stage("resolve", func() error {
		var err error
		desc, err = table.Resolve(cmd.Identifier)
		return err
	}); err != nil {
		var unknown *registry.UnknownApplicationError
		if errors.As(err, &unknown) {
			return d.reject(m, KindUnknownApplication, err, unknown.Known)
		}
		return d.degrade(m, KindInternal, err, cmd.Identifier, app.Descriptor{}, "")
	}
	if err := m.advance(StateResolved); err != nil {
		return d.degrade(m, KindInternal, err, cmd.Identifier, desc, cmd.Payload)
	}

	if err := ctx.Err(); err != nil {
		return d.degrade(m, kindForContext(err), fmt.Errorf("dispatch cancelled before execution: %w", err), desc.Identifier, desc, cmd.Payload)
	}

	var wctx *workspace.Context
	if err := stage("inject", func() error {
		var err error
		wctx, err = d.injector.Inject(workspace.WithDispatchID(ctx, m.id), desc)
		return err
	}); err != nil {
		kind := KindContextFailed
		var missing *workspace.MissingDependencyError
		switch {
		case errors.As(err, &missing):
			kind = KindMissingDependency
		case isPanic(err):
			kind = KindInternal
		case ctx.Err() != nil:
			kind = kindForContext(ctx.Err())
		}
		return d.degrade(m, kind, err, desc.Identifier, desc, cmd.Payload)
	}
	// The proxy releases on every path; this covers stages that never reach it.
	defer func() {
		if err := wctx.Release(); err != nil {
			m.logger.Warn("failed to release execution context", "error", err)
		}
	}()
	if err := m.advance(StateContextReady); err != nil {
		return d.degrade(m, KindInternal, err, desc.Identifier, desc, cmd.Payload)
	}

	if err := ctx.Err(); err != nil {
		return d.degrade(m, kindForContext(err), fmt.Errorf("dispatch cancelled before execution: %w", err), desc.Identifier, desc, cmd.Payload)
	}
	if err := m.advance(StateExecuting); err != nil {
		return d.degrade(m, KindInternal, err, desc.Identifier, desc, cmd.Payload)
	}

	var outcome proxy.RawOutcome
	execErr := stage("execute", func() error {
		var err error
		outcome, err = d.executor.Execute(ctx, proxy.Request{
			App:      desc,
			Payload:  cmd.Payload,
			Context:  wctx,
			Siblings: siblings(table, desc.Identifier),
		})
		return err
	})
	if execErr != nil {
		res := d.degrade(m, classifyExecError(ctx, execErr), execErr, desc.Identifier, desc, cmd.Payload)
		attachOutcome(res, outcome)
		return res
	}

	var verified verify.Verified
	if err := stage("validate", func() error {
		var err error
		verified, err = verify.Validate(desc, outcome)
		return err
	}); err != nil {
		kind := KindContractViolation
		if isPanic(err) {
			kind = KindInternal
		}
		res := d.degrade(m, kind, err, desc.Identifier, desc, cmd.Payload)
		attachOutcome(res, outcome)
		return res
	}
	if err := m.advance(StateValidated); err != nil {
		return d.degrade(m, KindInternal, err, desc.Identifier, desc, cmd.Payload)
	}

	if err := m.advance(StateCompleted); err != nil {
		return d.degrade(m, KindInternal, err, desc.Identifier, desc, cmd.Payload)
	}
	res := &Result{
		Status:         StatusCompleted,
		App:            desc.Identifier,
		OutputLocation: verified.OutputLocation,
		Artifacts:      verified.Artifacts,
	}
	attachOutcome(res, outcome)
	return res
}

func (d *Dispatcher) reject(m *machine, kind FailureKind, err error, known []string) *Result {
	if aerr := m.advance(StateRejected); aerr != nil {
		m.logger.Error("state machine refused rejection", "error", aerr)
	}
	return &Result{
		Status:  StatusRejected,
		App:     m.app,
		Kind:    kind,
		Message: err.Error(),
		Known:   known,
		Err:     err,
	}
}

func (d *Dispatcher) degrade(m *machine, kind FailureKind, err error, appID string, desc app.Descriptor, payload string) *Result {
	if aerr := m.advance(StateDegraded); aerr != nil {
		m.logger.Error("state machine refused degradation", "error", aerr)
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		recoveredPanics.Inc()
		m.logger.Error("recovered panic in dispatch", "stage", pe.Stage, "panic", fmt.Sprint(pe.Value), "stack", string(pe.Stack))
	}
	var bv *proxy.BoundaryViolationError
	if errors.As(err, &bv) {
		boundaryViolations.WithLabelValues(bv.App).Inc()
	}

	res := &Result{
		Status:  StatusDegraded,
		App:     appID,
		Kind:    kind,
		Message: degradedMessage(kind, err),
		Err:     err,
	}
	if desc.Root != "" {
		res.Fallback = FallbackCommand(desc, payload)
	}
	return res
}

func degradedMessage(kind FailureKind, err error) string {
	var hint string
	switch kind {
	case KindMissingDependency:
		hint = "install the missing tools or adjust execution.env_passthrough so PATH finds them"
	case KindBoundaryViolation:
		hint = "the application reached outside its own root; fix it to read and write only under its root"
	case KindContractViolation:
		hint = "the application produced files outside its output_root; fix the application or its manifest"
	case KindApplicationFailed:
		hint = "see stderr for the application's own error"
	case KindCancelled:
		hint = "the dispatch was cancelled; nothing further was run"
	case KindTimeout:
		hint = "the dispatch ran out of time; retry with a longer timeout"
	case KindInternal:
		hint = "this is a router fault; the application itself was not affected"
	}
	if hint == "" {
		return err.Error() + "; run the application directly to continue"
	}
	return err.Error() + "; " + hint + ", or run the application directly"
}

func classifyExecError(ctx context.Context, err error) FailureKind {
	var (
		bv *proxy.BoundaryViolationError
		ee *proxy.ExitError
		pe *PanicError
	)
	switch {
	case errors.As(err, &pe):
		return KindInternal
	case errors.As(err, &bv):
		return KindBoundaryViolation
	case errors.As(err, &ee):
		return KindApplicationFailed
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case ctx.Err() != nil:
		return kindForContext(ctx.Err())
	default:
		return KindSpawnFailed
	}
}

func kindForContext(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindCancelled
}

func attachOutcome(res *Result, out proxy.RawOutcome) {
	// A zero outcome means the entry point never ran.
	if out.DispatchID != "" && out.ExitCode >= 0 {
		code := out.ExitCode
		res.ExitCode = &code
	}
	res.Stderr = strings.TrimRight(tail(out.Stderr, stderrTailBytes), "\n")
}

func siblings(table *registry.Table, identifier string) []app.Descriptor {
	all := table.Descriptors()
	out := all[:0]
	for _, d := range all {
		if d.Identifier != identifier {
			out = append(out, d)
		}
	}
	return out
}

// stage runs fn, turning a panic into a *PanicError.
func stage(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Stage: name, Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

func isPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
