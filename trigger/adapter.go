// Package trigger implements the contact-event trigger: each invocation
// either starts a workflow execution or polls one, and tells the caller
// whether to loop back in.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/connect-trigger/interfaces"
	"github.com/GoCodeAlone/connect-trigger/observability/tracing"
)

// Engine operation names used for logging, metrics and spans.
const (
	OpStartExecution    = "start_execution"
	OpDescribeExecution = "describe_execution"
)

// Config is the process-wide trigger configuration.
type Config struct {
	// WorkflowID identifies the workflow new executions are started
	// against (a state machine ARN). Empty disables starting.
	WorkflowID string
	// DefaultCountMax applies when count_max is absent. Zero means 5.
	DefaultCountMax int
	// DefaultCountComfort applies when count_comfort is absent. Zero means 10.
	DefaultCountComfort int
}

const (
	defaultCountMax     = 5
	defaultCountComfort = 10
)

// Recorder receives metrics about invocations. *metrics.Collector
// satisfies it.
type Recorder interface {
	RecordInvocation(status, result string)
	RecordLoopExhausted(reason string)
	RecordEngineCall(operation string, d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordInvocation(string, string)               {}
func (nopRecorder) RecordLoopExhausted(string)                    {}
func (nopRecorder) RecordEngineCall(string, time.Duration, error) {}

type multiRecorder []Recorder

func (m multiRecorder) RecordInvocation(status, result string) {
	for _, r := range m {
		r.RecordInvocation(status, result)
	}
}

func (m multiRecorder) RecordLoopExhausted(reason string) {
	for _, r := range m {
		r.RecordLoopExhausted(reason)
	}
}

func (m multiRecorder) RecordEngineCall(operation string, d time.Duration, err error) {
	for _, r := range m {
		r.RecordEngineCall(operation, d, err)
	}
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRecorder sets the metrics recorders. Every non-nil recorder receives
// each event.
func WithRecorder(rs ...Recorder) Option {
	return func(a *Adapter) {
		var m multiRecorder
		for _, r := range rs {
			if r != nil {
				m = append(m, r)
			}
		}
		switch len(m) {
		case 0:
		case 1:
			a.metrics = m[0]
		default:
			a.metrics = m
		}
	}
}

// WithTracer sets the tracer used for invocation and engine spans.
func WithTracer(t *tracing.InvocationTracer) Option {
	return func(a *Adapter) {
		if t != nil {
			a.tracer = t
		}
	}
}

// Adapter bridges contact events to a workflow engine. It holds no
// per-invocation state and is safe for concurrent use.
type Adapter struct {
	cfg     Config
	engine  interfaces.WorkflowEngine
	logger  *slog.Logger
	metrics Recorder
	tracer  *tracing.InvocationTracer
}

// New creates an Adapter driving engine.
func New(cfg Config, engine interfaces.WorkflowEngine, opts ...Option) *Adapter {
	if cfg.DefaultCountMax == 0 {
		cfg.DefaultCountMax = defaultCountMax
	}
	if cfg.DefaultCountComfort == 0 {
		cfg.DefaultCountComfort = defaultCountComfort
	}
	a := &Adapter{
		cfg:     cfg,
		engine:  engine,
		logger:  slog.Default(),
		metrics: nopRecorder{},
		tracer:  tracing.NewInvocationTracer(nil),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handle answers one invocation. Budget exhaustion and malformed counters
// produce a LOOP_DONE response with a nil error; a workflow engine error is
// returned exactly as the engine reported it.
func (a *Adapter) Handle(ctx context.Context, ev Event) (Response, error) {
	execID, _ := ev.Params.ExecutionID()
	ctx, span := a.tracer.StartInvocation(ctx, execID)
	defer span.End()

	out := a.Evaluate(ctx, ev)
	switch out.Kind {
	case OutcomeEngineFault:
		tracing.RecordError(span, out.Err)
		return nil, out.Err
	case OutcomeLoopExhausted:
		a.logger.Warn("loop ended without a result",
			"reason", out.Reason(), "count", out.Loop.Count, "count_max", out.Loop.CountMax, "error", out.Err)
		a.metrics.RecordLoopExhausted(out.Reason())
		a.finish(span, StatusLoopDone, ResultFailure, CountDone)
		return loopDoneResponse(out.Loop), nil
	default:
		a.finish(span, out.Status, out.Result, out.Loop.countLabel())
		return out.Response, nil
	}
}

// finish records the status and result the adapter decided. Keys merged in
// from workflow output never reach metric labels or span attributes.
func (a *Adapter) finish(span trace.Span, status Status, result Result, count string) {
	a.metrics.RecordInvocation(string(status), string(result))
	tracing.Finish(span, string(status), string(result), count)
}

// Evaluate runs the decision procedure for one invocation and reports the
// outcome without converting it into a response or error.
func (a *Adapter) Evaluate(ctx context.Context, ev Event) Outcome {
	params := ev.Params
	if params == nil {
		params = Params{}
	}

	loop, err := parseLoopState(params, a.cfg.DefaultCountMax, a.cfg.DefaultCountComfort)
	if loop.countMaxOK && loop.countOK && loop.Exhausted() {
		return loopExhausted(loop, ErrBudgetExhausted)
	}
	if err != nil {
		return loopExhausted(loop, err)
	}

	resp := newResponse()
	resp.echoLoop(loop)
	if loop.Comfort() {
		resp[KeyComfort] = "true"
	}

	if execID, ok := params.ExecutionID(); ok {
		return a.poll(ctx, loop, resp, execID)
	}
	if a.cfg.WorkflowID != "" {
		return a.start(ctx, loop, resp, ev)
	}
	return continueWith(loop, resp, StatusFailed, ResultNone)
}

func (a *Adapter) poll(ctx context.Context, loop LoopState, resp Response, execID string) Outcome {
	callCtx, span := a.tracer.StartEngineCall(ctx, OpDescribeExecution, execID)
	began := time.Now()
	exec, err := a.engine.DescribeExecution(callCtx, execID)
	a.metrics.RecordEngineCall(OpDescribeExecution, time.Since(began), err)
	tracing.RecordError(span, err)
	span.End()
	if err != nil {
		return engineFault(loop, err)
	}

	a.logger.Info("got status for execution", "execution_id", execID, "status", exec.Status)
	var (
		status Status
		result Result
	)
	switch {
	case exec.Status.Failed():
		status, result = StatusFinished, ResultFailure
	case exec.Status == interfaces.ExecutionSucceeded:
		status, result = StatusFinished, ResultSuccess
	default:
		status, result = StatusRunning, ResultNone
	}
	resp.set(status, result, execID)
	if exec.Status == interfaces.ExecutionSucceeded {
		if err := resp.mergeOutput(exec.Output); err != nil {
			return loopExhausted(loop, err)
		}
	}
	return continueWith(loop, resp, status, result)
}

func (a *Adapter) start(ctx context.Context, loop LoopState, resp Response, ev Event) Outcome {
	input := ev.Raw
	if len(input) == 0 {
		built, err := NewEvent(ev.Params)
		if err != nil {
			return loopExhausted(loop, fmt.Errorf("%w: %v", ErrInvalidParameter, err))
		}
		input = built.Raw
	}
	a.logger.Info("starting execution", "workflow_id", a.cfg.WorkflowID)

	callCtx, span := a.tracer.StartEngineCall(ctx, OpStartExecution, a.cfg.WorkflowID)
	began := time.Now()
	execID, err := a.engine.StartExecution(callCtx, a.cfg.WorkflowID, input)
	a.metrics.RecordEngineCall(OpStartExecution, time.Since(began), err)
	tracing.RecordError(span, err)
	span.End()
	if err != nil {
		return engineFault(loop, err)
	}

	resp.set(StatusCreated, ResultNone, execID)
	return continueWith(loop, resp, StatusCreated, ResultNone)
}

// loopDoneResponse is the answer for an exhausted or unparseable loop.
// Counters that parsed are echoed; count is replaced by "DONE".
func loopDoneResponse(loop LoopState) Response {
	resp := newResponse()
	resp.echoLoop(loop)
	resp.set(StatusLoopDone, ResultFailure, "")
	resp[KeyCount] = CountDone
	return resp
}
