package trigger

import "errors"

// ErrBudgetExhausted reports an invocation whose count exceeds count_max.
var ErrBudgetExhausted = errors.New("loop budget exhausted")

// OutcomeKind distinguishes the results of evaluating one invocation.
type OutcomeKind int

const (
	// OutcomeContinue carries a normal response for the caller.
	OutcomeContinue OutcomeKind = iota
	// OutcomeLoopExhausted means the invocation is answered with LOOP_DONE.
	OutcomeLoopExhausted
	// OutcomeEngineFault means the workflow engine returned an error.
	OutcomeEngineFault
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeLoopExhausted:
		return "loop_exhausted"
	case OutcomeEngineFault:
		return "engine_fault"
	}
	return "unknown"
}

// Outcome is the result of Adapter.Evaluate.
type Outcome struct {
	Kind OutcomeKind
	Loop LoopState

	// Response is set for OutcomeContinue. Status and Result are the values
	// the adapter decided, before any workflow output was merged into
	// Response.
	Response Response
	Status   Status
	Result   Result
	// Err is why the loop ended for OutcomeLoopExhausted, or the engine
	// error, unmodified, for OutcomeEngineFault.
	Err error
}

// Reason is a short label for why the loop ended: "budget",
// "invalid_parameter" or "invalid_output". It is empty for other kinds.
func (o Outcome) Reason() string {
	if o.Kind != OutcomeLoopExhausted {
		return ""
	}
	switch {
	case errors.Is(o.Err, ErrBudgetExhausted):
		return "budget"
	case errors.Is(o.Err, ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(o.Err, ErrInvalidOutput):
		return "invalid_output"
	}
	return "unknown"
}

func continueWith(loop LoopState, resp Response, status Status, result Result) Outcome {
	return Outcome{Kind: OutcomeContinue, Loop: loop, Response: resp, Status: status, Result: result}
}

func loopExhausted(loop LoopState, err error) Outcome {
	return Outcome{Kind: OutcomeLoopExhausted, Loop: loop, Err: err}
}

func engineFault(loop LoopState, err error) Outcome {
	return Outcome{Kind: OutcomeEngineFault, Loop: loop, Err: err}
}
