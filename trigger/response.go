package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidOutput is returned when a succeeded execution's output is not a
// JSON object.
var ErrInvalidOutput = errors.New("invalid workflow output")

// Status is the adapter-level status returned to the caller.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusLoopDone Status = "LOOP_DONE"
	StatusFailed   Status = "FAILED"
)

// Result is the final outcome of a finished execution.
type Result string

const (
	ResultNone    Result = ""
	ResultSuccess Result = "SUCCESS"
	ResultFailure Result = "FAILURE"
)

// Response keys written by the adapter. The counter keys are shared with
// the parameter bag so the caller can echo the response straight back.
const (
	KeyStatus    = "status"
	KeySFNResult = "sfn_result"
	KeyComfort   = "comfort"
)

// CountDone replaces the count once the loop budget is spent.
const CountDone = "DONE"

// Response is the flat mapping returned to the caller. Workflow output
// merged into it may carry keys and value types of its own, so it is a map
// rather than a struct.
type Response map[string]any

func newResponse() Response {
	return Response{
		KeyExecutionID: "",
		KeyStatus:      string(StatusFailed),
		KeySFNResult:   string(ResultNone),
		KeyComfort:     "false",
	}
}

// Status returns the status key as written by the adapter or the workflow.
func (r Response) Status() Status { return Status(r.str(KeyStatus)) }

// Result returns the sfn_result key.
func (r Response) Result() Result { return Result(r.str(KeySFNResult)) }

// ExecutionID returns the execution_id key.
func (r Response) ExecutionID() string { return r.str(KeyExecutionID) }

// Comfort reports whether the comfort flag is "true".
func (r Response) Comfort() bool { return r.str(KeyComfort) == "true" }

// Count returns the count key as sent to the caller ("DONE" on exhaustion).
func (r Response) Count() string { return r.str(KeyCount) }

func (r Response) str(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (r Response) set(status Status, result Result, executionID string) {
	r[KeyStatus] = string(status)
	r[KeySFNResult] = string(result)
	r[KeyExecutionID] = executionID
}

// echoLoop writes the counters that were successfully parsed.
func (r Response) echoLoop(s LoopState) {
	if s.countOK {
		r[KeyCount] = strconv.Itoa(s.Count)
	}
	if s.countMaxOK {
		r[KeyCountMax] = strconv.Itoa(s.CountMax)
	}
	if s.countComfortOK {
		r[KeyCountComfort] = strconv.Itoa(s.CountComfort)
	}
}

// mergeOutput shallow-merges a workflow's JSON output object into r.
// Output keys replace the adapter's own.
func (r Response) mergeOutput(output string) error {
	var fields map[string]any
	if err := json.Unmarshal([]byte(output), &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if fields == nil {
		return fmt.Errorf("%w: not a JSON object", ErrInvalidOutput)
	}
	for k, v := range fields {
		r[k] = v
	}
	return nil
}
