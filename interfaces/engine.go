package interfaces

import "context"

// ExecutionStatus is the lifecycle state reported by a workflow engine for a
// single execution. Values mirror the Step Functions execution states.
type ExecutionStatus string

const (
	ExecutionRunning        ExecutionStatus = "RUNNING"
	ExecutionSucceeded      ExecutionStatus = "SUCCEEDED"
	ExecutionFailed         ExecutionStatus = "FAILED"
	ExecutionTimedOut       ExecutionStatus = "TIMED_OUT"
	ExecutionAborted        ExecutionStatus = "ABORTED"
	ExecutionPendingRedrive ExecutionStatus = "PENDING_REDRIVE"
)

// Failed reports whether the status ends the execution unsuccessfully.
func (s ExecutionStatus) Failed() bool {
	switch s {
	case ExecutionFailed, ExecutionTimedOut, ExecutionAborted:
		return true
	}
	return false
}

// Execution is the result of describing a workflow execution.
type Execution struct {
	ID     string
	Status ExecutionStatus
	// Output is the JSON document produced by the workflow. Engines only
	// populate it once the execution has succeeded.
	Output string
}

// WorkflowEngine is the long-running workflow service a trigger drives.
// The AWS Step Functions engine in provider/aws and the scripted engine in
// mock both satisfy it.
type WorkflowEngine interface {
	// StartExecution starts a new execution of workflowID with the given JSON
	// input and returns the execution handle.
	StartExecution(ctx context.Context, workflowID string, input []byte) (string, error)

	// DescribeExecution returns the current state of a previously started
	// execution. It never mutates the execution.
	DescribeExecution(ctx context.Context, executionID string) (*Execution, error)
}
