// Package mock provides an in-memory workflow engine for tests and local
// runs of the trigger.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/GoCodeAlone/connect-trigger/interfaces"
)

// StartCall records one StartExecution request.
type StartCall struct {
	WorkflowID  string
	Input       []byte
	ExecutionID string
}

type execution struct {
	statuses  []interfaces.ExecutionStatus
	output    string
	described int
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithSucceedAfter makes every started execution report RUNNING for n
// describes and SUCCEEDED with output afterwards.
func WithSucceedAfter(n int, output string) EngineOption {
	return func(e *Engine) {
		e.succeedAfter = n
		e.defaultOutput = output
	}
}

// WithAccount sets the region and account used in generated execution ARNs.
func WithAccount(region, account string) EngineOption {
	return func(e *Engine) {
		e.region = region
		e.account = account
	}
}

// Engine is a scripted, concurrency-safe implementation of
// interfaces.WorkflowEngine.
type Engine struct {
	mu sync.Mutex

	region        string
	account       string
	succeedAfter  int
	defaultOutput string

	executions map[string]*execution
	starts     []StartCall
	describes  []string

	// StartErr and DescribeErr, when set, are returned by the matching
	// operation instead of touching any execution.
	StartErr    error
	DescribeErr error
}

// NewEngine creates an empty Engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		region:     "local",
		account:    "000000000000",
		executions: make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartExecution registers a RUNNING execution and returns its ARN.
func (e *Engine) StartExecution(ctx context.Context, workflowID string, input []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	call := StartCall{WorkflowID: workflowID, Input: append([]byte(nil), input...)}
	if e.StartErr != nil {
		e.starts = append(e.starts, call)
		return "", e.StartErr
	}

	call.ExecutionID = e.executionARN(workflowID)
	e.starts = append(e.starts, call)

	exec := &execution{statuses: []interfaces.ExecutionStatus{interfaces.ExecutionRunning}}
	if e.succeedAfter > 0 {
		exec.statuses = make([]interfaces.ExecutionStatus, 0, e.succeedAfter+1)
		for i := 0; i < e.succeedAfter; i++ {
			exec.statuses = append(exec.statuses, interfaces.ExecutionRunning)
		}
		exec.statuses = append(exec.statuses, interfaces.ExecutionSucceeded)
		exec.output = e.defaultOutput
	}
	e.executions[call.ExecutionID] = exec
	return call.ExecutionID, nil
}

// DescribeExecution returns the next scripted status for executionID. The
// last scripted status repeats once the script is consumed. Output is only
// reported for SUCCEEDED.
func (e *Engine) DescribeExecution(ctx context.Context, executionID string) (*interfaces.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.describes = append(e.describes, executionID)
	if e.DescribeErr != nil {
		return nil, e.DescribeErr
	}

	exec, ok := e.executions[executionID]
	if !ok {
		return nil, &smithy.GenericAPIError{
			Code:    "ExecutionDoesNotExist",
			Message: fmt.Sprintf("Execution Does Not Exist: '%s'", executionID),
			Fault:   smithy.FaultClient,
		}
	}

	idx := min(exec.described, len(exec.statuses)-1)
	exec.described++
	status := exec.statuses[idx]

	out := &interfaces.Execution{ID: executionID, Status: status}
	if status == interfaces.ExecutionSucceeded {
		out.Output = exec.output
	}
	return out, nil
}

// Script sets the statuses executionID reports on successive describes,
// registering the execution if needed.
func (e *Engine) Script(executionID string, statuses ...interfaces.ExecutionStatus) {
	if len(statuses) == 0 {
		statuses = []interfaces.ExecutionStatus{interfaces.ExecutionRunning}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, ok := e.executions[executionID]
	if !ok {
		exec = &execution{}
		e.executions[executionID] = exec
	}
	exec.statuses = append([]interfaces.ExecutionStatus(nil), statuses...)
	exec.described = 0
}

// SetOutput sets the JSON output reported once executionID succeeds.
func (e *Engine) SetOutput(executionID, output string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, ok := e.executions[executionID]
	if !ok {
		exec = &execution{statuses: []interfaces.ExecutionStatus{interfaces.ExecutionRunning}}
		e.executions[executionID] = exec
	}
	exec.output = output
}

// Starts returns a copy of every StartExecution request received.
func (e *Engine) Starts() []StartCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]StartCall(nil), e.starts...)
}

// Describes returns the execution IDs passed to DescribeExecution, in order.
func (e *Engine) Describes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.describes...)
}

// Calls returns the total number of engine operations received.
func (e *Engine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.starts) + len(e.describes)
}

// executionARN derives an execution ARN from a state machine ARN, or builds
// one under the engine's account when workflowID is not an ARN.
func (e *Engine) executionARN(workflowID string) string {
	name := uuid.NewString()
	if rest, ok := strings.CutPrefix(workflowID, "arn:"); ok {
		if parts := strings.Split(rest, ":"); len(parts) >= 6 && parts[4] == "stateMachine" {
			parts[4] = "execution"
			return "arn:" + strings.Join(parts[:6], ":") + ":" + name
		}
	}
	return fmt.Sprintf("arn:aws:states:%s:%s:execution:%s:%s", e.region, e.account, workflowID, name)
}

var _ interfaces.WorkflowEngine = (*Engine)(nil)
