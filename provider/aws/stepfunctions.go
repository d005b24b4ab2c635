// Package aws implements the workflow engine on AWS Step Functions.
package aws

import (
	"context"
	"fmt"
	"math"
	"sync"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"golang.org/x/time/rate"

	"github.com/GoCodeAlone/connect-trigger/interfaces"
)

// StepFunctionsEngine runs workflows as Step Functions executions. Workflow
// IDs are state machine ARNs and execution handles are execution ARNs.
type StepFunctionsEngine struct {
	config  Config
	limiter *rate.Limiter

	mu        sync.Mutex
	sfnClient SFNClient
	stsClient STSClient
}

var _ interfaces.WorkflowEngine = (*StepFunctionsEngine)(nil)

// NewStepFunctionsEngine creates an engine whose SDK clients are built from
// cfg on first use.
func NewStepFunctionsEngine(cfg Config) *StepFunctionsEngine {
	return &StepFunctionsEngine{config: cfg, limiter: newLimiter(cfg)}
}

// NewStepFunctionsEngineWithClients creates an engine with pre-built clients.
// Either client may be nil, in which case it is built lazily.
func NewStepFunctionsEngineWithClients(cfg Config, sfnClient SFNClient, stsClient STSClient) *StepFunctionsEngine {
	return &StepFunctionsEngine{config: cfg, limiter: newLimiter(cfg), sfnClient: sfnClient, stsClient: stsClient}
}

// newLimiter returns nil when cfg sets no request rate.
func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = int(math.Ceil(cfg.RequestsPerSecond))
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

func (e *StepFunctionsEngine) ensureClients(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sfnClient != nil && e.stsClient != nil {
		return nil
	}

	cfg, err := LoadConfig(ctx, e.config)
	if err != nil {
		return err
	}
	if e.sfnClient == nil {
		e.sfnClient = sfn.NewFromConfig(cfg, func(o *sfn.Options) {
			if e.config.Endpoint != "" {
				o.BaseEndpoint = awsv2.String(e.config.Endpoint)
			}
		})
	}
	if e.stsClient == nil {
		e.stsClient = sts.NewFromConfig(cfg)
	}
	return nil
}

// client returns the Step Functions client once the rate limiter admits
// the call.
func (e *StepFunctionsEngine) client(ctx context.Context) (SFNClient, error) {
	if err := e.ensureClients(ctx); err != nil {
		return nil, err
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return e.sfnClient, nil
}

// StartExecution starts the state machine workflowID with input as its
// execution input. Step Functions assigns the execution name. API errors are
// returned unwrapped.
func (e *StepFunctionsEngine) StartExecution(ctx context.Context, workflowID string, input []byte) (string, error) {
	client, err := e.client(ctx)
	if err != nil {
		return "", err
	}

	out, err := client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: awsv2.String(workflowID),
		Input:           awsv2.String(string(input)),
	})
	if err != nil {
		return "", err
	}
	return awsv2.ToString(out.ExecutionArn), nil
}

// DescribeExecution reports the status of the execution ARN executionID.
// Output is only set once the execution has succeeded. API errors are
// returned unwrapped.
func (e *StepFunctionsEngine) DescribeExecution(ctx context.Context, executionID string) (*interfaces.Execution, error) {
	client, err := e.client(ctx)
	if err != nil {
		return nil, err
	}

	out, err := client.DescribeExecution(ctx, &sfn.DescribeExecutionInput{
		ExecutionArn: awsv2.String(executionID),
	})
	if err != nil {
		return nil, err
	}

	exec := &interfaces.Execution{
		ID:     executionID,
		Status: interfaces.ExecutionStatus(out.Status),
	}
	if out.Status == sfntypes.ExecutionStatusSucceeded {
		exec.Output = awsv2.ToString(out.Output)
	}
	return exec, nil
}

// Verify checks that credentials resolve by calling sts:GetCallerIdentity
// and returns the caller ARN.
func (e *StepFunctionsEngine) Verify(ctx context.Context) (string, error) {
	if err := e.ensureClients(ctx); err != nil {
		return "", err
	}
	out, err := e.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("aws: get caller identity: %w", err)
	}
	return awsv2.ToString(out.Arn), nil
}
