package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/smithy-go"

	"github.com/GoCodeAlone/connect-trigger/interfaces"
	"github.com/GoCodeAlone/connect-trigger/mock"
)

const testStateMachine = "arn:aws:states:us-east-1:123456789012:stateMachine:ContactFlow"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	invocations []string
	exhausted   []string
	engineCalls []string
}

func (r *recorder) RecordInvocation(status, result string) {
	r.invocations = append(r.invocations, status+"/"+result)
}

func (r *recorder) RecordLoopExhausted(reason string) {
	r.exhausted = append(r.exhausted, reason)
}

func (r *recorder) RecordEngineCall(operation string, _ time.Duration, err error) {
	r.engineCalls = append(r.engineCalls, fmt.Sprintf("%s:%v", operation, err == nil))
}

func newAdapter(t *testing.T, workflowID string, engine interfaces.WorkflowEngine, opts ...Option) *Adapter {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(Config{WorkflowID: workflowID}, engine, opts...)
}

func mustEvent(t *testing.T, params Params) Event {
	t.Helper()
	ev, err := NewEvent(params)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return ev
}

func TestHandle_LoopExhausted(t *testing.T) {
	engine := mock.NewEngine()
	a := newAdapter(t, testStateMachine, engine)

	resp, err := a.Handle(context.Background(), mustEvent(t, Params{
		"count":         "5",
		"count_max":     "5",
		"count_comfort": "10",
		"execution_id":  "X",
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	want := Response{
		"execution_id":  "",
		"status":        "LOOP_DONE",
		"sfn_result":    "FAILURE",
		"comfort":       "false",
		"count":         "DONE",
		"count_max":     "5",
		"count_comfort": "10",
	}
	assertResponse(t, resp, want)
	if engine.Calls() != 0 {
		t.Errorf("engine should not be called on an exhausted loop, got %d calls", engine.Calls())
	}
}

func TestHandle_CountMaxFloor(t *testing.T) {
	for _, countMax := range []string{"0", "-3"} {
		t.Run(countMax, func(t *testing.T) {
			a := newAdapter(t, "", mock.NewEngine())

			resp, err := a.Handle(context.Background(), mustEvent(t, Params{"count_max": countMax}))
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if resp[KeyCountMax] != "1" {
				t.Errorf("count_max = %v, want 1", resp[KeyCountMax])
			}
			if resp.Status() != StatusFailed {
				t.Errorf("first call should fit a budget of 1, got status %s", resp.Status())
			}

			resp, err = a.Handle(context.Background(), mustEvent(t, Params{"count_max": countMax, "count": "1"}))
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if resp.Status() != StatusLoopDone {
				t.Errorf("second call should exceed a budget of 1, got status %s", resp.Status())
			}
		})
	}
}

func TestHandle_CountIncrements(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		want   string
	}{
		{"absent", Params{}, "1"},
		{"empty string", Params{"count": ""}, "1"},
		{"zero string", Params{"count": "0"}, "1"},
		{"null", Params{"count": nil}, "1"},
		{"prior", Params{"count": "3"}, "4"},
		{"json number", Params{"count": float64(2)}, "3"},
		{"padded", Params{"count": " 2 "}, "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAdapter(t, "", mock.NewEngine())
			resp, err := a.Handle(context.Background(), mustEvent(t, tt.params))
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if resp.Count() != tt.want {
				t.Errorf("count = %q, want %q", resp.Count(), tt.want)
			}
		})
	}
}

func TestHandle_Comfort(t *testing.T) {
	tests := []struct {
		name    string
		count   string
		comfort string
		want    bool
	}{
		{"default interval not reached", "3", "", false},
		{"multiple of interval", "3", "2", true},
		{"not a multiple", "2", "2", false},
		{"interval of one", "0", "1", true},
		{"disabled by zero", "3", "0", false},
		{"disabled by negative", "3", "-2", false},
		{"default interval reached", "9", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := Params{"count": tt.count, "count_max": "100"}
			if tt.comfort != "" {
				params["count_comfort"] = tt.comfort
			}
			a := newAdapter(t, "", mock.NewEngine())
			resp, err := a.Handle(context.Background(), mustEvent(t, params))
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if resp.Comfort() != tt.want {
				t.Errorf("comfort = %v, want %v", resp[KeyComfort], tt.want)
			}
		})
	}
}

func TestHandle_MalformedNumbers(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{"count_max", Params{"count_max": "five"}},
		{"count", Params{"count": "x"}},
		{"count_comfort", Params{"count_comfort": "1.5"}},
		{"null count_max", Params{"count_max": nil}},
		{"object count", Params{"count": map[string]any{"n": 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := mock.NewEngine()
			rec := &recorder{}
			a := newAdapter(t, testStateMachine, engine, WithRecorder(rec))

			resp, err := a.Handle(context.Background(), mustEvent(t, tt.params))
			if err != nil {
				t.Fatalf("malformed input must not surface as an error: %v", err)
			}
			if resp.Status() != StatusLoopDone || resp.Result() != ResultFailure || resp.Count() != CountDone {
				t.Errorf("unexpected response %v", resp)
			}
			if engine.Calls() != 0 {
				t.Errorf("engine should not be called, got %d calls", engine.Calls())
			}
			if len(rec.exhausted) != 1 || rec.exhausted[0] != "invalid_parameter" {
				t.Errorf("exhausted reasons = %v", rec.exhausted)
			}
		})
	}
}

func TestHandle_Succeeded(t *testing.T) {
	engine := mock.NewEngine()
	engine.Script("X", interfaces.ExecutionSucceeded)
	engine.SetOutput("X", `{"foo":"bar","comfort":"override"}`)
	a := newAdapter(t, testStateMachine, engine)

	resp, err := a.Handle(context.Background(), mustEvent(t, Params{"execution_id": "X", "count": "1"}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	assertResponse(t, resp, Response{
		"execution_id":  "X",
		"status":        "FINISHED",
		"sfn_result":    "SUCCESS",
		"comfort":       "override",
		"count":         "2",
		"count_max":     "5",
		"count_comfort": "10",
		"foo":           "bar",
	})
	if len(engine.Starts()) != 0 {
		t.Error("polling must not start a new execution")
	}
}

func TestHandle_OutputCannotRelabelMetrics(t *testing.T) {
	engine := mock.NewEngine()
	engine.Script("X", interfaces.ExecutionSucceeded)
	engine.SetOutput("X", `{"status":"HIJACKED","sfn_result":"weird"}`)
	rec := &recorder{}
	a := newAdapter(t, testStateMachine, engine, WithRecorder(rec))

	resp, err := a.Handle(context.Background(), mustEvent(t, Params{"execution_id": "X", "count": "1"}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp["status"] != "HIJACKED" || resp["sfn_result"] != "weird" {
		t.Errorf("workflow output should still be merged into the response: %v", resp)
	}
	if len(rec.invocations) != 1 || rec.invocations[0] != "FINISHED/SUCCESS" {
		t.Errorf("invocations = %v, want [FINISHED/SUCCESS]", rec.invocations)
	}
}

func TestHandle_Running(t *testing.T) {
	for _, status := range []interfaces.ExecutionStatus{interfaces.ExecutionRunning, interfaces.ExecutionPendingRedrive, "SOMETHING_NEW"} {
		t.Run(string(status), func(t *testing.T) {
			engine := mock.NewEngine()
			engine.Script("X", status)
			a := newAdapter(t, testStateMachine, engine)

			resp, err := a.Handle(context.Background(), mustEvent(t, Params{"execution_id": "X"}))
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if resp.Status() != StatusRunning || resp.Result() != ResultNone || resp.ExecutionID() != "X" {
				t.Errorf("unexpected response %v", resp)
			}
		})
	}
}

func TestHandle_FailedStatuses(t *testing.T) {
	for _, status := range []interfaces.ExecutionStatus{interfaces.ExecutionFailed, interfaces.ExecutionTimedOut, interfaces.ExecutionAborted} {
		t.Run(string(status), func(t *testing.T) {
			engine := mock.NewEngine()
			engine.Script("X", status)
			a := newAdapter(t, testStateMachine, engine)

			resp, err := a.Handle(context.Background(), mustEvent(t, Params{"execution_id": "X"}))
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if resp.Status() != StatusFinished || resp.Result() != ResultFailure || resp.ExecutionID() != "X" {
				t.Errorf("unexpected response %v", resp)
			}
		})
	}
}

func TestHandle_SucceededWithBadOutput(t *testing.T) {
	for _, output := range []string{"", "not json", `["a"]`, "null"} {
		t.Run(output, func(t *testing.T) {
			engine := mock.NewEngine()
			engine.Script("X", interfaces.ExecutionSucceeded)
			engine.SetOutput("X", output)
			a := newAdapter(t, testStateMachine, engine)

			out := a.Evaluate(context.Background(), mustEvent(t, Params{"execution_id": "X"}))
			if out.Kind != OutcomeLoopExhausted || out.Reason() != "invalid_output" {
				t.Fatalf("outcome = %s (%s)", out.Kind, out.Reason())
			}

			resp, err := a.Handle(context.Background(), mustEvent(t, Params{"execution_id": "X"}))
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if resp.Status() != StatusLoopDone || resp.ExecutionID() != "" {
				t.Errorf("unexpected response %v", resp)
			}
		})
	}
}

func TestHandle_StartsExecution(t *testing.T) {
	engine := mock.NewEngine()
	rec := &recorder{}
	a := newAdapter(t, testStateMachine, engine, WithRecorder(rec))

	raw := []byte(`{"Details":{"ContactData":{"ContactId":"c-1"},"Parameters":{"count_comfort":"3"}},"Name":"ContactFlowEvent"}`)
	ev, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}

	resp, err := a.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	starts := engine.Starts()
	if len(starts) != 1 {
		t.Fatalf("expected exactly 1 start, got %d", len(starts))
	}
	if starts[0].WorkflowID != testStateMachine {
		t.Errorf("workflow = %q", starts[0].WorkflowID)
	}
	if string(starts[0].Input) != string(raw) {
		t.Errorf("input = %s, want the full event %s", starts[0].Input, raw)
	}
	assertResponse(t, resp, Response{
		"execution_id":  starts[0].ExecutionID,
		"status":        "CREATED",
		"sfn_result":    "",
		"comfort":       "false",
		"count":         "1",
		"count_max":     "5",
		"count_comfort": "3",
	})
	if len(rec.invocations) != 1 || rec.invocations[0] != "CREATED/" {
		t.Errorf("invocations = %v", rec.invocations)
	}
	if len(rec.engineCalls) != 1 || rec.engineCalls[0] != "start_execution:true" {
		t.Errorf("engine calls = %v", rec.engineCalls)
	}
}

func TestHandle_StartFromParamsOnlyEvent(t *testing.T) {
	engine := mock.NewEngine()
	a := newAdapter(t, testStateMachine, engine)

	if _, err := a.Handle(context.Background(), Event{Params: Params{"k": "v"}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	starts := engine.Starts()
	if len(starts) != 1 {
		t.Fatalf("expected 1 start, got %d", len(starts))
	}
	var input map[string]any
	if err := json.Unmarshal(starts[0].Input, &input); err != nil {
		t.Fatalf("input is not JSON: %v", err)
	}
	if _, ok := input["Details"]; !ok {
		t.Errorf("input should be wrapped in Details: %s", starts[0].Input)
	}
}

func TestHandle_NoWorkflowConfigured(t *testing.T) {
	engine := mock.NewEngine()
	a := newAdapter(t, "", engine)

	resp, err := a.Handle(context.Background(), mustEvent(t, Params{}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Status() != StatusFailed || resp.ExecutionID() != "" || resp.Result() != ResultNone {
		t.Errorf("unexpected response %v", resp)
	}
	if engine.Calls() != 0 {
		t.Errorf("engine should never be called, got %d calls", engine.Calls())
	}
}

func TestHandle_EngineFaultPropagates(t *testing.T) {
	fault := &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"}

	t.Run("describe", func(t *testing.T) {
		engine := mock.NewEngine()
		engine.DescribeErr = fault
		rec := &recorder{}
		a := newAdapter(t, testStateMachine, engine, WithRecorder(rec))

		resp, err := a.Handle(context.Background(), mustEvent(t, Params{"execution_id": "X"}))
		if err != fault {
			t.Fatalf("err = %v, want the engine error unmodified", err)
		}
		if resp != nil {
			t.Errorf("expected no response, got %v", resp)
		}
		if len(rec.invocations) != 0 {
			t.Errorf("faults are not answered invocations: %v", rec.invocations)
		}
	})

	t.Run("start", func(t *testing.T) {
		engine := mock.NewEngine()
		engine.StartErr = fault
		a := newAdapter(t, testStateMachine, engine)

		_, err := a.Handle(context.Background(), mustEvent(t, Params{}))
		if err != fault {
			t.Fatalf("err = %v, want the engine error unmodified", err)
		}
		if len(engine.Starts()) != 1 {
			t.Errorf("expected a single start attempt, got %d", len(engine.Starts()))
		}
	})
}

func TestHandle_EmptyExecutionIDStillPolls(t *testing.T) {
	engine := mock.NewEngine()
	a := newAdapter(t, testStateMachine, engine)

	_, err := a.Handle(context.Background(), mustEvent(t, Params{"execution_id": ""}))
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected the engine's error for an empty handle, got %v", err)
	}
	if len(engine.Starts()) != 0 {
		t.Error("a present execution_id must not start a new execution")
	}
}

func TestEvaluate_Outcomes(t *testing.T) {
	engine := mock.NewEngine()
	engine.Script("X", interfaces.ExecutionRunning)
	a := newAdapter(t, testStateMachine, engine)

	out := a.Evaluate(context.Background(), mustEvent(t, Params{"execution_id": "X", "count": "2"}))
	if out.Kind != OutcomeContinue || out.Loop.Count != 3 || out.Reason() != "" {
		t.Errorf("continue outcome = %+v", out)
	}

	out = a.Evaluate(context.Background(), mustEvent(t, Params{"count": "9", "count_max": "2"}))
	if out.Kind != OutcomeLoopExhausted || !errors.Is(out.Err, ErrBudgetExhausted) || out.Reason() != "budget" {
		t.Errorf("exhausted outcome = %+v", out)
	}

	engine.DescribeErr = errors.New("throttled")
	out = a.Evaluate(context.Background(), mustEvent(t, Params{"execution_id": "X"}))
	if out.Kind != OutcomeEngineFault || out.Kind.String() != "engine_fault" {
		t.Errorf("fault outcome = %+v", out)
	}
}

func TestHandle_PollingLoop(t *testing.T) {
	engine := mock.NewEngine(mock.WithSucceedAfter(2, `{"balance":"42"}`))
	a := newAdapter(t, testStateMachine, engine)

	params := Params{"count_max": "4"}
	var resp Response
	for i := 0; i < 4; i++ {
		var err error
		resp, err = a.Handle(context.Background(), mustEvent(t, params))
		if err != nil {
			t.Fatalf("invocation %d: %v", i+1, err)
		}
		if resp.Status() == StatusFinished {
			break
		}
		// The caller echoes the response back as the next parameters.
		params = Params{}
		for k, v := range resp {
			params[k] = v
		}
	}

	if resp.Status() != StatusFinished || resp.Result() != ResultSuccess {
		t.Fatalf("loop did not finish: %v", resp)
	}
	if resp["balance"] != "42" || resp.Count() != "4" {
		t.Errorf("final response = %v", resp)
	}
	if len(engine.Starts()) != 1 {
		t.Errorf("expected one start across the loop, got %d", len(engine.Starts()))
	}
}

func assertResponse(t *testing.T, got, want Response) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("response has %d keys, want %d: %v", len(got), len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %#v, want %#v", k, got[k], v)
		}
	}
}

func TestWithRecorder_FansOut(t *testing.T) {
	first, second := &recorder{}, &recorder{}
	a := newAdapter(t, testStateMachine, mock.NewEngine(), WithRecorder(first, nil, second))

	if _, err := a.Handle(context.Background(), mustEvent(t, Params{})); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	for i, rec := range []*recorder{first, second} {
		if len(rec.invocations) != 1 || rec.invocations[0] != "CREATED/" {
			t.Errorf("recorder %d invocations = %v", i, rec.invocations)
		}
		if len(rec.engineCalls) != 1 || rec.engineCalls[0] != "start_execution:true" {
			t.Errorf("recorder %d engine calls = %v", i, rec.engineCalls)
		}
	}
}
