package instance

import (
	"fmt"
	"reflect"
	"time"

	"github.com/streamfn/orchestrator/pkg/function"
	"github.com/streamfn/orchestrator/pkg/serde"
	"go.uber.org/zap"
)

// ExecutionResult classifies exactly one invocation: Result is set on success
// (nil for void-output handlers), UserError when the handler failed, and
// TimeoutError when the wall-clock budget expired first. At most one of
// UserError/TimeoutError is non-nil.
type ExecutionResult struct {
	Result       interface{}
	UserError    error
	TimeoutError error
}

// Succeeded reports whether the invocation completed without error.
func (r *ExecutionResult) Succeeded() bool {
	return r.UserError == nil && r.TimeoutError == nil
}

// TimeoutError reports an invocation that exceeded its budget. Elapsed is the
// wall-clock time observed when the budget fired.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("invocation exceeded its time budget after %s", e.Elapsed)
}

// Invoker runs user handlers with input/output conversion and a per-function
// wall-clock budget. One Invoker serves one instance and is safe for
// sequential reuse across messages.
type Invoker struct {
	shape  *handlerShape
	input  serde.Serde
	output serde.Serde
	budget time.Duration
	fqn    string
}

// NewInvoker resolves the serdes named in details and validates the handler
// signature against them. Every contract violation fails here, at
// construction, never during message handling.
func NewInvoker(details *function.Details, handler interface{}) (*Invoker, error) {
	input, err := serde.ByName(details.InputSerde)
	if err != nil {
		return nil, err
	}
	output, err := serde.ByName(details.OutputSerde)
	if err != nil {
		return nil, err
	}
	shape, err := validateHandler(handler, input, output)
	if err != nil {
		return nil, err
	}
	return &Invoker{
		shape:  shape,
		input:  input,
		output: output,
		budget: time.Duration(details.TimeoutMs) * time.Millisecond,
		fqn:    details.FullyQualifiedName(),
	}, nil
}

// HandleMessage runs one invocation and classifies the outcome. The handler
// runs on its own goroutine writing into a channel owned by this call, so a
// worker that loses the timeout race can never leak its result into a later
// invocation. Timed-out user code is not cancelled; backend supervision
// reclaims the instance if it never returns.
func (inv *Invoker) HandleMessage(id string, payload []byte) *ExecutionResult {
	results := make(chan *ExecutionResult, 1)
	start := time.Now()
	go func() {
		results <- inv.run(payload)
	}()
	if inv.budget <= 0 {
		return <-results
	}
	timer := time.NewTimer(inv.budget)
	defer timer.Stop()
	select {
	case res := <-results:
		return res
	case <-timer.C:
		elapsed := time.Since(start)
		zap.S().Warnw("invocation timed out", "function", inv.fqn, "id", id, "elapsed", elapsed)
		return &ExecutionResult{TimeoutError: &TimeoutError{Elapsed: elapsed}}
	}
}

func (inv *Invoker) run(payload []byte) (res *ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			res = &ExecutionResult{UserError: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	in, err := inv.input.Deserialize(payload)
	if err != nil {
		return &ExecutionResult{UserError: fmt.Errorf("deserialize input: %w", err)}
	}
	rets := inv.shape.fn.Call([]reflect.Value{reflect.ValueOf(in)})
	var outVal, errVal reflect.Value
	if inv.shape.outType != nil {
		outVal, errVal = rets[0], rets[1]
	} else {
		errVal = rets[0]
	}
	if !errVal.IsNil() {
		return &ExecutionResult{UserError: errVal.Interface().(error)}
	}
	if inv.shape.outType != nil {
		return &ExecutionResult{Result: outVal.Interface()}
	}
	return &ExecutionResult{}
}

// SerializeOutput encodes a successful result with the function's output serde.
func (inv *Invoker) SerializeOutput(v interface{}) ([]byte, error) {
	return inv.output.Serialize(v)
}
