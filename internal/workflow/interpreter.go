// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/harborstackd/harborstackd/internal/audit"
	"github.com/harborstackd/harborstackd/internal/logging"
	"github.com/harborstackd/harborstackd/internal/metrics"
)

// ExecutionStatus enumerates an execution's lifecycle.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusSucceeded ExecutionStatus = "succeeded"
	StatusFailed    ExecutionStatus = "failed"
	StatusAborted   ExecutionStatus = "aborted"
	StatusTimedOut  ExecutionStatus = "timed-out"
)

// Mode selects the caller-facing contract: express blocks until the
// final output; standard returns immediately with an execution ID.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeExpress  Mode = "express"
)

// TransitionEvent is one history entry.
type TransitionEvent struct {
	StateName string          `json:"state_name"`
	EnteredAt time.Time       `json:"entered_at"`
	ExitedAt  time.Time       `json:"exited_at"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Cause     string          `json:"cause,omitempty"`
}

// Execution is one run of a workflow. History grows while the run is
// live; reads go through the engine so access stays synchronized.
type Execution struct {
	ID         string
	WorkflowID string
	Status     ExecutionStatus
	Input      json.RawMessage
	Output     json.RawMessage
	ErrorKind  string
	Cause      string
	StartedAt  time.Time
	EndedAt    time.Time
	History    []TransitionEvent

	cancel context.CancelFunc
	done   chan struct{}
}

// TaskInvoker performs a Task state's external call. The function-compute
// provider implements this against its runtime.
type TaskInvoker interface {
	InvokeTask(ctx context.Context, resource string, input []byte) ([]byte, error)
}

// ErrExecutionNotFound is returned for lookups of unknown execution IDs.
var ErrExecutionNotFound = errors.New("workflow: execution not found")

// stateError carries the taxonomy fields a failed state reports.
type stateError struct {
	kind  string
	cause string
}

func (e *stateError) Error() string { return e.kind + ": " + e.cause }

// Engine interprets definitions and tracks executions in memory;
// executions do not survive a restart.
type Engine struct {
	invoker TaskInvoker

	mu         sync.RWMutex
	machines   map[string]*Definition
	executions map[string]*Execution
}

// NewEngine builds an Engine. invoker may be nil when no definition uses
// Task states.
func NewEngine(invoker TaskInvoker) *Engine {
	return &Engine{
		invoker:    invoker,
		machines:   make(map[string]*Definition),
		executions: make(map[string]*Execution),
	}
}

// Register parses and stores a state machine under workflowID.
func (e *Engine) Register(workflowID string, rawDefinition []byte) error {
	def, err := Parse(rawDefinition)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.machines[workflowID] = def
	return nil
}

// Machines lists registered workflow IDs.
func (e *Engine) Machines() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.machines))
	for id := range e.machines {
		out = append(out, id)
	}
	return out
}

// Start begins an execution. Express mode runs on the caller's goroutine
// and returns with the terminal snapshot; standard mode returns as soon
// as the execution is registered.
func (e *Engine) Start(ctx context.Context, workflowID string, input json.RawMessage, mode Mode) (*Execution, error) {
	e.mu.RLock()
	def, ok := e.machines[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow: unknown workflow %q", workflowID)
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exec := &Execution{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Status:     StatusRunning,
		Input:      input,
		StartedAt:  time.Now().UTC(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	e.mu.Lock()
	e.executions[exec.ID] = exec
	e.mu.Unlock()

	if mode == ModeExpress {
		e.run(runCtx, def, exec)
		return e.Describe(exec.ID)
	}
	go e.run(runCtx, def, exec)
	return e.snapshot(exec), nil
}

// Describe returns a copy of the execution's current state.
func (e *Engine) Describe(executionID string) (*Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return e.snapshotLocked(exec), nil
}

// Stop aborts a running execution; an ExecutionAborted event is appended
// to its history. Stopping a finished execution is a no-op.
func (e *Engine) Stop(executionID, cause string) error {
	e.mu.Lock()
	exec, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()
		return ErrExecutionNotFound
	}
	if exec.Status != StatusRunning {
		e.mu.Unlock()
		return nil
	}
	exec.cancel()
	e.mu.Unlock()
	<-exec.done

	e.mu.Lock()
	defer e.mu.Unlock()
	if exec.Status == StatusAborted && cause != "" {
		exec.Cause = cause
	}
	return nil
}

// Wait blocks until the execution terminates, returning its snapshot.
func (e *Engine) Wait(ctx context.Context, executionID string) (*Execution, error) {
	e.mu.RLock()
	exec, ok := e.executions[executionID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrExecutionNotFound
	}
	select {
	case <-exec.done:
		return e.Describe(executionID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Executions returns snapshots of a workflow's executions (all workflows
// when workflowID is empty).
func (e *Engine) Executions(workflowID string) []*Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Execution
	for _, exec := range e.executions {
		if workflowID == "" || exec.WorkflowID == workflowID {
			out = append(out, e.snapshotLocked(exec))
		}
	}
	return out
}

// Reset drops every terminated execution; running ones are kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, exec := range e.executions {
		if exec.Status != StatusRunning {
			delete(e.executions, id)
		}
	}
}

func (e *Engine) snapshot(exec *Execution) *Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked(exec)
}

func (e *Engine) snapshotLocked(exec *Execution) *Execution {
	cp := *exec
	cp.History = append([]TransitionEvent(nil), exec.History...)
	cp.cancel = nil
	cp.done = nil
	return &cp
}

// run drives one execution to a terminal status. Transitions within one
// execution are strictly serial.
func (e *Engine) run(ctx context.Context, def *Definition, exec *Execution) {
	defer close(exec.done)

	current := def.StartAt
	doc := append(json.RawMessage(nil), exec.Input...)

	for {
		select {
		case <-ctx.Done():
			e.finish(exec, StatusAborted, nil, "ExecutionAborted", "execution stopped")
			e.appendEvent(exec, TransitionEvent{
				StateName: "ExecutionAborted",
				EnteredAt: time.Now().UTC(),
				ExitedAt:  time.Now().UTC(),
				ErrorKind: "ExecutionAborted",
			})
			return
		default:
		}

		state, ok := def.States[current]
		if !ok {
			e.failWithEvent(exec, current, doc, "States.Runtime", fmt.Sprintf("transition to unknown state %q", current))
			return
		}

		entered := time.Now().UTC()
		output, next, terminal, err := e.step(ctx, exec, current, &state, doc)
		exited := time.Now().UTC()

		event := TransitionEvent{
			StateName: current,
			EnteredAt: entered,
			ExitedAt:  exited,
			Input:     append(json.RawMessage(nil), doc...),
		}
		if err != nil {
			var se *stateError
			if errors.As(err, &se) {
				event.ErrorKind, event.Cause = se.kind, se.cause
			} else if ctx.Err() != nil {
				continue // aborted mid-state; the select above records it
			} else {
				event.ErrorKind, event.Cause = "States.Runtime", err.Error()
			}
			e.appendEvent(exec, event)
			e.finish(exec, StatusFailed, nil, event.ErrorKind, event.Cause)
			return
		}
		event.Output = append(json.RawMessage(nil), output...)
		e.appendEvent(exec, event)

		doc = output
		if terminal {
			e.finish(exec, StatusSucceeded, doc, "", "")
			return
		}
		current = next
	}
}

// step executes one state: the input/output processing pipeline around
// the state body. Returns the state's effective output and the next
// state name, or terminal=true.
func (e *Engine) step(ctx context.Context, exec *Execution, name string, s *State, input json.RawMessage) (output json.RawMessage, next string, terminal bool, err error) {
	contextObj, _ := json.Marshal(map[string]interface{}{
		"Execution": map[string]interface{}{
			"Id":        exec.ID,
			"Input":     json.RawMessage(exec.Input),
			"StartTime": exec.StartedAt.Format(time.RFC3339),
		},
		"State":        map[string]interface{}{"Name": name, "EnteredTime": time.Now().UTC().Format(time.RFC3339)},
		"StateMachine": map[string]interface{}{"Id": exec.WorkflowID},
	})

	// 1. InputPath.
	projected := input
	if s.InputPath != nil {
		projected, err = applyPath(input, *s.InputPath)
		if err != nil {
			return nil, "", false, &stateError{kind: "States.Runtime", cause: err.Error()}
		}
	}

	// 2. Parameters.
	effective := projected
	if len(s.Parameters) > 0 {
		effective, err = applyTemplate(s.Parameters, projected, contextObj)
		if err != nil {
			return nil, "", false, &stateError{kind: "States.ParameterPathFailure", cause: err.Error()}
		}
	}

	// 3. The state body.
	var result json.RawMessage
	hasResult := false
	switch s.Type {
	case StateSucceed:
		out := effective
		if s.OutputPath != nil {
			out, err = applyPath(out, *s.OutputPath)
			if err != nil {
				return nil, "", false, &stateError{kind: "States.Runtime", cause: err.Error()}
			}
		}
		return out, "", true, nil

	case StateFail:
		kind := s.Error
		if kind == "" {
			kind = "States.Failed"
		}
		return nil, "", false, &stateError{kind: kind, cause: s.Cause}

	case StateChoice:
		next, err := firstMatch(s.Choices, s.Default, effective)
		if err != nil {
			return nil, "", false, &stateError{kind: "States.NoChoiceMatched", cause: err.Error()}
		}
		// Choice applies OutputPath only; the effective input passes through.
		out := effective
		if s.OutputPath != nil {
			out, err = applyPath(out, *s.OutputPath)
			if err != nil {
				return nil, "", false, &stateError{kind: "States.Runtime", cause: err.Error()}
			}
		}
		return out, next, false, nil

	case StateWait:
		if err := e.wait(ctx, s, effective); err != nil {
			return nil, "", false, err
		}

	case StatePass:
		if len(s.Result) > 0 {
			result = s.Result
			hasResult = true
		} else if len(s.Parameters) > 0 {
			result = effective
			hasResult = true
		}

	case StateTask:
		if e.invoker == nil {
			return nil, "", false, &stateError{kind: "States.TaskFailed", cause: "no task invoker configured"}
		}
		taskCtx := ctx
		if s.TimeoutSeconds != nil {
			var cancel context.CancelFunc
			taskCtx, cancel = context.WithTimeout(ctx, time.Duration(*s.TimeoutSeconds*float64(time.Second)))
			defer cancel()
		}
		payload, err := e.invoker.InvokeTask(taskCtx, s.Resource, effective)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, "", false, &stateError{kind: "States.Timeout", cause: err.Error()}
			}
			return nil, "", false, &stateError{kind: "States.TaskFailed", cause: err.Error()}
		}
		result = payload
		hasResult = true
	}

	// 4. ResultSelector.
	if hasResult && len(s.ResultSelector) > 0 {
		result, err = applyTemplate(s.ResultSelector, result, contextObj)
		if err != nil {
			return nil, "", false, &stateError{kind: "States.ResultPathMatchFailure", cause: err.Error()}
		}
	}

	// 5. ResultPath. Absent replaces the document with the result (when
	// the state produced one); the literal null preserves the input; a
	// path injects into a deep copy of the input.
	out := input
	switch {
	case !hasResult:
		out = effective
	case len(s.ResultPath) == 0:
		out = result
	case isJSONNull(s.ResultPath):
		out = input
	default:
		var pathStr string
		if err := json.Unmarshal(s.ResultPath, &pathStr); err != nil {
			return nil, "", false, &stateError{kind: "States.ResultPathMatchFailure", cause: "ResultPath must be a path string or null"}
		}
		out, err = setAtPath(input, pathStr, result)
		if err != nil {
			return nil, "", false, &stateError{kind: "States.ResultPathMatchFailure", cause: err.Error()}
		}
	}

	// 6. OutputPath.
	if s.OutputPath != nil {
		out, err = applyPath(out, *s.OutputPath)
		if err != nil {
			return nil, "", false, &stateError{kind: "States.Runtime", cause: err.Error()}
		}
	}

	if s.End {
		return out, "", true, nil
	}
	return out, s.Next, false, nil
}

// wait sleeps for the state's delay, honoring cancellation.
func (e *Engine) wait(ctx context.Context, s *State, doc []byte) error {
	var delay time.Duration
	switch {
	case s.Seconds != nil:
		delay = time.Duration(*s.Seconds * float64(time.Second))
	case s.SecondsPath != nil:
		raw, err := applyPath(doc, *s.SecondsPath)
		if err != nil {
			return &stateError{kind: "States.Runtime", cause: err.Error()}
		}
		var secs float64
		if err := json.Unmarshal(raw, &secs); err != nil {
			return &stateError{kind: "States.Runtime", cause: "SecondsPath value is not numeric"}
		}
		delay = time.Duration(secs * float64(time.Second))
	case s.Timestamp != "":
		return e.waitUntil(ctx, s.Timestamp)
	case s.TimestampPath != nil:
		raw, err := applyPath(doc, *s.TimestampPath)
		if err != nil {
			return &stateError{kind: "States.Runtime", cause: err.Error()}
		}
		var ts string
		if err := json.Unmarshal(raw, &ts); err != nil {
			return &stateError{kind: "States.Runtime", cause: "TimestampPath value is not a string"}
		}
		return e.waitUntil(ctx, ts)
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) waitUntil(ctx context.Context, timestamp string) error {
	at, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &stateError{kind: "States.Runtime", cause: "invalid Timestamp: " + err.Error()}
	}
	delay := time.Until(at)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) failWithEvent(exec *Execution, state string, input json.RawMessage, kind, cause string) {
	now := time.Now().UTC()
	e.appendEvent(exec, TransitionEvent{
		StateName: state,
		EnteredAt: now,
		ExitedAt:  now,
		Input:     append(json.RawMessage(nil), input...),
		ErrorKind: kind,
		Cause:     cause,
	})
	e.finish(exec, StatusFailed, nil, kind, cause)
}

func (e *Engine) appendEvent(exec *Execution, event TransitionEvent) {
	e.mu.Lock()
	exec.History = append(exec.History, event)
	e.mu.Unlock()
	metrics.WorkflowTransitions.Inc()
	if l := audit.Default(); l != nil {
		l.LogStateTransition(context.Background(), exec.WorkflowID, exec.ID, event.StateName, event.ErrorKind)
	}
}

func (e *Engine) finish(exec *Execution, status ExecutionStatus, output json.RawMessage, errorKind, cause string) {
	e.mu.Lock()
	if exec.Status == StatusRunning {
		exec.Status = status
		exec.Output = output
		exec.ErrorKind = errorKind
		exec.Cause = cause
		exec.EndedAt = time.Now().UTC()
	}
	e.mu.Unlock()
	metrics.WorkflowExecutions.WithLabelValues(exec.WorkflowID, string(status)).Inc()
	if status == StatusFailed {
		logging.Warn().Str("workflow", exec.WorkflowID).Str("execution", exec.ID).
			Str("error_kind", errorKind).Str("cause", cause).Msg("workflow: execution failed")
	}
}
