// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package functionruntime executes declared functions as child
// processes: the event rides in as JSON on standard input, the result
// comes back as JSON on standard output, and the runtime enforces the
// function's deadline with a graceful-then-forced kill.
package functionruntime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/harborstackd/harborstackd/internal/audit"
	"github.com/harborstackd/harborstackd/internal/logging"
	"github.com/harborstackd/harborstackd/internal/metrics"
)

// Error kinds carried on InvocationResult.ErrorKind.
const (
	ErrKindTimeout    = "timeout"
	ErrKindParseError = "parse-error"
	ErrKindHandler    = "handler-error"
	ErrKindRuntime    = "runtime-error"
	ErrKindThrottled  = "throttled"
)

// ErrFunctionNotFound is returned by Invoke for an unregistered name.
var ErrFunctionNotFound = errors.New("functionruntime: function not found")

// Function is one declared function, compiled to a strategy at register
// time and invoked on demand.
type Function struct {
	Name        string
	Runtime     string // runtime identifier, e.g. "python3.12", "nodejs20.x"
	Handler     string
	CodePath    string
	Environment map[string]string
	Timeout     time.Duration
	MemoryMB    int
	Image       string // container strategy only
}

// InvocationContext travels with one invocation.
type InvocationContext struct {
	RequestID    string
	Deadline     time.Time
	FunctionARN  string
	MemoryMB     int
	EnvOverrides map[string]string
}

// InvocationResult is exactly one of payload or error descriptor.
type InvocationResult struct {
	Payload      []byte
	ErrorKind    string
	ErrorMessage string
	ErrorType    string
	StackTrace   []string
	Duration     time.Duration
	RequestID    string
}

// Failed reports whether the result carries an error descriptor.
func (r *InvocationResult) Failed() bool { return r.ErrorKind != "" }

// ExecutionStrategy is the per-function execution contract.
type ExecutionStrategy interface {
	// Prepare verifies prerequisites (interpreter on PATH, image
	// available) and fails registration when they are missing.
	Prepare(ctx context.Context) error

	// Invoke runs the function once. The returned result carries either
	// a payload or an error descriptor; transport-level failures (could
	// not even spawn the child) come back as an error.
	Invoke(ctx context.Context, event []byte, ictx InvocationContext) (*InvocationResult, error)
}

// Options tunes the registry.
type Options struct {
	DefaultTimeout   time.Duration
	KillGracePeriod  time.Duration
	BreakerMaxFails  uint32
	BreakerTimeout   time.Duration
	ServiceEndpoints map[string]string // service name -> local URL, injected into every child
}

type registered struct {
	fn       Function
	strategy ExecutionStrategy
	breaker  *gobreaker.CircuitBreaker[*InvocationResult]
}

// Registry holds every registered function and its strategy.
type Registry struct {
	opts Options

	mu        sync.RWMutex
	functions map[string]*registered
}

// NewRegistry builds a Registry.
func NewRegistry(opts Options) *Registry {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.KillGracePeriod <= 0 {
		opts.KillGracePeriod = time.Second
	}
	if opts.BreakerMaxFails == 0 {
		opts.BreakerMaxFails = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	return &Registry{opts: opts, functions: make(map[string]*registered)}
}

// Register binds fn to an execution strategy chosen from its declaration
// (container when an image is named, native subprocess otherwise),
// prepares it, and makes it invocable. Registering the same name again
// replaces the binding.
func (r *Registry) Register(ctx context.Context, fn Function) error {
	if fn.Name == "" {
		return errors.New("functionruntime: function has no name")
	}
	if fn.Timeout <= 0 {
		fn.Timeout = r.opts.DefaultTimeout
	}

	var strategy ExecutionStrategy
	if fn.Image != "" {
		strategy = &ContainerStrategy{Function: fn, KillGrace: r.opts.KillGracePeriod}
	} else {
		strategy = &SubprocessStrategy{Function: fn, KillGrace: r.opts.KillGracePeriod}
	}
	if err := strategy.Prepare(ctx); err != nil {
		return fmt.Errorf("functionruntime: prepare %q: %w", fn.Name, err)
	}

	breaker := gobreaker.NewCircuitBreaker[*InvocationResult](gobreaker.Settings{
		Name: "invoke-" + fn.Name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.opts.BreakerMaxFails
		},
		Timeout: r.opts.BreakerTimeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("functionruntime: circuit breaker state change")
		},
	})

	r.mu.Lock()
	r.functions[fn.Name] = &registered{fn: fn, strategy: strategy, breaker: breaker}
	r.mu.Unlock()
	logging.Info().Str("function", fn.Name).Str("runtime", fn.Runtime).Msg("functionruntime: function registered")
	return nil
}

// Functions lists registered names.
func (r *Registry) Functions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.functions))
	for name := range r.functions {
		out = append(out, name)
	}
	return out
}

// Lookup returns the declaration for name.
func (r *Registry) Lookup(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.functions[name]
	if !ok {
		return Function{}, false
	}
	return reg.fn, true
}

// Invoke runs name with event. The function's own timeout bounds the
// child (layered under any caller deadline); repeated failures trip the
// per-function circuit breaker, which then fails fast with a throttled
// result until its cool-down lapses.
func (r *Registry) Invoke(ctx context.Context, name string, event []byte) (*InvocationResult, error) {
	r.mu.RLock()
	reg, ok := r.functions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFunctionNotFound, name)
	}

	ictx := InvocationContext{
		RequestID:    uuid.NewString(),
		Deadline:     time.Now().Add(reg.fn.Timeout),
		FunctionARN:  "arn:local:function:local:000000000000:function:" + name,
		MemoryMB:     reg.fn.MemoryMB,
		EnvOverrides: r.opts.ServiceEndpoints,
	}

	metrics.InvocationsInFlight.Inc()
	defer metrics.InvocationsInFlight.Dec()
	start := time.Now()

	result, err := reg.breaker.Execute(func() (*InvocationResult, error) {
		res, err := reg.strategy.Invoke(ctx, event, ictx)
		if err != nil {
			return nil, err
		}
		// A handler-level error payload counts against the breaker too:
		// a crash-looping child should stop being hammered.
		if res.Failed() {
			return res, fmt.Errorf("functionruntime: %s: %s", res.ErrorKind, res.ErrorMessage)
		}
		return res, nil
	})
	elapsed := time.Since(start)

	if err != nil {
		if result != nil {
			// The child produced a structured error descriptor.
			metrics.RecordInvocation(name, elapsed, result.ErrorKind)
			auditInvocation(ctx, name, result.ErrorKind, elapsed)
			return result, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RecordInvocation(name, elapsed, ErrKindThrottled)
			return &InvocationResult{
				ErrorKind:    ErrKindThrottled,
				ErrorMessage: "invocation suppressed by circuit breaker",
				Duration:     elapsed,
				RequestID:    ictx.RequestID,
			}, nil
		}
		metrics.RecordInvocation(name, elapsed, ErrKindRuntime)
		return nil, err
	}

	metrics.RecordInvocation(name, elapsed, "")
	auditInvocation(ctx, name, "", elapsed)
	return result, nil
}

func auditInvocation(ctx context.Context, name, errKind string, d time.Duration) {
	if l := audit.Default(); l != nil {
		l.LogInvocation(ctx, name, errKind, d.Milliseconds())
	}
}

// Remove drops a registration.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.functions, name)
}

// parseResult interprets the child's standard output. A well-formed
// child emits {"result": ...} or {"error": {...}}; anything else is a
// parse error with the raw bytes preserved in the message.
func parseResult(stdout []byte, ictx InvocationContext, elapsed time.Duration) *InvocationResult {
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			ErrorMessage string   `json:"errorMessage"`
			ErrorType    string   `json:"errorType"`
			StackTrace   []string `json:"stackTrace"`
		} `json:"error"`
	}
	if err := json.Unmarshal(stdout, &envelope); err != nil || (envelope.Result == nil && envelope.Error == nil) {
		return &InvocationResult{
			ErrorKind:    ErrKindParseError,
			ErrorMessage: fmt.Sprintf("malformed function output: %q", truncate(stdout, 512)),
			Duration:     elapsed,
			RequestID:    ictx.RequestID,
		}
	}
	if envelope.Error != nil {
		return &InvocationResult{
			ErrorKind:    ErrKindHandler,
			ErrorMessage: envelope.Error.ErrorMessage,
			ErrorType:    envelope.Error.ErrorType,
			StackTrace:   envelope.Error.StackTrace,
			Duration:     elapsed,
			RequestID:    ictx.RequestID,
		}
	}
	return &InvocationResult{
		Payload:   envelope.Result,
		Duration:  elapsed,
		RequestID: ictx.RequestID,
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
