// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workflowsvc is the workflow provider: state-machine
// registration and execution over the interpreter engine, served on the
// JSON-target dialect.
package workflowsvc

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/harborstackd/harborstackd/internal/logging"
	"github.com/harborstackd/harborstackd/internal/middleware"
	svclife "github.com/harborstackd/harborstackd/internal/orchestrator/services"
	"github.com/harborstackd/harborstackd/internal/wire"
	"github.com/harborstackd/harborstackd/internal/workflow"
)

// Declaration is one state machine from the assembly.
type Declaration struct {
	Name       string
	Definition []byte
	Express    bool
}

// Provider serves every declared workflow.
type Provider struct {
	addr   string
	decls  []Declaration
	engine *workflow.Engine

	mu      sync.Mutex
	running bool
	express map[string]bool
	httpSvc *svclife.HTTPServerService
}

// New builds the provider; invoker backs Task states.
func New(addr string, invoker workflow.TaskInvoker, decls []Declaration) *Provider {
	return &Provider{
		addr:    addr,
		decls:   append([]Declaration(nil), decls...),
		engine:  workflow.NewEngine(invoker),
		express: make(map[string]bool),
	}
}

// Name implements orchestrator.Provider.
func (p *Provider) Name() string { return "workflow" }

// Start parses and registers every declared definition. Idempotent.
func (p *Provider) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	for _, d := range p.decls {
		if err := p.engine.Register(d.Name, d.Definition); err != nil {
			return err
		}
		p.express[d.Name] = d.Express
	}

	dispatcher := &wire.JSONTargetDispatcher{
		Prefix: "HarborWorkflow",
		Operations: wire.OperationTable{
			"CreateStateMachine":  p.handleCreate,
			"StartExecution":      p.handleStartExecution,
			"StartSyncExecution":  p.handleStartSyncExecution,
			"DescribeExecution":   p.handleDescribeExecution,
			"StopExecution":       p.handleStopExecution,
			"GetExecutionHistory": p.handleGetHistory,
			"ListStateMachines":   p.handleListMachines,
			"ListExecutions":      p.handleListExecutions,
		},
	}
	server := &http.Server{
		Addr:              p.addr,
		Handler:           middleware.RequestID(middleware.PrometheusMetrics(middleware.Performance(dispatcher.ServeHTTP))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.httpSvc = svclife.NewHTTPServerService(server, 10*time.Second)
	p.running = true
	logging.Info().Str("addr", p.addr).Int("workflows", len(p.decls)).Msg("workflowsvc: provider started")
	return nil
}

// Stop is bookkeeping; running standard executions keep their goroutines
// until they terminate or the process exits (executions are in-memory
// only). Idempotent.
func (p *Provider) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	return nil
}

// HealthCheck reports whether the provider is running.
func (p *Provider) HealthCheck(_ context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Reset drops terminated executions.
func (p *Provider) Reset(_ context.Context) error {
	p.engine.Reset()
	return nil
}

// Serve runs the wire surface under the supervisor.
func (p *Provider) Serve(ctx context.Context) error {
	p.mu.Lock()
	svc := p.httpSvc
	p.mu.Unlock()
	if svc == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return svc.Serve(ctx)
}

// String names the supervised service.
func (p *Provider) String() string { return "workflow@" + p.addr }

// Engine exposes the interpreter to in-process callers.
func (p *Provider) Engine() *workflow.Engine { return p.engine }

// StartExecution runs workflowID per its declared mode.
func (p *Provider) StartExecution(ctx context.Context, workflowID string, input []byte) (*workflow.Execution, error) {
	p.mu.Lock()
	express := p.express[workflowID]
	p.mu.Unlock()
	mode := workflow.ModeStandard
	if express {
		mode = workflow.ModeExpress
	}
	return p.engine.Start(ctx, workflowID, input, mode)
}

func (p *Provider) handleCreate(req *wire.Request) (*wire.Response, error) {
	name, _ := req.Body.Fields["Name"].(string)
	definition, _ := req.Body.Fields["Definition"].(string)
	if name == "" || definition == "" {
		return nil, wire.NewError(wire.KindValidation, "Name and Definition are required", nil)
	}
	if err := p.engine.Register(name, []byte(definition)); err != nil {
		return nil, wire.NewError(wire.KindValidation, err.Error(), err)
	}
	p.mu.Lock()
	if kind, ok := req.Body.Fields["Type"].(string); ok {
		p.express[name] = kind == "EXPRESS"
	}
	p.mu.Unlock()
	return &wire.Response{Fields: map[string]interface{}{
		"StateMachineArn": "arn:local:workflow:local:000000000000:stateMachine:" + name,
	}}, nil
}

func machineFromArn(fields map[string]interface{}, key string) string {
	s, _ := fields[key].(string)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return s[i+1:]
		}
	}
	return s
}

func (p *Provider) handleStartExecution(req *wire.Request) (*wire.Response, error) {
	name := machineFromArn(req.Body.Fields, "StateMachineArn")
	input, _ := req.Body.Fields["Input"].(string)
	exec, err := p.engine.Start(req.Context, name, []byte(input), workflow.ModeStandard)
	if err != nil {
		return nil, wire.NewError(wire.KindNotFound, err.Error(), err)
	}
	return &wire.Response{Fields: map[string]interface{}{
		"ExecutionArn": executionArn(name, exec.ID),
		"StartDate":    exec.StartedAt.Format(time.RFC3339Nano),
	}}, nil
}

func (p *Provider) handleStartSyncExecution(req *wire.Request) (*wire.Response, error) {
	name := machineFromArn(req.Body.Fields, "StateMachineArn")
	input, _ := req.Body.Fields["Input"].(string)
	exec, err := p.engine.Start(req.Context, name, []byte(input), workflow.ModeExpress)
	if err != nil {
		return nil, wire.NewError(wire.KindNotFound, err.Error(), err)
	}
	fields := map[string]interface{}{
		"ExecutionArn": executionArn(name, exec.ID),
		"Status":       string(exec.Status),
		"StartDate":    exec.StartedAt.Format(time.RFC3339Nano),
		"StopDate":     exec.EndedAt.Format(time.RFC3339Nano),
	}
	if exec.Status == workflow.StatusSucceeded {
		fields["Output"] = string(exec.Output)
	} else {
		fields["Error"] = exec.ErrorKind
		fields["Cause"] = exec.Cause
	}
	return &wire.Response{Fields: fields}, nil
}

func executionID(fields map[string]interface{}) string {
	s, _ := fields["ExecutionArn"].(string)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return s[i+1:]
		}
	}
	return s
}

func executionArn(workflowID, execID string) string {
	return "arn:local:workflow:local:000000000000:execution:" + workflowID + ":" + execID
}

func (p *Provider) handleDescribeExecution(req *wire.Request) (*wire.Response, error) {
	exec, err := p.engine.Describe(executionID(req.Body.Fields))
	if err != nil {
		if errors.Is(err, workflow.ErrExecutionNotFound) {
			return nil, wire.NewError(wire.KindNotFound, "execution not found", err)
		}
		return nil, wire.NewError(wire.KindInternal, err.Error(), err)
	}
	fields := map[string]interface{}{
		"ExecutionArn": executionArn(exec.WorkflowID, exec.ID),
		"Status":       string(exec.Status),
		"Input":        string(exec.Input),
		"StartDate":    exec.StartedAt.Format(time.RFC3339Nano),
	}
	if !exec.EndedAt.IsZero() {
		fields["StopDate"] = exec.EndedAt.Format(time.RFC3339Nano)
	}
	if exec.Output != nil {
		fields["Output"] = string(exec.Output)
	}
	if exec.ErrorKind != "" {
		fields["Error"] = exec.ErrorKind
		fields["Cause"] = exec.Cause
	}
	return &wire.Response{Fields: fields}, nil
}

func (p *Provider) handleStopExecution(req *wire.Request) (*wire.Response, error) {
	cause, _ := req.Body.Fields["Cause"].(string)
	if err := p.engine.Stop(executionID(req.Body.Fields), cause); err != nil {
		if errors.Is(err, workflow.ErrExecutionNotFound) {
			return nil, wire.NewError(wire.KindNotFound, "execution not found", err)
		}
		return nil, wire.NewError(wire.KindInternal, err.Error(), err)
	}
	return &wire.Response{Fields: map[string]interface{}{
		"StopDate": time.Now().UTC().Format(time.RFC3339Nano),
	}}, nil
}

func (p *Provider) handleGetHistory(req *wire.Request) (*wire.Response, error) {
	exec, err := p.engine.Describe(executionID(req.Body.Fields))
	if err != nil {
		if errors.Is(err, workflow.ErrExecutionNotFound) {
			return nil, wire.NewError(wire.KindNotFound, "execution not found", err)
		}
		return nil, wire.NewError(wire.KindInternal, err.Error(), err)
	}
	events := make([]interface{}, 0, len(exec.History))
	for _, ev := range exec.History {
		encoded, _ := json.Marshal(ev)
		var entry map[string]interface{}
		_ = json.Unmarshal(encoded, &entry)
		events = append(events, entry)
	}
	return &wire.Response{Fields: map[string]interface{}{"Events": events}}, nil
}

func (p *Provider) handleListMachines(req *wire.Request) (*wire.Response, error) {
	names := p.engine.Machines()
	machines := make([]interface{}, 0, len(names))
	for _, name := range names {
		machines = append(machines, map[string]interface{}{
			"Name":            name,
			"StateMachineArn": "arn:local:workflow:local:000000000000:stateMachine:" + name,
		})
	}
	return &wire.Response{Fields: map[string]interface{}{"StateMachines": machines}}, nil
}

func (p *Provider) handleListExecutions(req *wire.Request) (*wire.Response, error) {
	name := machineFromArn(req.Body.Fields, "StateMachineArn")
	execs := p.engine.Executions(name)
	entries := make([]interface{}, 0, len(execs))
	for _, exec := range execs {
		entries = append(entries, map[string]interface{}{
			"ExecutionArn": executionArn(exec.WorkflowID, exec.ID),
			"Status":       string(exec.Status),
			"StartDate":    exec.StartedAt.Format(time.RFC3339Nano),
		})
	}
	return &wire.Response{Fields: map[string]interface{}{"Executions": entries}}, nil
}
