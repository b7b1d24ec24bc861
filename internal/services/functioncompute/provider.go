// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package functioncompute is the function provider: registration and
// on-demand invocation through the subprocess/container runtime, served
// on the REST-path dialect.
package functioncompute

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/harborstackd/harborstackd/internal/eventsource"
	"github.com/harborstackd/harborstackd/internal/functionruntime"
	"github.com/harborstackd/harborstackd/internal/logging"
	"github.com/harborstackd/harborstackd/internal/middleware"
	svclife "github.com/harborstackd/harborstackd/internal/orchestrator/services"
	"github.com/harborstackd/harborstackd/internal/wire"
)

// Provider serves every declared function.
type Provider struct {
	addr      string
	functions []functionruntime.Function
	registry  *functionruntime.Registry

	mu      sync.Mutex
	running bool
	httpSvc *svclife.HTTPServerService
}

// New builds the provider; declared functions are prepared on Start.
func New(addr string, opts functionruntime.Options, functions []functionruntime.Function) *Provider {
	return &Provider{
		addr:      addr,
		functions: append([]functionruntime.Function(nil), functions...),
		registry:  functionruntime.NewRegistry(opts),
	}
}

// Name implements orchestrator.Provider.
func (p *Provider) Name() string { return "function-compute" }

// Start registers (and thereby prepares) every declared function.
// A function whose prerequisites are missing fails the whole provider,
// which the orchestrator treats as fatal. Idempotent.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	for _, fn := range p.functions {
		if err := p.registry.Register(ctx, fn); err != nil {
			return err
		}
	}

	router := wire.NewRouter()
	router.Add(wire.CompilePathTemplate(http.MethodPost, "/2015-03-31/functions/{name}/invocations", "Invoke", p.handleInvoke))
	router.Add(wire.CompilePathTemplate(http.MethodGet, "/2015-03-31/functions", "ListFunctions", p.handleList))
	router.Add(wire.CompilePathTemplate(http.MethodGet, "/2015-03-31/functions/{name}", "GetFunction", p.handleGet))
	dispatcher := &wire.RESTDispatcher{Router: router}
	server := &http.Server{
		Addr:              p.addr,
		Handler:           middleware.RequestID(middleware.PrometheusMetrics(middleware.Performance(dispatcher.ServeHTTP))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.httpSvc = svclife.NewHTTPServerService(server, 10*time.Second)
	p.running = true
	logging.Info().Str("addr", p.addr).Int("functions", len(p.functions)).Msg("functioncompute: provider started")
	return nil
}

// Stop is bookkeeping only; in-flight invocations run to their own
// deadlines. Idempotent.
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
func (p *Provider) String() string { return "function-compute@" + p.addr }

// InvokeRaw runs a function and returns the full result, for callers
// that need the payload (gateways, workflow tasks).
func (p *Provider) InvokeRaw(ctx context.Context, name string, event []byte) (*functionruntime.InvocationResult, error) {
	return p.registry.Invoke(ctx, name, event)
}

// Invoke implements eventsource.Invoker for pollers, dispatchers and
// bus targets.
func (p *Provider) Invoke(ctx context.Context, name string, event []byte) (eventsource.InvokeResult, error) {
	res, err := p.registry.Invoke(ctx, name, event)
	if err != nil {
		return eventsource.InvokeResult{}, err
	}
	return eventsource.InvokeResult{
		OK:           !res.Failed(),
		ErrorKind:    res.ErrorKind,
		ErrorMessage: res.ErrorMessage,
	}, nil
}

// InvokeTask implements workflow.TaskInvoker: Task state resources are
// function names or function ARNs.
func (p *Provider) InvokeTask(ctx context.Context, resource string, input []byte) ([]byte, error) {
	name := resource
	if i := strings.LastIndexByte(resource, ':'); i >= 0 {
		name = resource[i+1:]
	}
	res, err := p.registry.Invoke(ctx, name, input)
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return nil, errors.New(res.ErrorKind + ": " + res.ErrorMessage)
	}
	return res.Payload, nil
}

// Functions lists registered names.
func (p *Provider) Functions() []string { return p.registry.Functions() }

func (p *Provider) handleInvoke(req *wire.Request) (*wire.Response, error) {
	name := req.PathParams["name"]
	res, err := p.registry.Invoke(req.Context, name, req.Body.Raw)
	if err != nil {
		if errors.Is(err, functionruntime.ErrFunctionNotFound) {
			return nil, wire.NewError(wire.KindNotFound, "function not found: "+name, err)
		}
		return nil, wire.NewError(wire.KindInternal, err.Error(), err)
	}
	headers := http.Header{}
	if res.Failed() {
		headers.Set("X-Function-Error", res.ErrorKind)
		body, _ := marshalError(res)
		return &wire.Response{StatusCode: http.StatusOK, Raw: body, ContentType: "application/json", Headers: headers}, nil
	}
	return &wire.Response{StatusCode: http.StatusOK, Raw: res.Payload, ContentType: "application/json"}, nil
}

func marshalError(res *functionruntime.InvocationResult) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"errorMessage": res.ErrorMessage,
		"errorType":    res.ErrorType,
	})
}

func (p *Provider) handleList(req *wire.Request) (*wire.Response, error) {
	names := p.registry.Functions()
	entries := make([]interface{}, 0, len(names))
	for _, name := range names {
		fn, _ := p.registry.Lookup(name)
		entries = append(entries, map[string]interface{}{
			"FunctionName": fn.Name,
			"Runtime":      fn.Runtime,
			"Handler":      fn.Handler,
			"Timeout":      int(fn.Timeout.Seconds()),
			"MemorySize":   fn.MemoryMB,
		})
	}
	return &wire.Response{Fields: map[string]interface{}{"Functions": entries}}, nil
}

func (p *Provider) handleGet(req *wire.Request) (*wire.Response, error) {
	fn, ok := p.registry.Lookup(req.PathParams["name"])
	if !ok {
		return nil, wire.NewError(wire.KindNotFound, "function not found", nil)
	}
	return &wire.Response{Fields: map[string]interface{}{
		"FunctionName": fn.Name,
		"Runtime":      fn.Runtime,
		"Handler":      fn.Handler,
		"Timeout":      int(fn.Timeout.Seconds()),
		"MemorySize":   fn.MemoryMB,
	}}, nil
}
