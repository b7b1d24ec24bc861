// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package apigateway is the gateway provider: HTTP routes bound to
// functions through the proxy-event transformation (payload formats v1
// and v2), with optional token authentication and Casbin authorization.
package apigateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/harborstackd/harborstackd/internal/authz"
	"github.com/harborstackd/harborstackd/internal/functionruntime"
	"github.com/harborstackd/harborstackd/internal/identity"
	"github.com/harborstackd/harborstackd/internal/logging"
	"github.com/harborstackd/harborstackd/internal/metrics"
	"github.com/harborstackd/harborstackd/internal/middleware"
	svclife "github.com/harborstackd/harborstackd/internal/orchestrator/services"
	"github.com/harborstackd/harborstackd/internal/proxyevent"
	"github.com/harborstackd/harborstackd/internal/wire"
)

// Route binds one method+path template to a function.
type Route struct {
	Method         string
	Path           string // template, e.g. "/items/{id}"
	Function       string
	PayloadVersion int  // 1 or 2; 0 defaults to 2
	Authorized     bool // route requires the authorizer's approval
}

// RawInvoker is the function surface the gateway needs: the full result,
// payload included.
type RawInvoker interface {
	InvokeRaw(ctx context.Context, name string, event []byte) (*functionruntime.InvocationResult, error)
}

// Options tunes the gateway.
type Options struct {
	ProxyConfig proxyevent.Config
	Stage       string
}

// Provider serves one gateway's route table.
type Provider struct {
	addr    string
	opts    Options
	routes  []Route
	invoker RawInvoker
	authz   *authz.Authorizer
	pool    *identity.Pool // may be nil: authorized routes then reject callers presenting a token

	mu       sync.Mutex
	running  bool
	compiled []compiledRoute
	httpSvc  *svclife.HTTPServerService
}

type compiledRoute struct {
	route    Route
	template *wire.PathTemplate
}

// New builds the provider. authorizer and pool may be nil when no route
// declares an authorizer.
func New(addr string, opts Options, routes []Route, invoker RawInvoker, authorizer *authz.Authorizer, pool *identity.Pool) *Provider {
	return &Provider{
		addr:    addr,
		opts:    opts,
		routes:  append([]Route(nil), routes...),
		invoker: invoker,
		authz:   authorizer,
		pool:    pool,
	}
}

// Name implements orchestrator.Provider.
func (p *Provider) Name() string { return "api-gateway" }

// Start compiles the route table. Idempotent.
func (p *Provider) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.compiled = p.compiled[:0]
	for _, r := range p.routes {
		version := r.PayloadVersion
		if version == 0 {
			version = 2
		}
		if version != 1 && version != 2 {
			return errors.New("apigateway: payload version must be 1 or 2")
		}
		tmpl := wire.CompilePathTemplate(r.Method, r.Path, r.Method+" "+r.Path, nil)
		p.compiled = append(p.compiled, compiledRoute{route: r, template: tmpl})
	}

	server := &http.Server{
		Addr:              p.addr,
		Handler:           middleware.RequestID(middleware.PrometheusMetrics(middleware.Performance(p.serveRoute))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.httpSvc = svclife.NewHTTPServerService(server, 10*time.Second)
	p.running = true
	logging.Info().Str("addr", p.addr).Int("routes", len(p.routes)).Msg("apigateway: provider started")
	return nil
}

// Stop is bookkeeping only. Idempotent.
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

// Serve runs the gateway listener under the supervisor.
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
func (p *Provider) String() string { return "api-gateway@" + p.addr }

// serveRoute is the gateway's request path: match, authorize, build the
// proxy event, invoke, translate the response.
func (p *Provider) serveRoute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := wire.RequestIDFromContext(r.Context())

	p.mu.Lock()
	compiled := p.compiled
	p.mu.Unlock()

	var match *compiledRoute
	var params map[string]string
	for i := range compiled {
		if ps, ok := compiled[i].template.Match(r.Method, r.URL.Path); ok {
			match = &compiled[i]
			params = ps
			break
		}
	}
	if match == nil {
		wire.WriteJSONError(w, requestID, wire.NewError(wire.KindNotFound, "no route for "+r.Method+" "+r.URL.Path, nil))
		return
	}

	if match.route.Authorized {
		subject, ok := p.authenticate(r)
		if !ok || p.authz == nil || !p.authz.Allow(subject, r.URL.Path, r.Method) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Amzn-RequestId", requestID)
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"__type":"AccessDeniedException","message":"forbidden"}`))
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		wire.WriteJSONError(w, requestID, wire.NewError(wire.KindValidation, "failed to read request body", err))
		return
	}

	rc := proxyevent.RequestContext{
		RouteKey:   match.route.Method + " " + match.route.Path,
		Resource:   match.route.Path,
		PathParams: params,
		Stage:      p.opts.Stage,
	}
	var event map[string]interface{}
	if match.route.PayloadVersion == 1 {
		event = proxyevent.BuildV1(r, body, rc, p.opts.ProxyConfig)
	} else {
		event = proxyevent.BuildV2(r, body, rc, p.opts.ProxyConfig)
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		wire.WriteJSONError(w, requestID, wire.NewError(wire.KindInternal, "event encoding failed", err))
		return
	}

	result, err := p.invoker.InvokeRaw(r.Context(), match.route.Function, encoded)
	if err != nil {
		kind := wire.KindInternal
		if errors.Is(err, functionruntime.ErrFunctionNotFound) {
			kind = wire.KindNotFound
		}
		wire.WriteJSONError(w, requestID, wire.NewError(kind, err.Error(), err))
		return
	}
	metrics.RecordDispatch("api-gateway", rc.RouteKey, time.Since(start))

	if result.Failed() {
		if result.ErrorKind == functionruntime.ErrKindTimeout {
			wire.WriteJSONError(w, requestID, wire.NewError(wire.KindTimeout, "function timed out", nil))
			return
		}
		// Handler failures surface as a gateway 500 with the handler's
		// message preserved.
		wire.WriteJSONError(w, requestID, wire.NewError(wire.KindHandlerError, result.ErrorMessage, nil))
		return
	}

	resp := proxyevent.ParseResponse(result.Payload, json.Unmarshal)
	if err := proxyevent.WriteResponse(w, resp); err != nil {
		logging.Warn().Str("route", rc.RouteKey).Err(err).Msg("apigateway: response translation failed")
	}
}

// authenticate resolves the caller's subject from a bearer token against
// the identity pool. Anonymous callers get an empty subject (the
// authorizer's default role).
func (p *Provider) authenticate(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", true
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if p.pool == nil {
		return "", false
	}
	claims, err := p.pool.Verify(token)
	if err != nil {
		return "", false
	}
	return claims.Username, true
}
