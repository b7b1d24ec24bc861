// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package identitypool is the identity provider: local sign-up,
// credential exchange and token verification, served on the JSON-target
// dialect.
package identitypool

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/harborstackd/harborstackd/internal/identity"
	"github.com/harborstackd/harborstackd/internal/logging"
	"github.com/harborstackd/harborstackd/internal/middleware"
	svclife "github.com/harborstackd/harborstackd/internal/orchestrator/services"
	"github.com/harborstackd/harborstackd/internal/wire"
)

// Provider serves one identity pool.
type Provider struct {
	addr string
	pool *identity.Pool

	mu      sync.Mutex
	running bool
	httpSvc *svclife.HTTPServerService
}

// New builds the provider over an already-constructed pool.
func New(addr string, pool *identity.Pool) *Provider {
	return &Provider{addr: addr, pool: pool}
}

// Name implements orchestrator.Provider.
func (p *Provider) Name() string { return "identity-pool" }

// Start prepares the wire surface. Idempotent.
func (p *Provider) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	dispatcher := &wire.JSONTargetDispatcher{
		Prefix: "HarborIdentity",
		Operations: wire.OperationTable{
			"SignUp":       p.handleSignUp,
			"InitiateAuth": p.handleInitiateAuth,
			"GetUser":      p.handleGetUser,
		},
	}
	server := &http.Server{
		Addr:              p.addr,
		Handler:           middleware.RequestID(middleware.PrometheusMetrics(middleware.Performance(dispatcher.ServeHTTP))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.httpSvc = svclife.NewHTTPServerService(server, 10*time.Second)
	p.running = true
	logging.Info().Str("addr", p.addr).Str("pool", p.pool.ID()).Msg("identitypool: provider started")
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

// Reset drops every registered user.
func (p *Provider) Reset(_ context.Context) error {
	p.pool.Reset()
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
func (p *Provider) String() string { return "identity-pool@" + p.addr }

// Pool exposes the pool to in-process callers (the gateway authorizer).
func (p *Provider) Pool() *identity.Pool { return p.pool }

func (p *Provider) handleSignUp(req *wire.Request) (*wire.Response, error) {
	username, _ := req.Body.Fields["Username"].(string)
	password, _ := req.Body.Fields["Password"].(string)
	var groups []string
	if raw, ok := req.Body.Fields["Groups"].([]interface{}); ok {
		for _, g := range raw {
			if s, ok := g.(string); ok {
				groups = append(groups, s)
			}
		}
	}
	if err := p.pool.SignUp(username, password, groups); err != nil {
		if errors.Is(err, identity.ErrUserExists) {
			return nil, wire.NewError(wire.KindConflict, "user already exists", err)
		}
		return nil, wire.NewError(wire.KindValidation, err.Error(), err)
	}
	return &wire.Response{Fields: map[string]interface{}{"UserConfirmed": true}}, nil
}

func (p *Provider) handleInitiateAuth(req *wire.Request) (*wire.Response, error) {
	username, _ := req.Body.Fields["Username"].(string)
	password, _ := req.Body.Fields["Password"].(string)
	token, err := p.pool.Authenticate(username, password)
	if err != nil {
		return nil, wire.NewError(wire.KindValidation, "invalid credentials", err)
	}
	return &wire.Response{Fields: map[string]interface{}{
		"AuthenticationResult": map[string]interface{}{
			"AccessToken": token,
			"TokenType":   "Bearer",
		},
	}}, nil
}

func (p *Provider) handleGetUser(req *wire.Request) (*wire.Response, error) {
	token, _ := req.Body.Fields["AccessToken"].(string)
	claims, err := p.pool.Verify(token)
	if err != nil {
		return nil, wire.NewError(wire.KindValidation, "invalid token", err)
	}
	return &wire.Response{Fields: map[string]interface{}{
		"Username": claims.Username,
		"Groups":   claims.Groups,
	}}, nil
}
