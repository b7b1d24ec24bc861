// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package eventbus is the event-bus provider: put-events / put-rule /
// put-targets with rule pattern matching, fanning matching events out to
// target functions on one goroutine per target. The push dispatcher built
// by New is not used for this delivery, so its delay does not apply.
package eventbus

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/harborstackd/harborstackd/internal/eventsource"
	"github.com/harborstackd/harborstackd/internal/logging"
	"github.com/harborstackd/harborstackd/internal/metrics"
	"github.com/harborstackd/harborstackd/internal/middleware"
	svclife "github.com/harborstackd/harborstackd/internal/orchestrator/services"
	"github.com/harborstackd/harborstackd/internal/wire"
)

// DefaultBus is the bus every unscoped rule and event lands on.
const DefaultBus = "default"

// Rule is one registered rule on a bus.
type Rule struct {
	Name    string
	Bus     string
	Pattern map[string]interface{}
	Targets []string // function names
	Enabled bool
}

// Provider serves every declared bus.
type Provider struct {
	addr    string
	invoker eventsource.Invoker

	mu       sync.Mutex
	running  bool
	buses    map[string]bool
	rules    map[string]*Rule // keyed bus + "\x00" + name
	dispatch *eventsource.Dispatcher
	httpSvc  *svclife.HTTPServerService
}

// New builds the provider. buses beyond the default come from the
// assembly; invoker delivers events to target functions.
func New(addr string, buses []string, invoker eventsource.Invoker, delay time.Duration) *Provider {
	p := &Provider{
		addr:     addr,
		invoker:  invoker,
		buses:    map[string]bool{DefaultBus: true},
		rules:    make(map[string]*Rule),
		dispatch: eventsource.NewDispatcher(delay),
	}
	for _, b := range buses {
		p.buses[b] = true
	}
	return p
}

// Name implements orchestrator.Provider.
func (p *Provider) Name() string { return "event-bus" }

// Start prepares the wire surface. Idempotent.
func (p *Provider) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	dispatcher := &wire.JSONTargetDispatcher{
		Prefix: "HarborEvents",
		Operations: wire.OperationTable{
			"PutEvents":   p.handlePutEvents,
			"PutRule":     p.handlePutRule,
			"PutTargets":  p.handlePutTargets,
			"ListRules":   p.handleListRules,
			"DeleteRule":  p.handleDeleteRule,
			"DisableRule": p.handleDisableRule,
			"EnableRule":  p.handleEnableRule,
		},
	}
	server := &http.Server{
		Addr:              p.addr,
		Handler:           middleware.RequestID(middleware.PrometheusMetrics(middleware.Performance(dispatcher.ServeHTTP))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.httpSvc = svclife.NewHTTPServerService(server, 10*time.Second)
	p.running = true
	logging.Info().Str("addr", p.addr).Int("buses", len(p.buses)).Msg("eventbus: provider started")
	return nil
}

// Stop closes the dispatcher and marks the provider stopped. Target
// invocations already started by PutEvent are not waited for. Idempotent.
func (p *Provider) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.dispatch.Close()
	p.running = false
	return nil
}

// HealthCheck reports whether the provider is running.
func (p *Provider) HealthCheck(_ context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Reset drops every rule registered at runtime.
func (p *Provider) Reset(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = make(map[string]*Rule)
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
func (p *Provider) String() string { return "event-bus@" + p.addr }

// PutRule registers (or replaces) a rule.
func (p *Provider) PutRule(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("eventbus: rule has no name")
	}
	if rule.Bus == "" {
		rule.Bus = DefaultBus
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.buses[rule.Bus] {
		return fmt.Errorf("eventbus: unknown bus %q", rule.Bus)
	}
	key := rule.Bus + "\x00" + rule.Name
	if existing, ok := p.rules[key]; ok && rule.Targets == nil {
		rule.Targets = existing.Targets
	}
	p.rules[key] = &rule
	return nil
}

// PutTargets appends target functions to an existing rule.
func (p *Provider) PutTargets(bus, ruleName string, targets []string) error {
	if bus == "" {
		bus = DefaultBus
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rule, ok := p.rules[bus+"\x00"+ruleName]
	if !ok {
		return fmt.Errorf("eventbus: unknown rule %q on bus %q", ruleName, bus)
	}
	rule.Targets = append(rule.Targets, targets...)
	return nil
}

// PutEvent evaluates every enabled rule on the event's bus and invokes
// each matching rule's targets, one independent task per target. The
// dispatch order across matching rules is unspecified.
func (p *Provider) PutEvent(ctx context.Context, bus string, event map[string]interface{}) (string, error) {
	if bus == "" {
		bus = DefaultBus
	}
	p.mu.Lock()
	if !p.buses[bus] {
		p.mu.Unlock()
		return "", fmt.Errorf("eventbus: unknown bus %q", bus)
	}
	eventID := uuid.NewString()
	var matched []*Rule
	for _, rule := range p.rules {
		if rule.Bus != bus || !rule.Enabled {
			continue
		}
		if eventsource.MatchPattern(rule.Pattern, event) {
			matched = append(matched, rule)
			metrics.RuleMatches.WithLabelValues(bus, rule.Name).Inc()
		}
	}
	p.mu.Unlock()

	if len(matched) == 0 {
		return eventID, nil
	}

	envelope := map[string]interface{}{}
	for k, v := range event {
		envelope[k] = v
	}
	envelope["id"] = eventID
	envelope["eventBusName"] = bus
	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("eventbus: encode event: %w", err)
	}

	for _, rule := range matched {
		for _, target := range rule.Targets {
			rule, target := rule, target
			go func() {
				result, err := p.invoker.Invoke(context.WithoutCancel(ctx), target, payload)
				if err != nil || !result.OK {
					logging.Warn().Str("bus", bus).Str("rule", rule.Name).Str("target", target).
						Err(err).Str("error_kind", result.ErrorKind).
						Msg("eventbus: target invocation failed")
				}
			}()
		}
	}
	return eventID, nil
}

// Wire handlers.

func (p *Provider) handlePutEvents(req *wire.Request) (*wire.Response, error) {
	entries, ok := req.Body.Fields["Entries"].([]interface{})
	if !ok || len(entries) == 0 {
		return nil, wire.NewError(wire.KindValidation, "Entries is required", nil)
	}
	results := make([]interface{}, 0, len(entries))
	for _, raw := range entries {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			return nil, wire.NewError(wire.KindValidation, "malformed entry", nil)
		}
		bus, _ := entry["EventBusName"].(string)
		event := map[string]interface{}{}
		if s, ok := entry["Source"].(string); ok {
			event["source"] = s
		}
		if s, ok := entry["DetailType"].(string); ok {
			event["detail-type"] = s
		}
		if s, ok := entry["Detail"].(string); ok {
			var detail map[string]interface{}
			if err := json.Unmarshal([]byte(s), &detail); err != nil {
				return nil, wire.NewError(wire.KindValidation, "Detail is not a JSON object", err)
			}
			event["detail"] = detail
		}
		id, err := p.PutEvent(req.Context, bus, event)
		if err != nil {
			return nil, wire.NewError(wire.KindNotFound, err.Error(), err)
		}
		results = append(results, map[string]interface{}{"EventId": id})
	}
	return &wire.Response{Fields: map[string]interface{}{"Entries": results, "FailedEntryCount": 0}}, nil
}

func (p *Provider) handlePutRule(req *wire.Request) (*wire.Response, error) {
	name, _ := req.Body.Fields["Name"].(string)
	bus, _ := req.Body.Fields["EventBusName"].(string)
	patternStr, _ := req.Body.Fields["EventPattern"].(string)
	var pattern map[string]interface{}
	if patternStr != "" {
		if err := json.Unmarshal([]byte(patternStr), &pattern); err != nil {
			return nil, wire.NewError(wire.KindValidation, "EventPattern is not a JSON object", err)
		}
	}
	rule := Rule{Name: name, Bus: bus, Pattern: pattern, Enabled: true}
	if state, ok := req.Body.Fields["State"].(string); ok {
		rule.Enabled = state != "DISABLED"
	}
	if err := p.PutRule(rule); err != nil {
		return nil, wire.NewError(wire.KindValidation, err.Error(), err)
	}
	if bus == "" {
		bus = DefaultBus
	}
	return &wire.Response{Fields: map[string]interface{}{
		"RuleArn": "arn:local:eventbus:local:000000000000:rule/" + bus + "/" + name,
	}}, nil
}

func (p *Provider) handlePutTargets(req *wire.Request) (*wire.Response, error) {
	name, _ := req.Body.Fields["Rule"].(string)
	bus, _ := req.Body.Fields["EventBusName"].(string)
	rawTargets, _ := req.Body.Fields["Targets"].([]interface{})
	var targets []string
	for _, raw := range rawTargets {
		if m, ok := raw.(map[string]interface{}); ok {
			if fn, ok := m["FunctionName"].(string); ok {
				targets = append(targets, fn)
			}
		}
	}
	if err := p.PutTargets(bus, name, targets); err != nil {
		return nil, wire.NewError(wire.KindNotFound, err.Error(), err)
	}
	return &wire.Response{Fields: map[string]interface{}{"FailedEntryCount": 0}}, nil
}

func (p *Provider) handleListRules(req *wire.Request) (*wire.Response, error) {
	bus, _ := req.Body.Fields["EventBusName"].(string)
	if bus == "" {
		bus = DefaultBus
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var rules []interface{}
	for _, rule := range p.rules {
		if rule.Bus != bus {
			continue
		}
		state := "ENABLED"
		if !rule.Enabled {
			state = "DISABLED"
		}
		encoded, _ := json.Marshal(rule.Pattern)
		rules = append(rules, map[string]interface{}{
			"Name":         rule.Name,
			"EventPattern": string(encoded),
			"State":        state,
		})
	}
	return &wire.Response{Fields: map[string]interface{}{"Rules": rules}}, nil
}

func (p *Provider) handleDeleteRule(req *wire.Request) (*wire.Response, error) {
	name, _ := req.Body.Fields["Name"].(string)
	bus, _ := req.Body.Fields["EventBusName"].(string)
	if bus == "" {
		bus = DefaultBus
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rules, bus+"\x00"+name)
	return &wire.Response{Fields: map[string]interface{}{}}, nil
}

func (p *Provider) setRuleState(req *wire.Request, enabled bool) (*wire.Response, error) {
	name, _ := req.Body.Fields["Name"].(string)
	bus, _ := req.Body.Fields["EventBusName"].(string)
	if bus == "" {
		bus = DefaultBus
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rule, ok := p.rules[bus+"\x00"+name]
	if !ok {
		return nil, wire.NewError(wire.KindNotFound, "unknown rule "+name, nil)
	}
	rule.Enabled = enabled
	return &wire.Response{Fields: map[string]interface{}{}}, nil
}

func (p *Provider) handleDisableRule(req *wire.Request) (*wire.Response, error) {
	return p.setRuleState(req, false)
}

func (p *Provider) handleEnableRule(req *wire.Request) (*wire.Response, error) {
	return p.setRuleState(req, true)
}
