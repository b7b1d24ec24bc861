// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package app composes a runnable emulator from a parsed assembly: it
// registers concrete names, resolves intrinsics, constructs one provider
// per resource kind, binds them to the application graph, and wires the
// event sources the resources declare.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/thejerf/suture/v4"

	"github.com/harborstackd/harborstackd/internal/assembly"
	"github.com/harborstackd/harborstackd/internal/audit"
	"github.com/harborstackd/harborstackd/internal/authz"
	"github.com/harborstackd/harborstackd/internal/config"
	"github.com/harborstackd/harborstackd/internal/eventsource"
	"github.com/harborstackd/harborstackd/internal/functionruntime"
	"github.com/harborstackd/harborstackd/internal/graph"
	"github.com/harborstackd/harborstackd/internal/identity"
	"github.com/harborstackd/harborstackd/internal/intrinsics"
	"github.com/harborstackd/harborstackd/internal/logging"
	"github.com/harborstackd/harborstackd/internal/mgmt"
	"github.com/harborstackd/harborstackd/internal/orchestrator"
	svclife "github.com/harborstackd/harborstackd/internal/orchestrator/services"
	svcapigw "github.com/harborstackd/harborstackd/internal/services/apigateway"
	svceventbus "github.com/harborstackd/harborstackd/internal/services/eventbus"
	svcfunctions "github.com/harborstackd/harborstackd/internal/services/functioncompute"
	svcidentity "github.com/harborstackd/harborstackd/internal/services/identitypool"
	svckv "github.com/harborstackd/harborstackd/internal/services/kvtable"
	svcobj "github.com/harborstackd/harborstackd/internal/services/objectstore"
	svcpubsub "github.com/harborstackd/harborstackd/internal/services/pubsub"
	svcqueue "github.com/harborstackd/harborstackd/internal/services/queue"
	svcworkflow "github.com/harborstackd/harborstackd/internal/services/workflowsvc"
	"github.com/harborstackd/harborstackd/internal/storage/kvstore"
)

// App is a fully wired emulator instance.
type App struct {
	Config *config.Config
	Graph  *graph.ApplicationGraph
	Refs   *graph.ReferenceMap
	Orch   *orchestrator.Orchestrator
	Tree   *orchestrator.SupervisorTree

	Functions *svcfunctions.Provider
	Queues    *svcqueue.Provider
	Objects   *svcobj.Provider
	Tables    *svckv.Provider
	PubSub    *svcpubsub.Provider
	Bus       *svceventbus.Provider
	Workflows *svcworkflow.Provider
	Identity  *svcidentity.Provider
	Gateways  []*svcapigw.Provider

	pollers  []*eventsource.Poller
	schedule *eventsource.ScheduleRunner
	subs     []topicSubscription
	notifs   []bucketNotification

	audit      *audit.Logger
	mgmtServer *http.Server
	tokens     []suture.ServiceToken
	treeDone   <-chan error
	treeCancel context.CancelFunc
}

type topicSubscription struct {
	topic    string
	function string
}

type bucketNotification struct {
	selector eventsource.Selector
	function string
}

// Build assembles an App from config and a parsed assembly.
func Build(cfg *config.Config, asm *assembly.Assembly) (*App, error) {
	g := asm.Graph
	if cycles := g.DetectCycles(); len(cycles) > 0 {
		return nil, fmt.Errorf("app: assembly graph has cycles: %v", cycles)
	}

	refs := graph.NewReferenceMap()
	a := &App{Config: cfg, Graph: g, Refs: refs, schedule: eventsource.NewScheduleRunner()}

	// Process-wide audit trail: in-memory ring buffer, installed before
	// any provider starts.
	a.audit = audit.NewLogger(audit.NewMemoryStore(10000), audit.DefaultConfig())
	audit.SetDefault(a.audit)

	// Pass one: register every logical ID's concrete local name and ARN
	// so intrinsics resolve even for forward references.
	concrete := map[string]string{}
	for _, node := range g.Nodes() {
		name := concreteName(node)
		concrete[node.LogicalID] = name
		if err := refs.Set(node.LogicalID, name); err != nil {
			return nil, err
		}
		_ = refs.Set(graph.Attr(node.LogicalID, "Arn"), arnFor(node.Kind, name))
		_ = refs.Set(graph.Attr(node.LogicalID, "Name"), name)
	}

	// Pass two: resolve intrinsics over every node's property bag.
	resolver := intrinsics.New(refs, func(id string) (graph.Kind, bool) {
		node, ok := g.Node(id)
		if !ok {
			return "", false
		}
		return node.Kind, true
	}, nil)
	resolved := map[string]map[string]interface{}{}
	for _, node := range g.Nodes() {
		r, _ := resolver.Resolve(node.Properties, nil).(map[string]interface{})
		resolved[node.LogicalID] = r
	}

	ports := newPortAllocator(cfg.Server.Host, cfg.Server.PortBase)
	endpoints := map[string]string{}

	// Collect per-kind declarations.
	var (
		functions []functionruntime.Function
		queues    []svcqueue.Declaration
		buckets   []string
		tables    []kvstore.TableSpec
		topics    []string
		buses     []string
		workflows []svcworkflow.Declaration
		firstNode = map[graph.Kind]string{}
	)
	for _, node := range g.Nodes() {
		if _, seen := firstNode[node.Kind]; !seen {
			firstNode[node.Kind] = node.LogicalID
		}
		props := resolved[node.LogicalID]
		name := concrete[node.LogicalID]
		switch node.Kind {
		case graph.KindFunction:
			fn, err := functionDecl(name, props, asm)
			if err != nil {
				return nil, fmt.Errorf("app: function %s: %w", node.LogicalID, err)
			}
			functions = append(functions, fn)
		case graph.KindMessageQueue:
			queues = append(queues, queueDecl(name, props, cfg))
		case graph.KindObjectBucket:
			buckets = append(buckets, name)
			for _, n := range bucketNotifications(props) {
				a.notifs = append(a.notifs, n)
			}
		case graph.KindKVTable:
			tables = append(tables, tableSpec(name, props))
		case graph.KindPubSubTopic:
			topics = append(topics, name)
			for _, fn := range stringListProp(props, "Subscriptions", "Function") {
				a.subs = append(a.subs, topicSubscription{topic: name, function: fn})
			}
		case graph.KindEventBus:
			buses = append(buses, name)
		case graph.KindWorkflow:
			decl, err := workflowDecl(name, props)
			if err != nil {
				return nil, fmt.Errorf("app: workflow %s: %w", node.LogicalID, err)
			}
			workflows = append(workflows, decl)
		}
	}

	// Construct providers leaves-first so dependents can hold references.
	functionAddr := ports.next()
	endpoints["FUNCTION_ENDPOINT"] = "http://" + functionAddr
	queueAddr := ports.next()
	endpoints["QUEUE_ENDPOINT"] = "http://" + queueAddr
	objectAddr := ports.next()
	endpoints["OBJECT_ENDPOINT"] = "http://" + objectAddr
	kvAddr := ports.next()
	endpoints["KV_ENDPOINT"] = "http://" + kvAddr
	pubsubAddr := ports.next()
	endpoints["PUBSUB_ENDPOINT"] = "http://" + pubsubAddr
	busAddr := ports.next()
	endpoints["EVENTBUS_ENDPOINT"] = "http://" + busAddr
	workflowAddr := ports.next()
	endpoints["WORKFLOW_ENDPOINT"] = "http://" + workflowAddr
	identityAddr := ports.next()
	endpoints["IDENTITY_ENDPOINT"] = "http://" + identityAddr

	a.Functions = svcfunctions.New(functionAddr, functionruntime.Options{
		DefaultTimeout:   cfg.Functions.DefaultTimeout,
		KillGracePeriod:  cfg.Functions.KillGracePeriod,
		BreakerMaxFails:  cfg.Functions.BreakerMaxFails,
		BreakerTimeout:   cfg.Functions.BreakerTimeout,
		ServiceEndpoints: endpoints,
	}, functions)

	a.Queues = svcqueue.New(queueAddr, cfg.Server.DataDir, cfg.Server.Persist, queues)
	delay := time.Duration(cfg.Server.EventualConsistencyDelayMs) * time.Millisecond
	a.Objects = svcobj.New(objectAddr, cfg.Server.DataDir, buckets, delay)
	a.Tables = svckv.New(kvAddr, cfg.Server.DataDir, kvstore.Options{
		MaxMemory: cfg.Database.MaxMemory,
		Threads:   cfg.Database.Threads,
		InMemory:  !cfg.Server.Persist,
	}, tables)
	a.PubSub = svcpubsub.New(pubsubAddr, svcpubsub.Options{
		ExternalURL: externalNATSURL(cfg),
		StoreDir:    cfg.NATS.StoreDir,
	}, topics)
	a.Bus = svceventbus.New(busAddr, buses, a.Functions, delay)
	a.Workflows = svcworkflow.New(workflowAddr, a.Functions, workflows)

	secret := cfg.Security.JWTSecret
	if secret == "" {
		// Local development default: tokens only need to round-trip
		// within this process's lifetime.
		secret = uuid.NewString() + uuid.NewString()
		logging.Warn().Msg("app: no jwt secret configured, using a per-run development secret")
	}
	pool, err := identity.NewPool("local-pool", secret, cfg.Security.TokenTTL)
	if err != nil {
		return nil, err
	}
	a.Identity = svcidentity.New(identityAddr, pool)

	authorizer, err := authz.New(authz.Config{
		ModelPath:      cfg.Security.CasbinModel,
		PolicyPath:     cfg.Security.CasbinPolicy,
		DefaultRole:    cfg.Security.DefaultRole,
		AutoReload:     cfg.Security.AutoReload,
		ReloadInterval: cfg.Security.ReloadInterval,
	})
	if err != nil {
		return nil, err
	}

	// Gateways, rules and pollers need the graph's resolved properties.
	for _, node := range g.Nodes() {
		props := resolved[node.LogicalID]
		switch node.Kind {
		case graph.KindAPIGatewayV1, graph.KindAPIGatewayV2:
			version := 2
			if node.Kind == graph.KindAPIGatewayV1 {
				version = 1
			}
			gwAddr := ports.next()
			gw := svcapigw.New(gwAddr, svcapigw.Options{
				ProxyConfig: proxyConfig(props),
				Stage:       stringProp(props, "Stage"),
			}, gatewayRoutes(props, version), a.Functions, authorizer, pool)
			a.Gateways = append(a.Gateways, gw)
			endpoints["GATEWAY_ENDPOINT_"+strings.ToUpper(concrete[node.LogicalID])] = "http://" + gwAddr

		case graph.KindEventRule:
			if err := a.wireRule(node.LogicalID, concrete[node.LogicalID], props); err != nil {
				return nil, err
			}

		case graph.KindFunction:
			for _, m := range eventSourceMappings(props, cfg) {
				poller := eventsource.NewPoller(m, a.Queues, a.Functions)
				a.pollers = append(a.pollers, poller)
			}
		}
	}

	// Supervision tree and orchestrator.
	tree, err := orchestrator.NewSupervisorTree(logging.NewSlogLogger(), orchestrator.DefaultTreeConfig())
	if err != nil {
		return nil, err
	}
	a.Tree = tree
	a.Orch = orchestrator.New(g, tree, 30*time.Second)

	bind := func(kind graph.Kind, p orchestrator.Provider, layer orchestrator.Layer) error {
		id, ok := firstNode[kind]
		if !ok {
			return nil // kind not present in this assembly
		}
		return a.Orch.Bind(id, p, layer)
	}
	if err := firstErr(
		bind(graph.KindObjectBucket, a.Objects, orchestrator.LayerStorage),
		bind(graph.KindKVTable, a.Tables, orchestrator.LayerStorage),
		bind(graph.KindMessageQueue, a.Queues, orchestrator.LayerStorage),
		bind(graph.KindPubSubTopic, a.PubSub, orchestrator.LayerStorage),
		bind(graph.KindFunction, a.Functions, orchestrator.LayerWire),
		bind(graph.KindEventBus, a.Bus, orchestrator.LayerWire),
		bind(graph.KindWorkflow, a.Workflows, orchestrator.LayerWire),
		bind(graph.KindIdentityPool, a.Identity, orchestrator.LayerWire),
	); err != nil {
		return nil, err
	}
	gwIdx := 0
	for _, node := range g.Nodes() {
		if node.Kind != graph.KindAPIGatewayV1 && node.Kind != graph.KindAPIGatewayV2 {
			continue
		}
		if gwIdx >= len(a.Gateways) {
			break
		}
		if err := a.Orch.Bind(node.LogicalID, a.Gateways[gwIdx], orchestrator.LayerWire); err != nil {
			return nil, err
		}
		gwIdx++
	}

	// Management namespace on the primary port.
	primary := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	a.mgmtServer = &http.Server{
		Addr:              primary,
		Handler:           mgmt.Handler(a.Orch, g, refs),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Start runs the supervision tree, starts providers in graph order, and
// attaches the event-source loops and the management listener.
func (a *App) Start(ctx context.Context) error {
	treeCtx, cancel := context.WithCancel(context.Background())
	a.treeCancel = cancel
	a.treeDone = a.Tree.ServeBackground(treeCtx)

	if err := a.Orch.Start(ctx); err != nil {
		cancel()
		return err
	}

	// Push wiring against started providers.
	for _, n := range a.notifs {
		n := n
		a.Objects.RegisterHandler("bucket->"+n.function, n.selector, func(ctx context.Context, ev eventsource.Event) error {
			result, err := a.Functions.Invoke(ctx, n.function, ev.Raw)
			if err != nil {
				return err
			}
			if !result.OK {
				return fmt.Errorf("handler %s failed: %s", n.function, result.ErrorMessage)
			}
			return nil
		})
	}
	for _, s := range a.subs {
		s := s
		err := a.PubSub.Subscribe("topic->"+s.function, s.topic, func(ctx context.Context, ev eventsource.Event) error {
			result, err := a.Functions.Invoke(ctx, s.function, ev.Raw)
			if err != nil {
				return err
			}
			if !result.OK {
				return fmt.Errorf("handler %s failed: %s", s.function, result.ErrorMessage)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	// Pull wiring and schedules run as supervised tasks, removed before
	// providers stop.
	for _, p := range a.pollers {
		a.tokens = append(a.tokens, a.Tree.AddEventSourceService(p))
	}
	a.tokens = append(a.tokens, a.Tree.AddEventSourceService(a.schedule))
	a.tokens = append(a.tokens, a.Tree.AddWireService(svclife.NewHTTPServerService(a.mgmtServer, 10*time.Second)))

	logging.Info().Str("addr", a.mgmtServer.Addr).Msg("app: management namespace listening")
	return nil
}

// Run blocks until a signal or shutdown request, then stops everything
// in reverse: event-source loops, providers, the supervision tree.
func (a *App) Run(ctx context.Context) error {
	a.Orch.Wait(ctx)
	stopCtx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	return a.Stop(stopCtx)
}

// Stop tears down in reverse order of Start.
func (a *App) Stop(ctx context.Context) error {
	for i := len(a.tokens) - 1; i >= 0; i-- {
		if err := a.Tree.RemoveAndWait(a.tokens[i], 10*time.Second); err != nil {
			logging.Warn().Err(err).Msg("app: event-source task removal failed")
		}
	}
	a.tokens = nil
	err := a.Orch.Stop(ctx)
	if a.audit != nil {
		audit.SetDefault(nil)
		_ = a.audit.Close()
	}
	if a.treeCancel != nil {
		a.treeCancel()
		select {
		case <-a.treeDone:
		case <-time.After(10 * time.Second):
			logging.Warn().Msg("app: supervision tree did not stop in time")
		}
	}
	return err
}

// wireRule turns an event-rule node into either a schedule-runner task
// (ScheduleExpression) or a bus rule with targets (EventPattern).
func (a *App) wireRule(logicalID, name string, props map[string]interface{}) error {
	targets := stringListProp(props, "Targets", "Function")
	if expr := stringProp(props, "ScheduleExpression"); expr != "" {
		return a.schedule.Add(eventsource.ScheduleRule{
			Name:       name,
			Expression: expr,
			Enabled:    !boolPropIsFalse(props, "Enabled"),
			Callback: func(ctx context.Context, firedAt time.Time) {
				event := []byte(fmt.Sprintf(`{"source":"local.schedule","rule":%q,"time":%q}`, name, firedAt.UTC().Format(time.RFC3339)))
				for _, fn := range targets {
					if _, err := a.Functions.Invoke(ctx, fn, event); err != nil {
						logging.Warn().Str("rule", name).Str("function", fn).Err(err).
							Msg("app: scheduled invocation failed")
					}
				}
			},
		})
	}

	pattern, _ := props["EventPattern"].(map[string]interface{})
	bus := stringProp(props, "EventBusName")
	return a.Bus.PutRule(svceventbus.Rule{
		Name:    name,
		Bus:     bus,
		Pattern: pattern,
		Targets: targets,
		Enabled: !boolPropIsFalse(props, "Enabled"),
	})
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

type portAllocator struct {
	host string
	port int
}

func newPortAllocator(host string, base int) *portAllocator {
	if base <= 0 {
		base = 4600
	}
	return &portAllocator{host: host, port: base}
}

func (p *portAllocator) next() string {
	addr := fmt.Sprintf("%s:%d", p.host, p.port)
	p.port++
	return addr
}

func externalNATSURL(cfg *config.Config) string {
	if cfg.NATS.EmbeddedServer {
		return ""
	}
	return cfg.NATS.URL
}
