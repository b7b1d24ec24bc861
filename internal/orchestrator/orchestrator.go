// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/harborstackd/harborstackd/internal/graph"
	"github.com/harborstackd/harborstackd/internal/logging"
)

// ErrProviderStart wraps a provider's Start failure; Orchestrator.Start
// returns one of these after rolling back every provider it had already
// started.
type ErrProviderStart struct {
	LogicalID string
	Err       error
}

func (e *ErrProviderStart) Error() string {
	return fmt.Sprintf("orchestrator: provider for %q failed to start: %v", e.LogicalID, e.Err)
}

func (e *ErrProviderStart) Unwrap() error { return e.Err }

// ErrCyclicGraph is returned by Start when the application graph contains
// a cycle; the orchestrator refuses to start.
var ErrCyclicGraph = errors.New("orchestrator: refusing to start, application graph has a cycle")

// BackgroundService is an optional capability a Provider may additionally
// implement: a suture.Service loop (poller, dispatcher, compaction sweep,
// HTTP server) that the Orchestrator registers with the SupervisorTree
// once the provider has started successfully, and removes before Stop is
// called on that provider.
type BackgroundService interface {
	suture.Service
}

// Layer selects which SupervisorTree layer a provider's BackgroundService
// is registered under.
type Layer int

const (
	LayerStorage Layer = iota
	LayerEventSource
	LayerWire
)

type binding struct {
	logicalID string
	provider  Provider
	layer     Layer
	token     suture.ServiceToken
	hasToken  bool
}

// Orchestrator drives Provider Start/Stop over an ApplicationGraph in
// topological order and owns the steady-state SupervisorTree.
type Orchestrator struct {
	graph *graph.ApplicationGraph
	tree  *SupervisorTree

	startTimeout time.Duration
	stopTimeout  time.Duration

	mu       sync.Mutex
	bindings map[string]*binding
	status   map[string]Status
	started  []string // logical IDs in the order they reached running

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New returns an Orchestrator over g, supervising background loops on
// tree. startTimeout bounds each provider's Start call (30s if zero or
// negative). Each provider's Flush and Stop call, during graceful
// shutdown or rollback, is capped at a fixed 30s.
func New(g *graph.ApplicationGraph, tree *SupervisorTree, startTimeout time.Duration) *Orchestrator {
	if startTimeout <= 0 {
		startTimeout = 30 * time.Second
	}
	return &Orchestrator{
		graph:        g,
		tree:         tree,
		startTimeout: startTimeout,
		stopTimeout:  30 * time.Second,
		bindings:     make(map[string]*binding),
		status:       make(map[string]Status),
		shutdownCh:   make(chan struct{}),
	}
}

// Bind associates a Provider with a resource's logical ID. logicalID must
// already exist in the graph. A provider with a BackgroundService loop
// registers it on the named tree layer once Start succeeds.
func (o *Orchestrator) Bind(logicalID string, p Provider, layer Layer) error {
	if _, ok := o.graph.Node(logicalID); !ok {
		return fmt.Errorf("orchestrator: cannot bind provider, unknown logical id %q", logicalID)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bindings[logicalID] = &binding{logicalID: logicalID, provider: p, layer: layer}
	o.status[logicalID] = StatusStopped
	return nil
}

// Status returns the current lifecycle status for a bound logical ID.
func (o *Orchestrator) Status(logicalID string) (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.status[logicalID]
	return s, ok
}

// ProviderStatus describes one bound provider for the management
// namespace's /_mgmt/status response.
type ProviderStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// Providers returns a snapshot of every bound provider's health, in
// start order (running providers) followed by not-yet-started ones.
func (o *Orchestrator) Providers(ctx context.Context) []ProviderStatus {
	o.mu.Lock()
	order := append([]string(nil), o.started...)
	for id := range o.bindings {
		found := false
		for _, s := range order {
			if s == id {
				found = true
				break
			}
		}
		if !found {
			order = append(order, id)
		}
	}
	bindings := make(map[string]*binding, len(o.bindings))
	for k, v := range o.bindings {
		bindings[k] = v
	}
	o.mu.Unlock()

	out := make([]ProviderStatus, 0, len(order))
	for _, id := range order {
		b, ok := bindings[id]
		if !ok {
			continue
		}
		out = append(out, ProviderStatus{
			ID:      id,
			Name:    b.provider.Name(),
			Healthy: b.provider.HealthCheck(ctx),
		})
	}
	return out
}

// Start brings up every bound provider in topological order. On any
// provider's Start failure it stops every provider that had
// already reached running, in reverse start order, and returns
// *ErrProviderStart. Unbound graph nodes (no provider registered for that
// resource kind) are skipped, not fatal.
func (o *Orchestrator) Start(ctx context.Context) error {
	if cycles := o.graph.DetectCycles(); len(cycles) > 0 {
		logging.Error().Interface("cycles", cycles).Msg("orchestrator: application graph has a cycle, refusing to start")
		return ErrCyclicGraph
	}
	order, err := o.graph.TopologicalSort()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCyclicGraph, err)
	}

	for _, id := range order {
		o.mu.Lock()
		b, bound := o.bindings[id]
		o.mu.Unlock()
		if !bound {
			continue
		}

		o.setStatus(id, StatusStarting)
		startCtx, cancel := context.WithTimeout(ctx, o.startTimeout)
		err := b.provider.Start(startCtx)
		cancel()
		if err != nil {
			o.setStatus(id, StatusError)
			logging.Error().Str("logical_id", id).Str("provider", b.provider.Name()).Err(err).
				Msg("orchestrator: provider failed to start, rolling back")
			o.rollback(ctx)
			return &ErrProviderStart{LogicalID: id, Err: err}
		}
		o.setStatus(id, StatusRunning)

		if svc, ok := b.provider.(BackgroundService); ok && o.tree != nil {
			b.token = o.addToLayer(b.layer, svc)
			b.hasToken = true
		}

		o.mu.Lock()
		o.started = append(o.started, id)
		o.mu.Unlock()

		healthCtx, hcancel := context.WithTimeout(ctx, 5*time.Second)
		healthy := b.provider.HealthCheck(healthCtx)
		hcancel()
		if !healthy {
			logging.Warn().Str("logical_id", id).Str("provider", b.provider.Name()).
				Msg("orchestrator: provider health check failed after start, continuing (warm-up)")
		}
	}
	return nil
}

func (o *Orchestrator) addToLayer(layer Layer, svc suture.Service) suture.ServiceToken {
	switch layer {
	case LayerStorage:
		return o.tree.AddStorageService(svc)
	case LayerWire:
		return o.tree.AddWireService(svc)
	default:
		return o.tree.AddEventSourceService(svc)
	}
}

// rollback stops every provider that reached running, in reverse start
// order, best-effort (errors are logged, not returned — the caller
// already has the original start error).
func (o *Orchestrator) rollback(ctx context.Context) {
	o.mu.Lock()
	started := append([]string(nil), o.started...)
	o.started = nil
	o.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		id := started[i]
		o.mu.Lock()
		b := o.bindings[id]
		o.mu.Unlock()
		o.setStatus(id, StatusStopping)
		stopCtx, cancel := context.WithTimeout(ctx, o.stopTimeout)
		if err := b.provider.Stop(stopCtx); err != nil {
			logging.Warn().Str("logical_id", id).Err(err).Msg("orchestrator: rollback stop failed")
		}
		cancel()
		o.setStatus(id, StatusStopped)
	}
}

// Stop runs a graceful shutdown: Flush on every Flushable
// provider, then Stop in the exact reverse of the order providers
// reached running, each bounded by a 30-second cap. A provider that times out is logged and skipped, not
// retried; the remaining providers are still stopped.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	started := append([]string(nil), o.started...)
	o.started = nil
	o.mu.Unlock()

	for _, id := range started {
		o.mu.Lock()
		b := o.bindings[id]
		o.mu.Unlock()
		if flushable, ok := b.provider.(Flushable); ok {
			flushCtx, cancel := context.WithTimeout(ctx, o.stopTimeout)
			if err := flushable.Flush(flushCtx); err != nil {
				logging.Warn().Str("logical_id", id).Err(err).Msg("orchestrator: flush failed")
			}
			cancel()
		}
	}

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		id := started[i]
		o.mu.Lock()
		b := o.bindings[id]
		o.mu.Unlock()

		o.setStatus(id, StatusStopping)
		if b.hasToken && o.tree != nil {
			if err := o.tree.Remove(b.token); err != nil {
				logging.Warn().Str("logical_id", id).Err(err).Msg("orchestrator: failed to remove background service")
			}
		}

		stopCtx, cancel := context.WithTimeout(ctx, o.stopTimeout)
		err := b.provider.Stop(stopCtx)
		cancel()
		if errors.Is(stopCtx.Err(), context.DeadlineExceeded) {
			logging.Warn().Str("logical_id", id).Msg("orchestrator: provider stop timed out, skipping")
			continue
		}
		if err != nil {
			logging.Error().Str("logical_id", id).Err(err).Msg("orchestrator: provider stop failed")
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
		o.setStatus(id, StatusStopped)
	}
	return errors.Join(errs...)
}

// Reset invokes Reset on every bound provider that implements Resettable,
// for POST /_mgmt/reset.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.mu.Lock()
	bindings := make([]*binding, 0, len(o.bindings))
	for _, b := range o.bindings {
		bindings = append(bindings, b)
	}
	o.mu.Unlock()

	var errs []error
	for _, b := range bindings {
		if resettable, ok := b.provider.(Resettable); ok {
			if err := resettable.Reset(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", b.logicalID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) setStatus(id string, s Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status[id] = s
}

// RequestShutdown signals the run loop started by Run to begin a graceful
// shutdown, as the management namespace's POST /_mgmt/shutdown does. Safe
// to call more than once or before Run has started.
func (o *Orchestrator) RequestShutdown() {
	o.shutdownOnce.Do(func() { close(o.shutdownCh) })
}

// Wait installs SIGINT/SIGTERM handlers (call it from the process's
// main goroutine so signal delivery is owned there) and blocks until the
// first signal, a RequestShutdown call, or ctx cancellation. Before
// returning it arms a watcher that exits the process immediately with
// status 1 on a second signal, so a hung graceful stop can always be
// cut short.
func (o *Orchestrator) Wait(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logging.Info().Msg("orchestrator: shutdown signal received, stopping gracefully")
	case <-o.shutdownCh:
		logging.Info().Msg("orchestrator: shutdown requested, stopping gracefully")
	case <-ctx.Done():
	}

	go func() {
		if _, ok := <-sigCh; ok {
			logging.Warn().Msg("orchestrator: second shutdown signal received, exiting immediately")
			os.Exit(1)
		}
	}()
}

// Run blocks in Wait, then runs a graceful Stop. Callers that layer
// their own teardown around the provider stop (event-source loops, the
// supervision tree) use Wait and drive Stop themselves.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.Wait(ctx)
	stopCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	return o.Stop(stopCtx)
}
