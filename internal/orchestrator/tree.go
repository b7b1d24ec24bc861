// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	// Default: 5
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay in seconds.
	// Default: 30
	FailureDecay float64

	// FailureBackoff is the duration to wait when threshold is exceeded.
	// Default: 15s
	FailureBackoff time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns production-ready defaults. These values match
// suture's built-in defaults per pkg.go.dev documentation.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// SupervisorTree manages the hierarchical supervisor structure for
// steady-state provider loops, organized into the three layers of the
// core the server runs:
//
//   - storage: storage-backend compaction and lease-expiry sweeps
//   - eventsource: pollers, push dispatchers, schedule runners
//   - wire: per-provider HTTP surfaces
//
// This structure provides failure isolation: a crash in one provider's
// event-source poller doesn't affect another provider's HTTP surface.
type SupervisorTree struct {
	root        *suture.Supervisor
	storage     *suture.Supervisor
	eventsource *suture.Supervisor
	wire        *suture.Supervisor
	logger      *slog.Logger
	config      TreeConfig
}

// NewSupervisorTree creates a new supervisor tree with the given configuration.
func NewSupervisorTree(logger *slog.Logger, config TreeConfig) (*SupervisorTree, error) {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logger}
	eventHook := handler.MustHook()

	rootSpec := suture.Spec{
		EventHook:        eventHook,
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("harborstackd", rootSpec)
	storage := suture.New("storage-layer", childSpec)
	eventsource := suture.New("eventsource-layer", childSpec)
	wire := suture.New("wire-layer", childSpec)

	root.Add(storage)
	root.Add(eventsource)
	root.Add(wire)

	return &SupervisorTree{
		root:        root,
		storage:     storage,
		eventsource: eventsource,
		wire:        wire,
		logger:      logger,
		config:      config,
	}, nil
}

// Root returns the root supervisor for direct access if needed.
func (t *SupervisorTree) Root() *suture.Supervisor {
	return t.root
}

// AddStorageService adds a background service to the storage layer
// (compaction, lease-expiry sweeps).
func (t *SupervisorTree) AddStorageService(svc suture.Service) suture.ServiceToken {
	return t.storage.Add(svc)
}

// AddEventSourceService adds a poller, dispatcher, or schedule runner to
// the event-source layer.
func (t *SupervisorTree) AddEventSourceService(svc suture.Service) suture.ServiceToken {
	return t.eventsource.Add(svc)
}

// AddWireService adds a provider's HTTP surface to the wire layer.
func (t *SupervisorTree) AddWireService(svc suture.Service) suture.ServiceToken {
	return t.wire.Add(svc)
}

// RemoveEventSourceService removes a service from the event-source layer
// supervisor — used when a queue→function mapping is disabled at runtime.
func (t *SupervisorTree) RemoveEventSourceService(token suture.ServiceToken) error {
	return t.eventsource.Remove(token)
}

// Serve starts the supervisor tree and blocks until the context is canceled.
func (t *SupervisorTree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the supervisor tree in a background goroutine.
// Returns a channel that receives the error (or nil) when the supervisor stops.
func (t *SupervisorTree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport returns services that failed to stop within the
// configured shutdown timeout.
func (t *SupervisorTree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// Remove removes a service from the tree by its token.
func (t *SupervisorTree) Remove(token suture.ServiceToken) error {
	for _, layer := range []*suture.Supervisor{t.storage, t.eventsource, t.wire} {
		if err := layer.Remove(token); !errors.Is(err, suture.ErrWrongSupervisor) {
			return err
		}
	}
	return t.root.Remove(token)
}

// RemoveAndWait removes a service and waits for it to fully stop.
func (t *SupervisorTree) RemoveAndWait(token suture.ServiceToken, timeout time.Duration) error {
	for _, layer := range []*suture.Supervisor{t.storage, t.eventsource, t.wire} {
		if err := layer.RemoveAndWait(token, timeout); !errors.Is(err, suture.ErrWrongSupervisor) {
			return err
		}
	}
	return t.root.RemoveAndWait(token, timeout)
}
