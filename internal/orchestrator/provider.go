// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import "context"

// Provider is the capability set every emulated service implements: a
// stable name, an idempotent Start/Stop pair, and a
// cheap health probe. Service-specific operations (put/get, send/receive,
// publish/subscribe, ...) live on refined interfaces in internal/services
// that embed Provider rather than on this one — dispatch layers accept
// the refined interface they need, not a union.
type Provider interface {
	// Name is the provider's stable identifier, used in logs and the
	// /_mgmt/status response. Distinct from the resource's logical ID:
	// several logical resources of the same kind may share one provider
	// instance (e.g. every bucket is served by one objectstore provider).
	Name() string

	// Start brings the provider up. Idempotent: calling Start on an
	// already-running provider is a no-op. Returns an error on
	// unrecoverable failure; the Orchestrator treats any error as fatal
	// to the whole startup sequence.
	Start(ctx context.Context) error

	// Stop tears the provider down. Idempotent: calling Stop on an
	// already-stopped provider is a no-op.
	Stop(ctx context.Context) error

	// HealthCheck is a cheap boolean probe. A false result right after
	// Start is logged but not fatal — providers may need warm-up.
	HealthCheck(ctx context.Context) bool
}

// Flushable is implemented by providers that hold in-memory state worth
// persisting before shutdown (the graceful-shutdown sequence flushes
// before stopping).
type Flushable interface {
	Flush(ctx context.Context) error
}

// Resettable is implemented by providers that support a developer-
// triggered wipe of their state, exposed via POST /_mgmt/reset.
type Resettable interface {
	Reset(ctx context.Context) error
}

// Status enumerates the provider lifecycle states.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// validTransitions encodes the lifecycle state machine: stopped ->
// starting -> (running | error); running -> stopping -> stopped;
// error -> stopping -> stopped.
var validTransitions = map[Status]map[Status]bool{
	StatusStopped:  {StatusStarting: true},
	StatusStarting: {StatusRunning: true, StatusError: true},
	StatusRunning:  {StatusStopping: true},
	StatusError:    {StatusStopping: true},
	StatusStopping: {StatusStopped: true},
}
