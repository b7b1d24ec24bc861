// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package orchestrator implements the Provider lifecycle contract and the
orchestrator that drives it.

Every emulated service — object storage, a KV table, a queue, a pub/sub
topic, an event bus, a workflow, the function runtime's HTTP surface —
implements Provider: a stable Name, an idempotent Start/Stop pair, and a
cheap HealthCheck. Providers that hold state worth persisting across a
restart additionally implement Flushable; providers that support a
developer-triggered wipe implement Resettable.

# Startup and shutdown

Orchestrator.Start walks the application graph in topological order
(leaves — storage, queues, topics — before the services that consume
them) and calls Start on each provider's binding, each bounded by a
per-provider timeout. A failure during startup triggers a full rollback:
every provider that did start is stopped, in the reverse of the order it
started in, and a provider-start-error is returned.

Orchestrator.Stop runs Flush on every Flushable provider, then Stop in
the exact reverse of the order providers actually reached running, each
bounded by a 30-second cap; a provider that times out is logged and
skipped, not retried.

# Supervision tree

Beyond the ordered startup/shutdown sequencing above, steady-state
providers that run a background loop (the storage backends' compaction
and lease-expiry sweeps, the event-source pollers and dispatchers, each
service's HTTP surface) are registered with a suture.Supervisor-backed
SupervisorTree for crash isolation: a panic or returned error in one
provider's loop triggers suture's own restart policy without taking
down providers in a different layer. The tree has three layers mirroring
the subsystems around it:

	root
	├── storage     (storage-backend compaction/lease sweeps)
	├── eventsource (pollers, dispatchers, schedule runners)
	└── wire        (per-provider HTTP surfaces)

Ordered startup/rollback is a property the supervisor tree does not give
you by itself — suture supervises a flat or nested set of services with
independent restart policies, not an all-or-nothing topologically
ordered sequence — so Orchestrator layers its own sequential state
machine on top, and only hands a provider's long-running loop to the
tree once that provider has already started successfully.
*/
package orchestrator
