// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes Prometheus instrumentation for the
// orchestrator, the event-source wiring, the function runtime, and the
// wire-protocol dispatch layer.
//
// All collectors are registered at package init via promauto against
// the default registry; a binary wires them up by serving
// promhttp.Handler() on the management namespace.
//
//	metrics.ProviderHealthy.WithLabelValues("queue", "orders").Set(1)
//	metrics.RecordInvocation("process", time.Since(start), "")
package metrics
