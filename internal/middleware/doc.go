// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package middleware provides HTTP middleware components for the application.

This package implements infrastructure middleware for compression, performance
monitoring, request ID tracking, and Prometheus metrics integration.

Key Components:

  - Compression: Gzip compression for clients that accept it
  - Performance Monitor: Request latency tracking with percentile calculations
  - Request ID: UUID-based request tracking for distributed tracing
  - Prometheus Metrics: HTTP request/response instrumentation

Middleware Stack:

Every provider's HTTP surface (internal/services) is wrapped as:

	middleware.RequestID(              // Layer 1: Request tracking
	    middleware.PrometheusMetrics(  // Layer 2: Metrics
	        middleware.Performance(    // Layer 3: Latency samples
	            handler,               // Layer 4: The provider's dispatcher
	        ),
	    ),
	)

The management namespace (internal/mgmt) uses the same stack with
middleware.Compression added innermost, around its handlers.

Usage Example - Compression:

	import "github.com/harborstackd/harborstackd/internal/middleware"

	// Wrap handler with gzip compression
	http.HandleFunc("/api/v1/data",
	    middleware.Compression(handler),
	)

	// Every response is compressed, whatever its size
	// Accept-Encoding: gzip header is required

Usage Example - Performance Monitoring:

	// Create performance monitor keeping the 1000 most recent samples
	perfMon := middleware.NewPerformanceMonitor(1000)

	// Wrap handler (an http.Handler)
	http.Handle("/api/v1/stats",
	    perfMon.Middleware(handler),
	)

	// Get per-endpoint performance statistics
	for _, s := range perfMon.GetStats() {
	    fmt.Printf("p50: %d, p95: %d, p99: %d\n",
	        s.P50Duration, s.P95Duration, s.P99Duration)
	}

Usage Example - Request ID:

	// Request ID middleware
	http.HandleFunc("/api/v1/logs",
	    middleware.RequestID(handler),
	)

	// Access request ID in handler
	func handler(w http.ResponseWriter, r *http.Request) {
	    requestID := r.Context().Value(middleware.RequestIDKey).(string)
	    log.Printf("[%s] Processing request", requestID)
	}

Performance Characteristics:

  - Compression: 70-90% size reduction for JSON
  - Compression overhead: ~1-2ms for typical responses
  - Metrics overhead: <0.1ms per request
  - Request ID overhead: <0.01ms (UUID generation)
  - Performance monitor: bounded slice of latency samples under a sync.RWMutex

Compression Details:

The compression middleware:
  - Compresses every response, with no size threshold
  - Supports gzip encoding (Accept-Encoding: gzip)
  - Does not look at the content type
  - Automatically sets Content-Encoding header
  - Skips WebSocket upgrade requests; it does not support http.Flusher

Performance Monitor:

The performance monitor tracks:
  - Request count and error rate
  - Latency percentiles (p50, p95, p99)
  - Rolling window of 1000 most recent requests
  - Thread-safe concurrent access with RWMutex

Thread Safety:

All middleware components are thread-safe:
  - Compression uses per-request gzip writers
  - Performance monitor uses sync.RWMutex
  - Request ID uses context.Context (immutable)
  - Prometheus metrics use atomic operations

See Also:

  - internal/services: provider HTTP surfaces wrapped by middleware
  - internal/mgmt: management namespace wrapped by middleware
  - internal/metrics: Prometheus metrics definitions
*/
package middleware
