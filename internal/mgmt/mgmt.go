// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mgmt serves the management namespace on the primary port:
// status, the resource metadata tree, reset, and graceful shutdown.
package mgmt

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborstackd/harborstackd/internal/audit"
	"github.com/harborstackd/harborstackd/internal/graph"
	"github.com/harborstackd/harborstackd/internal/logging"
	"github.com/harborstackd/harborstackd/internal/middleware"
	"github.com/harborstackd/harborstackd/internal/orchestrator"
)

// Control is the slice of the orchestrator the namespace drives.
type Control interface {
	Providers(ctx context.Context) []orchestrator.ProviderStatus
	Reset(ctx context.Context) error
	RequestShutdown()
}

// Handler builds the /_mgmt router plus the Prometheus scrape endpoint.
func Handler(control Control, g *graph.ApplicationGraph, refs *graph.ReferenceMap) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET", "POST"}}))
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/_mgmt/status", wrap(func(w http.ResponseWriter, req *http.Request) {
		providers := control.Providers(req.Context())
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"running":     true,
			"providers":   providers,
			"performance": middleware.DefaultPerformanceMonitor().GetStats(),
		})
	}))

	r.Get("/_mgmt/resources", wrap(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, resourceTree(g, refs))
	}))

	r.Post("/_mgmt/reset", wrap(func(w http.ResponseWriter, req *http.Request) {
		if err := control.Reset(req.Context()); err != nil {
			logging.Error().Err(err).Msg("mgmt: reset failed")
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"reset": true})
	}))

	r.Post("/_mgmt/shutdown", wrap(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"shutdown": "requested"})
		control.RequestShutdown()
	}))

	r.Get("/_mgmt/audit", wrap(func(w http.ResponseWriter, req *http.Request) {
		l := audit.Default()
		if l == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"events": []interface{}{}})
			return
		}
		events, err := l.Query(req.Context(), audit.DefaultQueryFilter())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
	}))

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// wrap applies the request-id, metrics, performance and compression
// middleware to one route.
func wrap(h http.HandlerFunc) http.HandlerFunc {
	return middleware.RequestID(middleware.PrometheusMetrics(middleware.Performance(middleware.Compression(h))))
}

// resourceTree is the metadata document internal clients consume: every
// node with its kind, properties, and resolved concrete values.
func resourceTree(g *graph.ApplicationGraph, refs *graph.ReferenceMap) map[string]interface{} {
	resources := map[string]interface{}{}
	for _, node := range g.Nodes() {
		entry := map[string]interface{}{
			"kind":       string(node.Kind),
			"properties": node.Properties,
		}
		if refs != nil {
			if v, ok := refs.Get(node.LogicalID); ok {
				entry["resolved"] = v
			}
		}
		resources[node.LogicalID] = entry
	}
	edges := make([]interface{}, 0)
	for _, e := range g.Edges() {
		edges = append(edges, map[string]interface{}{
			"source":   e.Source,
			"target":   e.Target,
			"relation": string(e.Relation),
		})
	}
	return map[string]interface{}{"resources": resources, "edges": edges}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
