// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package kvtable is the key-value table provider: logical put/get/
// query/delete over the embedded SQL backend, served on the JSON-target
// dialect.
package kvtable

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/harborstackd/harborstackd/internal/logging"
	"github.com/harborstackd/harborstackd/internal/middleware"
	svclife "github.com/harborstackd/harborstackd/internal/orchestrator/services"
	"github.com/harborstackd/harborstackd/internal/storage/kvstore"
	"github.com/harborstackd/harborstackd/internal/wire"
)

// Provider serves every declared table.
type Provider struct {
	addr   string
	tables []kvstore.TableSpec
	opts   kvstore.Options

	mu      sync.Mutex
	running bool
	store   *kvstore.Store
	dataDir string
	httpSvc *svclife.HTTPServerService
}

// New builds the provider; declared tables are created on Start.
func New(addr, dataDir string, opts kvstore.Options, tables []kvstore.TableSpec) *Provider {
	return &Provider{addr: addr, dataDir: dataDir, opts: opts, tables: append([]kvstore.TableSpec(nil), tables...)}
}

// Name implements orchestrator.Provider.
func (p *Provider) Name() string { return "kv-table" }

// Start opens the backend and creates every declared table. Idempotent.
func (p *Provider) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	store, err := kvstore.New(p.dataDir, p.opts)
	if err != nil {
		return err
	}
	for _, spec := range p.tables {
		if err := store.CreateTable(spec); err != nil {
			_ = store.Close()
			return err
		}
	}
	p.store = store

	dispatcher := &wire.JSONTargetDispatcher{
		Prefix: "HarborKV",
		Operations: wire.OperationTable{
			"CreateTable": p.handleCreateTable,
			"PutItem":     p.handlePutItem,
			"GetItem":     p.handleGetItem,
			"DeleteItem":  p.handleDeleteItem,
			"Query":       p.handleQuery,
			"Scan":        p.handleScan,
			"ListTables":  p.handleListTables,
		},
	}
	server := &http.Server{
		Addr:              p.addr,
		Handler:           middleware.RequestID(middleware.PrometheusMetrics(middleware.Performance(dispatcher.ServeHTTP))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.httpSvc = svclife.NewHTTPServerService(server, 10*time.Second)
	p.running = true
	logging.Info().Str("addr", p.addr).Int("tables", len(p.tables)).Msg("kvtable: provider started")
	return nil
}

// Stop closes every table handle. Idempotent.
func (p *Provider) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false
	return p.store.Close()
}

// HealthCheck reports whether the provider is running with an open store.
func (p *Provider) HealthCheck(_ context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running && p.store != nil
}

// Flush is a no-op hook: the embedded engine commits per statement, but
// the provider advertises flushability so the orchestrator's shutdown
// sequence treats it as stateful.
func (p *Provider) Flush(_ context.Context) error { return nil }

// Reset truncates every table.
func (p *Provider) Reset(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store == nil {
		return nil
	}
	return p.store.Reset()
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
func (p *Provider) String() string { return "kv-table@" + p.addr }

// Store exposes the backend to in-process callers (workflow tasks, the
// management namespace).
func (p *Provider) Store() *kvstore.Store { return p.store }

func stringField(fields map[string]interface{}, key string) string {
	s, _ := fields[key].(string)
	return s
}

func (p *Provider) handleCreateTable(req *wire.Request) (*wire.Response, error) {
	name := stringField(req.Body.Fields, "TableName")
	if name == "" {
		return nil, wire.NewError(wire.KindValidation, "TableName is required", nil)
	}
	spec := kvstore.TableSpec{Name: name}
	if schema, ok := req.Body.Fields["KeySchema"].(map[string]interface{}); ok {
		spec.Schema.PartitionKey = stringField(schema, "PartitionKey")
		spec.Schema.SortKey = stringField(schema, "SortKey")
	}
	if rawIndexes, ok := req.Body.Fields["Indexes"].([]interface{}); ok {
		for _, raw := range rawIndexes {
			if m, ok := raw.(map[string]interface{}); ok {
				spec.Indexes = append(spec.Indexes, kvstore.SecondaryIndex{
					Name:         stringField(m, "Name"),
					PartitionKey: stringField(m, "PartitionKey"),
					SortKey:      stringField(m, "SortKey"),
				})
			}
		}
	}
	if err := p.store.CreateTable(spec); err != nil {
		return nil, wire.NewError(wire.KindValidation, err.Error(), err)
	}
	return &wire.Response{Fields: map[string]interface{}{"TableName": name}}, nil
}

func (p *Provider) handlePutItem(req *wire.Request) (*wire.Response, error) {
	table := stringField(req.Body.Fields, "TableName")
	item, ok := req.Body.Fields["Item"].(map[string]interface{})
	if !ok {
		return nil, wire.NewError(wire.KindValidation, "Item is required", nil)
	}
	if err := p.store.Put(table, kvstore.Item(item)); err != nil {
		return nil, mapStoreError(err)
	}
	return &wire.Response{Fields: map[string]interface{}{}}, nil
}

func (p *Provider) handleGetItem(req *wire.Request) (*wire.Response, error) {
	table := stringField(req.Body.Fields, "TableName")
	key, ok := req.Body.Fields["Key"].(map[string]interface{})
	if !ok {
		return nil, wire.NewError(wire.KindValidation, "Key is required", nil)
	}
	item, err := p.store.Get(table, kvstore.Item(key))
	if err != nil {
		if errors.Is(err, kvstore.ErrItemNotFound) {
			// The "missing" marker: an empty response without Item.
			return &wire.Response{Fields: map[string]interface{}{}}, nil
		}
		return nil, mapStoreError(err)
	}
	return &wire.Response{Fields: map[string]interface{}{"Item": map[string]interface{}(item)}}, nil
}

func (p *Provider) handleDeleteItem(req *wire.Request) (*wire.Response, error) {
	table := stringField(req.Body.Fields, "TableName")
	key, ok := req.Body.Fields["Key"].(map[string]interface{})
	if !ok {
		return nil, wire.NewError(wire.KindValidation, "Key is required", nil)
	}
	if err := p.store.Delete(table, kvstore.Item(key)); err != nil {
		return nil, mapStoreError(err)
	}
	return &wire.Response{Fields: map[string]interface{}{}}, nil
}

func (p *Provider) handleQuery(req *wire.Request) (*wire.Response, error) {
	table := stringField(req.Body.Fields, "TableName")
	index := stringField(req.Body.Fields, "IndexName")
	partition := stringField(req.Body.Fields, "PartitionValue")
	if partition == "" {
		return nil, wire.NewError(wire.KindValidation, "PartitionValue is required", nil)
	}
	items, err := p.store.Query(table, index, partition)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return &wire.Response{Fields: map[string]interface{}{
		"Items": itemsToList(items),
		"Count": len(items),
	}}, nil
}

func (p *Provider) handleScan(req *wire.Request) (*wire.Response, error) {
	table := stringField(req.Body.Fields, "TableName")
	limit := 0
	if n, ok := req.Body.Fields["Limit"].(float64); ok {
		limit = int(n)
	}
	items, err := p.store.Scan(table, limit)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return &wire.Response{Fields: map[string]interface{}{
		"Items": itemsToList(items),
		"Count": len(items),
	}}, nil
}

func (p *Provider) handleListTables(req *wire.Request) (*wire.Response, error) {
	return &wire.Response{Fields: map[string]interface{}{"TableNames": p.store.TableNames()}}, nil
}

func itemsToList(items []kvstore.Item) []interface{} {
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]interface{}(item))
	}
	return out
}

func mapStoreError(err error) error {
	if errors.Is(err, kvstore.ErrTableNotFound) {
		return wire.NewError(wire.KindNotFound, err.Error(), err)
	}
	return wire.NewError(wire.KindInternal, err.Error(), err)
}
