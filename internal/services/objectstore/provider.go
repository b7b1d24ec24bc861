// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package objectstore is the bucket provider: logical object operations
// over the file-tree backend, a hybrid-REST wire surface, and push
// notifications for registered bucket handlers.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/harborstackd/harborstackd/internal/eventsource"
	"github.com/harborstackd/harborstackd/internal/logging"
	"github.com/harborstackd/harborstackd/internal/middleware"
	svclife "github.com/harborstackd/harborstackd/internal/orchestrator/services"
	"github.com/harborstackd/harborstackd/internal/storage/objectstore"
	"github.com/harborstackd/harborstackd/internal/wire"
)

// Event types dispatched to registered bucket handlers.
const (
	EventObjectCreated = "object-created"
	EventObjectRemoved = "object-removed"
)

// Provider serves every declared bucket.
type Provider struct {
	addr    string
	dataDir string

	mu       sync.Mutex
	running  bool
	store    *objectstore.Store
	buckets  []string // declared in the assembly, created on Start
	notify   *eventsource.Dispatcher
	httpSvc  *svclife.HTTPServerService
	server   *http.Server
}

// New builds the provider. buckets are created (if missing) on Start.
func New(addr, dataDir string, buckets []string, notifyDelay time.Duration) *Provider {
	return &Provider{
		addr:    addr,
		dataDir: dataDir,
		buckets: append([]string(nil), buckets...),
		notify:  eventsource.NewDispatcher(notifyDelay),
	}
}

// Name implements orchestrator.Provider.
func (p *Provider) Name() string { return "object-store" }

// Start opens the backend, ensures every declared bucket exists, and
// prepares the wire surface. Idempotent.
func (p *Provider) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	store, err := objectstore.New(p.dataDir)
	if err != nil {
		return err
	}
	for _, b := range p.buckets {
		if err := store.CreateBucket(b); err != nil && !errors.Is(err, objectstore.ErrBucketExists) {
			return err
		}
	}
	p.store = store

	router := wire.NewRouter()
	router.Add(wire.CompilePathTemplate(http.MethodGet, "/", "ListBuckets", p.handleListBuckets))
	router.Add(wire.CompilePathTemplate(http.MethodPut, "/{bucket}", "CreateBucket", p.handleCreateBucket))
	router.Add(wire.CompilePathTemplate(http.MethodDelete, "/{bucket}", "DeleteBucket", p.handleDeleteBucket))
	router.Add(wire.CompilePathTemplate(http.MethodGet, "/{bucket}", "ListObjects", p.handleListObjects))
	router.Add(wire.CompilePathTemplate(http.MethodPut, "/{bucket}/{key...}", "PutObject", p.handlePutObject))
	router.Add(wire.CompilePathTemplate(http.MethodGet, "/{bucket}/{key...}", "GetObject", p.handleGetObject))
	router.Add(wire.CompilePathTemplate(http.MethodHead, "/{bucket}/{key...}", "HeadObject", p.handleHeadObject))
	router.Add(wire.CompilePathTemplate(http.MethodDelete, "/{bucket}/{key...}", "DeleteObject", p.handleDeleteObject))

	dispatcher := &wire.RESTDispatcher{Router: router, Format: wire.AlwaysXML}
	p.server = &http.Server{
		Addr:              p.addr,
		Handler:           middleware.RequestID(middleware.PrometheusMetrics(middleware.Performance(dispatcher.ServeHTTP))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.httpSvc = svclife.NewHTTPServerService(p.server, 10*time.Second)
	p.running = true
	logging.Info().Str("addr", p.addr).Int("buckets", len(p.buckets)).Msg("objectstore: provider started")
	return nil
}

// Stop closes the notification dispatcher. Idempotent; the HTTP server
// itself is shut down by the supervisor removing the Serve loop.
func (p *Provider) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.notify.Close()
	p.running = false
	return nil
}

// HealthCheck reports whether the backend answers a listing.
func (p *Provider) HealthCheck(_ context.Context) bool {
	p.mu.Lock()
	store, running := p.store, p.running
	p.mu.Unlock()
	if !running || store == nil {
		return false
	}
	_, err := store.Buckets()
	return err == nil
}

// Reset wipes every bucket and recreates the declared ones.
func (p *Provider) Reset(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store == nil {
		return nil
	}
	if err := p.store.Reset(); err != nil {
		return err
	}
	for _, b := range p.buckets {
		if err := p.store.CreateBucket(b); err != nil && !errors.Is(err, objectstore.ErrBucketExists) {
			return err
		}
	}
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
func (p *Provider) String() string { return "object-store@" + p.addr }

// RegisterHandler subscribes a push handler for bucket events, filtered
// by key prefix/suffix and event type.
func (p *Provider) RegisterHandler(name string, selector eventsource.Selector, handler eventsource.Handler) int {
	return p.notify.RegisterHandler(name, selector, handler)
}

// Put stores an object and dispatches an object-created event.
func (p *Provider) Put(ctx context.Context, bucket, key string, body []byte, contentType string, userMeta map[string]string) (objectstore.Metadata, error) {
	meta, err := p.store.Put(bucket, key, body, contentType, userMeta)
	if err != nil {
		return meta, err
	}
	p.dispatch(ctx, EventObjectCreated, bucket, key, meta.Size, meta.ETag)
	return meta, nil
}

// Get reads an object.
func (p *Provider) Get(bucket, key string) (*objectstore.Object, error) {
	return p.store.Get(bucket, key)
}

// Delete removes an object and dispatches an object-removed event.
func (p *Provider) Delete(ctx context.Context, bucket, key string) error {
	if err := p.store.Delete(bucket, key); err != nil {
		return err
	}
	p.dispatch(ctx, EventObjectRemoved, bucket, key, 0, "")
	return nil
}

// List lists a bucket by prefix.
func (p *Provider) List(bucket, prefix string, max int) ([]objectstore.ObjectSummary, error) {
	return p.store.List(bucket, prefix, max)
}

func (p *Provider) dispatch(ctx context.Context, eventType, bucket, key string, size int64, etag string) {
	detail := map[string]interface{}{
		"eventType": eventType,
		"bucket":    bucket,
		"key":       key,
		"size":      size,
		"etag":      etag,
	}
	raw, err := json.Marshal(map[string]interface{}{
		"Records": []interface{}{map[string]interface{}{
			"eventSource": "local:objectstore",
			"eventName":   eventType,
			"s3": map[string]interface{}{
				"bucket": map[string]interface{}{"name": bucket},
				"object": map[string]interface{}{"key": key, "size": size, "eTag": etag},
			},
		}},
	})
	if err != nil {
		logging.Error().Err(err).Msg("objectstore: notification encoding failed")
		return
	}
	p.notify.Dispatch(ctx, eventsource.Event{Type: eventType, Key: key, Detail: detail, Raw: raw})
}

// Wire handlers.

func (p *Provider) handleListBuckets(req *wire.Request) (*wire.Response, error) {
	buckets, err := p.store.Buckets()
	if err != nil {
		return nil, wire.NewError(wire.KindInternal, "list buckets failed", err)
	}
	entries := make([]interface{}, 0, len(buckets))
	for _, b := range buckets {
		entries = append(entries, map[string]interface{}{"Name": b})
	}
	return &wire.Response{Fields: map[string]interface{}{"Buckets": entries}}, nil
}

func (p *Provider) handleCreateBucket(req *wire.Request) (*wire.Response, error) {
	bucket := req.PathParams["bucket"]
	if err := p.store.CreateBucket(bucket); err != nil {
		if errors.Is(err, objectstore.ErrBucketExists) {
			return nil, wire.NewError(wire.KindConflict, "bucket already exists", err)
		}
		return nil, wire.NewError(wire.KindValidation, err.Error(), err)
	}
	return &wire.Response{StatusCode: http.StatusOK, Fields: map[string]interface{}{"Location": "/" + bucket}}, nil
}

func (p *Provider) handleDeleteBucket(req *wire.Request) (*wire.Response, error) {
	if err := p.store.DeleteBucket(req.PathParams["bucket"]); err != nil {
		if errors.Is(err, objectstore.ErrNoSuchBucket) {
			return nil, wire.NewError(wire.KindNotFound, "no such bucket", err)
		}
		return nil, wire.NewError(wire.KindInternal, "delete bucket failed", err)
	}
	return &wire.Response{StatusCode: http.StatusNoContent, Raw: []byte{}}, nil
}

func (p *Provider) handleListObjects(req *wire.Request) (*wire.Response, error) {
	prefix := ""
	if vs := req.Query["prefix"]; len(vs) > 0 {
		prefix = vs[0]
	}
	max := 0
	if vs := req.Query["max-keys"]; len(vs) > 0 {
		max, _ = strconv.Atoi(vs[0])
	}
	summaries, err := p.store.List(req.PathParams["bucket"], prefix, max)
	if err != nil {
		if errors.Is(err, objectstore.ErrNoSuchBucket) {
			return nil, wire.NewError(wire.KindNotFound, "no such bucket", err)
		}
		return nil, wire.NewError(wire.KindInternal, "list failed", err)
	}
	contents := make([]interface{}, 0, len(summaries))
	for _, s := range summaries {
		contents = append(contents, map[string]interface{}{
			"Key":          s.Key,
			"Size":         s.Size,
			"ETag":         s.ETag,
			"LastModified": s.LastModified.Format(time.RFC3339),
		})
	}
	return &wire.Response{Fields: map[string]interface{}{
		"Name":     req.PathParams["bucket"],
		"Prefix":   prefix,
		"Contents": contents,
	}}, nil
}

func (p *Provider) handlePutObject(req *wire.Request) (*wire.Response, error) {
	bucket, key := req.PathParams["bucket"], req.PathParams["key"]
	contentType := req.Headers.Get("Content-Type")
	userMeta := map[string]string{}
	for name := range req.Headers {
		const prefix = "X-Meta-"
		if len(name) > len(prefix) && http.CanonicalHeaderKey(name[:len(prefix)]) == prefix {
			userMeta[name[len(prefix):]] = req.Headers.Get(name)
		}
	}
	meta, err := p.Put(req.Context, bucket, key, req.Body.Raw, contentType, userMeta)
	if err != nil {
		if errors.Is(err, objectstore.ErrNoSuchBucket) {
			return nil, wire.NewError(wire.KindNotFound, "no such bucket", err)
		}
		return nil, wire.NewError(wire.KindValidation, err.Error(), err)
	}
	headers := http.Header{}
	headers.Set("ETag", `"`+meta.ETag+`"`)
	return &wire.Response{StatusCode: http.StatusOK, Raw: []byte{}, Headers: headers}, nil
}

func (p *Provider) handleGetObject(req *wire.Request) (*wire.Response, error) {
	obj, err := p.store.Get(req.PathParams["bucket"], req.PathParams["key"])
	if err != nil {
		switch {
		case errors.Is(err, objectstore.ErrNoSuchBucket):
			return nil, wire.NewError(wire.KindNotFound, "no such bucket", err)
		case errors.Is(err, objectstore.ErrNoSuchKey):
			return nil, wire.NewError(wire.KindNotFound, "no such key", err)
		}
		return nil, wire.NewError(wire.KindInternal, "get failed", err)
	}
	headers := http.Header{}
	headers.Set("ETag", `"`+obj.Meta.ETag+`"`)
	headers.Set("Last-Modified", obj.Meta.LastModified.UTC().Format(http.TimeFormat))
	for k, v := range obj.Meta.UserMetadata {
		headers.Set("X-Meta-"+k, v)
	}
	return &wire.Response{Raw: obj.Body, ContentType: obj.Meta.ContentType, Headers: headers}, nil
}

func (p *Provider) handleHeadObject(req *wire.Request) (*wire.Response, error) {
	meta, err := p.store.Head(req.PathParams["bucket"], req.PathParams["key"])
	if err != nil {
		return nil, wire.NewError(wire.KindNotFound, "no such object", err)
	}
	headers := http.Header{}
	headers.Set("ETag", `"`+meta.ETag+`"`)
	headers.Set("Content-Length", fmt.Sprintf("%d", meta.Size))
	return &wire.Response{StatusCode: http.StatusOK, Raw: []byte{}, ContentType: meta.ContentType, Headers: headers}, nil
}

func (p *Provider) handleDeleteObject(req *wire.Request) (*wire.Response, error) {
	if err := p.Delete(req.Context, req.PathParams["bucket"], req.PathParams["key"]); err != nil {
		if errors.Is(err, objectstore.ErrNoSuchBucket) {
			return nil, wire.NewError(wire.KindNotFound, "no such bucket", err)
		}
		return nil, wire.NewError(wire.KindInternal, "delete failed", err)
	}
	return &wire.Response{StatusCode: http.StatusNoContent, Raw: []byte{}}, nil
}
