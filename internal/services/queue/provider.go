// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue is the message-queue provider: send/receive/ack over
// the Badger-backed store, served on the query-action dialect.
package queue

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/harborstackd/harborstackd/internal/logging"
	"github.com/harborstackd/harborstackd/internal/middleware"
	svclife "github.com/harborstackd/harborstackd/internal/orchestrator/services"
	"github.com/harborstackd/harborstackd/internal/storage/queuestore"
	"github.com/harborstackd/harborstackd/internal/wire"
)

// Declaration is one queue from the assembly.
type Declaration struct {
	Name   string
	Config queuestore.QueueConfig
}

// Provider serves every declared queue.
type Provider struct {
	addr  string
	decls []Declaration

	mu      sync.Mutex
	running bool
	store   *queuestore.Store
	dataDir string
	persist bool
	httpSvc *svclife.HTTPServerService
}

// New builds the provider; declared queues open on Start. Dead-letter
// targets must be declared before the queues that point at them, which
// the graph's dependency edges guarantee.
func New(addr, dataDir string, persist bool, decls []Declaration) *Provider {
	return &Provider{addr: addr, dataDir: dataDir, persist: persist, decls: append([]Declaration(nil), decls...)}
}

// Name implements orchestrator.Provider.
func (p *Provider) Name() string { return "message-queue" }

// Start opens the store and every declared queue. Idempotent.
func (p *Provider) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	store, err := queuestore.New(p.dataDir, !p.persist)
	if err != nil {
		return err
	}
	for _, d := range p.decls {
		if err := store.CreateQueue(d.Name, d.Config); err != nil && !errors.Is(err, queuestore.ErrQueueExists) {
			_ = store.Close()
			return err
		}
	}
	p.store = store

	dispatcher := &wire.QueryActionDispatcher{Operations: wire.OperationTable{
		"CreateQueue":             p.handleCreateQueue,
		"SendMessage":             p.handleSendMessage,
		"ReceiveMessage":          p.handleReceiveMessage,
		"DeleteMessage":           p.handleDeleteMessage,
		"ChangeMessageVisibility": p.handleChangeVisibility,
		"PurgeQueue":              p.handlePurgeQueue,
		"GetQueueAttributes":      p.handleGetQueueAttributes,
		"ListQueues":              p.handleListQueues,
	}}
	server := &http.Server{
		Addr:              p.addr,
		Handler:           middleware.RequestID(middleware.PrometheusMetrics(middleware.Performance(dispatcher.ServeHTTP))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.httpSvc = svclife.NewHTTPServerService(server, 10*time.Second)
	p.running = true
	logging.Info().Str("addr", p.addr).Int("queues", len(p.decls)).Msg("queue: provider started")
	return nil
}

// Stop closes every queue handle. Idempotent.
func (p *Provider) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false
	return p.store.Close()
}

// HealthCheck reports whether the store is open.
func (p *Provider) HealthCheck(_ context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Flush does nothing; the Badger handles are flushed when Stop closes
// them.
func (p *Provider) Flush(_ context.Context) error { return nil }

// Reset purges every queue.
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
func (p *Provider) String() string { return "message-queue@" + p.addr }

// Receive and Ack implement eventsource.QueueSource for pollers.

func (p *Provider) Receive(queue string, max int) ([]*queuestore.Message, error) {
	return p.store.Receive(queue, max)
}

func (p *Provider) Ack(queue, messageID string) error {
	return p.store.Ack(queue, messageID)
}

// Send enqueues for in-process producers (event-bus targets, tests).
func (p *Provider) Send(queue string, body []byte, attrs map[string]string, groupID, dedupID string) (*queuestore.Message, bool, error) {
	return p.store.Send(queue, body, attrs, groupID, dedupID)
}

// Wire handlers.

func queueName(fields map[string]interface{}) string {
	if s, ok := fields["QueueName"].(string); ok {
		return s
	}
	// Clients using queue URLs put them in QueueUrl; the final path
	// segment is the name.
	if s, ok := fields["QueueUrl"].(string); ok {
		for i := len(s) - 1; i >= 0; i-- {
			if s[i] == '/' {
				return s[i+1:]
			}
		}
		return s
	}
	return ""
}

func (p *Provider) handleCreateQueue(req *wire.Request) (*wire.Response, error) {
	name := queueName(req.Body.Fields)
	if name == "" {
		return nil, wire.NewError(wire.KindValidation, "QueueName is required", nil)
	}
	cfg := queuestore.QueueConfig{}
	if s, ok := req.Body.Fields["VisibilityTimeout"].(string); ok {
		if secs, err := strconv.Atoi(s); err == nil {
			cfg.VisibilityTimeout = time.Duration(secs) * time.Second
		}
	}
	if s, ok := req.Body.Fields["MaxReceiveCount"].(string); ok {
		cfg.MaxReceiveCount, _ = strconv.Atoi(s)
	}
	if s, ok := req.Body.Fields["DeadLetterQueue"].(string); ok {
		cfg.DeadLetterQueue = s
	}
	if s, ok := req.Body.Fields["FifoQueue"].(string); ok {
		cfg.FIFO = s == "true"
	}
	if err := p.store.CreateQueue(name, cfg); err != nil {
		if errors.Is(err, queuestore.ErrQueueExists) {
			return nil, wire.NewError(wire.KindConflict, "queue already exists", err)
		}
		return nil, wire.NewError(wire.KindValidation, err.Error(), err)
	}
	return &wire.Response{Fields: map[string]interface{}{"QueueUrl": "http://" + p.addr + "/" + name}}, nil
}

func (p *Provider) handleSendMessage(req *wire.Request) (*wire.Response, error) {
	name := queueName(req.Body.Fields)
	body, _ := req.Body.Fields["MessageBody"].(string)
	groupID, _ := req.Body.Fields["MessageGroupId"].(string)
	dedupID, _ := req.Body.Fields["MessageDeduplicationId"].(string)

	msg, ok, err := p.store.Send(name, []byte(body), nil, groupID, dedupID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if !ok {
		// Deduplicated send: acknowledged with no new message.
		return &wire.Response{Fields: map[string]interface{}{"Deduplicated": "true"}}, nil
	}
	return &wire.Response{Fields: map[string]interface{}{"MessageId": msg.ID}}, nil
}

func (p *Provider) handleReceiveMessage(req *wire.Request) (*wire.Response, error) {
	name := queueName(req.Body.Fields)
	max := 1
	if s, ok := req.Body.Fields["MaxNumberOfMessages"].(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			max = n
		}
	}
	msgs, err := p.store.Receive(name, max)
	if err != nil {
		return nil, mapStoreError(err)
	}
	entries := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, map[string]interface{}{
			"MessageId":     m.ID,
			"ReceiptHandle": m.ID,
			"Body":          string(m.Body),
		})
	}
	return &wire.Response{Fields: map[string]interface{}{"Message": entries}}, nil
}

func (p *Provider) handleDeleteMessage(req *wire.Request) (*wire.Response, error) {
	name := queueName(req.Body.Fields)
	receipt, _ := req.Body.Fields["ReceiptHandle"].(string)
	if receipt == "" {
		return nil, wire.NewError(wire.KindValidation, "ReceiptHandle is required", nil)
	}
	if err := p.store.Ack(name, receipt); err != nil {
		return nil, mapStoreError(err)
	}
	return &wire.Response{Fields: map[string]interface{}{}}, nil
}

func (p *Provider) handleChangeVisibility(req *wire.Request) (*wire.Response, error) {
	name := queueName(req.Body.Fields)
	receipt, _ := req.Body.Fields["ReceiptHandle"].(string)
	timeout := 0
	if s, ok := req.Body.Fields["VisibilityTimeout"].(string); ok {
		timeout, _ = strconv.Atoi(s)
	}
	if err := p.store.ChangeVisibility(name, receipt, time.Duration(timeout)*time.Second); err != nil {
		return nil, mapStoreError(err)
	}
	return &wire.Response{Fields: map[string]interface{}{}}, nil
}

func (p *Provider) handlePurgeQueue(req *wire.Request) (*wire.Response, error) {
	if err := p.store.Purge(queueName(req.Body.Fields)); err != nil {
		return nil, mapStoreError(err)
	}
	return &wire.Response{Fields: map[string]interface{}{}}, nil
}

func (p *Provider) handleGetQueueAttributes(req *wire.Request) (*wire.Response, error) {
	name := queueName(req.Body.Fields)
	cfg, err := p.store.Config(name)
	if err != nil {
		return nil, mapStoreError(err)
	}
	depth, err := p.store.Depth(name)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return &wire.Response{Fields: map[string]interface{}{
		"ApproximateNumberOfMessages": strconv.Itoa(depth),
		"VisibilityTimeout":           strconv.Itoa(int(cfg.VisibilityTimeout.Seconds())),
		"MaxReceiveCount":             strconv.Itoa(cfg.MaxReceiveCount),
		"DeadLetterQueue":             cfg.DeadLetterQueue,
		"FifoQueue":                   strconv.FormatBool(cfg.FIFO),
	}}, nil
}

func (p *Provider) handleListQueues(req *wire.Request) (*wire.Response, error) {
	return &wire.Response{Fields: map[string]interface{}{"QueueUrl": p.store.QueueNames()}}, nil
}

func mapStoreError(err error) error {
	if errors.Is(err, queuestore.ErrQueueNotFound) {
		return wire.NewError(wire.KindNotFound, err.Error(), err)
	}
	return wire.NewError(wire.KindInternal, err.Error(), err)
}
