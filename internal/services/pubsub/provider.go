// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pubsub is the topic provider: publish/subscribe over an
// embedded NATS server through watermill, plus push wiring from topics
// to registered function handlers.
package pubsub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsserver "github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"

	"github.com/harborstackd/harborstackd/internal/eventsource"
	"github.com/harborstackd/harborstackd/internal/logging"
	"github.com/harborstackd/harborstackd/internal/middleware"
	svclife "github.com/harborstackd/harborstackd/internal/orchestrator/services"
	"github.com/harborstackd/harborstackd/internal/wire"
)

// Options configures the embedded broker.
type Options struct {
	// NATSPort is the embedded server's client port (0 picks a free
	// port). ExternalURL bypasses the embedded server entirely.
	NATSPort    int
	ExternalURL string
	StoreDir    string
}

// Provider serves every declared topic.
type Provider struct {
	addr   string
	opts   Options
	topics []string

	mu         sync.Mutex
	running    bool
	natsServer *natsserver.Server
	url        string
	publisher  message.Publisher
	subs       []message.Subscriber
	handlerWG  sync.WaitGroup
	httpSvc    *svclife.HTTPServerService
}

// New builds the provider; topics come from the assembly.
func New(addr string, opts Options, topics []string) *Provider {
	return &Provider{addr: addr, opts: opts, topics: append([]string(nil), topics...)}
}

// Name implements orchestrator.Provider.
func (p *Provider) Name() string { return "pubsub-topic" }

// wmLogger adapts the process logger to watermill's interface.
type wmLogger struct{ fields watermill.LogFields }

func (l wmLogger) Error(msg string, err error, fields watermill.LogFields) {
	logging.Error().Err(err).Fields(map[string]interface{}(l.fields.Add(fields))).Msg("pubsub: " + msg)
}
func (l wmLogger) Info(msg string, fields watermill.LogFields) {
	logging.Debug().Fields(map[string]interface{}(l.fields.Add(fields))).Msg("pubsub: " + msg)
}
func (l wmLogger) Debug(msg string, fields watermill.LogFields) {
	logging.Trace().Fields(map[string]interface{}(l.fields.Add(fields))).Msg("pubsub: " + msg)
}
func (l wmLogger) Trace(msg string, fields watermill.LogFields) {
	logging.Trace().Fields(map[string]interface{}(l.fields.Add(fields))).Msg("pubsub: " + msg)
}
func (l wmLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return wmLogger{fields: l.fields.Add(fields)}
}

// Start brings up the embedded broker (unless an external URL is
// configured) and connects the publisher. Idempotent.
func (p *Provider) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	if p.opts.ExternalURL != "" {
		p.url = p.opts.ExternalURL
	} else {
		ns, err := natsserver.NewServer(&natsserver.Options{
			ServerName: "harborstackd-pubsub",
			Host:       "127.0.0.1",
			Port:       p.opts.NATSPort,
			JetStream:  false,
			NoLog:      true,
			NoSigs:     true,
		})
		if err != nil {
			return fmt.Errorf("pubsub: create embedded broker: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(30 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("pubsub: embedded broker not ready within timeout")
		}
		p.natsServer = ns
		p.url = ns.ClientURL()
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL: p.url,
		NatsOptions: []natsgo.Option{
			natsgo.RetryOnFailedConnect(true),
			natsgo.MaxReconnects(10),
			natsgo.ReconnectWait(250 * time.Millisecond),
		},
		Marshaler: &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{Disabled: true},
	}, wmLogger{})
	if err != nil {
		if p.natsServer != nil {
			p.natsServer.Shutdown()
			p.natsServer = nil
		}
		return fmt.Errorf("pubsub: create publisher: %w", err)
	}
	p.publisher = pub

	dispatcher := &wire.QueryActionDispatcher{Operations: wire.OperationTable{
		"Publish":    p.handlePublish,
		"ListTopics": p.handleListTopics,
	}}
	server := &http.Server{
		Addr:              p.addr,
		Handler:           middleware.RequestID(middleware.PrometheusMetrics(middleware.Performance(dispatcher.ServeHTTP))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.httpSvc = svclife.NewHTTPServerService(server, 10*time.Second)
	p.running = true
	logging.Info().Str("addr", p.addr).Str("broker", p.url).Int("topics", len(p.topics)).
		Msg("pubsub: provider started")
	return nil
}

// Stop tears down subscribers, the publisher, and the embedded broker.
// Idempotent.
func (p *Provider) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false
	for _, sub := range p.subs {
		_ = sub.Close()
	}
	p.subs = nil
	p.handlerWG.Wait()
	if p.publisher != nil {
		_ = p.publisher.Close()
	}
	if p.natsServer != nil {
		p.natsServer.Shutdown()
		p.natsServer.WaitForShutdown()
		p.natsServer = nil
	}
	return nil
}

// HealthCheck reports broker readiness.
func (p *Provider) HealthCheck(_ context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	if p.natsServer != nil {
		return p.natsServer.ReadyForConnections(time.Millisecond)
	}
	return true
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
func (p *Provider) String() string { return "pubsub-topic@" + p.addr }

// Publish sends payload to topic.
func (p *Provider) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	return p.publisher.Publish(sanitizeTopic(topic), msg)
}

// Subscribe registers handler for every message on topic. Each
// subscription gets its own watermill subscriber so handlers consume
// independently (fan-out, not queue-group competition).
func (p *Provider) Subscribe(name, topic string, handler eventsource.Handler) error {
	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL: p.url,
		NatsOptions: []natsgo.Option{
			natsgo.RetryOnFailedConnect(true),
			natsgo.MaxReconnects(10),
			natsgo.ReconnectWait(250 * time.Millisecond),
		},
		Unmarshaler: &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, wmLogger{})
	if err != nil {
		return fmt.Errorf("pubsub: create subscriber for %q: %w", topic, err)
	}

	msgCh, err := sub.Subscribe(context.Background(), sanitizeTopic(topic))
	if err != nil {
		_ = sub.Close()
		return fmt.Errorf("pubsub: subscribe %q: %w", topic, err)
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	p.handlerWG.Add(1)
	go func() {
		defer p.handlerWG.Done()
		for msg := range msgCh {
			ev := eventsource.Event{Type: "message-published", Key: topic, Raw: msg.Payload}
			if err := handler(msg.Context(), ev); err != nil {
				logging.Warn().Str("subscription", name).Str("topic", topic).Err(err).
					Msg("pubsub: handler failed")
			}
			msg.Ack()
		}
	}()
	return nil
}

// Topics lists declared topics.
func (p *Provider) Topics() []string {
	return append([]string(nil), p.topics...)
}

// sanitizeTopic maps a logical topic name onto a NATS subject token.
func sanitizeTopic(topic string) string {
	out := make([]byte, len(topic))
	for i := 0; i < len(topic); i++ {
		c := topic[i]
		switch c {
		case '.', ' ', '*', '>':
			out[i] = '_'
		default:
			out[i] = c
		}
	}
	return "topic." + string(out)
}

func (p *Provider) handlePublish(req *wire.Request) (*wire.Response, error) {
	topic, _ := req.Body.Fields["TopicName"].(string)
	msgText, _ := req.Body.Fields["Message"].(string)
	if topic == "" || msgText == "" {
		return nil, wire.NewError(wire.KindValidation, "TopicName and Message are required", nil)
	}
	if err := p.Publish(req.Context, topic, []byte(msgText)); err != nil {
		return nil, wire.NewError(wire.KindInternal, "publish failed", err)
	}
	return &wire.Response{Fields: map[string]interface{}{"MessageId": watermill.NewUUID()}}, nil
}

func (p *Provider) handleListTopics(req *wire.Request) (*wire.Response, error) {
	return &wire.Response{Fields: map[string]interface{}{"Topics": p.topics}}, nil
}
