// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package eventsource

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/harborstackd/harborstackd/internal/logging"
	"github.com/harborstackd/harborstackd/internal/metrics"
	"github.com/harborstackd/harborstackd/internal/storage/queuestore"
)

// QueueSource is the queue surface a poller needs; the queue provider
// implements it. The poller holds a non-owning reference and must stop
// before the provider does.
type QueueSource interface {
	Receive(queue string, max int) ([]*queuestore.Message, error)
	Ack(queue, messageID string) error
}

// Invoker is the function surface pollers, dispatchers and schedule
// runners call into.
type Invoker interface {
	Invoke(ctx context.Context, function string, event []byte) (InvokeResult, error)
}

// InvokeResult is the slice of an invocation the wiring layer cares
// about: did the handler succeed.
type InvokeResult struct {
	OK           bool
	ErrorKind    string
	ErrorMessage string
}

// PollerConfig is one queue-to-function mapping.
type PollerConfig struct {
	Queue     string
	Function  string
	BatchSize int
	Enabled   bool

	// BaseInterval paces receive calls; empty receives back off
	// exponentially from it up to MaxBackoff.
	BaseInterval time.Duration
	MaxBackoff   time.Duration
}

// Poller owns one pull mapping. It is a suture service: Serve runs the
// loop until the context is canceled.
type Poller struct {
	cfg     PollerConfig
	source  QueueSource
	invoker Invoker
}

// NewPoller builds a Poller over source and invoker.
func NewPoller(cfg PollerConfig, source QueueSource, invoker Invoker) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &Poller{cfg: cfg, source: source, invoker: invoker}
}

// Serve runs the poll loop: receive up to the batch size; on empty, back
// off exponentially; on messages, reset the backoff, invoke the function
// once with the synthesized batch event, and acknowledge every message
// only when the invocation succeeds. Errors are logged and the loop
// continues, so transient failures don't kill the poller.
func (p *Poller) Serve(ctx context.Context) error {
	if !p.cfg.Enabled {
		<-ctx.Done()
		return ctx.Err()
	}

	// The limiter paces receive calls at the base interval even when the
	// queue stays busy; backoff stretches the pace when it is empty.
	limiter := rate.NewLimiter(rate.Every(p.cfg.BaseInterval), 1)
	backoff := p.cfg.BaseInterval

	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		msgs, err := p.source.Receive(p.cfg.Queue, p.cfg.BatchSize)
		if err != nil {
			metrics.PollerCycles.WithLabelValues(p.cfg.Queue, "error").Inc()
			logging.Warn().Str("queue", p.cfg.Queue).Err(err).Msg("eventsource: poller receive failed")
			if !p.sleep(ctx, backoff) {
				return ctx.Err()
			}
			continue
		}
		if len(msgs) == 0 {
			metrics.PollerCycles.WithLabelValues(p.cfg.Queue, "empty").Inc()
			if !p.sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, p.cfg.MaxBackoff)
			continue
		}
		backoff = p.cfg.BaseInterval

		event, err := batchEvent(p.cfg.Queue, msgs)
		if err != nil {
			logging.Error().Str("queue", p.cfg.Queue).Err(err).Msg("eventsource: batch event encoding failed")
			continue
		}

		result, err := p.invoker.Invoke(ctx, p.cfg.Function, event)
		if err != nil || !result.OK {
			// Leave the batch to redeliver when the visibility lapses.
			metrics.PollerCycles.WithLabelValues(p.cfg.Queue, "error").Inc()
			logging.Warn().Str("queue", p.cfg.Queue).Str("function", p.cfg.Function).
				Err(err).Str("error_kind", result.ErrorKind).
				Msg("eventsource: invocation failed, leaving batch for redelivery")
			continue
		}

		for _, m := range msgs {
			if err := p.source.Ack(p.cfg.Queue, m.ID); err != nil {
				logging.Warn().Str("queue", p.cfg.Queue).Str("message_id", m.ID).Err(err).
					Msg("eventsource: ack failed")
			}
		}
		metrics.PollerCycles.WithLabelValues(p.cfg.Queue, "delivered").Inc()
	}
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// String names the service in supervisor logs.
func (p *Poller) String() string {
	return fmt.Sprintf("poller(%s->%s)", p.cfg.Queue, p.cfg.Function)
}

// batchEvent synthesizes the queue batch event the function receives.
func batchEvent(queue string, msgs []*queuestore.Message) ([]byte, error) {
	records := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		sum := md5.Sum(m.Body)
		record := map[string]interface{}{
			"messageId": m.ID,
			"body":      string(m.Body),
			"attributes": map[string]interface{}{
				"ApproximateReceiveCount":          fmt.Sprintf("%d", m.ReceiveCount),
				"SentTimestamp":                    fmt.Sprintf("%d", m.EnqueuedAt.UnixMilli()),
				"ApproximateFirstReceiveTimestamp": fmt.Sprintf("%d", m.FirstReceivedAt.UnixMilli()),
			},
			"eventSource":    "local:queue",
			"eventSourceARN": "arn:local:queue:local:000000000000:" + queue,
			"md5OfBody":      hex.EncodeToString(sum[:]),
		}
		if m.GroupID != "" {
			attrs := record["attributes"].(map[string]interface{})
			attrs["MessageGroupId"] = m.GroupID
			attrs["MessageDeduplicationId"] = m.DedupID
		}
		if len(m.Attributes) > 0 {
			msgAttrs := map[string]interface{}{}
			for k, v := range m.Attributes {
				msgAttrs[k] = map[string]interface{}{"stringValue": v, "dataType": "String"}
			}
			record["messageAttributes"] = msgAttrs
		}
		records = append(records, record)
	}
	return json.Marshal(map[string]interface{}{"Records": records})
}
