// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package eventsource

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/harborstackd/harborstackd/internal/logging"
)

// Selector filters which produced events reach a registered handler.
// Zero-value fields don't constrain.
type Selector struct {
	BucketPrefix string
	BucketSuffix string
	EventType    string
	RulePattern  map[string]interface{}
}

// Event is what push producers hand the dispatcher.
type Event struct {
	Type   string                 // e.g. "object-created", "object-removed"
	Key    string                 // object key for bucket events
	Detail map[string]interface{} // full event document for pattern rules
	Raw    []byte                 // serialized payload delivered to handlers
}

// Handler is a registered callback. Handlers run on their own goroutine,
// in parallel with the producer; an error is logged and never affects
// the producer.
type Handler func(ctx context.Context, ev Event) error

// Matches applies the selector to ev.
func (s Selector) Matches(ev Event) bool {
	if s.EventType != "" && s.EventType != ev.Type {
		return false
	}
	if s.BucketPrefix != "" && !strings.HasPrefix(ev.Key, s.BucketPrefix) {
		return false
	}
	if s.BucketSuffix != "" && !strings.HasSuffix(ev.Key, s.BucketSuffix) {
		return false
	}
	if s.RulePattern != nil && !MatchPattern(s.RulePattern, ev.Detail) {
		return false
	}
	return true
}

type registration struct {
	id       int
	name     string
	selector Selector
	handler  Handler
}

// Dispatcher is the push side of event-source wiring: producers call
// Dispatch, and every registered handler whose selector matches runs as
// an independent task.
type Dispatcher struct {
	// Delay is the artificial eventual-consistency delay applied before
	// each handler runs.
	Delay time.Duration

	mu       sync.RWMutex
	nextID   int
	handlers []registration
	wg       sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDispatcher builds an empty Dispatcher.
func NewDispatcher(delay time.Duration) *Dispatcher {
	return &Dispatcher{Delay: delay, closed: make(chan struct{})}
}

// RegisterHandler adds a callback under a selector; the returned id
// removes it again.
func (d *Dispatcher) RegisterHandler(name string, selector Selector, handler Handler) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers = append(d.handlers, registration{id: d.nextID, name: name, selector: selector, handler: handler})
	return d.nextID
}

// RemoveHandler drops the registration with id.
func (d *Dispatcher) RemoveHandler(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, reg := range d.handlers {
		if reg.id == id {
			d.handlers = append(d.handlers[:i], d.handlers[i+1:]...)
			return
		}
	}
}

// Dispatch fans ev out to every matching handler, each on its own
// goroutine. The producer is never blocked by or affected by handlers.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) int {
	d.mu.RLock()
	matching := make([]registration, 0, len(d.handlers))
	for _, reg := range d.handlers {
		if reg.selector.Matches(ev) {
			matching = append(matching, reg)
		}
	}
	d.mu.RUnlock()

	for _, reg := range matching {
		reg := reg
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if d.Delay > 0 {
				timer := time.NewTimer(d.Delay)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-d.closed:
					return
				case <-ctx.Done():
					return
				}
			}
			if err := reg.handler(ctx, ev); err != nil {
				logging.Warn().Str("handler", reg.name).Str("event_type", ev.Type).Err(err).
					Msg("eventsource: handler failed")
			}
		}()
	}
	return len(matching)
}

// Close drops dispatches still waiting out the delay (their handlers
// never run) and waits for in-flight handlers to finish.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.closed) })
	d.wg.Wait()
}
