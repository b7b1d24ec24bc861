// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package eventsource

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcherSelectors(t *testing.T) {
	d := NewDispatcher(0)
	var prefixHits, suffixHits, typeHits atomic.Int32

	d.RegisterHandler("by-prefix", Selector{BucketPrefix: "uploads/"}, func(context.Context, Event) error {
		prefixHits.Add(1)
		return nil
	})
	d.RegisterHandler("by-suffix", Selector{BucketSuffix: ".png"}, func(context.Context, Event) error {
		suffixHits.Add(1)
		return nil
	})
	d.RegisterHandler("by-type", Selector{EventType: "object-removed"}, func(context.Context, Event) error {
		typeHits.Add(1)
		return nil
	})

	n := d.Dispatch(context.Background(), Event{Type: "object-created", Key: "uploads/cat.png"})
	if n != 2 {
		t.Errorf("matched %d handlers, want 2", n)
	}
	d.Close()

	if prefixHits.Load() != 1 || suffixHits.Load() != 1 || typeHits.Load() != 0 {
		t.Errorf("hits = %d/%d/%d", prefixHits.Load(), suffixHits.Load(), typeHits.Load())
	}
}

func TestDispatcherRulePattern(t *testing.T) {
	d := NewDispatcher(0)
	var hits atomic.Int32
	d.RegisterHandler("rule", Selector{RulePattern: map[string]interface{}{
		"source": []interface{}{"orders"},
	}}, func(context.Context, Event) error {
		hits.Add(1)
		return nil
	})

	d.Dispatch(context.Background(), Event{Detail: map[string]interface{}{"source": "orders"}})
	d.Dispatch(context.Background(), Event{Detail: map[string]interface{}{"source": "users"}})
	d.Close()

	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestDispatcherHandlerErrorDoesNotAffectProducer(t *testing.T) {
	d := NewDispatcher(0)
	var after atomic.Int32
	d.RegisterHandler("failing", Selector{}, func(context.Context, Event) error {
		return errors.New("boom")
	})
	d.RegisterHandler("healthy", Selector{}, func(context.Context, Event) error {
		after.Add(1)
		return nil
	})

	if n := d.Dispatch(context.Background(), Event{Type: "any"}); n != 2 {
		t.Errorf("matched %d", n)
	}
	d.Close()
	if after.Load() != 1 {
		t.Errorf("healthy handler ran %d times", after.Load())
	}
}

func TestDispatcherRemoveHandler(t *testing.T) {
	d := NewDispatcher(0)
	var hits atomic.Int32
	id := d.RegisterHandler("h", Selector{}, func(context.Context, Event) error {
		hits.Add(1)
		return nil
	})
	d.RemoveHandler(id)
	if n := d.Dispatch(context.Background(), Event{}); n != 0 {
		t.Errorf("removed handler still matched (%d)", n)
	}
	d.Close()
}

func TestDispatcherEventualConsistencyDelay(t *testing.T) {
	d := NewDispatcher(30 * time.Millisecond)
	fired := make(chan time.Time, 1)
	d.RegisterHandler("h", Selector{}, func(context.Context, Event) error {
		fired <- time.Now()
		return nil
	})

	start := time.Now()
	d.Dispatch(context.Background(), Event{})
	select {
	case at := <-fired:
		if at.Sub(start) < 25*time.Millisecond {
			t.Errorf("handler ran after %s, want >= 30ms delay", at.Sub(start))
		}
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	d.Close()
}
