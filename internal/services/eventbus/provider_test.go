// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harborstackd/harborstackd/internal/eventsource"
)

type recordingInvoker struct {
	mu    sync.Mutex
	calls map[string]int
	done  chan struct{}
}

func newRecordingInvoker() *recordingInvoker {
	return &recordingInvoker{calls: map[string]int{}, done: make(chan struct{}, 16)}
}

func (r *recordingInvoker) Invoke(_ context.Context, function string, _ []byte) (eventsource.InvokeResult, error) {
	r.mu.Lock()
	r.calls[function]++
	r.mu.Unlock()
	r.done <- struct{}{}
	return eventsource.InvokeResult{OK: true}, nil
}

func (r *recordingInvoker) count(function string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[function]
}

func (r *recordingInvoker) waitCalls(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d target invocations arrived", i, n)
		}
	}
}

func mustPattern(t *testing.T, rule Rule, p *Provider) {
	t.Helper()
	if err := p.PutRule(rule); err != nil {
		t.Fatal(err)
	}
}

func TestFanoutAcrossRules(t *testing.T) {
	inv := newRecordingInvoker()
	p := New("127.0.0.1:0", nil, inv, 0)

	mustPattern(t, Rule{
		Name:    "R1",
		Pattern: map[string]interface{}{"source": []interface{}{"orders"}},
		Targets: []string{"A"},
		Enabled: true,
	}, p)
	mustPattern(t, Rule{
		Name: "R2",
		Pattern: map[string]interface{}{
			"source": []interface{}{"orders"},
			"detail": map[string]interface{}{
				"amount": []interface{}{map[string]interface{}{"numeric": []interface{}{">=", float64(100)}}},
			},
		},
		Targets: []string{"B"},
		Enabled: true,
	}, p)

	// Below the numeric threshold: only R1 matches.
	if _, err := p.PutEvent(context.Background(), "", map[string]interface{}{
		"source": "orders",
		"detail": map[string]interface{}{"amount": float64(50)},
	}); err != nil {
		t.Fatal(err)
	}
	inv.waitCalls(t, 1)
	if inv.count("A") != 1 || inv.count("B") != 0 {
		t.Fatalf("after small event: A=%d B=%d", inv.count("A"), inv.count("B"))
	}

	// At the threshold: both match.
	if _, err := p.PutEvent(context.Background(), "", map[string]interface{}{
		"source": "orders",
		"detail": map[string]interface{}{"amount": float64(250)},
	}); err != nil {
		t.Fatal(err)
	}
	inv.waitCalls(t, 2)
	if inv.count("A") != 2 || inv.count("B") != 1 {
		t.Errorf("after large event: A=%d B=%d", inv.count("A"), inv.count("B"))
	}
}

func TestDisabledRuleDoesNotFire(t *testing.T) {
	inv := newRecordingInvoker()
	p := New("127.0.0.1:0", nil, inv, 0)
	mustPattern(t, Rule{
		Name:    "off",
		Pattern: map[string]interface{}{"source": []interface{}{"x"}},
		Targets: []string{"T"},
		Enabled: false,
	}, p)

	if _, err := p.PutEvent(context.Background(), "", map[string]interface{}{"source": "x"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if inv.count("T") != 0 {
		t.Errorf("disabled rule fired %d times", inv.count("T"))
	}
}

func TestUnknownBusRejected(t *testing.T) {
	p := New("127.0.0.1:0", nil, newRecordingInvoker(), 0)
	if err := p.PutRule(Rule{Name: "r", Bus: "ghost", Enabled: true}); err == nil {
		t.Error("rule on unknown bus accepted")
	}
	if _, err := p.PutEvent(context.Background(), "ghost", map[string]interface{}{}); err == nil {
		t.Error("event on unknown bus accepted")
	}
}

func TestPutTargetsAppends(t *testing.T) {
	inv := newRecordingInvoker()
	p := New("127.0.0.1:0", nil, inv, 0)
	mustPattern(t, Rule{
		Name:    "r",
		Pattern: map[string]interface{}{"source": []interface{}{"s"}},
		Enabled: true,
	}, p)
	if err := p.PutTargets("", "r", []string{"T1", "T2"}); err != nil {
		t.Fatal(err)
	}

	if _, err := p.PutEvent(context.Background(), "", map[string]interface{}{"source": "s"}); err != nil {
		t.Fatal(err)
	}
	inv.waitCalls(t, 2)
	if inv.count("T1") != 1 || inv.count("T2") != 1 {
		t.Errorf("targets: T1=%d T2=%d", inv.count("T1"), inv.count("T2"))
	}
}
