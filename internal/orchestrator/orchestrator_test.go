// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harborstackd/harborstackd/internal/graph"
)

type fakeProvider struct {
	mu        sync.Mutex
	name      string
	startErr  error
	starts    int
	stops     int
	healthy   bool
	flushes   int
	resets    int
	stopDelay time.Duration
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, healthy: true}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeProvider) Stop(ctx context.Context) error {
	if f.stopDelay > 0 {
		select {
		case <-time.After(f.stopDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeProvider) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeProvider) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeProvider) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeProvider) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func buildLinearGraph(t *testing.T, ids ...string) *graph.ApplicationGraph {
	t.Helper()
	g := graph.New()
	for _, id := range ids {
		if err := g.AddNode(graph.ResourceNode{LogicalID: id, Kind: graph.KindFunction}); err != nil {
			t.Fatalf("AddNode(%s): %v", id, err)
		}
	}
	for i := 1; i < len(ids); i++ {
		// ids[i] depends on ids[i-1]: ids[i-1] must start first.
		if err := g.AddEdge(graph.ResourceEdge{Source: ids[i], Target: ids[i-1], Relation: graph.RelationDataDependency}); err != nil {
			t.Fatalf("AddEdge: %v", err)
		}
	}
	return g
}

func TestOrchestratorStartOrderFollowsTopologicalSort(t *testing.T) {
	g := buildLinearGraph(t, "storage", "queue", "function")
	orch := New(g, nil, time.Second)

	var startOrder []string
	var mu sync.Mutex
	providers := map[string]*fakeProvider{
		"storage":  newFakeProvider("storage"),
		"queue":    newFakeProvider("queue"),
		"function": newFakeProvider("function"),
	}
	for id, p := range providers {
		if err := orch.Bind(id, &orderRecordingProvider{fakeProvider: p, id: id, order: &startOrder, mu: &mu}, LayerWire); err != nil {
			t.Fatalf("Bind(%s): %v", id, err)
		}
	}

	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := []string{"storage", "queue", "function"}
	mu.Lock()
	got := append([]string(nil), startOrder...)
	mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("start order length = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("start order = %v, want %v", got, want)
		}
	}
}

type orderRecordingProvider struct {
	*fakeProvider
	id    string
	order *[]string
	mu    *sync.Mutex
}

func (o *orderRecordingProvider) Start(ctx context.Context) error {
	err := o.fakeProvider.Start(ctx)
	o.mu.Lock()
	*o.order = append(*o.order, o.id)
	o.mu.Unlock()
	return err
}

func TestOrchestratorRollsBackOnStartFailure(t *testing.T) {
	g := buildLinearGraph(t, "storage", "queue", "function")
	orch := New(g, nil, time.Second)

	storage := newFakeProvider("storage")
	queue := newFakeProvider("queue")
	failure := errors.New("boom")
	fn := newFakeProvider("function")
	fn.startErr = failure

	if err := orch.Bind("storage", storage, LayerWire); err != nil {
		t.Fatal(err)
	}
	if err := orch.Bind("queue", queue, LayerWire); err != nil {
		t.Fatal(err)
	}
	if err := orch.Bind("function", fn, LayerWire); err != nil {
		t.Fatal(err)
	}

	err := orch.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail")
	}
	var startErr *ErrProviderStart
	if !errors.As(err, &startErr) {
		t.Fatalf("expected *ErrProviderStart, got %T: %v", err, err)
	}
	if startErr.LogicalID != "function" {
		t.Errorf("failed logical id = %q, want %q", startErr.LogicalID, "function")
	}

	// storage and queue did start, then must have been rolled back.
	if storage.startCount() != 1 || storage.stopCount() != 1 {
		t.Errorf("storage starts=%d stops=%d, want 1/1", storage.startCount(), storage.stopCount())
	}
	if queue.startCount() != 1 || queue.stopCount() != 1 {
		t.Errorf("queue starts=%d stops=%d, want 1/1", queue.startCount(), queue.stopCount())
	}
	if fn.stopCount() != 0 {
		t.Errorf("function that never started should not be stopped, got %d stops", fn.stopCount())
	}

	status, _ := orch.Status("function")
	if status != StatusError {
		t.Errorf("function status = %s, want %s", status, StatusError)
	}
}

func TestOrchestratorStopIsReverseOfStart(t *testing.T) {
	g := buildLinearGraph(t, "a", "b", "c")
	orch := New(g, nil, time.Second)

	var stopOrder []string
	var mu sync.Mutex
	for _, id := range []string{"a", "b", "c"} {
		p := newFakeProvider(id)
		idc := id
		orch.Bind(idc, &stopRecordingProvider{fakeProvider: p, id: idc, order: &stopOrder, mu: &mu}, LayerWire)
	}

	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := orch.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{"c", "b", "a"}
	if len(stopOrder) != len(want) {
		t.Fatalf("stop order length = %d, want %d", len(stopOrder), len(want))
	}
	for i := range want {
		if stopOrder[i] != want[i] {
			t.Fatalf("stop order = %v, want %v", stopOrder, want)
		}
	}
}

type stopRecordingProvider struct {
	*fakeProvider
	id    string
	order *[]string
	mu    *sync.Mutex
}

func (s *stopRecordingProvider) Stop(ctx context.Context) error {
	err := s.fakeProvider.Stop(ctx)
	s.mu.Lock()
	*s.order = append(*s.order, s.id)
	s.mu.Unlock()
	return err
}

func TestOrchestratorIdempotentLifecycle(t *testing.T) {
	g := buildLinearGraph(t, "a")
	orch := New(g, nil, time.Second)
	p := newFakeProvider("a")
	orch.Bind("a", p, LayerWire)

	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := orch.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := orch.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if p.stopCount() != 1 {
		t.Errorf("Stop should only reach the provider once, got %d", p.stopCount())
	}
}

func TestOrchestratorRefusesCyclicGraph(t *testing.T) {
	g := graph.New()
	g.AddNode(graph.ResourceNode{LogicalID: "a", Kind: graph.KindFunction})
	g.AddNode(graph.ResourceNode{LogicalID: "b", Kind: graph.KindFunction})
	g.AddEdge(graph.ResourceEdge{Source: "a", Target: "b", Relation: graph.RelationDataDependency})
	g.AddEdge(graph.ResourceEdge{Source: "b", Target: "a", Relation: graph.RelationDataDependency})

	orch := New(g, nil, time.Second)
	orch.Bind("a", newFakeProvider("a"), LayerWire)
	orch.Bind("b", newFakeProvider("b"), LayerWire)

	if err := orch.Start(context.Background()); !errors.Is(err, ErrCyclicGraph) {
		t.Fatalf("Start on cyclic graph = %v, want ErrCyclicGraph", err)
	}
}

func TestOrchestratorFlushesBeforeStop(t *testing.T) {
	g := buildLinearGraph(t, "a")
	orch := New(g, nil, time.Second)
	p := newFakeProvider("a")
	orch.Bind("a", p, LayerWire)

	orch.Start(context.Background())
	orch.Stop(context.Background())

	if p.flushes != 1 {
		t.Errorf("flushes = %d, want 1", p.flushes)
	}
}

func TestOrchestratorReset(t *testing.T) {
	g := buildLinearGraph(t, "a", "b")
	orch := New(g, nil, time.Second)
	a := newFakeProvider("a")
	b := newFakeProvider("b")
	orch.Bind("a", a, LayerWire)
	orch.Bind("b", b, LayerWire)
	orch.Start(context.Background())

	if err := orch.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if a.resets != 1 || b.resets != 1 {
		t.Errorf("resets = %d/%d, want 1/1", a.resets, b.resets)
	}
}
