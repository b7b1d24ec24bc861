package graph

import "testing"

func mustAddNode(t *testing.T, g *ApplicationGraph, id string, kind Kind) {
	t.Helper()
	if err := g.AddNode(ResourceNode{LogicalID: id, Kind: kind}); err != nil {
		t.Fatalf("AddNode(%s): %v", id, err)
	}
}

func mustAddEdge(t *testing.T, g *ApplicationGraph, source, target string, rel Relation) {
	t.Helper()
	if err := g.AddEdge(ResourceEdge{Source: source, Target: target, Relation: rel}); err != nil {
		t.Fatalf("AddEdge(%s->%s): %v", source, target, err)
	}
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

func TestTopologicalSort_DependencyOrder(t *testing.T) {
	g := New()
	mustAddNode(t, g, "Bucket", KindObjectBucket)
	mustAddNode(t, g, "Fn", KindFunction)
	mustAddNode(t, g, "Api", KindAPIGatewayV2)
	// Api depends on Fn, Fn depends on Bucket.
	mustAddEdge(t, g, "Api", "Fn", RelationTriggers)
	mustAddEdge(t, g, "Fn", "Bucket", RelationDataDependency)

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort: %v", err)
	}
	if indexOf(order, "Bucket") > indexOf(order, "Fn") {
		t.Errorf("Bucket should precede Fn, got %v", order)
	}
	if indexOf(order, "Fn") > indexOf(order, "Api") {
		t.Errorf("Fn should precede Api, got %v", order)
	}
}

func TestTopologicalSort_StableTieBreak(t *testing.T) {
	g := New()
	mustAddNode(t, g, "A", KindFunction)
	mustAddNode(t, g, "B", KindFunction)
	mustAddNode(t, g, "C", KindFunction)
	// No edges: all independent, order should match insertion order.
	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort: %v", err)
	}
	want := []string{"A", "B", "C"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("order[%d] = %s, want %s (full: %v)", i, order[i], id, order)
		}
	}
}

func TestTopologicalSort_Cycle(t *testing.T) {
	g := New()
	mustAddNode(t, g, "A", KindFunction)
	mustAddNode(t, g, "B", KindFunction)
	mustAddEdge(t, g, "A", "B", RelationTriggers)
	mustAddEdge(t, g, "B", "A", RelationTriggers)

	if _, err := g.TopologicalSort(); err != ErrCycle {
		t.Fatalf("TopologicalSort: got %v, want ErrCycle", err)
	}
	cycles := g.DetectCycles()
	if len(cycles) != 1 || len(cycles[0].Members) != 2 {
		t.Fatalf("DetectCycles: got %v, want one 2-member cycle", cycles)
	}
}

func TestDetectCycles_SelfLoop(t *testing.T) {
	g := New()
	mustAddNode(t, g, "A", KindFunction)
	mustAddEdge(t, g, "A", "A", RelationTriggers)

	cycles := g.DetectCycles()
	if len(cycles) != 1 || cycles[0].Members[0] != "A" {
		t.Fatalf("DetectCycles: got %v, want self-loop on A", cycles)
	}
}

func TestDetectCycles_AcyclicGraph(t *testing.T) {
	g := New()
	mustAddNode(t, g, "A", KindFunction)
	mustAddNode(t, g, "B", KindFunction)
	mustAddEdge(t, g, "A", "B", RelationTriggers)

	if cycles := g.DetectCycles(); len(cycles) != 0 {
		t.Fatalf("DetectCycles: got %v, want none", cycles)
	}
}

func TestAddEdge_RejectsUnknownEndpoints(t *testing.T) {
	g := New()
	mustAddNode(t, g, "A", KindFunction)
	if err := g.AddEdge(ResourceEdge{Source: "A", Target: "Missing", Relation: RelationTriggers}); err == nil {
		t.Fatal("expected error for unknown edge target")
	}
}

func TestAddEdge_RejectsDuplicateTriple(t *testing.T) {
	g := New()
	mustAddNode(t, g, "A", KindFunction)
	mustAddNode(t, g, "B", KindFunction)
	mustAddEdge(t, g, "A", "B", RelationTriggers)
	if err := g.AddEdge(ResourceEdge{Source: "A", Target: "B", Relation: RelationTriggers}); err == nil {
		t.Fatal("expected error for duplicate edge triple")
	}
}

func TestReferenceMap_WriteOnceFirstWriterWins(t *testing.T) {
	r := NewReferenceMap()
	if err := r.Set("MyQueue", "local-my-queue"); err != nil {
		t.Fatalf("first Set: %v", err)
	}
	if err := r.Set("MyQueue", "something-else"); err == nil {
		t.Fatal("expected error on second distinct Set")
	}
	v, ok := r.Get("MyQueue")
	if !ok || v != "local-my-queue" {
		t.Fatalf("Get(MyQueue) = %q, %v, want local-my-queue, true", v, ok)
	}
}
