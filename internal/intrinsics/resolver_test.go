// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package intrinsics

import (
	"testing"

	"github.com/harborstackd/harborstackd/internal/graph"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	refs := graph.NewReferenceMap()
	if err := refs.Set("MyQueue", "local-my-queue"); err != nil {
		t.Fatal(err)
	}
	if err := refs.Set(graph.Attr("MyQueue", "Arn"), "arn:local:queue:local:000000000000:local-my-queue"); err != nil {
		t.Fatal(err)
	}
	kindOf := func(id string) (graph.Kind, bool) {
		switch id {
		case "MyQueue":
			return graph.KindMessageQueue, true
		case "LateBucket":
			return graph.KindObjectBucket, true
		}
		return "", false
	}
	return New(refs, kindOf, map[string]bool{"IsProd": false})
}

func TestResolveRef(t *testing.T) {
	r := newTestResolver(t)
	got := r.Resolve(map[string]interface{}{"ref": "MyQueue"}, nil)
	if got != "local-my-queue" {
		t.Errorf("ref = %v", got)
	}
}

func TestResolveGetAttribute(t *testing.T) {
	r := newTestResolver(t)
	got := r.Resolve(map[string]interface{}{
		"get-attribute": []interface{}{"MyQueue", "Arn"},
	}, nil)
	if got != "arn:local:queue:local:000000000000:local-my-queue" {
		t.Errorf("get-attribute = %v", got)
	}
}

func TestUnknownReferenceWithKnownKind(t *testing.T) {
	r := newTestResolver(t)
	got := r.Resolve(map[string]interface{}{"ref": "LateBucket"}, nil)
	if got != "arn:local:s3:::LateBucket" {
		t.Errorf("synthesized arn = %v", got)
	}
}

func TestUnknownReferenceUnknownKind(t *testing.T) {
	r := newTestResolver(t)
	got, _ := r.Resolve(map[string]interface{}{"ref": "Ghost"}, nil).(string)
	if got != "arn:local:unknown:local:000000000000:Ghost" {
		t.Errorf("placeholder arn = %v", got)
	}
}

func TestSynthesizedArnMemoDoesNotMaskLateRegistration(t *testing.T) {
	refs := graph.NewReferenceMap()
	r := New(refs, func(string) (graph.Kind, bool) { return "", false }, nil)

	first := r.Resolve(map[string]interface{}{"ref": "Late"}, nil)
	second := r.Resolve(map[string]interface{}{"ref": "Late"}, nil)
	if first != second {
		t.Errorf("memoized synthesis diverged: %v vs %v", first, second)
	}

	// A concrete value registered after synthesis wins over the memo.
	if err := refs.Set("Late", "local-late"); err != nil {
		t.Fatal(err)
	}
	if got := r.Resolve(map[string]interface{}{"ref": "Late"}, nil); got != "local-late" {
		t.Errorf("registered value masked by memo: %v", got)
	}
}

func TestResolveSub(t *testing.T) {
	r := newTestResolver(t)

	got := r.Resolve(map[string]interface{}{
		"sub": "https://${MyQueue}.${region}.example/${unresolved}",
	}, nil)
	want := "https://local-my-queue.local.example/${unresolved}"
	if got != want {
		t.Errorf("sub = %v, want %v", got, want)
	}

	// Locals win over the reference map.
	got = r.Resolve(map[string]interface{}{
		"sub": []interface{}{"${name}-suffix", map[string]interface{}{"name": "local-value"}},
	}, nil)
	if got != "local-value-suffix" {
		t.Errorf("sub with locals = %v", got)
	}
}

func TestResolveJoinAndSelect(t *testing.T) {
	r := newTestResolver(t)

	got := r.Resolve(map[string]interface{}{
		"join": []interface{}{"/", []interface{}{"a", map[string]interface{}{"ref": "MyQueue"}, "c"}},
	}, nil)
	if got != "a/local-my-queue/c" {
		t.Errorf("join = %v", got)
	}

	got = r.Resolve(map[string]interface{}{
		"select": []interface{}{float64(1), []interface{}{"x", "y", "z"}},
	}, nil)
	if got != "y" {
		t.Errorf("select = %v", got)
	}
}

func TestResolveIf(t *testing.T) {
	r := newTestResolver(t)
	got := r.Resolve(map[string]interface{}{
		"if": []interface{}{"IsProd", "prod-value", "dev-value"},
	}, nil)
	if got != "dev-value" {
		t.Errorf("if = %v", got)
	}
}

func TestNestedMarkersResolveBottomUp(t *testing.T) {
	r := newTestResolver(t)
	tree := map[string]interface{}{
		"Environment": map[string]interface{}{
			"QUEUE_URL": map[string]interface{}{"ref": "MyQueue"},
			"ENDPOINT": map[string]interface{}{
				"join": []interface{}{":", []interface{}{
					map[string]interface{}{"ref": "MyQueue"},
					"9324",
				}},
			},
		},
		"Plain": "untouched",
	}
	got, ok := r.Resolve(tree, nil).(map[string]interface{})
	if !ok {
		t.Fatalf("resolve returned %T", got)
	}
	env := got["Environment"].(map[string]interface{})
	if env["QUEUE_URL"] != "local-my-queue" {
		t.Errorf("nested ref = %v", env["QUEUE_URL"])
	}
	if env["ENDPOINT"] != "local-my-queue:9324" {
		t.Errorf("nested join = %v", env["ENDPOINT"])
	}
	if got["Plain"] != "untouched" {
		t.Errorf("plain value changed: %v", got["Plain"])
	}
}
