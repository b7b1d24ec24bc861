// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package kvstore

import (
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), Options{InMemory: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ordersSpec() TableSpec {
	return TableSpec{
		Name:   "orders",
		Schema: KeySchema{PartitionKey: "orderId", SortKey: "itemId"},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTable(ordersSpec()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	item := Item{"orderId": "o1", "itemId": "i1", "quantity": float64(5)}
	if err := s.Put("orders", item); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get("orders", Item{"orderId": "o1", "itemId": "i1"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["quantity"] != float64(5) {
		t.Errorf("quantity = %v, want 5", got["quantity"])
	}

	if _, err := s.Get("orders", Item{"orderId": "o1", "itemId": "i9"}); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("absent sort key: got %v, want ErrItemNotFound", err)
	}
}

func TestCreateTableIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTable(ordersSpec()); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTable(ordersSpec()); err != nil {
		t.Errorf("second CreateTable: %v", err)
	}
}

func TestQueryOrdersBySortKey(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTable(ordersSpec()); err != nil {
		t.Fatal(err)
	}
	for _, sk := range []string{"i3", "i1", "i2"} {
		if err := s.Put("orders", Item{"orderId": "o1", "itemId": sk}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Put("orders", Item{"orderId": "o2", "itemId": "i1"}); err != nil {
		t.Fatal(err)
	}

	items, err := s.Query("orders", "", "o1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("Query returned %d items, want 3", len(items))
	}
	for i, want := range []string{"i1", "i2", "i3"} {
		if items[i]["itemId"] != want {
			t.Errorf("items[%d].itemId = %v, want %s", i, items[i]["itemId"], want)
		}
	}
}

func TestSecondaryIndexQuery(t *testing.T) {
	s := newTestStore(t)
	spec := ordersSpec()
	spec.Indexes = []SecondaryIndex{{Name: "by-customer", PartitionKey: "customerId", SortKey: "itemId"}}
	if err := s.CreateTable(spec); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("orders", Item{"orderId": "o1", "itemId": "i1", "customerId": "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("orders", Item{"orderId": "o2", "itemId": "i1", "customerId": "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("orders", Item{"orderId": "o3", "itemId": "i1", "customerId": "c2"}); err != nil {
		t.Fatal(err)
	}

	items, err := s.Query("orders", "by-customer", "c1")
	if err != nil {
		t.Fatalf("index Query: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("index Query returned %d items, want 2", len(items))
	}
}

func TestDeleteRemovesItem(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTable(ordersSpec()); err != nil {
		t.Fatal(err)
	}
	key := Item{"orderId": "o1", "itemId": "i1"}
	if err := s.Put("orders", key); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("orders", key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("orders", key); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
	// Deleting again is a no-op.
	if err := s.Delete("orders", key); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestMissingKeyAttributes(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTable(ordersSpec()); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("orders", Item{"orderId": "o1"}); err == nil {
		t.Error("Put without sort key accepted")
	}
	if err := s.Put("orders", Item{"itemId": "i1"}); err == nil {
		t.Error("Put without partition key accepted")
	}
}

func TestUnknownTable(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("nope", Item{"orderId": "o1"}); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("unknown table: got %v, want ErrTableNotFound", err)
	}
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTable(ordersSpec()); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("orders", Item{"orderId": "o1", "itemId": "i1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	items, err := s.Scan("orders", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("items survived reset: %v", items)
	}
}
