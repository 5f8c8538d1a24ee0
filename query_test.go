package tinylsm

import (
	"fmt"
	"testing"
)

func TestCountAndAggregateIntegers(t *testing.T) {
	s := openTestStore(t)
	for i := 1; i <= 5; i++ {
		s.PutInt64([]byte(fmt.Sprintf("n:%d", i)), int64(i*10))
	}
	s.PutString([]byte("n:text"), "not a number")
	s.PutInt64([]byte("other"), 1000)

	n, err := s.Count([]byte("n:"))
	if err != nil || n != 6 {
		t.Fatalf("Count = %d, %v; want 6", n, err)
	}

	r, err := s.Aggregate([]byte("n:"), "")
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if r.Count != 6 || r.Numeric != 5 {
		t.Errorf("counts = %d/%d, want 6/5", r.Count, r.Numeric)
	}
	if r.Sum != 150 || r.Min != 10 || r.Max != 50 || r.Avg() != 30 {
		t.Errorf("aggregate = %+v avg %v", r, r.Avg())
	}
}

func TestAggregateNestedField(t *testing.T) {
	s := openTestStore(t)
	s.PutMap([]byte("emp:1"), map[string]any{"name": "a", "pay": map[string]any{"base": 100}})
	s.PutMap([]byte("emp:2"), map[string]any{"name": "b", "pay": map[string]any{"base": 300.5}})
	s.PutMap([]byte("emp:3"), map[string]any{"name": "c"})
	s.Flush()

	r, err := s.Aggregate([]byte("emp:"), "pay.base")
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if r.Count != 3 || r.Numeric != 2 || r.Sum != 400.5 || r.Min != 100 || r.Max != 300.5 {
		t.Errorf("aggregate = %+v", r)
	}

	empty, _ := s.Aggregate([]byte("none:"), "pay.base")
	if empty.Count != 0 || empty.Avg() != 0 {
		t.Errorf("empty aggregate = %+v", empty)
	}
}

type bulkItem struct {
	ID    int    `msgpack:"id"`
	Label string `msgpack:"label"`
}

func TestPutStructs(t *testing.T) {
	s := openTestStore(t)

	items := make([]KeyValue[bulkItem], 100)
	for i := range items {
		items[i] = KeyValue[bulkItem]{
			Key:   []byte(fmt.Sprintf("item:%03d", i)),
			Value: &bulkItem{ID: i, Label: fmt.Sprintf("label-%d", i)},
		}
	}
	last, err := PutStructs(s, items)
	if err != nil {
		t.Fatalf("PutStructs failed: %v", err)
	}
	if last != 100 {
		t.Errorf("last version = %d, want 100", last)
	}

	for _, i := range []int{0, 42, 99} {
		var got bulkItem
		if err := s.GetStruct([]byte(fmt.Sprintf("item:%03d", i)), &got); err != nil {
			t.Fatalf("GetStruct failed: %v", err)
		}
		if got.ID != i || got.Label != fmt.Sprintf("label-%d", i) {
			t.Errorf("item %d = %+v", i, got)
		}
	}

	// Chunking must not reorder records
	b, err := encodeStructs(items[:7], 3)
	if err != nil {
		t.Fatalf("encodeStructs failed: %v", err)
	}
	for i, rec := range b.records {
		if string(rec.Key.UserKey) != fmt.Sprintf("item:%03d", i) {
			t.Errorf("record %d has key %s", i, rec.Key.UserKey)
		}
	}

	if v, err := PutStructs[bulkItem](s, nil); err != nil || v != s.CurrentVersion() {
		t.Errorf("empty PutStructs = %d, %v", v, err)
	}
}
