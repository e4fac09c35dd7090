package btree

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
)

func key(i int) []byte {
	return []byte(fmt.Sprintf("key%06d", i))
}

func val(i int) []byte {
	return []byte(fmt.Sprintf("val%06d", i))
}

func TestEmptyTree(t *testing.T) {
	tree := New()

	if tree.Len() != 0 {
		t.Errorf("Expected empty tree, got %d keys", tree.Len())
	}
	if tree.Height() != 1 {
		t.Errorf("Expected height 1, got %d", tree.Height())
	}
	if _, ok := tree.Find([]byte("missing")); ok {
		t.Error("Find on empty tree should miss")
	}
	if got := tree.RangeScan([]byte("a"), []byte("z")); len(got) != 0 {
		t.Errorf("Range on empty tree returned %d pairs", len(got))
	}
}

func TestInsertAndFind(t *testing.T) {
	tree := New()

	for i := 0; i < 1000; i++ {
		tree.Insert(key(i), val(i))
	}

	if tree.Len() != 1000 {
		t.Fatalf("Expected 1000 keys, got %d", tree.Len())
	}

	for i := 0; i < 1000; i++ {
		v, ok := tree.Find(key(i))
		if !ok {
			t.Fatalf("Key %d not found", i)
		}
		if !bytes.Equal(v, val(i)) {
			t.Fatalf("Key %d: got %q, want %q", i, v, val(i))
		}
	}

	if _, ok := tree.Find([]byte("key999999")); ok {
		t.Error("Found a key that was never inserted")
	}
}

func TestOverwrite(t *testing.T) {
	tree := New()

	tree.Insert([]byte("k"), []byte("v1"))
	tree.Insert([]byte("k"), []byte("v2"))

	if tree.Len() != 1 {
		t.Errorf("Overwrite should not grow the tree, got %d keys", tree.Len())
	}

	v, ok := tree.Find([]byte("k"))
	if !ok || !bytes.Equal(v, []byte("v2")) {
		t.Errorf("Expected v2 after overwrite, got %q", v)
	}
}

func TestSplitGrowsHeight(t *testing.T) {
	tree := New()

	// One more than the fanout forces a root leaf split
	for i := 0; i <= Fanout; i++ {
		tree.Insert(key(i), val(i))
	}

	if tree.Height() != 2 {
		t.Errorf("Expected height 2 after root split, got %d", tree.Height())
	}

	for i := 0; i <= Fanout; i++ {
		if _, ok := tree.Find(key(i)); !ok {
			t.Fatalf("Key %d lost in split", i)
		}
	}
}

func TestRandomInsertOrder(t *testing.T) {
	tree := New()
	rng := rand.New(rand.NewSource(42))

	perm := rng.Perm(5000)
	for _, i := range perm {
		tree.Insert(key(i), val(i))
	}

	if tree.Len() != 5000 {
		t.Fatalf("Expected 5000 keys, got %d", tree.Len())
	}

	for i := 0; i < 5000; i++ {
		v, ok := tree.Find(key(i))
		if !ok || !bytes.Equal(v, val(i)) {
			t.Fatalf("Key %d missing or wrong after random inserts", i)
		}
	}
}

func TestRangeScan(t *testing.T) {
	tree := New()

	for i := 0; i < 500; i++ {
		tree.Insert(key(i), val(i))
	}

	results := tree.RangeScan(key(100), key(199))
	if len(results) != 100 {
		t.Fatalf("Expected 100 pairs, got %d", len(results))
	}

	for i, pair := range results {
		if !bytes.Equal(pair.Key, key(100+i)) {
			t.Fatalf("Position %d: got key %q, want %q", i, pair.Key, key(100+i))
		}
		if !bytes.Equal(pair.Value, val(100+i)) {
			t.Fatalf("Position %d: wrong value %q", i, pair.Value)
		}
	}
}

func TestRangeScanOrdering(t *testing.T) {
	tree := New()
	rng := rand.New(rand.NewSource(7))

	for _, i := range rng.Perm(2000) {
		tree.Insert(key(i), val(i))
	}

	results := tree.RangeScan(key(0), key(1999))
	if len(results) != 2000 {
		t.Fatalf("Expected 2000 pairs, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if bytes.Compare(results[i-1].Key, results[i].Key) >= 0 {
			t.Fatalf("Results not strictly ascending at %d", i)
		}
	}
}

func TestRangeScanCrossesLeaves(t *testing.T) {
	tree := New()

	// Enough keys to span many leaves
	for i := 0; i < Fanout*4; i++ {
		tree.Insert(key(i), val(i))
	}

	lo, hi := key(Fanout-10), key(Fanout+10)
	results := tree.RangeScan(lo, hi)
	if len(results) != 21 {
		t.Fatalf("Expected 21 pairs across leaf boundary, got %d", len(results))
	}
}

func TestForEach(t *testing.T) {
	tree := New()
	for i := 0; i < 300; i++ {
		tree.Insert(key(i), val(i))
	}

	var walked int
	var last []byte
	tree.ForEach(func(k, v []byte) {
		if last != nil && bytes.Compare(last, k) >= 0 {
			t.Fatalf("ForEach out of order at %q", k)
		}
		last = append(last[:0], k...)
		walked++
	})

	if walked != 300 {
		t.Errorf("ForEach visited %d keys, want 300", walked)
	}
}
