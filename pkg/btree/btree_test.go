package btree

import (
	"math/rand"
	"sync"
	"testing"

	"concore/pkg/bufferpool"
	"concore/pkg/disk"
	cerrors "concore/pkg/errors"
	"concore/pkg/txn"
	"concore/pkg/types"
)

func newTestTree(t *testing.T, leafMax, internalMax, poolSize int) *BTree {
	t.Helper()
	d, err := disk.Open(disk.OpenOptions{InMemory: true})
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	bpm := bufferpool.NewManager(poolSize, d)
	return New(Config{
		Name:            "test-index",
		KeySize:         types.KeySize8,
		LeafMaxSize:     leafMax,
		InternalMaxSize: internalMax,
		Comparator:      types.ByteComparator,
	}, bpm, d)
}

func rid(n int) types.RID { return types.RID{PageID: types.PageID(n), Slot: uint32(n)} }

func insertInt(t *testing.T, tree *BTree, n int) {
	t.Helper()
	tr := txn.New(txn.ReadCommitted)
	ok, err := tree.Insert(types.IntKeyOf(int64(n)), rid(n), tr)
	if err != nil {
		t.Fatalf("Insert(%d): %v", n, err)
	}
	if !ok {
		t.Fatalf("Insert(%d): expected true, got false", n)
	}
}

func TestInsertAndGetValueRoundTrip(t *testing.T) {
	tree := newTestTree(t, 8, 8, 64)
	for _, n := range []int{5, 1, 9, 3, 7} {
		insertInt(t, tree, n)
	}

	for _, n := range []int{5, 1, 9, 3, 7} {
		got, ok, err := tree.GetValue(types.IntKeyOf(int64(n)), nil)
		if err != nil {
			t.Fatalf("GetValue(%d): %v", n, err)
		}
		if !ok {
			t.Fatalf("GetValue(%d): not found", n)
		}
		if got != rid(n) {
			t.Fatalf("GetValue(%d) = %+v, want %+v", n, got, rid(n))
		}
	}

	_, ok, err := tree.GetValue(types.IntKeyOf(42), nil)
	if err != nil {
		t.Fatalf("GetValue(42): %v", err)
	}
	if ok {
		t.Fatal("GetValue(42) should not find an unseen key")
	}
}

func TestInsertDuplicateKeyReturnsFalse(t *testing.T) {
	tree := newTestTree(t, 8, 8, 64)
	insertInt(t, tree, 1)

	tr := txn.New(txn.ReadCommitted)
	ok, err := tree.Insert(types.IntKeyOf(1), rid(99), tr)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if ok {
		t.Fatal("Insert of a duplicate key should return false")
	}
	got, _, _ := tree.GetValue(types.IntKeyOf(1), nil)
	if got != rid(1) {
		t.Fatal("duplicate insert should not have overwritten the original value")
	}
}

func TestInsertNilTransactionPanics(t *testing.T) {
	tree := newTestTree(t, 8, 8, 64)
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic when Insert is called with a nil transaction")
		}
	}()
	_, _ = tree.Insert(types.IntKeyOf(1), rid(1), nil)
}

func TestRemoveNilTransactionPanics(t *testing.T) {
	tree := newTestTree(t, 8, 8, 64)
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic when Remove is called with a nil transaction")
		}
	}()
	_ = tree.Remove(types.IntKeyOf(1), nil)
}

// TestInsertForcesLeafAndInternalSplits uses a small max size so that 200
// insertions force the leaf to split repeatedly and the resulting
// internal nodes to split in turn, growing the tree through multiple
// levels. Every key must remain retrievable afterwards.
func TestInsertForcesLeafAndInternalSplits(t *testing.T) {
	tree := newTestTree(t, 4, 4, 256)
	const n = 200

	order := rand.New(rand.NewSource(1)).Perm(n)
	for _, v := range order {
		insertInt(t, tree, v)
	}

	for v := 0; v < n; v++ {
		got, ok, err := tree.GetValue(types.IntKeyOf(int64(v)), nil)
		if err != nil {
			t.Fatalf("GetValue(%d): %v", v, err)
		}
		if !ok {
			t.Fatalf("GetValue(%d): key lost after splitting", v)
		}
		if got != rid(v) {
			t.Fatalf("GetValue(%d) = %+v, want %+v", v, got, rid(v))
		}
	}
}

func TestRemoveTriggersRedistributeAndMerge(t *testing.T) {
	tree := newTestTree(t, 4, 4, 256)
	const n = 100

	for v := 0; v < n; v++ {
		insertInt(t, tree, v)
	}

	// Remove every other key, which forces a long run of underfull leaves
	// to redistribute from or merge with their siblings.
	for v := 0; v < n; v += 2 {
		tr := txn.New(txn.ReadCommitted)
		if err := tree.Remove(types.IntKeyOf(int64(v)), tr); err != nil {
			t.Fatalf("Remove(%d): %v", v, err)
		}
	}

	for v := 0; v < n; v++ {
		_, ok, err := tree.GetValue(types.IntKeyOf(int64(v)), nil)
		if err != nil {
			t.Fatalf("GetValue(%d): %v", v, err)
		}
		if v%2 == 0 && ok {
			t.Fatalf("GetValue(%d): key should have been removed", v)
		}
		if v%2 != 0 && !ok {
			t.Fatalf("GetValue(%d): surviving key lost during coalesce/redistribute", v)
		}
	}
}

func TestRemoveEmptiesTreeBackToInvalidRoot(t *testing.T) {
	tree := newTestTree(t, 4, 4, 64)
	const n = 30
	for v := 0; v < n; v++ {
		insertInt(t, tree, v)
	}
	for v := 0; v < n; v++ {
		tr := txn.New(txn.ReadCommitted)
		if err := tree.Remove(types.IntKeyOf(int64(v)), tr); err != nil {
			t.Fatalf("Remove(%d): %v", v, err)
		}
	}
	if !tree.IsEmpty() {
		t.Fatal("tree should be empty after removing every key")
	}

	// Insert should be able to start a brand new tree after emptying.
	insertInt(t, tree, 1000)
	got, ok, err := tree.GetValue(types.IntKeyOf(1000), nil)
	if err != nil || !ok || got != rid(1000) {
		t.Fatalf("GetValue(1000) after re-populating an emptied tree: got=%+v ok=%v err=%v", got, ok, err)
	}
}

func TestRemoveOfMissingKeyIsANoop(t *testing.T) {
	tree := newTestTree(t, 4, 4, 64)
	insertInt(t, tree, 1)

	tr := txn.New(txn.ReadCommitted)
	if err := tree.Remove(types.IntKeyOf(999), tr); err != nil {
		t.Fatalf("Remove of a missing key should not error: %v", err)
	}
	got, ok, _ := tree.GetValue(types.IntKeyOf(1), nil)
	if !ok || got != rid(1) {
		t.Fatal("unrelated key should survive a no-op remove")
	}
}

func TestIteratorVisitsKeysInOrder(t *testing.T) {
	tree := newTestTree(t, 4, 4, 128)
	const n = 60
	order := rand.New(rand.NewSource(2)).Perm(n)
	for _, v := range order {
		insertInt(t, tree, v)
	}

	it, err := tree.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	var seen []int64
	for !it.IsEnd() {
		key, err := it.Key()
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		val, err := it.Value()
		if err != nil {
			t.Fatalf("Value: %v", err)
		}
		ik := decodeIntKey(key)
		if val.PageID != types.PageID(ik) {
			t.Fatalf("iterator value mismatch at key %d: %+v", ik, val)
		}
		seen = append(seen, ik)
		if err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}

	if len(seen) != n {
		t.Fatalf("iterator visited %d keys, want %d", len(seen), n)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i-1] >= seen[i] {
			t.Fatalf("iterator not in ascending order at index %d: %d then %d", i, seen[i-1], seen[i])
		}
	}
}

func TestIteratorDereferenceAtEndIsOutOfRange(t *testing.T) {
	tree := newTestTree(t, 4, 4, 64)
	it, err := tree.Begin()
	if err != nil {
		t.Fatalf("Begin on an empty tree: %v", err)
	}
	if !it.IsEnd() {
		t.Fatal("Begin on an empty tree should be End()")
	}
	if _, err := it.Key(); cerrors.KindOf(err) != cerrors.KindOutOfRange {
		t.Fatalf("Key() past End(): KindOf = %v, want KindOutOfRange", cerrors.KindOf(err))
	}
	if err := it.Next(); cerrors.KindOf(err) != cerrors.KindOutOfRange {
		t.Fatalf("Next() past End(): KindOf = %v, want KindOutOfRange", cerrors.KindOf(err))
	}
}

func TestBeginAtSeeksToFirstKeyGreaterOrEqual(t *testing.T) {
	tree := newTestTree(t, 4, 4, 128)
	for _, v := range []int{0, 2, 4, 6, 8, 10} {
		insertInt(t, tree, v)
	}

	it, err := tree.BeginAt(types.IntKeyOf(5))
	if err != nil {
		t.Fatalf("BeginAt(5): %v", err)
	}
	key, err := it.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if got := decodeIntKey(key); got != 6 {
		t.Fatalf("BeginAt(5) landed on %d, want 6", got)
	}
}

func TestBeginAtPastEveryKeyIsEnd(t *testing.T) {
	tree := newTestTree(t, 4, 4, 64)
	insertInt(t, tree, 1)
	insertInt(t, tree, 2)

	it, err := tree.BeginAt(types.IntKeyOf(100))
	if err != nil {
		t.Fatalf("BeginAt(100): %v", err)
	}
	if !it.IsEnd() {
		t.Fatal("BeginAt past every key should be End()")
	}
}

// TestConcurrentInsertAndGetValue drives latch crabbing under contention:
// many goroutines insert distinct keys while others concurrently look up
// keys already known to exist, exercising safe-node ancestor release on
// both the read and write paths at once.
func TestConcurrentInsertAndGetValue(t *testing.T) {
	tree := newTestTree(t, 4, 4, 256)
	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				n := base*perWriter + i
				tr := txn.New(txn.ReadCommitted)
				if _, err := tree.Insert(types.IntKeyOf(int64(n)), rid(n), tr); err != nil {
					t.Errorf("Insert(%d): %v", n, err)
				}
			}
		}(w)
	}
	wg.Wait()

	total := writers * perWriter
	for n := 0; n < total; n++ {
		got, ok, err := tree.GetValue(types.IntKeyOf(int64(n)), nil)
		if err != nil {
			t.Fatalf("GetValue(%d): %v", n, err)
		}
		if !ok {
			t.Fatalf("GetValue(%d): lost under concurrent insertion", n)
		}
		if got != rid(n) {
			t.Fatalf("GetValue(%d) = %+v, want %+v", n, got, rid(n))
		}
	}
}

// decodeIntKey reverses types.IntKeyOf for assertions; it duplicates the
// sign-flip rather than importing keycodec, since btree's tests should
// not depend on the sibling package that depends on btree's own key type.
func decodeIntKey(k types.IndexKey) int64 {
	b := k.Bytes()
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return int64(u ^ (1 << 63))
}
