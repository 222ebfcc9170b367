package concore

import (
	"testing"

	"concore/pkg/btree"
	"concore/pkg/txn"
	"concore/pkg/types"
)

func TestOpenWiresIndexEndToEnd(t *testing.T) {
	e, err := Open(DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		if err := e.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}()

	idx := btree.New(btree.Config{
		Name:            "accounts_by_id",
		KeySize:         types.KeySize8,
		LeafMaxSize:     8,
		InternalMaxSize: 8,
		Comparator:      types.ByteComparator,
	}, e.Pool, e.Disk)

	tr := txn.New(txn.ReadCommitted)
	rid := types.RID{PageID: 1, Slot: 0}
	ok, err := idx.Insert(types.IntKeyOf(42), rid, tr)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !ok {
		t.Fatal("Insert: expected true")
	}

	got, found, err := idx.GetValue(types.IntKeyOf(42), nil)
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if !found || got != rid {
		t.Fatalf("GetValue = %+v, found=%v, want %+v, true", got, found, rid)
	}
}

func TestOpenDefaultsStartCycleDetectionWithoutPanicking(t *testing.T) {
	e, err := Open(DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
