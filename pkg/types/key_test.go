package types

import "testing"

func TestByteComparatorOrdersIntKeys(t *testing.T) {
	vals := []int64{-100, -1, 0, 1, 2, 1000, 1<<40 + 7}
	for i := 1; i < len(vals); i++ {
		a, b := IntKeyOf(vals[i-1]), IntKeyOf(vals[i])
		if ByteComparator(a, b) >= 0 {
			t.Fatalf("expected IntKeyOf(%d) < IntKeyOf(%d)", vals[i-1], vals[i])
		}
		if ByteComparator(b, a) <= 0 {
			t.Fatalf("expected IntKeyOf(%d) > IntKeyOf(%d)", vals[i], vals[i-1])
		}
		if ByteComparator(a, a) != 0 {
			t.Fatalf("expected IntKeyOf(%d) == itself", vals[i-1])
		}
	}
}

func TestNewIndexKeyPadsAndReportsSize(t *testing.T) {
	k := NewIndexKey(KeySize4, []byte{1, 2})
	if k.Size() != KeySize4 {
		t.Fatalf("Size() = %d, want 4", k.Size())
	}
	if got := k.Bytes(); len(got) != 4 || got[2] != 0 || got[3] != 0 {
		t.Fatalf("Bytes() = %v, want zero-padded 4 bytes", got)
	}
}

func TestNewIndexKeyRejectsOversizedPayload(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on oversized key payload")
		}
	}()
	NewIndexKey(KeySize4, []byte{1, 2, 3, 4, 5})
}

func TestRIDPackRoundTrip(t *testing.T) {
	r := RID{PageID: 7, Slot: 42}
	got := UnpackRID(r.Pack())
	if got != r {
		t.Fatalf("UnpackRID(Pack()) = %+v, want %+v", got, r)
	}
}
