package disk

import (
	"bytes"
	"testing"

	cerrors "concore/pkg/errors"
	"concore/pkg/types"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(OpenOptions{InMemory: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestAllocatePageIsMonotonic(t *testing.T) {
	m := openTestManager(t)
	first := m.AllocatePage()
	second := m.AllocatePage()
	if second != first+1 {
		t.Fatalf("AllocatePage() second = %d, want %d+1", second, first)
	}
}

func TestWriteReadPageRoundTrip(t *testing.T) {
	m := openTestManager(t)
	id := m.AllocatePage()

	page := make([]byte, PageSize)
	copy(page, []byte("hello page"))
	if err := m.WritePage(id, page); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got, err := m.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got, page) {
		t.Fatal("ReadPage did not return what WritePage wrote")
	}
}

func TestReadPageMissingReturnsOutOfRange(t *testing.T) {
	m := openTestManager(t)
	_, err := m.ReadPage(types.PageID(999))
	if cerrors.KindOf(err) != cerrors.KindOutOfRange {
		t.Fatalf("KindOf(err) = %v, want KindOutOfRange", cerrors.KindOf(err))
	}
}

func TestWritePageWrongSizeRejected(t *testing.T) {
	m := openTestManager(t)
	id := m.AllocatePage()
	if err := m.WritePage(id, make([]byte, 10)); err == nil {
		t.Fatal("WritePage with wrong length should fail")
	}
}

func TestRootPageDirectoryRoundTrip(t *testing.T) {
	m := openTestManager(t)

	if _, ok := m.RootPageID("orders"); ok {
		t.Fatal("RootPageID on unset index should report false")
	}

	if err := m.SetRootPageID("orders", types.PageID(7)); err != nil {
		t.Fatalf("SetRootPageID: %v", err)
	}
	id, ok := m.RootPageID("orders")
	if !ok || id != types.PageID(7) {
		t.Fatalf("RootPageID(\"orders\") = (%d, %v), want (7, true)", id, ok)
	}

	if err := m.SetRootPageID("orders", types.PageID(9)); err != nil {
		t.Fatalf("SetRootPageID update: %v", err)
	}
	id, _ = m.RootPageID("orders")
	if id != types.PageID(9) {
		t.Fatalf("RootPageID(\"orders\") after update = %d, want 9", id)
	}
}

func TestDeletePageRemovesImage(t *testing.T) {
	m := openTestManager(t)
	id := m.AllocatePage()
	if err := m.WritePage(id, make([]byte, PageSize)); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := m.DeletePage(id); err != nil {
		t.Fatalf("DeletePage: %v", err)
	}
	if _, err := m.ReadPage(id); cerrors.KindOf(err) != cerrors.KindOutOfRange {
		t.Fatalf("ReadPage after delete: KindOf(err) = %v, want KindOutOfRange", cerrors.KindOf(err))
	}
}
