package bufferpool

import (
	"testing"

	"concore/pkg/disk"
	cerrors "concore/pkg/errors"
)

func newTestPool(t *testing.T, size int) *Manager {
	t.Helper()
	d, err := disk.Open(disk.OpenOptions{InMemory: true})
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return NewManager(size, d)
}

func TestNewPageThenFetchReturnsSameFrame(t *testing.T) {
	pool := newTestPool(t, 4)

	page, id, err := pool.NewPage()
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	copy(page.Data(), []byte("payload"))
	if err := pool.UnpinPage(id, true); err != nil {
		t.Fatalf("UnpinPage: %v", err)
	}

	fetched, err := pool.FetchPage(id)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if string(fetched.Data()[:7]) != "payload" {
		t.Fatalf("FetchPage returned stale data: %q", fetched.Data()[:7])
	}
	if err := pool.UnpinPage(id, false); err != nil {
		t.Fatalf("UnpinPage: %v", err)
	}
}

func TestNewPageEvictsUnpinnedFrame(t *testing.T) {
	pool := newTestPool(t, 2)

	_, id1, _ := pool.NewPage()
	_, id2, _ := pool.NewPage()
	_ = pool.UnpinPage(id1, true)
	_ = pool.UnpinPage(id2, true)

	// Pool is full of unpinned frames; allocating a new page must evict one.
	_, id3, err := pool.NewPage()
	if err != nil {
		t.Fatalf("NewPage should evict an unpinned frame: %v", err)
	}
	_ = pool.UnpinPage(id3, true)
}

func TestAllFramesPinnedReturnsOutOfMemory(t *testing.T) {
	pool := newTestPool(t, 2)

	_, _, err1 := pool.NewPage()
	_, _, err2 := pool.NewPage()
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors filling pool: %v, %v", err1, err2)
	}

	_, _, err := pool.NewPage()
	if cerrors.KindOf(err) != cerrors.KindOutOfMemory {
		t.Fatalf("KindOf(err) = %v, want KindOutOfMemory when every frame is pinned", cerrors.KindOf(err))
	}
}

func TestDeletePinnedPageFails(t *testing.T) {
	pool := newTestPool(t, 2)
	_, id, _ := pool.NewPage()

	if err := pool.DeletePage(id); err == nil {
		t.Fatal("DeletePage on a pinned page should fail")
	}
	_ = pool.UnpinPage(id, false)
	if err := pool.DeletePage(id); err != nil {
		t.Fatalf("DeletePage after unpin: %v", err)
	}
}

func TestFlushPageWritesDirtyData(t *testing.T) {
	pool := newTestPool(t, 2)
	page, id, _ := pool.NewPage()
	copy(page.Data(), []byte("flush-me"))
	if err := pool.FlushPage(id); err != nil {
		t.Fatalf("FlushPage: %v", err)
	}
	if page.IsDirty() {
		t.Fatal("FlushPage should clear the dirty flag")
	}
}
