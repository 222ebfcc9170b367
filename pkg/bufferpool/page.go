package bufferpool

import (
	"sync"

	"concore/pkg/types"
)

// Page is one frame's worth of in-memory page bytes plus the latch and
// pin bookkeeping the B+Tree's crabbing protocol and the replacer need.
// Deliberately shaped only as raw bytes plus metadata — it knows nothing
// about leaf/internal page layout; pkg/btree owns all encode/decode logic
// on top of Data().
type Page struct {
	latch sync.RWMutex

	id       types.PageID
	pinCount int32
	isDirty  bool
	data     []byte
}

func newPage(size int) *Page {
	return &Page{data: make([]byte, size)}
}

// PageID returns the page id currently held in this frame.
func (p *Page) PageID() types.PageID { return p.id }

// Data returns the raw page bytes. Callers must hold at least a read
// latch before reading and a write latch before mutating.
func (p *Page) Data() []byte { return p.data }

// IsDirty reports whether this frame has unflushed writes.
func (p *Page) IsDirty() bool { return p.isDirty }

// RLatch/RUnlatch/WLatch/WUnlatch implement the crabbing protocol's per-page
// latch, independent of the pin count the buffer pool tracks separately.
func (p *Page) RLatch()   { p.latch.RLock() }
func (p *Page) RUnlatch() { p.latch.RUnlock() }
func (p *Page) WLatch()   { p.latch.Lock() }
func (p *Page) WUnlatch() { p.latch.Unlock() }
