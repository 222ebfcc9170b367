// Package disk persists fixed-size page images and the header-page
// directory that maps an index name to its root page id. It is the only
// package that talks to durable storage; everything above it (the buffer
// pool, the B+Tree) works exclusively in terms of in-memory page bytes.
//
// Grounded on the lifecycle and error-wrapping shape of a segmented
// append-only heap manager: a mutex-guarded manager struct, a NewXxx
// constructor that opens or creates the backing store, and every I/O
// failure wrapped with context before being returned. The segmented
// flat-file format itself does not carry over — these pages are
// fixed-size and keyed by id, which is a much closer match to an
// embedded KV store than to an append-only heap file, so
// cockroachdb/pebble (already in the dependency surface) stands in for
// the segment files.
package disk

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.mongodb.org/mongo-driver/v2/bson"

	cerrors "concore/pkg/errors"
	"concore/pkg/types"
)

// PageSize is the fixed on-disk and in-memory size of every page.
const PageSize = 4096

// directoryKey is a reserved pebble key outside the page-id keyspace
// (page ids are encoded 0x01 || big-endian int32, so a single 0x00 byte
// key can never collide with one).
var directoryKey = []byte{0x00}

// directoryRecord is the bson-serialized header page: the set of named
// indexes this store holds and each one's current root page id.
type directoryRecord struct {
	Roots    map[string]int32 `bson:"roots"`
	NextPage int32            `bson:"next_page"`
}

// Manager persists page images and the root-page directory in a pebble
// instance. All exported methods are safe for concurrent use.
type Manager struct {
	mu  sync.Mutex
	db  *pebble.DB
	dir directoryRecord

	nextPage int32 // atomic mirror of dir.NextPage, allocated ahead of the directory write
}

// OpenOptions configures where the underlying pebble store lives.
type OpenOptions struct {
	// Path is the pebble directory on disk. Ignored when InMemory is true.
	Path string
	// InMemory backs the store with vfs.NewMem(), for tests and examples.
	InMemory bool
}

// Open opens (or creates) the page store at the given path, or an
// in-memory store when opts.InMemory is set.
func Open(opts OpenOptions) (*Manager, error) {
	pebbleOpts := &pebble.Options{}
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(opts.Path, pebbleOpts)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindNone, err, "disk: open pebble store")
	}

	m := &Manager{db: db}
	if err := m.loadDirectory(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadDirectory() error {
	value, closer, err := m.db.Get(directoryKey)
	if err == pebble.ErrNotFound {
		m.dir = directoryRecord{Roots: make(map[string]int32)}
		return nil
	}
	if err != nil {
		return cerrors.Wrap(cerrors.KindNone, err, "disk: read directory record")
	}
	defer closer.Close()

	var rec directoryRecord
	if err := bson.Unmarshal(value, &rec); err != nil {
		return cerrors.Wrap(cerrors.KindNone, err, "disk: decode directory record")
	}
	if rec.Roots == nil {
		rec.Roots = make(map[string]int32)
	}
	m.dir = rec
	atomic.StoreInt32(&m.nextPage, rec.NextPage)
	return nil
}

func (m *Manager) saveDirectoryLocked() error {
	m.dir.NextPage = atomic.LoadInt32(&m.nextPage)
	raw, err := bson.Marshal(m.dir)
	if err != nil {
		return cerrors.Wrap(cerrors.KindNone, err, "disk: encode directory record")
	}
	if err := m.db.Set(directoryKey, raw, pebble.Sync); err != nil {
		return cerrors.Wrap(cerrors.KindNone, err, "disk: write directory record")
	}
	return nil
}

// AllocatePage reserves and returns the next unused page id.
func (m *Manager) AllocatePage() types.PageID {
	next := atomic.AddInt32(&m.nextPage, 1)
	return types.PageID(next - 1)
}

// pageKey encodes a page id into its pebble key, distinct from directoryKey.
func pageKey(id types.PageID) []byte {
	key := make([]byte, 5)
	key[0] = 0x01
	binary.BigEndian.PutUint32(key[1:], uint32(id))
	return key
}

// ReadPage loads the PageSize-byte image for id.
func (m *Manager) ReadPage(id types.PageID) ([]byte, error) {
	value, closer, err := m.db.Get(pageKey(id))
	if err == pebble.ErrNotFound {
		return nil, cerrors.Newf(cerrors.KindOutOfRange, "disk: page %d not found", id)
	}
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindNone, err, "disk: read page")
	}
	defer closer.Close()

	page := make([]byte, PageSize)
	copy(page, value)
	return page, nil
}

// WritePage persists the image for id, which must be exactly PageSize bytes.
func (m *Manager) WritePage(id types.PageID, data []byte) error {
	if len(data) != PageSize {
		return cerrors.Newf(cerrors.KindNone, "disk: page %d has length %d, want %d", id, len(data), PageSize)
	}
	if err := m.db.Set(pageKey(id), data, pebble.NoSync); err != nil {
		return cerrors.Wrap(cerrors.KindNone, err, "disk: write page")
	}
	return nil
}

// DeletePage removes the on-disk image for id.
func (m *Manager) DeletePage(id types.PageID) error {
	if err := m.db.Delete(pageKey(id), pebble.NoSync); err != nil {
		return cerrors.Wrap(cerrors.KindNone, err, "disk: delete page")
	}
	return nil
}

// RootPageID returns the root page id recorded for the named index, and
// whether an entry exists at all.
func (m *Manager) RootPageID(index string) (types.PageID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.dir.Roots[index]
	return types.PageID(id), ok
}

// SetRootPageID records id as the current root page for the named index
// and persists the directory record.
func (m *Manager) SetRootPageID(index string, id types.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dir.Roots[index] = int32(id)
	return m.saveDirectoryLocked()
}

// Close flushes and closes the underlying pebble store.
func (m *Manager) Close() error {
	if err := m.db.Close(); err != nil {
		return cerrors.Wrap(cerrors.KindNone, err, "disk: close pebble store")
	}
	return nil
}
