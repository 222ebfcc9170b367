// Package bufferpool mediates every access to page bytes: it pins pages
// in a fixed-size pool of frames, backed by pkg/disk for misses and
// pkg/replacer for victim selection when the pool is full. Components
// above it read and write page bytes only through this package; the
// B+Tree goes to pkg/disk directly only for its root-page directory entry.
//
// FetchPage/NewPage/UnpinPage/DeletePage follow a mutex-guarded
// manager-struct idiom consistent with the rest of this module's
// storage layer, and the metrics follow the Prometheus counters/gauges
// pattern already in the dependency surface.
package bufferpool

import (
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"concore/pkg/disk"
	cerrors "concore/pkg/errors"
	"concore/pkg/observability"
	"concore/pkg/replacer"
	"concore/pkg/types"
)

var (
	hitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bufferpool_hits_total",
		Help: "Pages served from an already-resident frame.",
	})
	missesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bufferpool_misses_total",
		Help: "Pages that required a disk read or a fresh allocation.",
	})
	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bufferpool_evictions_total",
		Help: "Frames reclaimed from a replacer victim to make room for a new page.",
	})
	pinnedFrames = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bufferpool_pinned_frames",
		Help: "Frames currently pinned (ineligible for eviction).",
	})
)

func init() {
	prometheus.MustRegister(hitsTotal, missesTotal, evictionsTotal, pinnedFrames)
}

// Manager is a fixed-size pool of page frames.
type Manager struct {
	mu sync.Mutex

	instanceID string

	frames    []*Page
	freeList  []int
	pageTable map[types.PageID]int

	replacer *replacer.LRU
	disk     *disk.Manager
}

// NewManager builds a pool of poolSize frames backed by d.
func NewManager(poolSize int, d *disk.Manager) *Manager {
	m := &Manager{
		instanceID: uuid.New().String(),
		frames:     make([]*Page, poolSize),
		freeList:   make([]int, poolSize),
		pageTable:  make(map[types.PageID]int, poolSize),
		replacer:   replacer.New(poolSize),
		disk:       d,
	}
	for i := 0; i < poolSize; i++ {
		m.frames[i] = newPage(disk.PageSize)
		m.freeList[i] = poolSize - 1 - i
	}
	return m
}

// grabFrame returns a free or victim frame index, flushing a dirty victim
// first. Returns an OUT_OF_MEMORY error if every frame is pinned.
func (m *Manager) grabFrame() (int, error) {
	if n := len(m.freeList); n > 0 {
		idx := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return idx, nil
	}

	frameID, ok := m.replacer.Victim()
	if !ok {
		observability.ReportBufferPoolOOM(m.instanceID)
		return 0, cerrors.New(cerrors.KindOutOfMemory, "bufferpool: no free frame and no eviction candidate")
	}
	idx := int(frameID)
	evicted := m.frames[idx]
	if evicted.isDirty {
		if err := m.disk.WritePage(evicted.id, evicted.data); err != nil {
			return 0, err
		}
	}
	delete(m.pageTable, evicted.id)
	evictionsTotal.Inc()
	return idx, nil
}

// FetchPage pins and returns the page for id, reading it from disk on a
// miss. Every successful FetchPage must be matched by an UnpinPage.
func (m *Manager) FetchPage(id types.PageID) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.pageTable[id]; ok {
		hitsTotal.Inc()
		frame := m.frames[idx]
		frame.pinCount++
		m.replacer.Pin(replacer.FrameID(idx))
		pinnedFrames.Inc()
		return frame, nil
	}

	missesTotal.Inc()
	data, err := m.disk.ReadPage(id)
	if err != nil {
		return nil, err
	}
	idx, err := m.grabFrame()
	if err != nil {
		return nil, err
	}
	frame := m.frames[idx]
	copy(frame.data, data)
	frame.id = id
	frame.isDirty = false
	frame.pinCount = 1
	m.pageTable[id] = idx
	m.replacer.Pin(replacer.FrameID(idx))
	pinnedFrames.Inc()
	return frame, nil
}

// NewPage allocates a fresh page id, pins its frame, and returns both.
func (m *Manager) NewPage() (*Page, types.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.grabFrame()
	if err != nil {
		return nil, types.InvalidPageID, err
	}
	id := m.disk.AllocatePage()
	frame := m.frames[idx]
	for i := range frame.data {
		frame.data[i] = 0
	}
	frame.id = id
	frame.isDirty = true
	frame.pinCount = 1
	m.pageTable[id] = idx
	m.replacer.Pin(replacer.FrameID(idx))
	pinnedFrames.Inc()
	return frame, id, nil
}

// UnpinPage decrements id's pin count, marking it dirty if isDirty is set.
// Once the pin count reaches zero the frame becomes an eviction candidate.
func (m *Manager) UnpinPage(id types.PageID, isDirty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.pageTable[id]
	if !ok {
		return cerrors.Newf(cerrors.KindNone, "bufferpool: unpin of page %d not in pool", id)
	}
	frame := m.frames[idx]
	if isDirty {
		frame.isDirty = true
	}
	if frame.pinCount > 0 {
		frame.pinCount--
		pinnedFrames.Dec()
	}
	if frame.pinCount <= 0 {
		m.replacer.Unpin(replacer.FrameID(idx))
	}
	return nil
}

// DeletePage removes id from the pool and from disk. Fails if id is
// currently pinned by anyone.
func (m *Manager) DeletePage(id types.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.pageTable[id]
	if !ok {
		return m.disk.DeletePage(id)
	}
	frame := m.frames[idx]
	if frame.pinCount > 0 {
		return cerrors.Newf(cerrors.KindNone, "bufferpool: cannot delete pinned page %d", id)
	}
	m.replacer.Pin(replacer.FrameID(idx)) // drop from candidacy before reuse
	delete(m.pageTable, id)
	frame.id = types.InvalidPageID
	frame.isDirty = false
	m.freeList = append(m.freeList, idx)
	return m.disk.DeletePage(id)
}

// FlushPage writes id's current frame contents to disk if dirty.
func (m *Manager) FlushPage(id types.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.pageTable[id]
	if !ok {
		return cerrors.Newf(cerrors.KindNone, "bufferpool: flush of page %d not in pool", id)
	}
	frame := m.frames[idx]
	if !frame.isDirty {
		return nil
	}
	if err := m.disk.WritePage(id, frame.data); err != nil {
		return err
	}
	frame.isDirty = false
	return nil
}
