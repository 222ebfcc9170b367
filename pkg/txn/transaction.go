// Package txn implements the transaction handle the lock manager and
// B+Tree read and mutate: isolation level, two-phase-locking state, held
// lock sets, and the page set a write operation latches on its way down
// the tree. Grounded in the mutex-guarded, terminal-state-checked shape
// of a WriteTransaction handle, generalized from a document write
// buffer to this module's lock/latch bookkeeping.
package txn

import (
	"sync"
	"sync/atomic"

	"concore/pkg/types"
)

// IsolationLevel controls whether LockShared is permitted at all and
// which Unlock calls transition GROWING to SHRINKING.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

// State is the two-phase-locking phase of a transaction.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// LatchedPage is the subset of bufferpool.Page's contract the page set
// needs to release latches in one batch at the end of a B+Tree operation.
// Defined here (rather than imported) so pkg/txn and pkg/bufferpool don't
// need to know about each other; bufferpool.Page satisfies it structurally.
type LatchedPage interface {
	PageID() types.PageID
	RUnlatch()
	WUnlatch()
}

var nextTxnID int64

// Transaction is the mutable handle the lock manager and B+Tree share for
// the duration of one logical operation or session.
type Transaction struct {
	mu sync.Mutex

	id        int64
	isolation IsolationLevel
	state     State

	sharedLockSet    map[types.RID]struct{}
	exclusiveLockSet map[types.RID]struct{}

	pageSet        []LatchedPage
	deletedPageSet map[types.PageID]struct{}
}

// New allocates a transaction with a fresh, monotonically increasing id.
// IDs are plain ascending int64s, not UUIDs, because the deadlock
// detector's "largest id = youngest" rule needs an ordered identifier
// space (see DESIGN.md).
func New(isolation IsolationLevel) *Transaction {
	return &Transaction{
		id:               atomic.AddInt64(&nextTxnID, 1),
		isolation:        isolation,
		state:            Growing,
		sharedLockSet:    make(map[types.RID]struct{}),
		exclusiveLockSet: make(map[types.RID]struct{}),
		deletedPageSet:   make(map[types.PageID]struct{}),
	}
}

func (t *Transaction) ID() int64                        { return t.id }
func (t *Transaction) IsolationLevel() IsolationLevel    { return t.isolation }

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *Transaction) IsSharedLocked(rid types.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sharedLockSet[rid]
	return ok
}

func (t *Transaction) IsExclusiveLocked(rid types.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.exclusiveLockSet[rid]
	return ok
}

// GrantShared records rid as held in shared mode. Called by the lock
// manager once a shared lock request is granted.
func (t *Transaction) GrantShared(rid types.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sharedLockSet[rid] = struct{}{}
}

// GrantExclusive records rid as held in exclusive mode.
func (t *Transaction) GrantExclusive(rid types.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exclusiveLockSet[rid] = struct{}{}
}

// ReleaseShared drops rid from the shared lock set, e.g. on Unlock or on
// upgrade to exclusive.
func (t *Transaction) ReleaseShared(rid types.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sharedLockSet, rid)
}

// ReleaseExclusive drops rid from the exclusive lock set.
func (t *Transaction) ReleaseExclusive(rid types.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.exclusiveLockSet, rid)
}

// AddIntoPageSet records a page latched along the current root-to-leaf
// descent, most-recent-ancestor last.
func (t *Transaction) AddIntoPageSet(p LatchedPage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pageSet = append(t.pageSet, p)
}

// PageSet returns the pages latched so far; callers that drain it should
// follow with ClearPageSet.
func (t *Transaction) PageSet() []LatchedPage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]LatchedPage, len(t.pageSet))
	copy(out, t.pageSet)
	return out
}

// ClearPageSet empties the page set after its latches have been released.
func (t *Transaction) ClearPageSet() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pageSet = t.pageSet[:0]
}

// AddIntoDeletedPageSet records a page id freed during the current
// operation; it is only actually returned to the buffer pool's free list
// once every latch this operation holds has been released.
func (t *Transaction) AddIntoDeletedPageSet(id types.PageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deletedPageSet[id] = struct{}{}
}

func (t *Transaction) DeletedPageSet() []types.PageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.PageID, 0, len(t.deletedPageSet))
	for id := range t.deletedPageSet {
		out = append(out, id)
	}
	return out
}

func (t *Transaction) ClearDeletedPageSet() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deletedPageSet = make(map[types.PageID]struct{})
}
