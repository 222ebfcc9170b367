package btree

import (
	"sync"

	"concore/pkg/bufferpool"
	"concore/pkg/disk"
	cerrors "concore/pkg/errors"
	"concore/pkg/txn"
	"concore/pkg/types"
)

// opMode is the latch-crabbing mode a descent runs in: it selects R-latch
// vs W-latch, and which IsSafe rule decides when ancestor latches can be
// released early.
type opMode int

const (
	modeRead opMode = iota
	modeInsert
	modeDelete
)

// Config configures a BTree's page layout and storage. Fields are a
// fixed struct rather than a variadic option list, since every one of
// them is mandatory for on-disk layout to make sense.
type Config struct {
	// Name identifies this tree's root page id entry in the disk
	// manager's header directory, so multiple indexes can share one
	// Manager/Manager pair.
	Name string
	// KeySize is the fixed width every IndexKey this tree stores must
	// already be packed to.
	KeySize types.KeySize
	// LeafMaxSize and InternalMaxSize cap the number of entries a page
	// holds before it splits.
	LeafMaxSize     int
	InternalMaxSize int
	// Comparator supplies the total order over keys; the tree never
	// assumes byte order on its own.
	Comparator types.KeyComparator
}

// BTree is a concurrent, disk-paged B+Tree index. A single tree-wide
// sync.RWMutex guards rootPageID (write lock for Insert/Remove, read lock
// for GetValue/Begin); every descent releases it as soon as the root page
// itself is safely latched, so the tree-wide lock is never held across a
// full root-to-leaf crawl.
type BTree struct {
	mu sync.RWMutex

	rootPageID types.PageID

	name            string
	keySize         types.KeySize
	leafMaxSize     int
	internalMaxSize int
	cmp             types.KeyComparator

	bpm  *bufferpool.Manager
	disk *disk.Manager
}

// New opens (or creates) the named tree, restoring rootPageID from the
// disk manager's header directory if an entry already exists.
func New(cfg Config, bpm *bufferpool.Manager, d *disk.Manager) *BTree {
	t := &BTree{
		rootPageID:      types.InvalidPageID,
		name:            cfg.Name,
		keySize:         cfg.KeySize,
		leafMaxSize:     cfg.LeafMaxSize,
		internalMaxSize: cfg.InternalMaxSize,
		cmp:             cfg.Comparator,
		bpm:             bpm,
		disk:            d,
	}
	if id, ok := d.RootPageID(cfg.Name); ok {
		t.rootPageID = id
	}
	return t
}

// IsEmpty reports whether the tree holds any entries.
func (t *BTree) IsEmpty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootPageID == types.InvalidPageID
}

func (t *BTree) persistRoot() error {
	return t.disk.SetRootPageID(t.name, t.rootPageID)
}

// isSafe implements BusTub's crabbing release rule: for READ, every page
// is safe (the read path never holds more than one latch at a time
// regardless); for INSERT, a page is safe once it has room for one more
// entry without splitting; for DELETE, the threshold depends on whether
// the page is the root (roots may shrink below the ordinary minimum) and
// on whether it is a leaf or an internal page (internal pages keep one
// fewer "real" entry than their stated size, since entries[0]'s key is
// unused).
func isSafe(mode opMode, data []byte, isRoot bool) bool {
	switch mode {
	case modeInsert:
		return sizeOf(data) < maxSizeOf(data)
	case modeDelete:
		leaf := isLeafPage(data)
		switch {
		case isRoot && leaf:
			return sizeOf(data) > 1
		case isRoot && !leaf:
			return sizeOf(data) > 2
		case leaf:
			return sizeOf(data) >= minSize(maxSizeOf(data), true)
		default:
			return sizeOf(data) > minSize(maxSizeOf(data), false)
		}
	default:
		return true
	}
}

// releasePageSet drains transaction's accumulated page set, unlatching
// (per mode) and unpinning each one, then returns any pages queued for
// deletion to the buffer pool. Pages are only actually deleted here,
// after every latch this operation held has been released, matching the
// original's "delete page set" drained at the very end of Remove.
func (t *BTree) releasePageSet(transaction *txn.Transaction, mode opMode, isDirty bool) error {
	for _, p := range transaction.PageSet() {
		if mode == modeRead {
			p.RUnlatch()
		} else {
			p.WUnlatch()
		}
		if err := t.bpm.UnpinPage(p.PageID(), isDirty); err != nil {
			return err
		}
	}
	transaction.ClearPageSet()

	for _, id := range transaction.DeletedPageSet() {
		if err := t.bpm.DeletePage(id); err != nil {
			return err
		}
	}
	transaction.ClearDeletedPageSet()
	return nil
}

// findLeafSimple descends holding at most one read latch at a time,
// releasing the tree latch as soon as the root page is fetched. Used for
// GetValue and Begin when the caller has no transaction to track a page
// set in.
func (t *BTree) findLeafSimple(key types.IndexKey, leftmost bool) (*bufferpool.Page, error) {
	pageID := t.rootPageID
	var prev *bufferpool.Page

	for {
		page, err := t.bpm.FetchPage(pageID)
		if err != nil {
			if prev == nil {
				t.mu.RUnlock()
			}
			return nil, err
		}
		page.RLatch()
		if prev == nil {
			t.mu.RUnlock()
		} else {
			prev.RUnlatch()
			if err := t.bpm.UnpinPage(prev.PageID(), false); err != nil {
				return nil, err
			}
		}
		prev = page

		data := page.Data()
		if isLeafPage(data) {
			return page, nil
		}
		if leftmost {
			pageID = internalValueAt(data, t.keySize, 0)
		} else {
			pageID = internalLookup(data, t.keySize, key, t.cmp)
		}
	}
}

// findLeafCrabbing descends with full latch-crabbing bookkeeping: every
// latched page is pushed onto transaction's page set, and ancestors are
// released in a batch as soon as the most recently latched page is safe
// under mode. The tree-wide latch is released as soon as the root page
// itself has been latched.
func (t *BTree) findLeafCrabbing(key types.IndexKey, mode opMode, transaction *txn.Transaction, leftmost bool) (*bufferpool.Page, error) {
	pageID := t.rootPageID
	isRoot := true

	for {
		page, err := t.bpm.FetchPage(pageID)
		if err != nil {
			if isRoot {
				if mode == modeRead {
					t.mu.RUnlock()
				} else {
					t.mu.Unlock()
				}
			}
			return nil, err
		}
		if mode == modeRead {
			page.RLatch()
		} else {
			page.WLatch()
		}
		if isRoot {
			if mode == modeRead {
				t.mu.RUnlock()
			} else {
				t.mu.Unlock()
			}
		}

		data := page.Data()
		if isSafe(mode, data, isRoot) {
			if err := t.releasePageSet(transaction, mode, false); err != nil {
				return nil, err
			}
		}
		transaction.AddIntoPageSet(page)
		isRoot = false

		if isLeafPage(data) {
			return page, nil
		}
		if leftmost {
			pageID = internalValueAt(data, t.keySize, 0)
		} else {
			pageID = internalLookup(data, t.keySize, key, t.cmp)
		}
	}
}

// GetValue looks up key, latch-crabbing down to the owning leaf. A nil
// transaction is permitted here (unlike Insert/Remove): a point lookup
// that needs no page-set bookkeeping can run the lighter findLeafSimple
// path instead.
func (t *BTree) GetValue(key types.IndexKey, transaction *txn.Transaction) (types.RID, bool, error) {
	t.mu.RLock()
	if t.rootPageID == types.InvalidPageID {
		t.mu.RUnlock()
		return types.RID{}, false, nil
	}

	if transaction == nil {
		page, err := t.findLeafSimple(key, false)
		if err != nil {
			return types.RID{}, false, err
		}
		rid, ok := leafLookup(page.Data(), t.keySize, key, t.cmp)
		page.RUnlatch()
		if err := t.bpm.UnpinPage(page.PageID(), false); err != nil {
			return types.RID{}, false, err
		}
		return rid, ok, nil
	}

	page, err := t.findLeafCrabbing(key, modeRead, transaction, false)
	if err != nil {
		return types.RID{}, false, err
	}
	rid, ok := leafLookup(page.Data(), t.keySize, key, t.cmp)
	if err := t.releasePageSet(transaction, modeRead, false); err != nil {
		return types.RID{}, false, err
	}
	return rid, ok, nil
}

// Insert adds (key, rid) to the tree, returning false without modifying
// anything if key is already present (unique index semantics). Insert
// requires a non-nil transaction: unlike a lookup, a write path always
// needs somewhere to track the latches it accumulates while crabbing
// down, so calling it with nil is a precondition violation rather than a
// degraded but valid mode.
func (t *BTree) Insert(key types.IndexKey, rid types.RID, transaction *txn.Transaction) (bool, error) {
	if transaction == nil {
		panic("btree: Insert requires a non-nil transaction")
	}

	t.mu.Lock()
	if t.rootPageID == types.InvalidPageID {
		err := t.startNewTree(key, rid)
		t.mu.Unlock()
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return t.insertIntoLeaf(key, rid, transaction)
}

// startNewTree turns an empty tree into a single-leaf-root tree. Must run
// under the tree's write lock, since it is the one insert path that
// cannot call FindLeafPage first (there is nothing to find a leaf in
// yet).
func (t *BTree) startNewTree(key types.IndexKey, rid types.RID) error {
	page, pageID, err := t.bpm.NewPage()
	if err != nil {
		return cerrors.New(cerrors.KindOutOfMemory, "btree: no free page to start a new tree")
	}
	initLeaf(page.Data(), pageID, types.InvalidPageID, t.leafMaxSize)
	setIsRoot(page.Data(), true)
	leafInsert(page.Data(), t.keySize, key, rid, t.cmp)

	t.rootPageID = pageID
	if err := t.persistRoot(); err != nil {
		_ = t.bpm.UnpinPage(pageID, true)
		return err
	}
	return t.bpm.UnpinPage(pageID, true)
}

// insertIntoLeaf runs the ordinary (non-empty-tree) insert path:
// latch-crab down to the owning leaf, insert in place, and split only if
// the insert pushed the leaf over its max size (insert-then-split-if-full,
// not a preventive top-down split).
func (t *BTree) insertIntoLeaf(key types.IndexKey, rid types.RID, transaction *txn.Transaction) (bool, error) {
	page, err := t.findLeafCrabbing(key, modeInsert, transaction, false)
	if err != nil {
		return false, err
	}
	data := page.Data()

	if _, exists := leafLookup(data, t.keySize, key, t.cmp); exists {
		_ = t.releasePageSet(transaction, modeInsert, false)
		return false, nil
	}

	leafInsert(data, t.keySize, key, rid, t.cmp)

	if sizeOf(data) > t.leafMaxSize {
		newPage, _, err := t.splitLeaf(page)
		if err != nil {
			_ = t.releasePageSet(transaction, modeInsert, true)
			return false, err
		}
		sep := leafEntries(newPage.Data(), t.keySize)[0].key
		perr := t.insertIntoParent(page, newPage, sep, transaction)
		newPageID := newPage.PageID()
		if uerr := t.bpm.UnpinPage(newPageID, true); uerr != nil && perr == nil {
			perr = uerr
		}
		if perr != nil {
			_ = t.releasePageSet(transaction, modeInsert, true)
			return false, perr
		}
	}

	if err := t.releasePageSet(transaction, modeInsert, true); err != nil {
		return false, err
	}
	return true, nil
}

func (t *BTree) splitLeaf(page *bufferpool.Page) (*bufferpool.Page, types.PageID, error) {
	newPage, newPageID, err := t.bpm.NewPage()
	if err != nil {
		return nil, types.InvalidPageID, cerrors.New(cerrors.KindOutOfMemory, "btree: no free page to split a leaf")
	}
	initLeaf(newPage.Data(), newPageID, parentOf(page.Data()), t.leafMaxSize)
	leafSplitHalf(page.Data(), newPage.Data(), t.keySize)
	return newPage, newPageID, nil
}

func (t *BTree) splitInternal(page *bufferpool.Page) (*bufferpool.Page, types.PageID, error) {
	newPage, newPageID, err := t.bpm.NewPage()
	if err != nil {
		return nil, types.InvalidPageID, cerrors.New(cerrors.KindOutOfMemory, "btree: no free page to split an internal node")
	}
	initInternal(newPage.Data(), newPageID, parentOf(page.Data()), t.internalMaxSize)
	if err := internalSplitHalf(page.Data(), newPage.Data(), t.keySize, t.reparent); err != nil {
		return nil, types.InvalidPageID, err
	}
	return newPage, newPageID, nil
}

// reparent updates child's parent pointer on disk. Passed as a
// reparentFunc to the internal-page split/merge/redistribute helpers in
// internal.go, which hand children off between pages but have no access
// to the buffer pool themselves.
func (t *BTree) reparent(child types.PageID, newParent types.PageID) error {
	page, err := t.bpm.FetchPage(child)
	if err != nil {
		return err
	}
	setParent(page.Data(), newParent)
	return t.bpm.UnpinPage(child, true)
}

// insertIntoParent wires newPage into oldPage's parent after a split,
// growing the tree by one level if oldPage was the root. oldPage and
// newPage are both left pinned by the caller; insertIntoParent never
// unpins either of them. Recurses when inserting the new separator
// overflows the parent's own max size.
func (t *BTree) insertIntoParent(oldPage, newPage *bufferpool.Page, key types.IndexKey, transaction *txn.Transaction) error {
	oldData := oldPage.Data()
	parentID := parentOf(oldData)

	if parentID == types.InvalidPageID {
		rootPage, rootID, err := t.bpm.NewPage()
		if err != nil {
			return cerrors.New(cerrors.KindOutOfMemory, "btree: no free page for a new root")
		}
		initInternal(rootPage.Data(), rootID, types.InvalidPageID, t.internalMaxSize)
		populateNewRoot(rootPage.Data(), t.keySize, pageIDOf(oldData), key, pageIDOf(newPage.Data()))
		setIsRoot(rootPage.Data(), true)
		setIsRoot(oldData, false)
		setParent(oldData, rootID)
		setParent(newPage.Data(), rootID)

		t.rootPageID = rootID
		if err := t.persistRoot(); err != nil {
			_ = t.bpm.UnpinPage(rootID, true)
			return err
		}
		return t.bpm.UnpinPage(rootID, true)
	}

	parentPage, err := t.bpm.FetchPage(parentID)
	if err != nil {
		return err
	}
	parentData := parentPage.Data()
	setParent(newPage.Data(), parentID)
	insertNodeAfter(parentData, t.keySize, pageIDOf(oldData), key, pageIDOf(newPage.Data()))

	if sizeOf(parentData) <= t.internalMaxSize {
		return t.bpm.UnpinPage(parentID, true)
	}

	newParentPage, newParentID, err := t.splitInternal(parentPage)
	if err != nil {
		_ = t.bpm.UnpinPage(parentID, true)
		return err
	}
	sep := internalEntries(newParentPage.Data(), t.keySize)[0].key
	perr := t.insertIntoParent(parentPage, newParentPage, sep, transaction)
	if err := t.bpm.UnpinPage(newParentID, true); err != nil && perr == nil {
		perr = err
	}
	if uerr := t.bpm.UnpinPage(parentID, true); uerr != nil && perr == nil {
		perr = uerr
	}
	return perr
}

// Remove deletes key if present. Like Insert, it requires a non-nil
// transaction to track latches while crabbing down, and to hold the set
// of pages freed by a merge until every latch this call holds has been
// released (see releasePageSet).
func (t *BTree) Remove(key types.IndexKey, transaction *txn.Transaction) error {
	if transaction == nil {
		panic("btree: Remove requires a non-nil transaction")
	}

	t.mu.Lock()
	if t.rootPageID == types.InvalidPageID {
		t.mu.Unlock()
		return nil
	}

	page, err := t.findLeafCrabbing(key, modeDelete, transaction, false)
	if err != nil {
		return err
	}
	data := page.Data()

	if !leafRemove(data, t.keySize, key, t.cmp) {
		return t.releasePageSet(transaction, modeDelete, false)
	}

	if err := t.coalesceOrRedistribute(page, transaction); err != nil {
		_ = t.releasePageSet(transaction, modeDelete, true)
		return err
	}
	return t.releasePageSet(transaction, modeDelete, true)
}

// coalesceOrRedistribute restores node's minimum-size invariant after a
// deletion shrank it below the threshold, or does nothing if node is
// still (or again, being the root) within bounds. It never unpins node
// itself — that's the caller's responsibility, whether the caller is
// Remove (via the transaction's page set) or a recursive call from this
// same function (via the frame that originally fetched the parent page).
func (t *BTree) coalesceOrRedistribute(node *bufferpool.Page, transaction *txn.Transaction) error {
	data := node.Data()

	if isRootFlag(data) {
		deleted, err := t.adjustRoot(node)
		if err != nil {
			return err
		}
		if deleted {
			transaction.AddIntoDeletedPageSet(pageIDOf(data))
		}
		return nil
	}

	leaf := isLeafPage(data)
	minSz := minSize(maxSizeOf(data), leaf)
	if leaf {
		if sizeOf(data) >= minSz {
			return nil
		}
	} else {
		if sizeOf(data) > minSz {
			return nil
		}
	}

	parentID := parentOf(data)
	parentPage, err := t.bpm.FetchPage(parentID)
	if err != nil {
		return err
	}
	parentData := parentPage.Data()

	nodeID := pageIDOf(data)
	index := internalValueIndex(parentData, t.keySize, nodeID)

	var siblingID types.PageID
	if index == 0 {
		siblingID = internalValueAt(parentData, t.keySize, 1)
	} else {
		siblingID = internalValueAt(parentData, t.keySize, index-1)
	}

	siblingPage, err := t.bpm.FetchPage(siblingID)
	if err != nil {
		_ = t.bpm.UnpinPage(parentID, false)
		return err
	}
	siblingData := siblingPage.Data()

	if sizeOf(siblingData)+sizeOf(data) > maxSizeOf(data) {
		rerr := t.redistribute(siblingPage, node, parentPage, index)
		if uerr := t.bpm.UnpinPage(siblingID, true); uerr != nil && rerr == nil {
			rerr = uerr
		}
		if uerr := t.bpm.UnpinPage(parentID, true); uerr != nil && rerr == nil {
			rerr = uerr
		}
		return rerr
	}

	var leftPage, rightPage *bufferpool.Page
	if index == 0 {
		leftPage, rightPage = node, siblingPage
	} else {
		leftPage, rightPage = siblingPage, node
	}

	sepIndex := internalValueIndex(parentData, t.keySize, pageIDOf(rightPage.Data()))
	middleKey := internalKeyAt(parentData, t.keySize, sepIndex)

	if err := t.mergeInto(leftPage, rightPage, middleKey); err != nil {
		_ = t.bpm.UnpinPage(siblingID, false)
		_ = t.bpm.UnpinPage(parentID, false)
		return err
	}
	transaction.AddIntoDeletedPageSet(pageIDOf(rightPage.Data()))
	internalRemoveAt(parentData, t.keySize, sepIndex)

	siblingDirty := rightPage != siblingPage
	if err := t.bpm.UnpinPage(siblingID, siblingDirty); err != nil {
		_ = t.bpm.UnpinPage(parentID, true)
		return err
	}

	err = t.coalesceOrRedistribute(parentPage, transaction)
	if uerr := t.bpm.UnpinPage(parentID, true); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// redistribute borrows one entry from sibling into node, then fixes up
// the parent separator at the appropriate index: entries[1] when node is
// at index 0 (borrowing from its right sibling), or index itself
// otherwise (borrowing from its left sibling).
func (t *BTree) redistribute(siblingPage, nodePage, parentPage *bufferpool.Page, index int) error {
	parentData := parentPage.Data()
	nodeData := nodePage.Data()
	siblingData := siblingPage.Data()
	leaf := isLeafPage(nodeData)

	if index == 0 {
		if leaf {
			newKey := leafMoveFirstToEndOf(siblingData, nodeData, t.keySize)
			internalSetKeyAt(parentData, t.keySize, 1, newKey)
			return nil
		}
		parentKey := internalKeyAt(parentData, t.keySize, 1)
		newKey, err := internalMoveFirstToEndOf(siblingData, nodeData, t.keySize, parentKey, t.reparent)
		if err != nil {
			return err
		}
		internalSetKeyAt(parentData, t.keySize, 1, newKey)
		return nil
	}

	if leaf {
		newKey := leafMoveLastToFrontOf(siblingData, nodeData, t.keySize)
		internalSetKeyAt(parentData, t.keySize, index, newKey)
		return nil
	}
	parentKey := internalKeyAt(parentData, t.keySize, index)
	newKey, err := internalMoveLastToFrontOf(siblingData, nodeData, t.keySize, parentKey, t.reparent)
	if err != nil {
		return err
	}
	internalSetKeyAt(parentData, t.keySize, index, newKey)
	return nil
}

// mergeInto absorbs rightPage's entries into leftPage (always this
// orientation, regardless of which one was the originally-underfull
// node), matching the leaf/internal MoveAllTo helpers' src/dst order.
func (t *BTree) mergeInto(leftPage, rightPage *bufferpool.Page, middleKey types.IndexKey) error {
	leftData, rightData := leftPage.Data(), rightPage.Data()
	if isLeafPage(leftData) {
		leafMergeAll(rightData, leftData, t.keySize)
		return nil
	}
	return internalMergeAll(rightData, leftData, t.keySize, middleKey, t.reparent)
}

// adjustRoot handles the two cases where the root itself must shrink:
// an empty leaf root (the tree becomes empty), or an internal root left
// with a single child (the tree loses a level). Reports whether node
// itself should be queued for deletion.
func (t *BTree) adjustRoot(node *bufferpool.Page) (bool, error) {
	data := node.Data()

	if isLeafPage(data) && sizeOf(data) == 0 {
		t.rootPageID = types.InvalidPageID
		return true, t.persistRoot()
	}

	if !isLeafPage(data) && sizeOf(data) == 1 {
		newRootID := internalValueAt(data, t.keySize, 0)
		t.rootPageID = newRootID
		if err := t.persistRoot(); err != nil {
			return true, err
		}
		newRootPage, err := t.bpm.FetchPage(newRootID)
		if err != nil {
			return true, err
		}
		setParent(newRootPage.Data(), types.InvalidPageID)
		setIsRoot(newRootPage.Data(), true)
		if err := t.bpm.UnpinPage(newRootID, true); err != nil {
			return true, err
		}
		return true, nil
	}

	return false, nil
}

// UpdateRootPageId re-persists the tree's current root page id, exposed
// for callers (e.g. recovery code) that need to force a directory write
// outside of the ordinary Insert/Remove paths.
func (t *BTree) UpdateRootPageId() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.persistRoot()
}

// Begin returns an iterator positioned at the tree's smallest key.
func (t *BTree) Begin() (*Iterator, error) {
	t.mu.RLock()
	if t.rootPageID == types.InvalidPageID {
		t.mu.RUnlock()
		return endIterator(t), nil
	}
	page, err := t.findLeafSimple(types.IndexKey{}, true)
	if err != nil {
		return nil, err
	}
	return newIterator(t, page, 0), nil
}

// BeginAt returns an iterator positioned at the smallest key >= key.
func (t *BTree) BeginAt(key types.IndexKey) (*Iterator, error) {
	t.mu.RLock()
	if t.rootPageID == types.InvalidPageID {
		t.mu.RUnlock()
		return endIterator(t), nil
	}
	page, err := t.findLeafSimple(key, false)
	if err != nil {
		return nil, err
	}
	entries := leafEntries(page.Data(), t.keySize)
	idx := leafKeyIndex(entries, key, t.cmp)
	if idx >= len(entries) {
		next := nextLeafOf(page.Data())
		page.RUnlatch()
		if err := t.bpm.UnpinPage(page.PageID(), false); err != nil {
			return nil, err
		}
		if next == types.InvalidPageID {
			return endIterator(t), nil
		}
		nextPage, err := t.bpm.FetchPage(next)
		if err != nil {
			return nil, err
		}
		nextPage.RLatch()
		return newIterator(t, nextPage, 0), nil
	}
	return newIterator(t, page, idx), nil
}

// End returns the sentinel end-of-range iterator.
func (t *BTree) End() *Iterator {
	return endIterator(t)
}
