package btree

import (
	"concore/pkg/bufferpool"
	cerrors "concore/pkg/errors"
	"concore/pkg/types"
)

// Iterator walks the tree's leaves in key order, holding at most one
// leaf's read latch at a time (never the whole chain). Grounded on
// original_source/src/storage/index/index_iterator.cpp: a (page, slot)
// cursor that crosses to next_leaf_id on exhaustion and compares equal to
// End() once it runs off the last leaf.
type Iterator struct {
	tree *BTree
	page *bufferpool.Page // nil at End()
	slot int
}

func newIterator(tree *BTree, page *bufferpool.Page, slot int) *Iterator {
	return &Iterator{tree: tree, page: page, slot: slot}
}

func endIterator(tree *BTree) *Iterator {
	return &Iterator{tree: tree}
}

// IsEnd reports whether the iterator has run off the end of the tree.
func (it *Iterator) IsEnd() bool { return it.page == nil }

// Key returns the current entry's key. Dereferencing an end iterator is
// an OUT_OF_RANGE error.
func (it *Iterator) Key() (types.IndexKey, error) {
	e, err := it.current()
	if err != nil {
		return types.IndexKey{}, err
	}
	return e.key, nil
}

// Value returns the current entry's RID.
func (it *Iterator) Value() (types.RID, error) {
	e, err := it.current()
	if err != nil {
		return types.RID{}, err
	}
	return e.rid, nil
}

func (it *Iterator) current() (leafEntry, error) {
	if it.IsEnd() {
		return leafEntry{}, cerrors.New(cerrors.KindOutOfRange, "btree: iterator dereferenced past End()")
	}
	entries := leafEntries(it.page.Data(), it.tree.keySize)
	if it.slot >= len(entries) {
		return leafEntry{}, cerrors.New(cerrors.KindOutOfRange, "btree: iterator dereferenced past End()")
	}
	return entries[it.slot], nil
}

// Next advances the iterator by one entry, crossing into the next leaf
// (releasing the current leaf's latch first) when the current leaf is
// exhausted. Advancing from the last entry of the last leaf moves the
// iterator to End(); calling Next on an iterator already at End() is an
// OUT_OF_RANGE error, matching dereferencing past End().
func (it *Iterator) Next() error {
	if it.IsEnd() {
		return cerrors.New(cerrors.KindOutOfRange, "btree: advanced an iterator past End()")
	}

	data := it.page.Data()
	entries := leafEntries(data, it.tree.keySize)
	it.slot++
	if it.slot < len(entries) {
		return nil
	}

	next := nextLeafOf(data)
	it.page.RUnlatch()
	if err := it.tree.bpm.UnpinPage(it.page.PageID(), false); err != nil {
		return err
	}

	if next == types.InvalidPageID {
		it.page = nil
		it.slot = 0
		return nil
	}

	nextPage, err := it.tree.bpm.FetchPage(next)
	if err != nil {
		it.page = nil
		return err
	}
	nextPage.RLatch()
	it.page = nextPage
	it.slot = 0
	return nil
}

// Close releases the iterator's currently-held leaf latch and pin
// without advancing, for callers that stop iterating before reaching
// End().
func (it *Iterator) Close() error {
	if it.IsEnd() {
		return nil
	}
	it.page.RUnlatch()
	err := it.tree.bpm.UnpinPage(it.page.PageID(), false)
	it.page = nil
	return err
}
