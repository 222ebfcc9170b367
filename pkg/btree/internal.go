package btree

import (
	"encoding/binary"

	"concore/pkg/types"
)

func internalEntryWidth(keySize types.KeySize) int { return int(keySize) + 4 }

type internalEntry struct {
	key   types.IndexKey // unused for entries[0]
	child types.PageID
}

func initInternal(data []byte, pageID, parentID types.PageID, maxSize int) {
	for i := range data {
		data[i] = 0
	}
	setKind(data, pageInternal)
	setSize(data, 0)
	setMaxSize(data, maxSize)
	setParent(data, parentID)
	setPageID(data, pageID)
}

func internalEntries(data []byte, keySize types.KeySize) []internalEntry {
	n := sizeOf(data)
	width := internalEntryWidth(keySize)
	entries := make([]internalEntry, n)
	for i := 0; i < n; i++ {
		off := headerSize + i*width
		entries[i] = decodeInternalEntry(data[off:off+width], keySize)
	}
	return entries
}

func decodeInternalEntry(b []byte, keySize types.KeySize) internalEntry {
	key := types.NewIndexKey(keySize, b[:keySize])
	child := types.PageID(int32(binary.BigEndian.Uint32(b[keySize:])))
	return internalEntry{key: key, child: child}
}

func encodeInternalEntry(b []byte, e internalEntry, keySize types.KeySize) {
	copy(b[:keySize], e.key.Bytes())
	binary.BigEndian.PutUint32(b[keySize:], uint32(e.child))
}

func putInternalEntries(data []byte, keySize types.KeySize, entries []internalEntry) {
	width := internalEntryWidth(keySize)
	for i, e := range entries {
		off := headerSize + i*width
		encodeInternalEntry(data[off:off+width], e, keySize)
	}
	setSize(data, len(entries))
}

// internalLookup returns the child page id to descend into for key: the
// largest i with entries[i].key <= key (entries[0]'s key is a sentinel
// that always compares as "less"), per InternalPage::Lookup. A binary
// search over entries[1:] finds the first separator greater than key; the
// child just before it owns key.
func internalLookup(data []byte, keySize types.KeySize, key types.IndexKey, cmp types.KeyComparator) types.PageID {
	entries := internalEntries(data, keySize)
	lo, hi := 1, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(entries[mid].key, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return entries[lo-1].child
}

func internalValueAt(data []byte, keySize types.KeySize, i int) types.PageID {
	return internalEntries(data, keySize)[i].child
}

func internalKeyAt(data []byte, keySize types.KeySize, i int) types.IndexKey {
	return internalEntries(data, keySize)[i].key
}

func internalSetKeyAt(data []byte, keySize types.KeySize, i int, key types.IndexKey) {
	entries := internalEntries(data, keySize)
	entries[i].key = key
	putInternalEntries(data, keySize, entries)
}

// internalValueIndex returns the index of child in data's entries.
func internalValueIndex(data []byte, keySize types.KeySize, child types.PageID) int {
	entries := internalEntries(data, keySize)
	for i, e := range entries {
		if e.child == child {
			return i
		}
	}
	return -1
}

// populateNewRoot builds the two-child root created when the tree grows
// a level: entries[0] = {_, left}, entries[1] = {key, right}.
func populateNewRoot(data []byte, keySize types.KeySize, left types.PageID, key types.IndexKey, right types.PageID) {
	entries := []internalEntry{{child: left}, {key: key, child: right}}
	putInternalEntries(data, keySize, entries)
}

// insertNodeAfter inserts (key, newChild) immediately after oldChild's
// current position.
func insertNodeAfter(data []byte, keySize types.KeySize, oldChild types.PageID, key types.IndexKey, newChild types.PageID) {
	entries := internalEntries(data, keySize)
	idx := 0
	for i, e := range entries {
		if e.child == oldChild {
			idx = i
			break
		}
	}
	entries = append(entries, internalEntry{})
	copy(entries[idx+2:], entries[idx+1:len(entries)-1])
	entries[idx+1] = internalEntry{key: key, child: newChild}
	putInternalEntries(data, keySize, entries)
}

// internalRemoveAt deletes the entry at index.
func internalRemoveAt(data []byte, keySize types.KeySize, index int) {
	entries := internalEntries(data, keySize)
	entries = append(entries[:index], entries[index+1:]...)
	putInternalEntries(data, keySize, entries)
}

// reparentFunc updates a moved child page's parent pointer; internal
// split/merge/redistribute all hand children off between pages and must
// keep each child's parent field consistent.
type reparentFunc func(child types.PageID, newParent types.PageID) error

func internalSplitHalf(src, dst []byte, keySize types.KeySize, reparent reparentFunc) error {
	entries := internalEntries(src, keySize)
	moveSize := (len(entries) + 1) / 2
	keep, moved := entries[:len(entries)-moveSize], entries[len(entries)-moveSize:]

	putInternalEntries(dst, keySize, moved)
	dstID := pageIDOf(dst)
	for _, e := range moved {
		if err := reparent(e.child, dstID); err != nil {
			return err
		}
	}
	putInternalEntries(src, keySize, keep)
	return nil
}

// internalMergeAll moves every entry of src onto the end of dst, first
// replacing src's unused entries[0] key with the parent separator that
// used to sit between dst and src (per MoveAllTo's middle_key argument).
func internalMergeAll(src, dst []byte, keySize types.KeySize, middleKey types.IndexKey, reparent reparentFunc) error {
	srcEntries := internalEntries(src, keySize)
	if len(srcEntries) > 0 {
		srcEntries[0].key = middleKey
	}
	dstEntries := internalEntries(dst, keySize)
	dstEntries = append(dstEntries, srcEntries...)
	putInternalEntries(dst, keySize, dstEntries)

	dstID := pageIDOf(dst)
	for _, e := range srcEntries {
		if err := reparent(e.child, dstID); err != nil {
			return err
		}
	}
	putInternalEntries(src, keySize, nil)
	return nil
}

// internalMoveFirstToEndOf is the index-0 redistribute case: dst (the
// underfull node) sits left of src (its right sibling). src's leftmost
// child moves to the end of dst, taking the old parent separator
// (between dst and src) as its new key; src's own new leftmost key is
// returned as the updated parent separator.
func internalMoveFirstToEndOf(src, dst []byte, keySize types.KeySize, parentKey types.IndexKey, reparent reparentFunc) (types.IndexKey, error) {
	srcEntries := internalEntries(src, keySize)
	moved := srcEntries[0]
	srcEntries = srcEntries[1:]
	putInternalEntries(src, keySize, srcEntries)

	moved.key = parentKey
	dstEntries := internalEntries(dst, keySize)
	dstEntries = append(dstEntries, moved)
	putInternalEntries(dst, keySize, dstEntries)

	if err := reparent(moved.child, pageIDOf(dst)); err != nil {
		return types.IndexKey{}, err
	}
	if len(srcEntries) == 0 {
		return types.IndexKey{}, nil
	}
	return srcEntries[0].key, nil
}

// internalMoveLastToFrontOf is the index!=0 redistribute case: dst (the
// underfull node) sits right of src (its left sibling). src's rightmost
// child moves to the front of dst; dst's old leftmost entry takes the
// old parent separator as its key, since it is no longer leftmost. The
// removed entry's own key becomes the updated parent separator.
func internalMoveLastToFrontOf(src, dst []byte, keySize types.KeySize, parentKey types.IndexKey, reparent reparentFunc) (types.IndexKey, error) {
	srcEntries := internalEntries(src, keySize)
	moved := srcEntries[len(srcEntries)-1]
	newSeparator := moved.key
	srcEntries = srcEntries[:len(srcEntries)-1]
	putInternalEntries(src, keySize, srcEntries)

	dstEntries := internalEntries(dst, keySize)
	if len(dstEntries) > 0 {
		dstEntries[0].key = parentKey
	}
	dstEntries = append([]internalEntry{{child: moved.child}}, dstEntries...)
	putInternalEntries(dst, keySize, dstEntries)

	if err := reparent(moved.child, pageIDOf(dst)); err != nil {
		return types.IndexKey{}, err
	}
	return newSeparator, nil
}
