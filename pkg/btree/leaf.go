package btree

import (
	"encoding/binary"

	"concore/pkg/types"
)

// leafEntryWidth is the on-page size of one (key, RID) pair: the fixed-
// width key plus a packed RID (PageID int32 + Slot uint32).
func leafEntryWidth(keySize types.KeySize) int { return int(keySize) + 8 }

func leafCapacity(keySize types.KeySize) int {
	return (disk4096 - headerSize) / leafEntryWidth(keySize)
}

// disk4096 mirrors disk.PageSize for btree's capacity math.
const disk4096 = 4096

type leafEntry struct {
	key types.IndexKey
	rid types.RID
}

func initLeaf(data []byte, pageID, parentID types.PageID, maxSize int) {
	for i := range data {
		data[i] = 0
	}
	setKind(data, pageLeaf)
	setSize(data, 0)
	setMaxSize(data, maxSize)
	setParent(data, parentID)
	setPageID(data, pageID)
	setNextLeaf(data, types.InvalidPageID)
}

func leafEntries(data []byte, keySize types.KeySize) []leafEntry {
	n := sizeOf(data)
	width := leafEntryWidth(keySize)
	entries := make([]leafEntry, n)
	for i := 0; i < n; i++ {
		off := headerSize + i*width
		entries[i] = decodeLeafEntry(data[off:off+width], keySize)
	}
	return entries
}

func decodeLeafEntry(b []byte, keySize types.KeySize) leafEntry {
	key := types.NewIndexKey(keySize, b[:keySize])
	pid := types.PageID(int32(binary.BigEndian.Uint32(b[keySize:])))
	slot := binary.BigEndian.Uint32(b[int(keySize)+4:])
	return leafEntry{key: key, rid: types.RID{PageID: pid, Slot: slot}}
}

func encodeLeafEntry(b []byte, e leafEntry, keySize types.KeySize) {
	copy(b[:keySize], e.key.Bytes())
	binary.BigEndian.PutUint32(b[keySize:], uint32(e.rid.PageID))
	binary.BigEndian.PutUint32(b[int(keySize)+4:], e.rid.Slot)
}

// putLeafEntries rewrites data's entry region and size header from
// entries. Used after every mutation instead of shifting bytes in place,
// since the tree never holds more than max_size+1 entries in memory at
// once during an insert-then-split.
func putLeafEntries(data []byte, keySize types.KeySize, entries []leafEntry) {
	width := leafEntryWidth(keySize)
	for i, e := range entries {
		off := headerSize + i*width
		encodeLeafEntry(data[off:off+width], e, keySize)
	}
	setSize(data, len(entries))
}

// leafKeyIndex returns the first index i with entries[i].key >= key,
// mirroring BPlusTreeLeafPage::KeyIndex (used only by BeginAt).
func leafKeyIndex(entries []leafEntry, key types.IndexKey, cmp types.KeyComparator) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(entries[mid].key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// findKeyIndex returns the index of key within entries and whether it was
// found, via binary search. When key is absent, the index is the position
// where key would be inserted to keep entries ordered. Replaces the
// original's KeyWhere/getInsertIndex pattern with a clean (index, present)
// pair instead of reusing the returned value for a txn id.
func findKeyIndex(entries []leafEntry, key types.IndexKey, cmp types.KeyComparator) (int, bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		c := cmp(entries[mid].key, key)
		if c == 0 {
			return mid, true
		}
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}

func leafLookup(data []byte, keySize types.KeySize, key types.IndexKey, cmp types.KeyComparator) (types.RID, bool) {
	entries := leafEntries(data, keySize)
	idx, ok := findKeyIndex(entries, key, cmp)
	if !ok {
		return types.RID{}, false
	}
	return entries[idx].rid, true
}

// leafInsert inserts (key, rid) in order, returning false without
// modifying data if key is already present (unique index semantics).
func leafInsert(data []byte, keySize types.KeySize, key types.IndexKey, rid types.RID, cmp types.KeyComparator) bool {
	entries := leafEntries(data, keySize)
	idx, ok := findKeyIndex(entries, key, cmp)
	if ok {
		return false
	}
	entries = append(entries, leafEntry{})
	copy(entries[idx+1:], entries[idx:len(entries)-1])
	entries[idx] = leafEntry{key: key, rid: rid}
	putLeafEntries(data, keySize, entries)
	return true
}

func leafRemove(data []byte, keySize types.KeySize, key types.IndexKey, cmp types.KeyComparator) bool {
	entries := leafEntries(data, keySize)
	idx, ok := findKeyIndex(entries, key, cmp)
	if !ok {
		return false
	}
	entries = append(entries[:idx], entries[idx+1:]...)
	putLeafEntries(data, keySize, entries)
	return true
}

// leafSplitHalf moves the upper half of src's entries into dst (freshly
// initialized by the caller), per MoveHalfTo.
func leafSplitHalf(src, dst []byte, keySize types.KeySize) {
	entries := leafEntries(src, keySize)
	moveSize := (len(entries) + 1) / 2
	keep, moved := entries[:len(entries)-moveSize], entries[len(entries)-moveSize:]

	putLeafEntries(dst, keySize, moved)
	setNextLeaf(dst, nextLeafOf(src))
	setNextLeaf(src, pageIDOf(dst))
	putLeafEntries(src, keySize, keep)
}

// leafMergeAll moves every entry of src into the end of dst (per
// MoveAllTo), used when two leaves coalesce.
func leafMergeAll(src, dst []byte, keySize types.KeySize) {
	dstEntries := leafEntries(dst, keySize)
	srcEntries := leafEntries(src, keySize)
	dstEntries = append(dstEntries, srcEntries...)
	putLeafEntries(dst, keySize, dstEntries)
	setNextLeaf(dst, nextLeafOf(src))
	putLeafEntries(src, keySize, nil)
}

// leafMoveFirstToEndOf moves src's first entry onto the end of dst (index
// == 0 redistribute case), returning src's new first key for the parent
// separator update.
func leafMoveFirstToEndOf(src, dst []byte, keySize types.KeySize) types.IndexKey {
	srcEntries := leafEntries(src, keySize)
	moved := srcEntries[0]
	srcEntries = srcEntries[1:]
	putLeafEntries(src, keySize, srcEntries)

	dstEntries := leafEntries(dst, keySize)
	dstEntries = append(dstEntries, moved)
	putLeafEntries(dst, keySize, dstEntries)
	return srcEntries[0].key
}

// leafMoveLastToFrontOf moves src's last entry onto the front of dst
// (index != 0 redistribute case), returning dst's new first key.
func leafMoveLastToFrontOf(src, dst []byte, keySize types.KeySize) types.IndexKey {
	srcEntries := leafEntries(src, keySize)
	moved := srcEntries[len(srcEntries)-1]
	srcEntries = srcEntries[:len(srcEntries)-1]
	putLeafEntries(src, keySize, srcEntries)

	dstEntries := leafEntries(dst, keySize)
	dstEntries = append([]leafEntry{moved}, dstEntries...)
	putLeafEntries(dst, keySize, dstEntries)
	return moved.key
}
