// Package btree implements a concurrent, disk-paged B+Tree index: latch
// crabbing during descent, BusTub-style insert-then-split-if-full,
// coalesce-or-redistribute on remove, and a forward iterator.
//
// Grounded on two sources. The overall shape — a tree-wide sync.RWMutex
// guarding the root pointer, per-page Lock/RLock-style latch helpers, and
// sort.Search-driven ordered-slice lookup — generalizes an in-memory
// node tree with preventive top-down splitting into one with actual
// pages, latches, and a buffer pool. The algorithm itself —
// GetValue/Insert/Remove, FindLeafPage's two latch-crabbing variants,
// Split/InsertIntoParent, CoalesceOrRedistribute/Coalesce/Redistribute/
// AdjustRoot, and the iterator — is translated from
// original_source/src/storage/index/b_plus_tree.cpp,
// b_plus_tree_leaf_page.cpp and index_iterator.cpp.
package btree

import (
	"encoding/binary"

	"concore/pkg/types"
)

type pageKind uint8

const (
	pageInvalid pageKind = iota
	pageLeaf
	pageInternal
)

// Header layout shared by leaf and internal pages: kind(1) | size(4) |
// maxSize(4) | parentPageID(4) | pageID(4) | nextPageID(4, leaf-only) |
// isRoot(1). isRoot is tracked per-page (rather than compared against the
// tree's root_page_id_ field) so the latch-crabbing descent and
// coalesce/redistribute can tell whether a page they're already holding
// latched is the root without touching any tree-wide state that isn't
// covered by the latch they're holding.
const (
	offKind     = 0
	offSize     = 4
	offMaxSize  = 8
	offParent   = 12
	offPageID   = 16
	offNextLeaf = 20
	offIsRoot   = 24
	headerSize  = 28
)

func kindOf(data []byte) pageKind { return pageKind(data[offKind]) }
func setKind(data []byte, k pageKind) { data[offKind] = byte(k) }

func sizeOf(data []byte) int { return int(int32(binary.BigEndian.Uint32(data[offSize:]))) }
func setSize(data []byte, n int) {
	binary.BigEndian.PutUint32(data[offSize:], uint32(int32(n)))
}

func maxSizeOf(data []byte) int { return int(int32(binary.BigEndian.Uint32(data[offMaxSize:]))) }
func setMaxSize(data []byte, n int) {
	binary.BigEndian.PutUint32(data[offMaxSize:], uint32(int32(n)))
}

func parentOf(data []byte) types.PageID {
	return types.PageID(int32(binary.BigEndian.Uint32(data[offParent:])))
}
func setParent(data []byte, id types.PageID) {
	binary.BigEndian.PutUint32(data[offParent:], uint32(id))
}

func pageIDOf(data []byte) types.PageID {
	return types.PageID(int32(binary.BigEndian.Uint32(data[offPageID:])))
}
func setPageID(data []byte, id types.PageID) {
	binary.BigEndian.PutUint32(data[offPageID:], uint32(id))
}

func nextLeafOf(data []byte) types.PageID {
	return types.PageID(int32(binary.BigEndian.Uint32(data[offNextLeaf:])))
}
func setNextLeaf(data []byte, id types.PageID) {
	binary.BigEndian.PutUint32(data[offNextLeaf:], uint32(id))
}

// minSize is BusTub's floor for a non-root node: a leaf's minimum is
// floor(maxSize/2), an internal node's is ceil(maxSize/2), because an
// internal node's first entry holds no key and so needs one more
// occupied slot to stay balanced.
func minSize(maxSize int, leaf bool) int {
	if leaf {
		return maxSize / 2
	}
	return (maxSize + 1) / 2
}

// isLeafPage reads straight off the common header so callers never need
// to know which concrete page type they're holding until they decide how
// to decode its entries.
func isLeafPage(data []byte) bool { return kindOf(data) == pageLeaf }

func isRootFlag(data []byte) bool { return data[offIsRoot] != 0 }
func setIsRoot(data []byte, root bool) {
	if root {
		data[offIsRoot] = 1
	} else {
		data[offIsRoot] = 0
	}
}
