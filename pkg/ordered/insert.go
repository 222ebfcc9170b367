// Package ordered provides a small ascending-insert helper used by the
// lock manager's waits_for adjacency lists, which need "insert keeping
// ascending order, no duplicate" — the same operation the original C++
// expresses with std::lower_bound.
package ordered

import "golang.org/x/exp/constraints"

// SearchIndex returns the first index i such that s[i] >= target, or
// len(s) if no such index exists (a binary search lower bound).
func SearchIndex[T constraints.Ordered](s []T, target T) int {
	lo, hi := 0, len(s)
	for lo < hi {
		mid := (lo + hi) / 2
		if s[mid] < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// InsertUnique inserts target into s, keeping s ascending, and is a no-op
// if target is already present. Returns the (possibly reallocated) slice.
func InsertUnique[T constraints.Ordered](s []T, target T) []T {
	idx := SearchIndex(s, target)
	if idx < len(s) && s[idx] == target {
		return s
	}
	s = append(s, target)
	copy(s[idx+1:], s[idx:len(s)-1])
	s[idx] = target
	return s
}

// Remove deletes target from s if present, keeping the remaining elements
// in order. Returns the (possibly shortened) slice.
func Remove[T constraints.Ordered](s []T, target T) []T {
	idx := SearchIndex(s, target)
	if idx >= len(s) || s[idx] != target {
		return s
	}
	return append(s[:idx], s[idx+1:]...)
}
