package types

import "fmt"

// KeySize is one of the fixed index-key widths the B+Tree supports.
type KeySize int

const (
	KeySize4  KeySize = 4
	KeySize8  KeySize = 8
	KeySize16 KeySize = 16
	KeySize32 KeySize = 32
	KeySize64 KeySize = 64
)

func (s KeySize) Valid() bool {
	switch s {
	case KeySize4, KeySize8, KeySize16, KeySize32, KeySize64:
		return true
	default:
		return false
	}
}

const maxKeySize = int(KeySize64)

// IndexKey is a fixed-width byte string used as a B+Tree key. Unlike the
// scalar Comparable keys in comparable.go (used by the catalog-facing
// keycodec), an IndexKey carries no type information of its own: ordering
// is supplied externally by a KeyComparator, matching the original
// GenericKey<KeySize>/GenericComparator<KeySize> split.
type IndexKey struct {
	size KeySize
	data [maxKeySize]byte
}

// NewIndexKey packs b into a fixed-width key of the given size. b must be
// no longer than size; it is zero-padded on the right if shorter.
func NewIndexKey(size KeySize, b []byte) IndexKey {
	if !size.Valid() {
		panic(fmt.Sprintf("types: invalid key size %d", size))
	}
	if len(b) > int(size) {
		panic(fmt.Sprintf("types: key payload of %d bytes exceeds size %d", len(b), size))
	}
	var k IndexKey
	k.size = size
	copy(k.data[:size], b)
	return k
}

// Size reports the key's fixed width.
func (k IndexKey) Size() KeySize { return k.size }

// Bytes returns the key's significant bytes (excludes any unused tail of
// the backing array beyond Size()).
func (k IndexKey) Bytes() []byte {
	return k.data[:k.size]
}

func (k IndexKey) String() string {
	return fmt.Sprintf("%x", k.Bytes())
}

// KeyComparator is the externally supplied total order over IndexKey
// values; the tree never assumes byte-lexicographic order on its own
// (callers pass e.g. a big-endian-integer comparator for numeric keys).
type KeyComparator func(a, b IndexKey) int

// ByteComparator orders keys by raw byte-lexicographic comparison. This is
// the natural comparator for keys built from big-endian integers via
// IntKeyOf.
func ByteComparator(a, b IndexKey) int {
	ab, bb := a.Bytes(), b.Bytes()
	n := len(ab)
	if len(bb) < n {
		n = len(bb)
	}
	for i := 0; i < n; i++ {
		if ab[i] != bb[i] {
			if ab[i] < bb[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(ab) < len(bb):
		return -1
	case len(ab) > len(bb):
		return 1
	default:
		return 0
	}
}

// IntKeyOf builds an 8-byte IndexKey from a signed integer, encoded
// big-endian with the sign bit flipped so that ByteComparator orders
// negative values before positive ones.
func IntKeyOf(v int64) IndexKey {
	var b [8]byte
	u := uint64(v) ^ (1 << 63)
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return NewIndexKey(KeySize8, b[:])
}
