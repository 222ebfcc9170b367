// Package keycodec translates the catalog-facing scalar key types
// (types.Comparable) into the fixed-width types.IndexKey the B+Tree
// stores. It stands in for the out-of-scope query executors' role of
// translating tuples into index keys, without implementing scan
// conditions, seeks, or executors of any kind.
package keycodec

import (
	"encoding/binary"
	"math"
	"time"

	cerrors "concore/pkg/errors"
	"concore/pkg/types"
)

// VarcharKeySize is the fixed width a VarcharKey is packed into. Longer
// values are rejected rather than silently truncated: truncating would
// corrupt the relative order of two strings sharing a truncated prefix.
const VarcharKeySize = types.KeySize32

// Comparator returns the KeyComparator that orders every IndexKey Encode
// produces consistently with its source value's own Compare method.
// Every encoding below is built so plain byte-lexicographic order matches
// value order, so one comparator serves all of them.
func Comparator() types.KeyComparator {
	return types.ByteComparator
}

// Encode packs a scalar Comparable into a fixed-width IndexKey.
func Encode(v types.Comparable) (types.IndexKey, error) {
	switch k := v.(type) {
	case types.IntKey:
		return types.IntKeyOf(int64(k)), nil
	case types.DateKey:
		return types.IntKeyOf(time.Time(k).UnixNano()), nil
	case types.FloatKey:
		return floatKey(float64(k)), nil
	case types.BoolKey:
		b := byte(0)
		if bool(k) {
			b = 1
		}
		return types.NewIndexKey(types.KeySize4, []byte{b}), nil
	case types.VarcharKey:
		s := []byte(string(k))
		if len(s) > int(VarcharKeySize) {
			return types.IndexKey{}, cerrors.Newf(cerrors.KindNone,
				"keycodec: varchar key of %d bytes exceeds max width %d", len(s), VarcharKeySize)
		}
		return types.NewIndexKey(VarcharKeySize, s), nil
	default:
		return types.IndexKey{}, cerrors.Newf(cerrors.KindNone, "keycodec: unsupported key type %T", v)
	}
}

// floatKey packs f into an order-preserving 8-byte encoding: for
// non-negative values, flip the sign bit; for negative values, flip every
// bit. Both transforms turn IEEE-754's sign-magnitude layout into a
// representation where big-endian byte order matches float order.
func floatKey(f float64) types.IndexKey {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return types.NewIndexKey(types.KeySize8, b[:])
}
