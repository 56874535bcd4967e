package bptree

import "encoding/binary"

// KeyComparator orders two fixed-width encoded keys, returning a negative
// number, zero, or a positive number as a < b, a == b, or a > b. The tree
// never inspects key bytes itself; every ordering decision goes through the
// comparator injected at construction.
type KeyComparator func(a, b []byte) int

// Int64KeySize is the encoded width produced by EncodeInt64Key.
const Int64KeySize = 8

// EncodeInt64Key renders a signed 64-bit key into its fixed-width wire
// form for use as a B+ tree key.
func EncodeInt64Key(v int64) []byte {
	buf := make([]byte, Int64KeySize)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return buf
}

// DecodeInt64Key is the inverse of EncodeInt64Key.
func DecodeInt64Key(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

// Int64Comparator compares two EncodeInt64Key-encoded keys numerically.
func Int64Comparator(a, b []byte) int {
	av, bv := DecodeInt64Key(a), DecodeInt64Key(b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}
