// Package hash implements the bounded string hash shared by SymbolTable and
// indexed STRING columns. It is built on murmur3 (the same
// library AmrMurad1-Go-Store's sstable/filter package uses for its bloom
// filter hashing) with a fixed non-zero seed so tests can depend on the
// result bit-exactly.
package hash

import (
	"fmt"

	"github.com/spaolacci/murmur3"

	"nfsdb/internal/errs"
)

// Seed is the fixed, non-zero seed used for every bounded hash computation
// in the engine. It must never change, or on-disk indexes built with a
// different seed would silently mismatch.
const Seed uint32 = 0x9e3779b9

// Bounded returns boundedHash(s, mask) where mask = distinctCountHint-1.
// distinctCountHint must be a positive power of two; a zero or non-power-of
// two hint is a configuration error.
func Bounded(s string, distinctCountHint int64) (uint32, error) {
	if !IsPowerOfTwo(distinctCountHint) {
		return 0, errs.New(errs.KindConfigError, "hash.Bounded",
			fmt.Errorf("distinctCountHint must be a positive power of two, got %d", distinctCountHint))
	}
	mask := uint32(distinctCountHint - 1)
	h := murmur3.Sum32WithSeed([]byte(s), Seed)
	return h & mask, nil
}

// BoundedInt applies the same mask to an already-integral key, used for
// indexed INT columns.
func BoundedInt(v int32, distinctCountHint int64) (uint32, error) {
	if !IsPowerOfTwo(distinctCountHint) {
		return 0, errs.New(errs.KindConfigError, "hash.BoundedInt",
			fmt.Errorf("distinctCountHint must be a positive power of two, got %d", distinctCountHint))
	}
	mask := uint32(distinctCountHint - 1)
	return uint32(v) & mask, nil
}

// IsPowerOfTwo reports whether n is a positive power of two, used to
// validate distinctCountHint at configuration time.
func IsPowerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}
