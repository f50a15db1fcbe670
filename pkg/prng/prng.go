// Package prng implements explicit, splittable random keys.
//
// Randomness is never global: every sampler consumes a Key, and the same Key always
// produces the same samples. Keys are derived from their parent by hashing, so
// splitting is cheap and order independent.
package prng

import (
	"encoding/binary"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
)

// Key is an immutable random key.
type Key struct {
	hi, lo uint64
}

// NewKey returns the root key for seed.
func NewKey(seed uint64) Key {
	return Key{hi: 0, lo: seed}.Fold(seed)
}

// Fold derives a new key from k and data.
func (k Key) Fold(data uint64) Key {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], k.hi)
	binary.LittleEndian.PutUint64(buf[8:], k.lo)
	binary.LittleEndian.PutUint64(buf[16:], data)
	hi := xxhash.Sum64(buf[:])
	buf[0] ^= 0xff
	lo := xxhash.Sum64(buf[:])
	return Key{hi: hi, lo: lo}
}

// Split derives n independent keys from k.
func (k Key) Split(n int) []Key {
	keys := make([]Key, n)
	for i := range keys {
		keys[i] = k.Fold(uint64(i) + 1)
	}
	return keys
}

func (k Key) rng() *rand.Rand {
	return rand.New(rand.NewPCG(k.hi, k.lo))
}

// Normal returns n samples from N(0, std^2).
func (k Key) Normal(n int, std float32) []float32 {
	r := k.rng()
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(r.NormFloat64()) * std
	}
	return out
}

// Bernoulli returns n draws that are true with probability p.
func (k Key) Bernoulli(n int, p float32) []bool {
	r := k.rng()
	out := make([]bool, n)
	for i := range out {
		out[i] = r.Float32() < p
	}
	return out
}

// RandInt returns n integers drawn uniformly from [lo, hi).
func (k Key) RandInt(n int, lo, hi int32) []int32 {
	r := k.rng()
	out := make([]int32, n)
	span := hi - lo
	for i := range out {
		out[i] = lo + r.Int32N(span)
	}
	return out
}
