package main

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// #############################################################################

func NewBloomFilter(size uint64, seeds []uint32) *BloomFilter {
	Assert(size > 0)
	return &BloomFilter{size, seeds, roaring64.New()}
}

func (bf *BloomFilter) Insert(e ElementType) {
	for _, pos := range HashPositions(e, bf.size, bf.seeds) {
		bf.bits.Add(pos)
	}
}

// Invert flips every slot, so a set bit means no local element maps there.
func (bf *BloomFilter) Invert() {
	full := GetBitMap(bf.size)
	full.AndNot(bf.bits)
	bf.bits = full
}

func (bf *BloomFilter) CheckPosition(i uint64) bool {
	return bf.bits.Contains(i)
}

func (bf *BloomFilter) Clear() {
	bf.bits.Clear()
}

func (bf *BloomFilter) Size() uint64 {
	return bf.size
}

func (bf *BloomFilter) Cardinality() uint64 {
	return bf.bits.GetCardinality()
}

// #############################################################################

func bloomDomain(seed uint32) string {
	return "BloomFilter/" + strconv.FormatUint(uint64(seed), 10)
}

// HashPositions maps e to one slot per seed.
func HashPositions(e ElementType, size uint64, seeds []uint32) []uint64 {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], e)
	ret := make([]uint64, len(seeds))
	for i, s := range seeds {
		h := BLAKE2S(msg[:], bloomDomain(s))
		ret[i] = binary.BigEndian.Uint64(h) % size
	}
	return ret
}

// OptimalBloomSize returns the slot count that keeps the false positive rate of
// n elements and k hash functions at fpr.
func OptimalBloomSize(n int, fpr float64, k int) uint64 {
	if n <= 0 || k <= 0 || fpr <= 0 || fpr >= 1 {
		return 0
	}
	m := -float64(k) * float64(n) / math.Log(1-math.Pow(fpr, 1/float64(k)))
	return uint64(math.Ceil(m))
}
