package sstable

import (
	"hash/fnv"
	"math"
)

// bloomFilter is a probabilistic set over a segment's primary keys: a
// negative answer is certain, a positive answer may be a false
// positive. Segment.Get consults it before touching disk, so a lookup
// for a key the segment never held skips the binary search entirely.
type bloomFilter struct {
	bits      []bool
	size      int
	hashCount int
}

// newBloomFilter sizes a filter for expectedItems at falsePositiveRate
// using the standard m = -(n*ln(p))/(ln(2)^2), k = (m/n)*ln(2) formulas.
func newBloomFilter(expectedItems int, falsePositiveRate float64) *bloomFilter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	size := int(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	hashCount := int(math.Ceil((float64(size) / float64(expectedItems)) * math.Ln2))

	if size < 1 {
		size = 1
	}
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > 30 {
		hashCount = 30
	}

	return &bloomFilter{bits: make([]bool, size), size: size, hashCount: hashCount}
}

func (bf *bloomFilter) Add(key []byte) {
	for i := 0; i < bf.hashCount; i++ {
		bf.bits[bf.hash(key, i)] = true
	}
}

func (bf *bloomFilter) MayContain(key []byte) bool {
	for i := 0; i < bf.hashCount; i++ {
		if !bf.bits[bf.hash(key, i)] {
			return false
		}
	}
	return true
}

// hash computes the i-th of bf.hashCount hash values via double
// hashing: (h1 + i*h2) mod size.
func (bf *bloomFilter) hash(key []byte, i int) int {
	h1 := fnv.New64a()
	_, _ = h1.Write(key)
	hash1 := h1.Sum64()

	h2 := fnv.New64a()
	_, _ = h2.Write(key)
	_, _ = h2.Write([]byte{0xFF})
	hash2 := h2.Sum64()
	if hash2%2 == 0 {
		hash2++
	}

	return int((hash1 + uint64(i)*hash2) % uint64(bf.size))
}
