// Package partition implements the engine's single hashing rule: every
// hash key maps to exactly one partition via MurmurHash3-32 with a
// pinned seed, so every node in the cluster computes the same routing
// decision independently and deterministically.
package partition

import (
	"github.com/spaolacci/murmur3"
)

// Seed is the fixed MurmurHash3-32 seed the whole system hashes with.
// It is not configurable: changing it would silently redistribute every
// existing key to a different partition.
const Seed uint32 = 1119284470

// Of returns the partition owning hashKey out of totalPartitions.
func Of(hashKey string, totalPartitions int) int {
	h := murmur3.Sum32WithSeed([]byte(hashKey), Seed)
	return int(h % uint32(totalPartitions))
}

// Owns reports whether partition p is among the disjoint set owned by a
// runtime thread.
func Owns(owned map[int]bool, p int) bool {
	return owned[p]
}

// AssignRoundRobin splits totalPartitions partitions across numThreads
// threads as evenly as possible, returning each thread's owned partition
// set. Partition i belongs to thread i % numThreads.
func AssignRoundRobin(totalPartitions, numThreads int) []map[int]bool {
	owners := make([]map[int]bool, numThreads)
	for i := range owners {
		owners[i] = make(map[int]bool)
	}
	for p := 0; p < totalPartitions; p++ {
		owners[p%numThreads][p] = true
	}
	return owners
}
