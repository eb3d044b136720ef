package partition

import "testing"

func TestOfIsDeterministic(t *testing.T) {
	a := Of("abc", 16)
	b := Of("abc", 16)
	if a != b {
		t.Fatalf("expected deterministic hash, got %d and %d", a, b)
	}
	if a < 0 || a >= 16 {
		t.Fatalf("partition %d out of range [0,16)", a)
	}
}

func TestOfDistributesAcrossPartitions(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 64; i++ {
		hk := string(rune('a' + i%26))
		seen[Of(hk, 8)] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected hash keys to spread across more than one partition, got %v", seen)
	}
}

func TestAssignRoundRobinCoversEveryPartitionExactlyOnce(t *testing.T) {
	owners := AssignRoundRobin(10, 3)
	seen := map[int]bool{}
	for _, set := range owners {
		for p := range set {
			if seen[p] {
				t.Fatalf("partition %d assigned to more than one thread", p)
			}
			seen[p] = true
		}
	}
	if len(seen) != 10 {
		t.Fatalf("expected 10 partitions covered, got %d", len(seen))
	}
}
