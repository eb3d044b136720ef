package sstable

import (
	"fmt"
	"os"
	"sort"

	"github.com/dowkv/wcstore/pkg/row"
	"github.com/dowkv/wcstore/pkg/schema"
)

// Compaction size-tiered bucketing thresholds.
const (
	minBucketSize  = 4
	maxBucketSize  = 32
	sizeRatioLow   = 0.5
	sizeRatioHigh  = 1.5
	smallSegmentMB = 50 * 1024 * 1024
)

// Compactor merges size-tiered buckets of segments into one rewritten
// segment, never dropping a tombstone — unlike a multi-replica engine
// with a safe delete horizon, a single-node store has no way to know
// every observer has seen a delete, so tombstones survive compaction
// forever and are only removed by a future explicit vacuum operation
// this engine does not implement.
type Compactor struct {
	Dir             string
	Schema          *schema.TableSchema
	TotalPartitions int
	Locate          RowLocator

	// Archive, if set, is called with each input segment's path before it
	// is removed, giving a caller (pkg/archive) a chance to ship it
	// somewhere durable first. A non-nil error aborts the removal of that
	// one segment; the segment is left on disk for the next compaction
	// pass to retry.
	Archive func(path string) error
}

// PlanBuckets groups segments into size-tiered compaction candidates:
// groups of segments whose sizes are within [0.5x, 1.5x] of the bucket
// average, or whose sizes are both below the small-segment cutoff, with
// between 4 and 32 members.
func (c *Compactor) PlanBuckets(segments []*Segment) ([][]*Segment, error) {
	type sized struct {
		seg  *Segment
		size int64
	}
	all := make([]sized, 0, len(segments))
	for _, seg := range segments {
		info, err := os.Stat(seg.Path)
		if err != nil {
			return nil, fmt.Errorf("sstable: stat %s: %w", seg.Path, err)
		}
		all = append(all, sized{seg: seg, size: info.Size()})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].size < all[j].size })

	var buckets [][]*Segment
	var current []sized
	flush := func() {
		if len(current) >= minBucketSize {
			segs := make([]*Segment, 0, len(current))
			for _, s := range current {
				segs = append(segs, s.seg)
			}
			buckets = append(buckets, segs)
		}
		current = nil
	}

	for _, s := range all {
		if len(current) == 0 {
			current = append(current, s)
			continue
		}
		avg := bucketAverage(current)
		withinRatio := float64(s.size) >= float64(avg)*sizeRatioLow && float64(s.size) <= float64(avg)*sizeRatioHigh
		bothSmall := s.size < smallSegmentMB && avg < smallSegmentMB
		if (withinRatio || bothSmall) && len(current) < maxBucketSize {
			current = append(current, s)
		} else {
			flush()
			current = append(current, s)
		}
	}
	flush()

	return buckets, nil
}

func bucketAverage(items []struct {
	seg  *Segment
	size int64
}) int64 {
	var sum int64
	for _, it := range items {
		sum += it.size
	}
	return sum / int64(len(items))
}

// Compact rewrites bucket into a single new segment: every row is
// deduplicated by primary key keeping the newest timestamp, tombstones
// included, then the input segments are deleted. Returns the new
// segment's path.
func (c *Compactor) Compact(bucket []*Segment) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sstable: compaction panic: %v", r)
		}
	}()

	latest := make(map[string]row.Row)
	for _, seg := range bucket {
		rows, readErr := seg.ReadAll()
		if readErr != nil {
			return "", readErr
		}
		for _, r := range rows {
			pk := r.PrimaryKey()
			if existing, ok := latest[pk]; !ok || r.Timestamp >= existing.Timestamp {
				latest[pk] = r
			}
		}
	}

	merged := make([]row.Row, 0, len(latest))
	for _, r := range latest {
		merged = append(merged, r)
	}

	newPath, err := WriteSegment(c.Dir, c.Schema, merged, c.TotalPartitions, c.Locate)
	if err != nil {
		return "", err
	}

	for _, seg := range bucket {
		if c.Archive != nil {
			if archiveErr := c.Archive(seg.Path); archiveErr != nil {
				continue
			}
		}
		if removeErr := os.Remove(seg.Path); removeErr != nil && !os.IsNotExist(removeErr) {
			return newPath, fmt.Errorf("sstable: remove compacted segment %s: %w", seg.Path, removeErr)
		}
	}

	return newPath, nil
}
