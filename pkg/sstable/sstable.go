// Package sstable implements the immutable, sorted on-disk segment a
// memtable is flushed to, along with size-tiered background compaction.
//
// Unlike the engine this was distilled from, a segment carries a
// partition-affinity header: rows are stored sorted by (partition,
// primary key), and the header records, per partition, the row number
// the partition's block starts at. A lookup binary-searches only within
// its partition's row range instead of the whole segment.
package sstable

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dowkv/wcstore/pkg/pools"
	"github.com/dowkv/wcstore/pkg/row"
	"github.com/dowkv/wcstore/pkg/schema"
	"github.com/google/uuid"
)

// DefaultDir is where SSTable segments live on disk.
const DefaultDir = "/var/lib/wcstore/sstables"

// PartitionIndexEntry records where one partition's contiguous row block
// begins within a segment.
type PartitionIndexEntry struct {
	Partition  int
	FirstRow   int
	RowCount   int
}

// Segment is an opened, read-only handle on one on-disk SSTable.
type Segment struct {
	Path      string
	Schema    *schema.TableSchema
	Index     []PartitionIndexEntry
	NumRows   int
	CreatedMs int64
	headerLen int64
	rowSize   int
	bloom     *bloomFilter
	cache     *rowCache
}

// defaultRowCacheCapacity bounds how many decoded rows a Segment keeps
// warm across repeated Get/ReadLatest calls.
const defaultRowCacheCapacity = 4096

// RowLocator maps a hash key to the owning partition. The sstable package
// depends only on this narrow interface (not pkg/partition) to avoid a
// layering cycle; pkg/partition.Of satisfies it directly.
type RowLocator func(hashKey string, totalPartitions int) int

// WriteSegment flushes rows (already schema-encoded rows from a drained
// memtable) to a new on-disk segment under dir, grouping by partition and
// writing the partition-affinity header described in the package doc.
// Rows within a partition are sorted by primary key.
func WriteSegment(dir string, s *schema.TableSchema, rows []row.Row, totalPartitions int, locate RowLocator) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("sstable: mkdir: %w", err)
	}

	byPartition := make(map[int][]row.Row)
	for _, r := range rows {
		p := locate(r.HashKey, totalPartitions)
		byPartition[p] = append(byPartition[p], r)
	}

	partitions := make([]int, 0, len(byPartition))
	for p := range byPartition {
		partitions = append(partitions, p)
	}
	sort.Ints(partitions)

	var index []PartitionIndexEntry
	var ordered []row.Row
	for _, p := range partitions {
		group := byPartition[p]
		sort.Slice(group, func(i, j int) bool { return group[i].PrimaryKey() < group[j].PrimaryKey() })
		index = append(index, PartitionIndexEntry{Partition: p, FirstRow: len(ordered), RowCount: len(group)})
		ordered = append(ordered, group...)
	}

	createdMs := time.Now().UnixMilli()
	name := fmt.Sprintf("%s-%d-%d-%s", s.Name, len(ordered), createdMs, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("sstable: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	header := encodeHeader(index)
	if _, err := w.WriteString(header); err != nil {
		return "", fmt.Errorf("sstable: write header: %w", err)
	}

	rowSize := s.RowByteSize()
	buf := pools.GetBytes(rowSize)
	defer pools.PutBytes(buf)
	for _, r := range ordered {
		buf = buf[:0]
		buf, err = row.Encode(buf, r, s)
		if err != nil {
			return "", fmt.Errorf("sstable: encode row: %w", err)
		}
		if _, err := w.Write(buf); err != nil {
			return "", fmt.Errorf("sstable: write row: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("sstable: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sstable: fsync: %w", err)
	}

	return path, nil
}

func encodeHeader(index []PartitionIndexEntry) string {
	parts := make([]string, 0, len(index))
	for _, e := range index {
		parts = append(parts, fmt.Sprintf("p%d:r%d:n%d", e.Partition, e.FirstRow, e.RowCount))
	}
	return strings.Join(parts, ",") + "\n"
}

func decodeHeader(line string) ([]PartitionIndexEntry, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	fields := strings.Split(line, ",")
	out := make([]PartitionIndexEntry, 0, len(fields))
	for _, f := range fields {
		sub := strings.Split(f, ":")
		if len(sub) != 3 {
			return nil, fmt.Errorf("sstable: malformed header entry %q", f)
		}
		p, err1 := strconv.Atoi(strings.TrimPrefix(sub[0], "p"))
		r, err2 := strconv.Atoi(strings.TrimPrefix(sub[1], "r"))
		n, err3 := strconv.Atoi(strings.TrimPrefix(sub[2], "n"))
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("sstable: malformed header entry %q", f)
		}
		out = append(out, PartitionIndexEntry{Partition: p, FirstRow: r, RowCount: n})
	}
	return out, nil
}

// Open opens an existing segment file, parsing its header.
func Open(path string, s *schema.TableSchema) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	headerLine, err := reader.ReadString('\n')
	if err != nil && len(headerLine) == 0 {
		return nil, fmt.Errorf("sstable: read header %s: %w", path, err)
	}
	index, err := decodeHeader(headerLine)
	if err != nil {
		return nil, err
	}

	numRows := 0
	for _, e := range index {
		numRows += e.RowCount
	}

	base := filepath.Base(path)
	parts := strings.Split(base, "-")
	var createdMs int64
	if len(parts) >= 3 {
		createdMs, _ = strconv.ParseInt(parts[2], 10, 64)
	}

	seg := &Segment{
		Path:      path,
		Schema:    s,
		Index:     index,
		NumRows:   numRows,
		CreatedMs: createdMs,
		headerLen: int64(len(headerLine)),
		rowSize:   s.RowByteSize(),
		cache:     newRowCache(defaultRowCacheCapacity),
	}

	if numRows > 0 {
		rows, err := seg.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("sstable: build bloom filter for %s: %w", path, err)
		}
		bloom := newBloomFilter(numRows, 0.01)
		for _, r := range rows {
			bloom.Add([]byte(r.PrimaryKey()))
		}
		seg.bloom = bloom
	}

	return seg, nil
}

// Get binary-searches for primaryKey within its partition's row block.
func (seg *Segment) Get(partition int, primaryKey string) (row.Row, bool, error) {
	var entry *PartitionIndexEntry
	for i := range seg.Index {
		if seg.Index[i].Partition == partition {
			entry = &seg.Index[i]
			break
		}
	}
	if entry == nil || entry.RowCount == 0 {
		return row.Row{}, false, nil
	}
	if seg.bloom != nil && !seg.bloom.MayContain([]byte(primaryKey)) {
		return row.Row{}, false, nil
	}

	f, err := os.Open(seg.Path)
	if err != nil {
		return row.Row{}, false, fmt.Errorf("sstable: open %s: %w", seg.Path, err)
	}
	defer f.Close()

	lo, hi := 0, entry.RowCount-1
	for lo <= hi {
		mid := (lo + hi) / 2
		rowIdx := entry.FirstRow + mid
		r, err := seg.readRowAt(f, rowIdx)
		if err != nil {
			return row.Row{}, false, err
		}
		switch {
		case r.PrimaryKey() == primaryKey:
			return r, true, nil
		case r.PrimaryKey() < primaryKey:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return row.Row{}, false, nil
}

func (seg *Segment) readRowAt(f *os.File, rowIdx int) (row.Row, error) {
	if r, ok := seg.cache.get(seg.Path, rowIdx); ok {
		return r, nil
	}

	offset := seg.headerLen + int64(rowIdx)*int64(seg.rowSize)
	buf := make([]byte, seg.rowSize)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return row.Row{}, fmt.Errorf("sstable: read row %d: %w", rowIdx, err)
	}
	r, err := row.Decode(buf, seg.Schema)
	if err != nil {
		return row.Row{}, err
	}
	seg.cache.put(seg.Path, rowIdx, r)
	return r, nil
}

// ReadAll decodes every row in the segment, in on-disk order.
func (seg *Segment) ReadAll() ([]row.Row, error) {
	f, err := os.Open(seg.Path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", seg.Path, err)
	}
	defer f.Close()

	out := make([]row.Row, 0, seg.NumRows)
	for i := 0; i < seg.NumRows; i++ {
		r, err := seg.readRowAt(f, i)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ListSegments opens every sstable segment for tableName under dir,
// sorted newest-first (descending created_millis) — the order reads
// must scan in, since the newest version of a row wins.
func ListSegments(dir string, s *schema.TableSchema) ([]*Segment, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sstable: list %s: %w", dir, err)
	}

	var segments []*Segment
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), s.Name+"-") {
			continue
		}
		seg, err := Open(filepath.Join(dir, e.Name()), s)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].CreatedMs > segments[j].CreatedMs })
	return segments, nil
}

// ReadLatest scans segments newest-first and returns the first row found
// for (partition, primaryKey), which is always the most recent version
// since a row's value is fully rewritten (no column-level merge) on
// every compaction/flush.
func ReadLatest(segments []*Segment, partition int, primaryKey string) (row.Row, bool, error) {
	for _, seg := range segments {
		r, ok, err := seg.Get(partition, primaryKey)
		if err != nil {
			return row.Row{}, false, err
		}
		if ok {
			return r, true, nil
		}
	}
	return row.Row{}, false, nil
}
