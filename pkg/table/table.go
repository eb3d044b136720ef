// Package table binds a schema, a live memtable, and a live commit log
// into the unit a partition runtime mutates: every write goes to the
// commit log before the memtable, and a full memtable is hot-swapped out
// to flush to an SSTable without blocking new writes.
package table

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dowkv/wcstore/pkg/commitlog"
	"github.com/dowkv/wcstore/pkg/memtable"
	"github.com/dowkv/wcstore/pkg/metrics"
	"github.com/dowkv/wcstore/pkg/row"
	"github.com/dowkv/wcstore/pkg/schema"
	"github.com/dowkv/wcstore/pkg/sstable"
)

// Options configures a Table's storage locations and thresholds.
type Options struct {
	CommitLogDir     string
	SSTableDir       string
	MemtableMaxBytes int64
	TotalPartitions  int
	Locate           sstable.RowLocator

	// CompactionInterval is how often the background compactor checks
	// for eligible buckets. Zero disables background compaction (the
	// caller can still call Compact directly, e.g. from a test).
	CompactionInterval time.Duration
	Metrics            *metrics.Registry

	// ArchiveSegment, if set, is wired straight into
	// sstable.Compactor.Archive: called with a superseded segment's path
	// before compaction deletes it.
	ArchiveSegment func(path string) error
}

// Table is the live mutation surface for one schema on one partition
// runtime thread: current memtable + its backing commit log, plus the
// set of on-disk segments already flushed.
type Table struct {
	mu       sync.RWMutex
	schema   *schema.TableSchema
	opts     Options
	owned    map[int]bool
	active   *memtable.Memtable
	log      *commitlog.CommitLog
	segments []*sstable.Segment

	compactor *sstable.Compactor
	flushDone chan struct{}
}

// Open constructs a Table for s, replaying any existing commit logs
// owned by this thread and loading any existing on-disk segments.
func Open(s *schema.TableSchema, owned map[int]bool, opts Options) (*Table, error) {
	replayed, oldLogs, err := commitlog.Replay(commitlog.Options{Dir: opts.CommitLogDir}, s, owned, opts.MemtableMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("table: replay: %w", err)
	}

	segments, err := sstable.ListSegments(opts.SSTableDir, s)
	if err != nil {
		return nil, fmt.Errorf("table: list segments: %w", err)
	}

	t := &Table{
		schema:    s,
		opts:      opts,
		owned:     owned,
		active:    replayed,
		segments:  segments,
		flushDone: make(chan struct{}),
		compactor: &sstable.Compactor{
			Dir:             opts.SSTableDir,
			Schema:          s,
			TotalPartitions: opts.TotalPartitions,
			Locate:          opts.Locate,
			Archive:         opts.ArchiveSegment,
		},
	}

	if replayed.Len() > 0 {
		for _, l := range oldLogs {
			if err := t.flushAndDelete(replayed, l); err != nil {
				return nil, err
			}
		}
		t.active = memtable.New(opts.MemtableMaxBytes)
	}

	newLog, err := commitlog.OpenNew(commitlog.Options{Dir: opts.CommitLogDir}, s, firstOwned(owned))
	if err != nil {
		return nil, fmt.Errorf("table: open commit log: %w", err)
	}
	t.log = newLog
	go newLog.RunPeriodicSync(syncInterval, t.flushDone)

	if opts.CompactionInterval > 0 {
		go t.runCompactionLoop(opts.CompactionInterval)
	}

	return t, nil
}

// syncInterval matches the original engine's periodic commit-log fsync
// cadence.
const syncInterval = 10 * time.Second

func firstOwned(owned map[int]bool) int {
	for p := range owned {
		return p
	}
	return 0
}

// Insert writes r to the commit log and then the active memtable. The
// commit log write happens first so a crash between the two leaves the
// log as the recovery source of truth. r.Version is resolved here,
// against whatever version (if any) the primary key currently carries
// across the active memtable and every flushed segment, before the row
// is durably logged — this is the single point where a key's version
// counter advances.
func (t *Table) Insert(r row.Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	partition := t.opts.Locate(r.HashKey, t.opts.TotalPartitions)
	existing, found, err := peekRow(t.active, t.segments, partition, r.PrimaryKey())
	if err != nil {
		return fmt.Errorf("table: resolve current version: %w", err)
	}
	if found {
		r.Version = existing.Version + 1
	} else {
		r.Version = 1
	}

	if err := t.log.WriteInsert(r); err != nil {
		return fmt.Errorf("table: commit log insert: %w", err)
	}
	t.active.Insert(r, false)

	if t.active.MaxSizeReached() {
		t.triggerFlushLocked()
	}
	return nil
}

// Delete marks primaryKey deleted at timestamp.
func (t *Table) Delete(primaryKey string, timestamp uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.log.WriteDelete(primaryKey, timestamp); err != nil {
		return fmt.Errorf("table: commit log delete: %w", err)
	}
	t.active.Delete(primaryKey, timestamp)
	return nil
}

// Get looks up primaryKey, checking the active memtable first and
// falling back to on-disk segments (newest first).
func (t *Table) Get(partition int, primaryKey string) (row.Row, bool, error) {
	t.mu.RLock()
	mt := t.active
	segs := t.segments
	t.mu.RUnlock()

	r, found, err := peekRow(mt, segs, partition, primaryKey)
	if err != nil {
		return row.Row{}, false, err
	}
	if !found || r.MarkedForDeletion {
		return row.Row{}, false, nil
	}
	return r, true, nil
}

// peekRow resolves the most recent row for (partition, primaryKey)
// across mt and segs, tombstones included — callers that need a row's
// current version regardless of deletion (Insert's version bump) use
// this directly; callers that want delete-aware lookup semantics (Get)
// filter MarkedForDeletion themselves.
func peekRow(mt *memtable.Memtable, segs []*sstable.Segment, partition int, primaryKey string) (row.Row, bool, error) {
	if r, ok := mt.Get(primaryKey); ok {
		return r, true, nil
	}
	return sstable.ReadLatest(segs, partition, primaryKey)
}

// triggerFlushLocked swaps in a fresh memtable and commit log, flushing
// the old ones asynchronously. Caller must hold t.mu.
func (t *Table) triggerFlushLocked() {
	oldMT := t.active
	oldLog := t.log

	t.active = memtable.New(t.opts.MemtableMaxBytes)
	newLog, err := commitlog.OpenNew(commitlog.Options{Dir: t.opts.CommitLogDir}, t.schema, firstOwned(t.owned))
	if err != nil {
		// Fall back to the existing log rather than losing future writes;
		// the flush will simply retry with the same log next time.
		t.active = oldMT
		return
	}
	t.log = newLog
	go newLog.RunPeriodicSync(syncInterval, t.flushDone)

	go func() {
		_ = t.flushAndDelete(oldMT, oldLog)
	}()
}

// flushAndDelete drains mt to a new SSTable segment and, once that
// segment is durably on disk, deletes the commit log that was backing
// it.
func (t *Table) flushAndDelete(mt *memtable.Memtable, log *commitlog.CommitLog) error {
	start := time.Now()
	rows := mt.DrainSorted()
	if len(rows) == 0 {
		return log.Delete()
	}

	path, err := sstable.WriteSegment(t.opts.SSTableDir, t.schema, rows, t.opts.TotalPartitions, t.opts.Locate)
	if err != nil {
		return fmt.Errorf("table: flush: %w", err)
	}

	seg, err := sstable.Open(path, t.schema)
	if err != nil {
		return fmt.Errorf("table: reopen flushed segment: %w", err)
	}

	t.mu.Lock()
	t.segments = append([]*sstable.Segment{seg}, t.segments...)
	t.mu.Unlock()

	if t.opts.Metrics != nil {
		t.opts.Metrics.RecordFlush(time.Since(start))
	}

	return log.Delete()
}

// Flush synchronously flushes the current memtable, used for graceful
// shutdown where every partition must durably persist before the
// process acknowledges the signal.
func (t *Table) Flush() error {
	t.mu.Lock()
	mt := t.active
	log := t.log
	t.active = memtable.New(t.opts.MemtableMaxBytes)
	newLog, err := commitlog.OpenNew(commitlog.Options{Dir: t.opts.CommitLogDir}, t.schema, firstOwned(t.owned))
	if err == nil {
		t.log = newLog
		go newLog.RunPeriodicSync(syncInterval, t.flushDone)
	}
	t.mu.Unlock()

	if err != nil {
		return err
	}
	return t.flushAndDelete(mt, log)
}

// runCompactionLoop periodically plans and runs compaction buckets
// against this table's current segment set until flushDone closes.
func (t *Table) runCompactionLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.flushDone:
			return
		case <-ticker.C:
			t.runCompactionOnce()
		}
	}
}

// runCompactionOnce plans buckets over the table's current segment set
// and compacts every eligible bucket, swapping each bucket's inputs for
// its single merged output.
func (t *Table) runCompactionOnce() {
	t.mu.RLock()
	segs := append([]*sstable.Segment(nil), t.segments...)
	t.mu.RUnlock()

	buckets, err := t.compactor.PlanBuckets(segs)
	if err != nil {
		return
	}

	for _, bucket := range buckets {
		start := time.Now()
		path, err := t.compactor.Compact(bucket)
		if err != nil {
			continue
		}
		merged, err := sstable.Open(path, t.schema)
		if err != nil {
			continue
		}

		t.mu.Lock()
		t.segments = replaceBucket(t.segments, bucket, merged)
		live := len(t.segments)
		t.mu.Unlock()

		if t.opts.Metrics != nil {
			t.opts.Metrics.RecordCompaction(time.Since(start), live)
		}
	}
}

// replaceBucket returns segments with every member of bucket removed
// and merged prepended in their place.
func replaceBucket(segments []*sstable.Segment, bucket []*sstable.Segment, merged *sstable.Segment) []*sstable.Segment {
	inBucket := make(map[string]bool, len(bucket))
	for _, b := range bucket {
		inBucket[b.Path] = true
	}
	out := make([]*sstable.Segment, 0, len(segments)-len(bucket)+1)
	out = append(out, merged)
	for _, s := range segments {
		if !inBucket[s.Path] {
			out = append(out, s)
		}
	}
	return out
}

// Stats is a point-in-time snapshot of a table's live state, used by
// pkg/admin to render a running inspector without holding any lock
// beyond the snapshot itself.
type Stats struct {
	Table         string
	MemtableRows  int
	MemtableBytes int64
	SegmentCount  int
}

// Stats snapshots the table's current memtable and segment counts.
func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		Table:         t.schema.Name,
		MemtableRows:  t.active.Len(),
		MemtableBytes: t.active.Size(),
		SegmentCount:  len(t.segments),
	}
}

// SyncCommitLog flushes the current commit log to stable storage.
func (t *Table) SyncCommitLog() error {
	t.mu.RLock()
	log := t.log
	t.mu.RUnlock()
	return log.Sync()
}

// Close stops every background periodic-sync goroutine owned by this
// table. Safe to call once during shutdown.
func (t *Table) Close() {
	close(t.flushDone)
}

// Drop removes every segment and the active commit log for this table,
// used when handling an admin DropTable command.
func (t *Table) Drop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.log.Delete(); err != nil {
		return err
	}
	for _, seg := range t.segments {
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("table: remove segment %s: %w", seg.Path, err)
		}
	}
	t.segments = nil
	return nil
}
