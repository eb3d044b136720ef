// Package commitlog implements the per-table, per-partition write-ahead
// journal a table appends to before applying a mutation to its
// memtable, and the replay path that rebuilds a memtable from one on
// startup.
package commitlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dowkv/wcstore/pkg/memtable"
	"github.com/dowkv/wcstore/pkg/pools"
	"github.com/dowkv/wcstore/pkg/row"
	"github.com/dowkv/wcstore/pkg/schema"
	"github.com/golang/snappy"
	"github.com/google/uuid"
)

const (
	opInsert byte = 1
	opDelete byte = 2
)

// DefaultDir is where commit log segments are written, matching the
// original engine's fixed path for the same purpose.
const DefaultDir = "/var/lib/wcstore/commit_logs"

// Options configures a commit log segment.
type Options struct {
	Dir      string
	Compress bool // snappy-compress each record payload; off by default
}

// CommitLog is one append-only segment file owned by a single table
// partition. Writers append framed operations; the table syncs it
// periodically and deletes it once its contents are safely on an
// SSTable.
type CommitLog struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	offset    int64
	schema    *schema.TableSchema
	partition int
	closed    bool
	compress  bool
}

// OpenNew creates a fresh commit log segment for schema s, owned by
// partition, named "{table}-{partition}-{millis}-{uuid8}" under dir.
func OpenNew(opts Options, s *schema.TableSchema, partition int) (*CommitLog, error) {
	dir := opts.Dir
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("commitlog: mkdir: %w", err)
	}

	name := fmt.Sprintf("%s-%d-%d-%s", s.Name, partition, millisNow(), shortUUID())
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("commitlog: open %s: %w", path, err)
	}

	return &CommitLog{
		file:      f,
		path:      path,
		schema:    s,
		partition: partition,
		compress:  opts.Compress,
	}, nil
}

func shortUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func millisNow() int64 { return time.Now().UnixMilli() }

// WriteInsert appends an insert record for r.
func (c *CommitLog) WriteInsert(r row.Row) error {
	body, err := row.Encode(nil, r, c.schema)
	if err != nil {
		return err
	}
	return c.appendRecord(opInsert, body)
}

// WriteDelete appends a delete record for primaryKey at timestamp.
func (c *CommitLog) WriteDelete(primaryKey string, timestamp uint64) error {
	body := make([]byte, 8, 8+len(primaryKey))
	binary.BigEndian.PutUint64(body, timestamp)
	body = append(body, primaryKey...)
	return c.appendRecord(opDelete, body)
}

func (c *CommitLog) appendRecord(op byte, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("commitlog: write to closed segment %s", c.path)
	}

	if c.compress {
		body = snappy.Encode(nil, body)
	}

	record := pools.GetBytes(len(body) + 2)
	defer pools.PutBytes(record)
	record = append(record, op)
	record = append(record, body...)
	record = append(record, '\n')

	n, err := c.file.WriteAt(record, c.offset)
	if err != nil {
		return fmt.Errorf("commitlog: write: %w", err)
	}
	c.offset += int64(n)
	return nil
}

// Sync flushes the segment to stable storage.
func (c *CommitLog) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.file.Sync()
}

// Delete closes and unlinks the segment, called once its contents are
// durably reflected in an SSTable.
func (c *CommitLog) Delete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if err := c.file.Close(); err != nil {
		return fmt.Errorf("commitlog: close: %w", err)
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("commitlog: remove: %w", err)
	}
	return nil
}

// Path returns the segment's file path.
func (c *CommitLog) Path() string { return c.path }

// Partition returns the partition this segment's writes belong to.
func (c *CommitLog) Partition() int { return c.partition }

// RunPeriodicSync syncs the segment on every tick until done is closed or
// the segment is marked closed, mirroring the original engine's
// background fsync loop.
func (c *CommitLog) RunPeriodicSync(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			_ = c.Sync()
		}
	}
}

// segmentMeta describes one on-disk commit log file discovered during
// startup, before it is opened for replay.
type segmentMeta struct {
	path      string
	partition int
	createdMs int64
}

// listSegments finds every commit log belonging to table tableName whose
// partition is in owned, sorted ascending by creation time (oldest
// first), matching replay order in the original engine.
func listSegments(dir, tableName string, owned map[int]bool) ([]segmentMeta, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("commitlog: list segments: %w", err)
	}

	var out []segmentMeta
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		parts := strings.Split(e.Name(), "-")
		if len(parts) < 3 || parts[0] != tableName {
			continue
		}
		partition, err := strconv.Atoi(parts[1])
		if err != nil || !owned[partition] {
			continue
		}
		createdMs, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, segmentMeta{
			path:      filepath.Join(dir, e.Name()),
			partition: partition,
			createdMs: createdMs,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].createdMs != out[j].createdMs {
			return out[i].createdMs < out[j].createdMs
		}
		return out[i].path < out[j].path
	})
	return out, nil
}

// Replay rebuilds a memtable from every on-disk segment owned by this
// node for tableName, returning the reconstructed memtable and the list
// of now-open CommitLog handles (one per replayed segment, still
// present on disk) so the caller can flush and delete them.
func Replay(opts Options, s *schema.TableSchema, owned map[int]bool, maxMemtableBytes int64) (*memtable.Memtable, []*CommitLog, error) {
	dir := opts.Dir
	if dir == "" {
		dir = DefaultDir
	}

	metas, err := listSegments(dir, s.Name, owned)
	if err != nil {
		return nil, nil, err
	}

	mt := memtable.New(maxMemtableBytes)
	var logs []*CommitLog

	for _, meta := range metas {
		f, err := os.OpenFile(meta.path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("commitlog: reopen %s: %w", meta.path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("commitlog: stat %s: %w", meta.path, err)
		}

		if err := replayInto(mt, f, s, opts.Compress); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("commitlog: replay %s: %w", meta.path, err)
		}

		logs = append(logs, &CommitLog{
			file:      f,
			path:      meta.path,
			offset:    info.Size(),
			schema:    s,
			partition: meta.partition,
			compress:  opts.Compress,
		})
	}

	return mt, logs, nil
}

func replayInto(mt *memtable.Memtable, f *os.File, s *schema.TableSchema, compressed bool) error {
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			record := line[:len(line)-1]
			if len(record) == 0 {
				continue
			}
			if err := applyRecord(mt, record, s, compressed); err != nil {
				return err
			}
		}
		if err != nil {
			break
		}
	}
	return nil
}

func applyRecord(mt *memtable.Memtable, record []byte, s *schema.TableSchema, compressed bool) error {
	op := record[0]
	body := record[1:]
	if compressed {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return fmt.Errorf("snappy decode: %w", err)
		}
		body = decoded
	}

	switch op {
	case opInsert:
		r, err := row.Decode(body, s)
		if err != nil {
			return err
		}
		mt.Insert(r, true)
	case opDelete:
		if len(body) < 8 {
			return fmt.Errorf("delete record too short")
		}
		timestamp := binary.BigEndian.Uint64(body[:8])
		primaryKey := string(body[8:])
		mt.Delete(primaryKey, timestamp)
	default:
		return fmt.Errorf("unknown op tag %d", op)
	}
	return nil
}
