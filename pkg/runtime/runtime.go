// Package runtime implements the thread-per-partition server loop: each
// runtime thread owns a disjoint partition set, binds its own TCP
// listener, and selects between incoming connections and inter-thread
// bus messages without ever sharing mutable state with another thread.
// Grounded on the original engine's run_listener_threads control flow
// (one OS thread per partition range, one unbounded channel pair per
// thread, monoio::select! over accept/command) translated into
// goroutines, net.Listener, and threadbus.Bus.
package runtime

import (
	"fmt"
	"net"
	"time"

	"github.com/dowkv/wcstore/pkg/handler"
	"github.com/dowkv/wcstore/pkg/logging"
	"github.com/dowkv/wcstore/pkg/metrics"
	"github.com/dowkv/wcstore/pkg/partition"
	"github.com/dowkv/wcstore/pkg/schema"
	"github.com/dowkv/wcstore/pkg/sstable"
	"github.com/dowkv/wcstore/pkg/table"
	"github.com/dowkv/wcstore/pkg/threadbus"
)

// Config bootstraps a Manager. BasePort is the first thread's listen
// port; thread i binds BasePort+i, matching the original engine's fixed
// 29876 convention generalized to one port per thread.
type Config struct {
	NumThreads         int
	TotalPartitions    int
	BasePort           int
	CommitLogDir       string
	SSTableDir         string
	MemtableMaxBytes   int64
	CatalogPath        string
	CompactionInterval time.Duration

	// ArchiveSegment, if set, is threaded into every table's
	// sstable.Compactor so superseded segments are shipped out (e.g. to
	// S3 via pkg/archive) before compaction deletes them.
	ArchiveSegment func(path string) error
}

// Manager owns every partition runtime thread and the bus connecting
// them.
type Manager struct {
	cfg     Config
	bus     *threadbus.Bus
	threads []*Thread
	log     logging.Logger
	lock    *instanceLock
	metrics *metrics.Registry
}

// NewManager builds a Manager with one Thread per cfg.NumThreads,
// opening every schema in schemas on each thread under the partitions
// that thread owns. reg may be nil, in which case no metrics are
// recorded.
func NewManager(cfg Config, schemas []*schema.TableSchema, log logging.Logger, reg *metrics.Registry) (*Manager, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	lock, err := acquireInstanceLock(cfg.CommitLogDir)
	if err != nil {
		return nil, err
	}

	owners := partition.AssignRoundRobin(cfg.TotalPartitions, cfg.NumThreads)
	bus := threadbus.New(cfg.NumThreads)

	locate := sstable.RowLocator(func(hashKey string, total int) int {
		return partition.Of(hashKey, total)
	})

	m := &Manager{cfg: cfg, bus: bus, log: log, lock: lock, metrics: reg}
	for i := 0; i < cfg.NumThreads; i++ {
		owned := owners[i]
		threadLog := log.With(logging.Int("thread", i))

		h := handler.New(i, cfg.TotalPartitions, owned, cfg.CatalogPath,
			&handler.BusDispatcher{Bus: bus, FromThread: i}, threadLog)
		h.SetMetrics(reg)

		for _, s := range schemas {
			if len(owned) == 0 {
				continue
			}
			tbl, err := table.Open(s, owned, table.Options{
				CommitLogDir:       cfg.CommitLogDir,
				SSTableDir:         cfg.SSTableDir,
				MemtableMaxBytes:   cfg.MemtableMaxBytes,
				TotalPartitions:    cfg.TotalPartitions,
				Locate:             locate,
				CompactionInterval: cfg.CompactionInterval,
				Metrics:            reg,
				ArchiveSegment:     cfg.ArchiveSegment,
			})
			if err != nil {
				_ = lock.release()
				return nil, fmt.Errorf("runtime: open table %q on thread %d: %w", s.Name, i, err)
			}
			h.RegisterTable(s, tbl)
		}

		m.threads = append(m.threads, &Thread{
			index:   i,
			owned:   owned,
			bus:     bus,
			handler: h,
			log:     threadLog,
			done:    make(chan struct{}),
		})
	}
	return m, nil
}

// Start binds every thread's listener and launches its accept and
// receive loops. It returns once every listener is bound; the loops
// keep running in background goroutines.
func (m *Manager) Start() error {
	for _, th := range m.threads {
		addr := fmt.Sprintf(":%d", m.cfg.BasePort+th.index)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("runtime: listen %s: %w", addr, err)
		}
		th.listener = ln
		th.log.Info("partition thread listening", logging.String("addr", addr))
		th.start()
	}
	return nil
}

// Shutdown drains every thread: stops accepting connections, flushes
// every table's active memtable to disk, and tears down the bus so no
// thread is left blocked in Receive.
func (m *Manager) Shutdown() error {
	var firstErr error
	for _, th := range m.threads {
		if err := th.drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.bus.Shutdown()
	for _, th := range m.threads {
		th.wg.Wait()
	}
	if err := m.lock.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Threads exposes the underlying threads, primarily for pkg/admin to
// poll live state.
func (m *Manager) Threads() []*Thread { return m.threads }
