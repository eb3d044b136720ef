// Package handler dispatches a decoded wire.Request against this
// partition thread's tables, rejecting single-key requests whose hash
// key belongs to a different partition, and fanning a transaction's
// begin/prepare/commit/abort out to every other partition thread over
// the thread bus.
package handler

import (
	"fmt"
	"sync"
	"time"

	"github.com/dowkv/wcstore/pkg/logging"
	"github.com/dowkv/wcstore/pkg/metrics"
	"github.com/dowkv/wcstore/pkg/partition"
	"github.com/dowkv/wcstore/pkg/row"
	"github.com/dowkv/wcstore/pkg/schema"
	"github.com/dowkv/wcstore/pkg/table"
	"github.com/dowkv/wcstore/pkg/threadbus"
	"github.com/dowkv/wcstore/pkg/txn"
	"github.com/dowkv/wcstore/pkg/validation"
	"github.com/dowkv/wcstore/pkg/wire"
)

// Dispatcher is the cross-thread capability the handler needs to run a
// two-phase commit that spans every partition thread. The server never
// forwards or re-shards a single-key request to its owning thread — a
// request whose key hashes to a partition this thread doesn't own is
// rejected as a client error (the client is expected to route correctly,
// per the composite-key hashing scheme every client shares) — but a
// transaction's begin/commit/abort must still reach every other thread's
// local transaction buffer, since a transaction's operations can span
// partitions owned by different threads. The partition runtime supplies
// a concrete implementation wired to its Bus.
type Dispatcher interface {
	// BroadcastBegin registers a transaction buffer for tid, coordinated
	// by the coordinator thread index, on every other thread. Blocks
	// until every thread has registered, so a client request that
	// immediately follows BeginTransaction can never race ahead of it.
	BroadcastBegin(tid uint64, coordinator int)
	// BroadcastPrepare asks every other thread to vote on whether its
	// buffered reads for tid are still valid, and returns true only if
	// every thread (including, separately, this one) votes yes.
	BroadcastPrepare(tid uint64) bool
	// BroadcastCommit tells every other thread to apply tid's buffered
	// writes and discard the transaction.
	BroadcastCommit(tid uint64)
	// BroadcastAbort tells every other thread to discard tid's buffered
	// state without applying anything.
	BroadcastAbort(tid uint64)
}

// Handler binds one partition thread's tables to the wire protocol.
type Handler struct {
	mu              sync.RWMutex
	thread          int
	totalPartitions int
	owned           map[int]bool
	tables          map[string]*table.Table
	schemas         map[string]*schema.TableSchema
	catalogPath     string
	txns            *txn.Manager
	dispatch        Dispatcher
	log             logging.Logger
	metrics         *metrics.Registry
}

// SetMetrics wires a metrics registry into the handler. Optional: a
// Handler with no registry set simply skips recording.
func (h *Handler) SetMetrics(m *metrics.Registry) {
	h.metrics = m
}

// New constructs a Handler for one partition runtime thread.
func New(thread, totalPartitions int, owned map[int]bool, catalogPath string, dispatch Dispatcher, log logging.Logger) *Handler {
	return &Handler{
		thread:          thread,
		totalPartitions: totalPartitions,
		owned:           owned,
		tables:          make(map[string]*table.Table),
		schemas:         make(map[string]*schema.TableSchema),
		catalogPath:     catalogPath,
		txns:            txn.NewManager(),
		dispatch:        dispatch,
		log:             log,
	}
}

// RegisterTable makes an already-open table available for dispatch.
func (h *Handler) RegisterTable(s *schema.TableSchema, t *table.Table) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.schemas[s.Name] = s
	h.tables[s.Name] = t
}

func (h *Handler) ownerOf(hashKey string) int {
	return partition.Of(hashKey, h.totalPartitions)
}

// Handle dispatches one request against this thread's own tables. A
// single-key request (Get/Insert/Delete/GetForUpdate) whose hash key
// belongs to a partition this thread doesn't own is rejected with
// "Invalid partition" — the server never forwards or re-shards; only
// the client routes. GetMany/Batch sub-requests are handled the same
// way, one at a time, so a batch spanning partitions this thread
// doesn't own simply returns a mix of OK and Invalid-partition
// sub-responses for the caller to re-route.
func (h *Handler) Handle(req wire.Request) wire.Response {
	start := time.Now()
	resp := h.dispatchByKind(req)
	if h.metrics != nil {
		h.metrics.RecordOperation(req.Kind.String(), resp.Status.String(), time.Since(start))
	}
	return resp
}

func (h *Handler) dispatchByKind(req wire.Request) wire.Response {
	switch req.Kind {
	case wire.KindGet:
		return h.handleGet(req)
	case wire.KindInsert:
		return h.handleInsert(req)
	case wire.KindDelete:
		return h.handleDelete(req)
	case wire.KindGetForUpdate:
		return h.handleGetForUpdate(req)
	case wire.KindGetMany, wire.KindBatch:
		return h.handleMany(req)
	case wire.KindBeginTransaction:
		return h.handleBegin(req)
	case wire.KindCommitTransaction:
		return h.handleCommit(req)
	case wire.KindAbortTransaction:
		return h.handleAbort(req)
	case wire.KindSyncModel:
		return h.handleSyncModel(req)
	case wire.KindDropTable:
		return h.handleDropTable(req)
	default:
		return clientError("unknown request kind")
	}
}

func clientError(detail string) wire.Response {
	return wire.Response{Status: wire.StatusClientError, Detail: detail}
}

// invalidPartition rejects a single-key request whose hash key belongs
// to a partition this thread doesn't own, recording it for observability
// (a steady rate here means some client is hashing incorrectly).
func (h *Handler) invalidPartition(kind wire.RequestKind) wire.Response {
	if h.metrics != nil {
		h.metrics.RecordInvalidPartition(kind.String())
	}
	return clientError("Invalid partition")
}

func serverError(log logging.Logger, cause error, fields ...logging.Field) wire.Response {
	if log != nil {
		log.Error("internal error", append([]logging.Field{logging.Error(cause)}, fields...)...)
	}
	return wire.Response{Status: wire.StatusServerError, Detail: "Internal server error"}
}

func (h *Handler) table(name string) (*table.Table, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tables[name]
	return t, ok
}

func (h *Handler) schema(name string) (*schema.TableSchema, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.schemas[name]
	return s, ok
}

// handleGet serves a plain read. When req.TxnID is set, the row's
// current version is additionally recorded in the transaction's read set
// (first-observation-wins) so CanCommit can detect a conflicting write
// at commit time; the read itself is never buffered or delayed.
func (h *Handler) handleGet(req wire.Request) wire.Response {
	owner := h.ownerOf(req.HashKey)
	if !h.owned[owner] {
		return h.invalidPartition(req.Kind)
	}

	t, ok := h.table(req.Table)
	if !ok {
		return clientError(fmt.Sprintf("unknown table %q", req.Table))
	}

	pk := req.HashKey + ":" + req.SortKey.String()
	r, found, err := t.Get(owner, pk)
	if err != nil {
		return serverError(h.log, err, logging.Table(req.Table))
	}

	if req.TxnID != 0 {
		tx, ok := h.txns.Get(req.TxnID)
		if !ok {
			return clientError("unknown transaction")
		}
		tx.AddAffectedRow(req.Table, pk, r.Version)
	}

	return wire.Response{Status: wire.StatusOK, Row: r, Found: found}
}

// handleGetForUpdate is handleGet's transactional counterpart for a
// client that wants to lock in a read-for-later-validation without a
// plain Get's fire-and-forget semantics: it requires an open
// transaction and always records the observed version.
func (h *Handler) handleGetForUpdate(req wire.Request) wire.Response {
	if req.TxnID == 0 {
		return clientError("get_for_update requires an open transaction")
	}
	owner := h.ownerOf(req.HashKey)
	if !h.owned[owner] {
		return h.invalidPartition(req.Kind)
	}

	tx, ok := h.txns.Get(req.TxnID)
	if !ok {
		return clientError("unknown transaction")
	}

	t, ok := h.table(req.Table)
	if !ok {
		return clientError(fmt.Sprintf("unknown table %q", req.Table))
	}

	pk := req.HashKey + ":" + req.SortKey.String()
	r, found, err := t.Get(owner, pk)
	if err != nil {
		return serverError(h.log, err, logging.Table(req.Table))
	}
	tx.AddAffectedRow(req.Table, pk, r.Version)
	return wire.Response{Status: wire.StatusOK, Row: r, Found: found}
}

// handleInsert validates and, for a non-transactional request, applies
// the insert immediately. A request carrying a TxnID is buffered on the
// transaction instead — table.Insert resolves the row's version against
// the live state only once the transaction actually commits.
func (h *Handler) handleInsert(req wire.Request) wire.Response {
	owner := h.ownerOf(req.HashKey)
	if !h.owned[owner] {
		return h.invalidPartition(req.Kind)
	}

	t, ok := h.table(req.Table)
	if !ok {
		return clientError(fmt.Sprintf("unknown table %q", req.Table))
	}
	s, ok := h.schema(req.Table)
	if !ok {
		return clientError(fmt.Sprintf("unknown table %q", req.Table))
	}

	vreq := &validation.InsertRequest{HashKey: req.HashKey, SortKey: req.SortKey, Values: req.Values}
	if err := validation.ValidateInsertRequest(vreq, s); err != nil {
		return clientError(err.Error())
	}

	r := row.New(req.HashKey, req.SortKey, req.Values, nowMillis())

	if req.TxnID != 0 {
		tx, ok := h.txns.Get(req.TxnID)
		if !ok {
			return clientError("unknown transaction")
		}
		tx.Insert(req.Table, r)
		return wire.Response{Status: wire.StatusOK, TxnID: req.TxnID}
	}

	if err := t.Insert(r); err != nil {
		return serverError(h.log, err, logging.Table(req.Table))
	}
	return wire.Response{Status: wire.StatusOK}
}

// handleDelete mirrors handleInsert's transactional buffering.
func (h *Handler) handleDelete(req wire.Request) wire.Response {
	owner := h.ownerOf(req.HashKey)
	if !h.owned[owner] {
		return h.invalidPartition(req.Kind)
	}

	t, ok := h.table(req.Table)
	if !ok {
		return clientError(fmt.Sprintf("unknown table %q", req.Table))
	}

	pk := req.HashKey + ":" + req.SortKey.String()

	if req.TxnID != 0 {
		tx, ok := h.txns.Get(req.TxnID)
		if !ok {
			return clientError("unknown transaction")
		}
		tx.Delete(req.Table, pk)
		return wire.Response{Status: wire.StatusOK, TxnID: req.TxnID}
	}

	if err := t.Delete(pk, nowMillis()); err != nil {
		return serverError(h.log, err, logging.Table(req.Table))
	}
	return wire.Response{Status: wire.StatusOK}
}

// handleMany runs each sub-request through Handle in order and
// reassembles the responses in the same order, mirroring the original
// engine's send_batches behavior. A sub-request whose key this thread
// doesn't own comes back as an Invalid-partition client error alongside
// any local sub-requests that succeeded.
func (h *Handler) handleMany(req wire.Request) wire.Response {
	if err := validation.ValidateBatchSize(len(req.Many)); err != nil {
		return clientError(err.Error())
	}
	responses := make([]wire.Response, len(req.Many))
	for i, sub := range req.Many {
		responses[i] = h.Handle(sub)
	}
	return wire.Response{Status: wire.StatusOK, Many: responses}
}

// handleBegin starts a transaction coordinated by this thread and fans
// its existence out to every other partition thread, so a subsequent
// request bearing this TxnID finds a registered buffer no matter which
// thread it lands on. The broadcast blocks until every peer has
// registered before the client sees a TxnID back.
func (h *Handler) handleBegin(req wire.Request) wire.Response {
	t, err := h.txns.Begin(h.thread)
	if err != nil {
		return serverError(h.log, err)
	}
	if h.dispatch != nil {
		h.dispatch.BroadcastBegin(t.ID, h.thread)
	}
	return wire.Response{Status: wire.StatusOK, TxnID: t.ID}
}

// handleCommit runs the coordinator side of two-phase commit: every
// other thread votes via BroadcastPrepare (a thread holding no buffer
// for the transaction votes yes),
// combined here with this thread's own CanCommit; if every vote is yes
// the coordinator tells every thread (including itself) to apply, else
// it tells every thread to discard.
func (h *Handler) handleCommit(req wire.Request) wire.Response {
	t, ok := h.txns.Get(req.TxnID)
	if !ok {
		return clientError("unknown transaction")
	}

	localVote := t.CanCommit(h.currentVersion)
	peerVote := true
	if h.dispatch != nil {
		peerVote = h.dispatch.BroadcastPrepare(req.TxnID)
	}

	if !localVote || !peerVote {
		if h.dispatch != nil {
			h.dispatch.BroadcastAbort(req.TxnID)
		}
		h.txns.Forget(req.TxnID)
		if h.metrics != nil {
			h.metrics.RecordTransactionConflict()
		}
		return clientError("transaction conflict: a read row changed since it was observed")
	}

	if h.dispatch != nil {
		h.dispatch.BroadcastCommit(req.TxnID)
	}
	err := t.Commit(h.applyOperation)
	h.txns.Forget(req.TxnID)
	if err != nil {
		return serverError(h.log, err, logging.TxnID(req.TxnID))
	}
	if h.metrics != nil {
		h.metrics.RecordTransactionCommit()
	}
	return wire.Response{Status: wire.StatusOK, TxnID: req.TxnID}
}

func (h *Handler) handleAbort(req wire.Request) wire.Response {
	if h.dispatch != nil {
		h.dispatch.BroadcastAbort(req.TxnID)
	}
	h.txns.Forget(req.TxnID)
	if h.metrics != nil {
		h.metrics.RecordTransactionAbort()
	}
	return wire.Response{Status: wire.StatusOK, TxnID: req.TxnID}
}

// AdoptTransaction registers a transaction buffer for a coordinator's
// BroadcastBegin. Called from the partition runtime's bus receive loop,
// never directly by a client request.
func (h *Handler) AdoptTransaction(tid uint64, coordinator int) {
	h.txns.Adopt(tid, coordinator)
}

// PrepareTransaction returns this thread's CanCommit vote for tid, for
// a coordinator's BroadcastPrepare. A thread tracking no buffer for tid
// (it was never touched here) votes yes vacuously.
func (h *Handler) PrepareTransaction(tid uint64) bool {
	t, ok := h.txns.Get(tid)
	if !ok {
		return true
	}
	return t.CanCommit(h.currentVersion)
}

// ApplyTransactionCommit applies tid's buffered writes on this thread
// and discards the transaction, for a coordinator's BroadcastCommit.
func (h *Handler) ApplyTransactionCommit(tid uint64) {
	t, ok := h.txns.Get(tid)
	if !ok {
		return
	}
	if err := t.Commit(h.applyOperation); err != nil && h.log != nil {
		h.log.Error("transaction commit failed on peer thread", logging.Error(err), logging.TxnID(tid))
	}
	h.txns.Forget(tid)
}

// ApplyTransactionAbort discards tid's buffered state on this thread
// without applying anything, for a coordinator's BroadcastAbort.
func (h *Handler) ApplyTransactionAbort(tid uint64) {
	h.txns.Forget(tid)
}

func (h *Handler) currentVersion(tableName, primaryKey string) (uint32, bool) {
	t, ok := h.table(tableName)
	if !ok {
		return 0, false
	}
	parts := splitHashKey(primaryKey)
	owner := h.ownerOf(parts)
	r, found, err := t.Get(owner, primaryKey)
	if err != nil || !found {
		return 0, false
	}
	return r.Version, true
}

func (h *Handler) applyOperation(tableName string, op txn.Operation) error {
	t, ok := h.table(tableName)
	if !ok {
		return fmt.Errorf("handler: unknown table %q", tableName)
	}
	if op.Insert != nil {
		return t.Insert(*op.Insert)
	}
	return t.Delete(op.Delete, nowMillis())
}

func (h *Handler) handleSyncModel(req wire.Request) wire.Response {
	s, err := schema.Parse(req.SchemaText)
	if err != nil {
		return clientError(err.Error())
	}
	h.mu.Lock()
	h.schemas[s.Name] = s
	h.mu.Unlock()
	return wire.Response{Status: wire.StatusOK}
}

func (h *Handler) handleDropTable(req wire.Request) wire.Response {
	t, ok := h.table(req.Table)
	if !ok {
		return clientError(fmt.Sprintf("unknown table %q", req.Table))
	}
	if err := t.Drop(); err != nil {
		return serverError(h.log, err, logging.Table(req.Table))
	}
	h.mu.Lock()
	delete(h.tables, req.Table)
	delete(h.schemas, req.Table)
	h.mu.Unlock()
	return wire.Response{Status: wire.StatusOK}
}

// FlushAll synchronously flushes every registered table's active
// memtable to disk. Used during graceful shutdown, where every
// partition thread must persist before the process exits.
func (h *Handler) FlushAll() error {
	h.mu.RLock()
	tables := make([]*table.Table, 0, len(h.tables))
	for _, t := range h.tables {
		tables = append(tables, t)
	}
	h.mu.RUnlock()

	var firstErr error
	for _, t := range tables {
		if err := t.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CloseAll stops every registered table's background periodic-sync
// goroutine.
func (h *Handler) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, t := range h.tables {
		t.Close()
	}
}

// TableStats snapshots every registered table's live state, used by
// pkg/admin to render this thread's row in the inspector.
func (h *Handler) TableStats() []table.Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := make([]table.Stats, 0, len(h.tables))
	for _, t := range h.tables {
		stats = append(stats, t.Stats())
	}
	return stats
}

// OpenTransactions returns the number of transactions this thread's
// txn.Manager is currently tracking.
func (h *Handler) OpenTransactions() int {
	return h.txns.Count()
}

func splitHashKey(primaryKey string) string {
	for i := 0; i < len(primaryKey); i++ {
		if primaryKey[i] == ':' {
			return primaryKey[:i]
		}
	}
	return primaryKey
}

// BusDispatcher implements Dispatcher over a threadbus.Bus, fanning a
// 2PC coordinator's begin/prepare/commit/abort out to every other
// partition runtime thread within the same process.
type BusDispatcher struct {
	Bus        *threadbus.Bus
	FromThread int
}

// broadcastAndWait sends a Txn* message to every thread except
// FromThread and blocks until each has replied on the same channel,
// returning every reply (order is receipt order, not thread order).
func (d *BusDispatcher) broadcastAndWait(kind threadbus.Kind, tid uint64, coordinator int) []threadbus.Message {
	n := d.Bus.NumThreads()
	replies := make(chan threadbus.Message, n)

	sent := 0
	for i := 0; i < n; i++ {
		if i == d.FromThread {
			continue
		}
		d.Bus.Send(i, threadbus.Message{
			From:        d.FromThread,
			Kind:        kind,
			Txn:         tid,
			Coordinator: coordinator,
			Reply:       replies,
		})
		sent++
	}

	out := make([]threadbus.Message, 0, sent)
	for i := 0; i < sent; i++ {
		out = append(out, <-replies)
	}
	return out
}

// BroadcastBegin registers tid on every other thread and waits for each
// to acknowledge before returning.
func (d *BusDispatcher) BroadcastBegin(tid uint64, coordinator int) {
	d.broadcastAndWait(threadbus.KindTxnBegin, tid, coordinator)
}

// BroadcastPrepare polls every other thread's vote for tid and returns
// true only if every one of them votes yes. A thread with no buffer for
// tid votes yes vacuously (see Handler.PrepareTransaction).
func (d *BusDispatcher) BroadcastPrepare(tid uint64) bool {
	votes := d.broadcastAndWait(threadbus.KindTxnPrepare, tid, d.FromThread)
	for _, v := range votes {
		if !v.Vote {
			return false
		}
	}
	return true
}

// BroadcastCommit tells every other thread to apply tid's buffered
// writes.
func (d *BusDispatcher) BroadcastCommit(tid uint64) {
	d.broadcastAndWait(threadbus.KindTxnCommit, tid, d.FromThread)
}

// BroadcastAbort tells every other thread to discard tid's buffered
// state.
func (d *BusDispatcher) BroadcastAbort(tid uint64) {
	d.broadcastAndWait(threadbus.KindTxnAbort, tid, d.FromThread)
}

func nowMillis() uint64 {
	return uint64(nowFunc())
}

// nowFunc is overridable in tests; defaults to the real wall clock.
var nowFunc = defaultNow
