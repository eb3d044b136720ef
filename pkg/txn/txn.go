// Package txn implements the cross-partition transaction layer: a
// per-partition Transaction buffers reads and writes until commit time,
// when two-phase commit validates every partition's observed versions
// are still current before applying anything.
package txn

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dowkv/wcstore/pkg/row"
)

// Operation is one buffered write, applied only once every touched
// partition has voted to commit.
type Operation struct {
	Insert *row.Row
	Delete string // primary key, set when this is a delete
}

// Transaction buffers the reads and writes of one in-flight transaction
// on one partition. affectedRows records the *first* observed version
// for every (table, primary key) pair read under this transaction — later
// reads of the same row do not overwrite it, matching optimistic
// snapshot semantics: the transaction validates against what it first
// saw, not what it saw last.
type Transaction struct {
	mu           sync.Mutex
	ID           uint64
	Coordinator  int
	affectedRows map[string]map[string]uint32 // table -> pk -> observed version
	operations   map[string][]Operation        // table -> ordered ops
	committed    bool
}

// NewID draws a random 64-bit transaction id. A single random draw needs
// no more than crypto/rand's uniform randomness; this is not a security
// boundary, just a collision-resistant identifier.
func NewID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("txn: generate id: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// New starts a new transaction with the given id, coordinated by
// coordinatorPartition.
func New(id uint64, coordinatorPartition int) *Transaction {
	return &Transaction{
		ID:           id,
		Coordinator:  coordinatorPartition,
		affectedRows: make(map[string]map[string]uint32),
		operations:   make(map[string][]Operation),
	}
}

// AddAffectedRow records that this transaction observed version at
// (table, primaryKey). First observation wins: a subsequent observation
// of the same key is ignored so commit validates against the
// transaction's initial snapshot.
func (t *Transaction) AddAffectedRow(table, primaryKey string, version uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, ok := t.affectedRows[table]
	if !ok {
		rows = make(map[string]uint32)
		t.affectedRows[table] = rows
	}
	if _, seen := rows[primaryKey]; !seen {
		rows[primaryKey] = version
	}
}

// Insert buffers a row insert against table, to be applied on commit.
func (t *Transaction) Insert(table string, r row.Row) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rr := r
	t.operations[table] = append(t.operations[table], Operation{Insert: &rr})
}

// Delete buffers a row delete against table, to be applied on commit.
func (t *Transaction) Delete(table, primaryKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.operations[table] = append(t.operations[table], Operation{Delete: primaryKey})
}

// CurrentVersion resolves the up-to-date version of a row, supplied by
// the partition runtime so this package stays independent of
// pkg/table's concrete type.
type CurrentVersion func(table, primaryKey string) (version uint32, exists bool)

// CanCommit validates every row this transaction observed still carries
// the version it was first read at. Any mismatch — including the row
// having since been deleted or never having existed — fails validation,
// since inserts observe a "does not exist" version sentinel of 0 the
// same way a genuinely absent row does.
func (t *Transaction) CanCommit(current CurrentVersion) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for table, rows := range t.affectedRows {
		for pk, observed := range rows {
			version, exists := current(table, pk)
			if !exists {
				if observed != 0 {
					return false
				}
				continue
			}
			if version != observed {
				return false
			}
		}
	}
	return true
}

// ApplyFunc applies one buffered operation to table's live storage.
type ApplyFunc func(table string, op Operation) error

// Commit applies every buffered operation via apply, in the original
// per-table insertion order, and marks the transaction committed. It is
// the caller's responsibility to have validated CanCommit first and to
// have coordinated the 2PC vote across every partition touched.
func (t *Transaction) Commit(apply ApplyFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return fmt.Errorf("txn: transaction %d already committed", t.ID)
	}

	for table, ops := range t.operations {
		for _, op := range ops {
			if err := apply(table, op); err != nil {
				return fmt.Errorf("txn: apply %s: %w", table, err)
			}
		}
	}
	t.committed = true
	return nil
}

// Committed reports whether Commit has already run.
func (t *Transaction) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// TouchedTables returns every table name this transaction buffered a
// read or write against.
func (t *Transaction) TouchedTables() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool)
	for table := range t.affectedRows {
		seen[table] = true
	}
	for table := range t.operations {
		seen[table] = true
	}
	out := make([]string, 0, len(seen))
	for table := range seen {
		out = append(out, table)
	}
	return out
}

// Manager tracks every in-flight transaction on one partition runtime
// thread, keyed by transaction id.
type Manager struct {
	mu           sync.Mutex
	transactions map[uint64]*Transaction
}

// NewManager returns an empty transaction manager.
func NewManager() *Manager {
	return &Manager{transactions: make(map[uint64]*Transaction)}
}

// Begin starts and registers a new transaction.
func (m *Manager) Begin(coordinatorPartition int) (*Transaction, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	txn := New(id, coordinatorPartition)

	m.mu.Lock()
	m.transactions[id] = txn
	m.mu.Unlock()
	return txn, nil
}

// Adopt registers a transaction this thread did not originate — used
// when a peer thread's TransactionBegun broadcast arrives carrying an id
// the coordinator already generated. Returns the existing transaction
// if id is already tracked (the broadcast may race a local Get), so
// Adopt is safe to call more than once for the same id.
func (m *Manager) Adopt(id uint64, coordinatorPartition int) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.transactions[id]; ok {
		return existing
	}
	txn := New(id, coordinatorPartition)
	m.transactions[id] = txn
	return txn
}

// Get returns the transaction for id, if this thread is tracking one.
func (m *Manager) Get(id uint64) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	return t, ok
}

// Forget drops a transaction once it has committed or aborted. Nothing
// calls it when a client connection closes, so a transaction whose
// client disconnects without committing or aborting stays tracked.
func (m *Manager) Forget(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transactions, id)
}

// Count returns the number of open transactions this manager is
// currently tracking.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transactions)
}
