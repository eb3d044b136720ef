package runtime

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/dowkv/wcstore/pkg/partition"
	"github.com/dowkv/wcstore/pkg/schema"
	"github.com/dowkv/wcstore/pkg/value"
	"github.com/dowkv/wcstore/pkg/wire"
	"github.com/stretchr/testify/require"
)

func testSchema() *schema.TableSchema {
	return schema.NewTableSchema("users", schema.ColumnType{Kind: value.KindVarchar, VarcharSize: 8}, []schema.Column{
		{Name: "age", Type: schema.ColumnType{Kind: value.KindInt32}},
	})
}

// hashKeyForPartition finds a hash key whose routing partition.Of value
// is exactly target, so a test can deliberately send a key either to
// the thread that owns its partition or to one that does not.
func hashKeyForPartition(t *testing.T, target, total int) string {
	t.Helper()
	for i := 0; i < 100000; i++ {
		k := fmt.Sprintf("k%d", i)
		if partition.Of(k, total) == target {
			return k
		}
	}
	t.Fatal("could not find a hash key for the requested partition")
	return ""
}

func newTestManager(t *testing.T, basePort int) *Manager {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		NumThreads:       2,
		TotalPartitions:  4,
		BasePort:         basePort,
		CommitLogDir:     dir + "/commit_logs",
		SSTableDir:       dir + "/sstables",
		MemtableMaxBytes: 1 << 20,
		CatalogPath:      dir + "/schemas",
	}
	m, err := NewManager(cfg, []*schema.TableSchema{testSchema()}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func roundTrip(t *testing.T, addr string, req wire.Request) wire.Response {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteFrame(conn, req))
	var resp wire.Response
	require.NoError(t, wire.ReadFrame(bufio.NewReader(conn), &resp))
	return resp
}

func TestInsertThenGetOnLocalPartition(t *testing.T) {
	basePort := 47201
	m := newTestManager(t, basePort)
	_ = m

	hk := hashKeyForPartition(t, 0, 4) // partition 0 is owned by thread 0
	addr := fmt.Sprintf("127.0.0.1:%d", basePort)

	insertResp := roundTrip(t, addr, wire.Request{
		Kind: wire.KindInsert, Table: "users", HashKey: hk,
		SortKey: value.Varchar("s"), Values: map[string]value.Value{"age": value.Int32Val(7)},
	})
	require.Equal(t, wire.StatusOK, insertResp.Status)

	getResp := roundTrip(t, addr, wire.Request{
		Kind: wire.KindGet, Table: "users", HashKey: hk, SortKey: value.Varchar("s"),
	})
	require.Equal(t, wire.StatusOK, getResp.Status)
	require.True(t, getResp.Found)
	require.Equal(t, int32(7), getResp.Row.Values["age"].Int32)
}

func TestWrongThreadRejectsWithInvalidPartition(t *testing.T) {
	basePort := 47211
	m := newTestManager(t, basePort)
	_ = m

	// partition 1 is owned by thread 1, but the client connects to
	// thread 0's listener; the server never forwards or re-shards, so
	// this must come back as a client error instead of being silently
	// routed.
	hk := hashKeyForPartition(t, 1, 4)
	addr := fmt.Sprintf("127.0.0.1:%d", basePort)

	insertResp := roundTrip(t, addr, wire.Request{
		Kind: wire.KindInsert, Table: "users", HashKey: hk,
		SortKey: value.Varchar("s"), Values: map[string]value.Value{"age": value.Int32Val(11)},
	})
	require.Equal(t, wire.StatusClientError, insertResp.Status)
	require.Equal(t, "Invalid partition", insertResp.Detail)
}

func TestClientConnectingToOwningThreadSucceeds(t *testing.T) {
	basePort := 47231
	m := newTestManager(t, basePort)
	_ = m

	// partition 1 is owned by thread 1 — a correctly-routing client
	// connects to thread 1's own port (BasePort+1) instead.
	hk := hashKeyForPartition(t, 1, 4)
	addr := fmt.Sprintf("127.0.0.1:%d", basePort+1)

	insertResp := roundTrip(t, addr, wire.Request{
		Kind: wire.KindInsert, Table: "users", HashKey: hk,
		SortKey: value.Varchar("s"), Values: map[string]value.Value{"age": value.Int32Val(11)},
	})
	require.Equal(t, wire.StatusOK, insertResp.Status)

	getResp := roundTrip(t, addr, wire.Request{
		Kind: wire.KindGet, Table: "users", HashKey: hk, SortKey: value.Varchar("s"),
	})
	require.Equal(t, wire.StatusOK, getResp.Status)
	require.True(t, getResp.Found)
	require.Equal(t, int32(11), getResp.Row.Values["age"].Int32)
}

func TestCrossPartitionTransactionFansOutOverBus(t *testing.T) {
	basePort := 47241
	m := newTestManager(t, basePort)
	_ = m

	// thread 0 owns partition 0, thread 1 owns partition 1. A
	// transaction begun on thread 0 must still be able to buffer and
	// later commit a write that belongs to thread 1, via the
	// coordinator's bus broadcast.
	hkThread0 := hashKeyForPartition(t, 0, 4)
	hkThread1 := hashKeyForPartition(t, 1, 4)
	addr0 := fmt.Sprintf("127.0.0.1:%d", basePort)

	begin := roundTrip(t, addr0, wire.Request{Kind: wire.KindBeginTransaction})
	require.Equal(t, wire.StatusOK, begin.Status)
	require.NotZero(t, begin.TxnID)

	insertLocal := roundTrip(t, addr0, wire.Request{
		Kind: wire.KindInsert, Table: "users", HashKey: hkThread0,
		SortKey: value.Varchar("s"), Values: map[string]value.Value{"age": value.Int32Val(1)},
		TxnID: begin.TxnID,
	})
	require.Equal(t, wire.StatusOK, insertLocal.Status)

	// This sub-key belongs to thread 1, not thread 0 — but the
	// transaction itself, and its insert, both still have to be issued
	// against the owning thread, same as any other single-key request.
	addr1 := fmt.Sprintf("127.0.0.1:%d", basePort+1)
	insertRemote := roundTrip(t, addr1, wire.Request{
		Kind: wire.KindInsert, Table: "users", HashKey: hkThread1,
		SortKey: value.Varchar("s"), Values: map[string]value.Value{"age": value.Int32Val(2)},
		TxnID: begin.TxnID,
	})
	require.Equal(t, wire.StatusOK, insertRemote.Status)

	commit := roundTrip(t, addr0, wire.Request{Kind: wire.KindCommitTransaction, TxnID: begin.TxnID})
	require.Equal(t, wire.StatusOK, commit.Status)

	get0 := roundTrip(t, addr0, wire.Request{Kind: wire.KindGet, Table: "users", HashKey: hkThread0, SortKey: value.Varchar("s")})
	require.True(t, get0.Found)
	require.Equal(t, int32(1), get0.Row.Values["age"].Int32)

	get1 := roundTrip(t, addr1, wire.Request{Kind: wire.KindGet, Table: "users", HashKey: hkThread1, SortKey: value.Varchar("s")})
	require.True(t, get1.Found)
	require.Equal(t, int32(2), get1.Row.Values["age"].Int32)
}

func TestShutdownFlushesAndStopsAcceptingNewConnections(t *testing.T) {
	basePort := 47221
	dir := t.TempDir()
	cfg := Config{
		NumThreads:       1,
		TotalPartitions:  1,
		BasePort:         basePort,
		CommitLogDir:     dir + "/commit_logs",
		SSTableDir:       dir + "/sstables",
		MemtableMaxBytes: 1 << 20,
		CatalogPath:      dir + "/schemas",
	}
	m, err := NewManager(cfg, []*schema.TableSchema{testSchema()}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Start())

	addr := fmt.Sprintf("127.0.0.1:%d", basePort)
	resp := roundTrip(t, addr, wire.Request{
		Kind: wire.KindInsert, Table: "users", HashKey: "hk", SortKey: value.Varchar("s"),
		Values: map[string]value.Value{"age": value.Int32Val(1)},
	})
	require.Equal(t, wire.StatusOK, resp.Status)

	require.NoError(t, m.Shutdown())

	_, err = net.DialTimeout("tcp", addr, time.Second)
	require.Error(t, err)
}
