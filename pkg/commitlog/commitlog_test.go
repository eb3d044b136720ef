package commitlog

import (
	"os"
	"testing"

	"github.com/dowkv/wcstore/pkg/row"
	"github.com/dowkv/wcstore/pkg/schema"
	"github.com/dowkv/wcstore/pkg/value"
	"github.com/stretchr/testify/require"
)

func testSchema() *schema.TableSchema {
	return schema.NewTableSchema("events", schema.ColumnType{Kind: value.KindInt64}, []schema.Column{
		{Name: "payload", Type: schema.ColumnType{Kind: value.KindVarchar, VarcharSize: 32}},
	})
}

func TestWriteAndReplayInsert(t *testing.T) {
	dir := t.TempDir()
	s := testSchema()

	cl, err := OpenNew(Options{Dir: dir}, s, 3)
	require.NoError(t, err)

	r := row.New("hk", value.Int64Val(1), map[string]value.Value{"payload": value.Varchar("hello")}, 111)
	require.NoError(t, cl.WriteInsert(r))
	require.NoError(t, cl.WriteDelete("other:2", 222))
	require.NoError(t, cl.Sync())

	mt, logs, err := Replay(Options{Dir: dir}, s, map[int]bool{3: true}, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	got, ok := mt.Get(r.PrimaryKey())
	require.True(t, ok)
	require.Equal(t, "hello", got.Values["payload"].Varchar)

	tomb, ok := mt.Get("other:2")
	require.True(t, ok)
	require.True(t, tomb.MarkedForDeletion)
}

func TestReplayIgnoresOtherPartitionsAndTables(t *testing.T) {
	dir := t.TempDir()
	s := testSchema()

	cl, err := OpenNew(Options{Dir: dir}, s, 5)
	require.NoError(t, err)
	require.NoError(t, cl.WriteInsert(row.New("a", value.Int64Val(1), map[string]value.Value{"payload": value.Varchar("x")}, 1)))
	require.NoError(t, cl.Sync())

	mt, logs, err := Replay(Options{Dir: dir}, s, map[int]bool{9: true}, 0)
	require.NoError(t, err)
	require.Empty(t, logs)
	require.Equal(t, 0, mt.Len())
}

func TestDeleteRemovesSegmentFile(t *testing.T) {
	dir := t.TempDir()
	s := testSchema()

	cl, err := OpenNew(Options{Dir: dir}, s, 0)
	require.NoError(t, err)
	path := cl.Path()
	require.NoError(t, cl.Delete())

	_, statErr := os.Stat(path)
	require.Error(t, statErr)
}

func TestCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := testSchema()

	cl, err := OpenNew(Options{Dir: dir, Compress: true}, s, 1)
	require.NoError(t, err)
	r := row.New("hk", value.Int64Val(42), map[string]value.Value{"payload": value.Varchar("compressed")}, 7)
	require.NoError(t, cl.WriteInsert(r))
	require.NoError(t, cl.Sync())

	mt, _, err := Replay(Options{Dir: dir, Compress: true}, s, map[int]bool{1: true}, 0)
	require.NoError(t, err)
	got, ok := mt.Get(r.PrimaryKey())
	require.True(t, ok)
	require.Equal(t, "compressed", got.Values["payload"].Varchar)
}
