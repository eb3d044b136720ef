package sstable

import (
	"testing"

	"github.com/dowkv/wcstore/pkg/row"
	"github.com/dowkv/wcstore/pkg/schema"
	"github.com/dowkv/wcstore/pkg/value"
	"github.com/stretchr/testify/require"
)

func testSchema() *schema.TableSchema {
	return schema.NewTableSchema("events", schema.ColumnType{Kind: value.KindVarchar, VarcharSize: 8}, []schema.Column{
		{Name: "n", Type: schema.ColumnType{Kind: value.KindInt32}},
	})
}

func modLocate(hashKey string, total int) int {
	sum := 0
	for _, b := range hashKey {
		sum += int(b)
	}
	return sum % total
}

func TestWriteAndGet(t *testing.T) {
	dir := t.TempDir()
	s := testSchema()

	var rows []row.Row
	for i := 0; i < 20; i++ {
		hk := string(rune('a' + i%4))
		rows = append(rows, row.New(hk, value.Varchar("sk"), map[string]value.Value{"n": value.Int32Val(int32(i))}, uint64(i)))
	}

	path, err := WriteSegment(dir, s, rows, 4, modLocate)
	require.NoError(t, err)

	seg, err := Open(path, s)
	require.NoError(t, err)
	require.Equal(t, 20, seg.NumRows)

	target := rows[5]
	partition := modLocate(target.HashKey, 4)
	got, ok, err := seg.Get(partition, target.PrimaryKey())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, target.Values["n"].Int32, got.Values["n"].Int32)
}

func TestGetMissingKeyReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	s := testSchema()
	rows := []row.Row{row.New("a", value.Varchar("sk"), map[string]value.Value{"n": value.Int32Val(1)}, 1)}
	path, err := WriteSegment(dir, s, rows, 1, modLocate)
	require.NoError(t, err)

	seg, err := Open(path, s)
	require.NoError(t, err)
	_, ok, err := seg.Get(0, "missing:sk")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListSegmentsOrdersNewestFirst(t *testing.T) {
	dir := t.TempDir()
	s := testSchema()

	_, err := WriteSegment(dir, s, []row.Row{row.New("a", value.Varchar("sk"), map[string]value.Value{"n": value.Int32Val(1)}, 1)}, 1, modLocate)
	require.NoError(t, err)

	segments, err := ListSegments(dir, s)
	require.NoError(t, err)
	require.Len(t, segments, 1)
}

func TestCompactDedupsKeepingNewestAndRetainsTombstones(t *testing.T) {
	dir := t.TempDir()
	s := testSchema()

	older := row.New("a", value.Varchar("sk"), map[string]value.Value{"n": value.Int32Val(1)}, 100)
	newer := older
	newer.Values = map[string]value.Value{"n": value.Int32Val(2)}
	newer.Timestamp = 200

	tomb := row.New("b", value.Varchar("sk"), map[string]value.Value{"n": value.Int32Val(0)}, 300)
	tomb.MarkedForDeletion = true

	p1, err := WriteSegment(dir, s, []row.Row{older}, 1, modLocate)
	require.NoError(t, err)
	p2, err := WriteSegment(dir, s, []row.Row{newer, tomb}, 1, modLocate)
	require.NoError(t, err)

	seg1, err := Open(p1, s)
	require.NoError(t, err)
	seg2, err := Open(p2, s)
	require.NoError(t, err)

	c := &Compactor{Dir: dir, Schema: s, TotalPartitions: 1, Locate: modLocate}
	newPath, err := c.Compact([]*Segment{seg1, seg2})
	require.NoError(t, err)

	merged, err := Open(newPath, s)
	require.NoError(t, err)
	rows, err := merged.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byKey := map[string]row.Row{}
	for _, r := range rows {
		byKey[r.PrimaryKey()] = r
	}
	require.Equal(t, int32(2), byKey["a:sk"].Values["n"].Int32)
	require.True(t, byKey["b:sk"].MarkedForDeletion)
}
