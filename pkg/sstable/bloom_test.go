package sstable

import (
	"fmt"
	"testing"

	"github.com/dowkv/wcstore/pkg/row"
	"github.com/dowkv/wcstore/pkg/value"
	"github.com/stretchr/testify/require"
)

func TestBloomFilterNeverFalseNegative(t *testing.T) {
	bf := newBloomFilter(500, 0.01)
	keys := make([][]byte, 500)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		bf.Add(keys[i])
	}
	for _, k := range keys {
		require.True(t, bf.MayContain(k))
	}
}

func TestBloomFilterRejectsMostAbsentKeys(t *testing.T) {
	bf := newBloomFilter(200, 0.01)
	for i := 0; i < 200; i++ {
		bf.Add([]byte(fmt.Sprintf("present-%d", i)))
	}

	falsePositives := 0
	for i := 0; i < 1000; i++ {
		if bf.MayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	require.Less(t, falsePositives, 50)
}

func TestSegmentGetSkipsDiskReadForAbsentKeyViaBloom(t *testing.T) {
	dir := t.TempDir()
	s := testSchema()

	var rows []row.Row
	for i := 0; i < 50; i++ {
		rows = append(rows, row.New(fmt.Sprintf("h%d", i), value.Varchar("sk"), map[string]value.Value{"n": value.Int32Val(int32(i))}, uint64(i)))
	}
	path, err := WriteSegment(dir, s, rows, 1, func(string, int) int { return 0 })
	require.NoError(t, err)

	seg, err := Open(path, s)
	require.NoError(t, err)
	require.NotNil(t, seg.bloom)

	_, ok, err := seg.Get(0, "definitely-absent:sk")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = seg.Get(0, rows[10].PrimaryKey())
	require.NoError(t, err)
	require.True(t, ok)
}
