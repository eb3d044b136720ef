// Package row implements the Row type and its fixed-width on-disk
// encoding against a table schema.
package row

import (
	"fmt"

	"github.com/dowkv/wcstore/pkg/schema"
	"github.com/dowkv/wcstore/pkg/value"
)

// Row is one wide-column record: a hash key, a sort key, and a set of
// named column values, plus the bookkeeping fields every stored row
// carries (write timestamp, tombstone flag).
type Row struct {
	HashKey           string
	SortKey           value.Value
	Values            map[string]value.Value
	Timestamp         uint64 // millis since epoch of the write that produced this version
	Version           uint32 // monotonically increasing per primary key; incremented on every update
	MarkedForDeletion bool
}

// New builds a Row from its key parts and a column->value map.
func New(hashKey string, sortKey value.Value, values map[string]value.Value, timestamp uint64) Row {
	return Row{HashKey: hashKey, SortKey: sortKey, Values: values, Timestamp: timestamp}
}

// PrimaryKey is the row's unique identity within a table:
// "hash_key:sort_key_string".
func (r Row) PrimaryKey() string {
	return r.HashKey + ":" + r.SortKey.String()
}

// Encode appends the fixed-width on-disk representation of r to dst,
// using s to determine column order and widths. The hash key is
// zero-padded to schema.HashKeyByteSize bytes; a longer hash key is an
// error.
func Encode(dst []byte, r Row, s *schema.TableSchema) ([]byte, error) {
	if len(r.HashKey) > schema.HashKeyByteSize {
		return nil, fmt.Errorf("row: hash key %q exceeds %d bytes", r.HashKey, schema.HashKeyByteSize)
	}
	hk := make([]byte, schema.HashKeyByteSize)
	copy(hk, r.HashKey)
	dst = append(dst, hk...)

	dst = value.Encode(dst, r.SortKey, sortKeyVarcharLen(s))

	for _, col := range s.Columns() {
		v, ok := r.Values[col.Name]
		if !ok {
			if !col.Nullable {
				return nil, fmt.Errorf("row: missing required column %q", col.Name)
			}
			v = value.Null()
		}
		declared := col.Type.VarcharSize
		dst = value.Encode(dst, v, declared)
	}

	var ts [16]byte
	// high 8 bytes are reserved for a future 128-bit clock; we only use
	// the low 64 bits, matching the spec's 16-byte timestamp field.
	putUint64BE(ts[8:], r.Timestamp)
	dst = append(dst, ts[:]...)

	var ver [4]byte
	putUint32BE(ver[:], r.Version)
	dst = append(dst, ver[:]...)

	if r.MarkedForDeletion {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	return dst, nil
}

// Decode reads one fixed-width row from the front of src.
func Decode(src []byte, s *schema.TableSchema) (Row, error) {
	if len(src) < s.RowByteSize() {
		return Row{}, fmt.Errorf("row: buffer too short: have %d want %d", len(src), s.RowByteSize())
	}
	offset := 0
	hk := src[offset : offset+schema.HashKeyByteSize]
	offset += schema.HashKeyByteSize
	hashKey := trimZeros(hk)

	sortKey, n := value.Decode(src[offset:], s.SortKey.Kind, sortKeyVarcharLen(s))
	offset += n

	values := make(map[string]value.Value, len(s.Columns()))
	for _, col := range s.Columns() {
		v, n := value.Decode(src[offset:], col.Type.Kind, col.Type.VarcharSize)
		offset += n
		values[col.Name] = v
	}

	timestamp := getUint64BE(src[offset+8 : offset+16])
	offset += 16

	version := getUint32BE(src[offset : offset+4])
	offset += 4

	marked := src[offset] != 0

	return Row{
		HashKey:           hashKey,
		SortKey:           sortKey,
		Values:            values,
		Timestamp:         timestamp,
		Version:           version,
		MarkedForDeletion: marked,
	}, nil
}

func sortKeyVarcharLen(s *schema.TableSchema) int {
	if s.SortKey.Kind == value.KindVarchar {
		return s.SortKey.VarcharSize
	}
	return 0
}

func trimZeros(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end])
}

func putUint64BE(dst []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

func getUint64BE(src []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(src[i])
	}
	return v
}

func putUint32BE(dst []byte, v uint32) {
	for i := 3; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

func getUint32BE(src []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(src[i])
	}
	return v
}
