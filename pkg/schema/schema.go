// Package schema implements the TableSchema type: the sort-key type, the
// ordered column set, and the textual encoding used to persist the
// catalog to disk.
package schema

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/dowkv/wcstore/pkg/value"
)

// ColumnType names a declared column type, carrying the Varchar length
// when applicable.
type ColumnType struct {
	Kind        value.Kind
	VarcharSize int // only meaningful when Kind == value.KindVarchar
}

func (c ColumnType) String() string {
	if c.Kind == value.KindVarchar {
		return fmt.Sprintf("VARCHAR(%d)", c.VarcharSize)
	}
	return c.Kind.String()
}

// ByteSize is the fixed on-disk width of a value of this type.
func (c ColumnType) ByteSize() int {
	if c.Kind == value.KindVarchar {
		return c.VarcharSize
	}
	return value.FixedSize(c.Kind)
}

func parseColumnType(s string) (ColumnType, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	if strings.HasPrefix(upper, "VARCHAR(") && strings.HasSuffix(upper, ")") {
		inner := upper[len("VARCHAR(") : len(upper)-1]
		n, err := strconv.Atoi(inner)
		if err != nil || n <= 0 {
			return ColumnType{}, fmt.Errorf("schema: invalid VARCHAR length %q", s)
		}
		return ColumnType{Kind: value.KindVarchar, VarcharSize: n}, nil
	}
	switch upper {
	case "INT32":
		return ColumnType{Kind: value.KindInt32}, nil
	case "INT64":
		return ColumnType{Kind: value.KindInt64}, nil
	case "UNSIGNED32":
		return ColumnType{Kind: value.KindUnsigned32}, nil
	case "UNSIGNED64":
		return ColumnType{Kind: value.KindUnsigned64}, nil
	case "FLOAT32":
		return ColumnType{Kind: value.KindFloat32}, nil
	case "FLOAT64":
		return ColumnType{Kind: value.KindFloat64}, nil
	case "BOOLEAN":
		return ColumnType{Kind: value.KindBoolean}, nil
	default:
		return ColumnType{}, fmt.Errorf("schema: unknown column type %q", s)
	}
}

// Column is one non-key column of a table.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

func (c Column) String() string {
	if c.Nullable {
		return fmt.Sprintf("%s:%s?", c.Name, c.Type)
	}
	return fmt.Sprintf("%s:%s", c.Name, c.Type)
}

// HashKeyByteSize is the fixed byte width reserved for the hash key
// portion of every on-disk row, per the spec's fixed row layout.
const HashKeyByteSize = 64

// TableSchema describes one table: its name, its sort key's declared
// type, and its columns in a stable, lexicographically sorted order.
// Once constructed a TableSchema is immutable — the engine has no
// schema-evolution operation.
type TableSchema struct {
	Name       string
	SortKey    ColumnType
	columns    map[string]Column
	columnKeys []string // cached sorted column names
}

// NewTableSchema builds a schema from a name, sort-key type, and column
// list, normalizing the column order to lexicographic by name.
func NewTableSchema(name string, sortKey ColumnType, columns []Column) *TableSchema {
	m := make(map[string]Column, len(columns))
	keys := make([]string, 0, len(columns))
	for _, c := range columns {
		m[c.Name] = c
		keys = append(keys, c.Name)
	}
	sort.Strings(keys)
	return &TableSchema{Name: name, SortKey: sortKey, columns: m, columnKeys: keys}
}

// Columns returns the columns in their canonical lexicographic order.
func (s *TableSchema) Columns() []Column {
	out := make([]Column, 0, len(s.columnKeys))
	for _, k := range s.columnKeys {
		out = append(out, s.columns[k])
	}
	return out
}

// Column looks up a single column by name.
func (s *TableSchema) Column(name string) (Column, bool) {
	c, ok := s.columns[name]
	return c, ok
}

// RowByteSize is the fixed size of every on-disk row for this table:
// hash key + sort key + every column + a 16-byte timestamp + a 4-byte
// version counter + a 1-byte tombstone flag.
func (s *TableSchema) RowByteSize() int {
	size := HashKeyByteSize + s.SortKey.ByteSize() + 16 + 4 + 1
	for _, k := range s.columnKeys {
		size += s.columns[k].Type.ByteSize()
	}
	return size
}

// String renders the schema using the textual encoding
// "name>sort_key:TYPE;col1:TYPE[?];col2:TYPE[?]".
func (s *TableSchema) String() string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteString(">sort_key:")
	b.WriteString(s.SortKey.String())
	for _, k := range s.columnKeys {
		b.WriteByte(';')
		b.WriteString(s.columns[k].String())
	}
	return b.String()
}

// Parse inverts String: it reconstructs a TableSchema from its textual
// encoding. Parse(s.String()) must reproduce an equivalent schema.
func Parse(encoded string) (*TableSchema, error) {
	nameAndRest := strings.SplitN(encoded, ">", 2)
	if len(nameAndRest) != 2 {
		return nil, fmt.Errorf("schema: missing '>' separator in %q", encoded)
	}
	name := nameAndRest[0]
	parts := strings.Split(nameAndRest[1], ";")
	if len(parts) == 0 {
		return nil, fmt.Errorf("schema: empty schema body in %q", encoded)
	}

	sortKeyPart := parts[0]
	skFields := strings.SplitN(sortKeyPart, ":", 2)
	if len(skFields) != 2 || skFields[0] != "sort_key" {
		return nil, fmt.Errorf("schema: expected sort_key declaration, got %q", sortKeyPart)
	}
	sortKey, err := parseColumnType(skFields[1])
	if err != nil {
		return nil, err
	}

	var columns []Column
	for _, colPart := range parts[1:] {
		if colPart == "" {
			continue
		}
		nullable := strings.HasSuffix(colPart, "?")
		if nullable {
			colPart = colPart[:len(colPart)-1]
		}
		fields := strings.SplitN(colPart, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("schema: malformed column declaration %q", colPart)
		}
		ct, err := parseColumnType(fields[1])
		if err != nil {
			return nil, err
		}
		columns = append(columns, Column{Name: fields[0], Type: ct, Nullable: nullable})
	}

	return NewTableSchema(name, sortKey, columns), nil
}

// DefaultCatalogPath is where the flat schema catalog lives, matching the
// original engine's fixed path for the same file.
const DefaultCatalogPath = "/var/lib/wcstore/schemas"

// ReadCatalog loads every TableSchema from a newline-delimited catalog
// file at path.
func ReadCatalog(path string) ([]*TableSchema, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("schema: read catalog: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	var out []*TableSchema
	for _, line := range lines {
		if line == "" {
			continue
		}
		s, err := Parse(line)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// WriteCatalog persists every schema to path, one per line, overwriting
// any existing catalog.
func WriteCatalog(path string, schemas []*TableSchema) error {
	var b strings.Builder
	for _, s := range schemas {
		b.WriteString(s.String())
		b.WriteByte('\n')
	}
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return fmt.Errorf("schema: mkdir catalog dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("schema: write catalog: %w", err)
	}
	return nil
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}
