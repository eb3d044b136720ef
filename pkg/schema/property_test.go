package schema

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dowkv/wcstore/pkg/value"
)

var columnKindGen = gen.OneConstOf(
	value.KindInt32, value.KindInt64, value.KindUnsigned32,
	value.KindUnsigned64, value.KindFloat32, value.KindFloat64, value.KindBoolean,
)

// TestSchemaStringParseRoundTrip checks Parse(s.String()) == s for
// randomly generated table schemas, the textual catalog encoding's
// round-trip invariant.
func TestSchemaStringParseRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("Parse(s.String()) reproduces name, sort key, and columns", prop.ForAll(
		func(name, colName string, kind value.Kind, nullable bool, varcharLen int) bool {
			if name == "" || colName == "" {
				return true
			}
			sortKey := ColumnType{Kind: value.KindVarchar, VarcharSize: 8}
			colType := ColumnType{Kind: kind}
			if kind == value.KindVarchar {
				colType.VarcharSize = varcharLen
			}

			original := NewTableSchema(name, sortKey, []Column{{Name: colName, Type: colType, Nullable: nullable}})
			encoded := original.String()

			decoded, err := Parse(encoded)
			if err != nil {
				return false
			}

			if decoded.Name != original.Name {
				return false
			}
			if decoded.SortKey != original.SortKey {
				return false
			}
			got, ok := decoded.Column(colName)
			if !ok {
				return false
			}
			want, _ := original.Column(colName)
			return got == want
		},
		gen.AlphaString(),
		gen.AlphaString(),
		columnKindGen,
		gen.Bool(),
		gen.IntRange(1, 256),
	))

	properties.TestingRun(t)
}
