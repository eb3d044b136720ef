// Package validation checks an insert request against a table's schema
// before it reaches the handler: hash-key length, sort-key kind, and
// per-column type/length/nullability, plus the batch-size bound shared
// by GetMany and Batch requests.
package validation

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/dowkv/wcstore/pkg/schema"
	"github.com/dowkv/wcstore/pkg/value"
)

var validate *validator.Validate

// Validation constants
var (
	MaxHashKeyLength = schema.HashKeyByteSize
	MaxBatchSize     = 1000
	MinBatchSize     = 1
)

func init() {
	validate = validator.New()
}

// InsertRequest mirrors the fields of a wire.Request that an Insert
// needs validated: a non-empty hash key within the fixed on-disk
// width, a sort key, and a column value map checked against a table's
// schema.
type InsertRequest struct {
	HashKey string                 `validate:"required"`
	SortKey value.Value            `validate:"-"`
	Values  map[string]value.Value `validate:"-"`
}

// ValidateInsertRequest checks req's hash key against the fixed
// on-disk width and every value in req against s's declared columns:
// unknown columns are rejected, a missing non-nullable column is
// rejected, a value's kind must match its column's declared kind, and
// a Varchar value must fit the column's declared length.
func ValidateInsertRequest(req *InsertRequest, s *schema.TableSchema) error {
	if req == nil {
		return errors.New("insert request cannot be nil")
	}
	if s == nil {
		return errors.New("insert request: schema is required")
	}

	if err := validate.Struct(req); err != nil {
		return formatValidationError(err)
	}
	if len(req.HashKey) > MaxHashKeyLength {
		return fmt.Errorf("HashKey: exceeds maximum length of %d bytes", MaxHashKeyLength)
	}

	if req.SortKey.Kind != s.SortKey.Kind {
		return fmt.Errorf("SortKey: expected %s, got %s", s.SortKey.Kind, req.SortKey.Kind)
	}
	if err := validateValue(req.SortKey, s.SortKey); err != nil {
		return fmt.Errorf("SortKey: %w", err)
	}

	for name, v := range req.Values {
		col, ok := s.Column(name)
		if !ok {
			return fmt.Errorf("Values: unknown column %q", name)
		}
		if v.IsNull() {
			if !col.Nullable {
				return fmt.Errorf("Values: column %q is not nullable", name)
			}
			continue
		}
		if v.Kind != col.Type.Kind {
			return fmt.Errorf("Values: column %q expected %s, got %s", name, col.Type.Kind, v.Kind)
		}
		if err := validateValue(v, col.Type); err != nil {
			return fmt.Errorf("Values: column %q: %w", name, err)
		}
	}

	for _, col := range s.Columns() {
		if !col.Nullable {
			if _, ok := req.Values[col.Name]; !ok {
				return fmt.Errorf("Values: missing required column %q", col.Name)
			}
		}
	}

	return nil
}

// validateValue checks a single value against its column's declared
// type, bounding Varchar length to what the column reserves on disk.
func validateValue(v value.Value, ct schema.ColumnType) error {
	if ct.Kind == value.KindVarchar && len(v.Varchar) > ct.VarcharSize {
		return fmt.Errorf("exceeds declared VARCHAR(%d)", ct.VarcharSize)
	}
	return nil
}

// ValidateBatchSize bounds the number of sub-requests a GetMany or
// Batch request may carry.
func ValidateBatchSize(size int) error {
	if size < MinBatchSize {
		return fmt.Errorf("batch size must be at least %d, got %d", MinBatchSize, size)
	}
	if size > MaxBatchSize {
		return fmt.Errorf("batch size must not exceed %d, got %d", MaxBatchSize, size)
	}
	return nil
}

// formatValidationError converts validator errors to a more user-friendly format
func formatValidationError(err error) error {
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	for _, e := range validationErrs {
		field := e.Field()
		tag := e.Tag()
		param := e.Param()

		switch tag {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, tag)
		}
	}

	return err
}
