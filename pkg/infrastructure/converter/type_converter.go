// Package converter converts warehouse rows into Arrow record batches and
// Arrow batches into typed result rows.
package converter

import (
	"database/sql"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/rs/zerolog"

	"github.com/TFMV/promptql/pkg/errors"
)

// Field metadata keys.
const (
	MetaTypeName  = "promptql.type_name"
	MetaPrecision = "promptql.precision"
	MetaScale     = "promptql.scale"
)

// TypeConverter maps warehouse column types onto Arrow types. Both DuckDB and
// Postgres type names are understood.
type TypeConverter interface {
	// ArrowType returns the Arrow type used to carry values of dbType.
	ArrowType(dbType string) (arrow.DataType, error)
	// FieldFromColumn converts a SQL column to an Arrow field.
	FieldFromColumn(col *sql.ColumnType) (arrow.Field, error)
	// SchemaFromColumns converts SQL column types to an Arrow schema.
	SchemaFromColumns(cols []*sql.ColumnType) (*arrow.Schema, error)
}

type typeConverter struct {
	typeMap map[string]arrow.DataType
	logger  zerolog.Logger
}

// New creates a new type converter.
func New(logger zerolog.Logger) TypeConverter {
	return &typeConverter{
		typeMap: initializeTypeMap(),
		logger:  logger,
	}
}

var (
	timestampUTC = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	decimalRe    = regexp.MustCompile(`^(decimal|numeric)\s*\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\)$`)
)

// ArrowType returns the Arrow type for a warehouse type name. Decimals are
// carried as float64 so that results stay numeric for narration.
func (tc *typeConverter) ArrowType(dbType string) (arrow.DataType, error) {
	name := strings.ToLower(strings.TrimSpace(dbType))
	if name == "" {
		return nil, errors.New(errors.KindInternal, "empty column type")
	}
	if t, ok := tc.typeMap[name]; ok {
		return t, nil
	}

	switch {
	case name == "decimal", name == "numeric":
		return arrow.PrimitiveTypes.Float64, nil
	case strings.HasPrefix(name, "decimal"), strings.HasPrefix(name, "numeric"):
		if _, _, err := ParseDecimal(name); err != nil {
			return nil, err
		}
		return arrow.PrimitiveTypes.Float64, nil
	case strings.HasPrefix(name, "varchar"), strings.HasPrefix(name, "character varying"),
		strings.HasPrefix(name, "char"), strings.HasPrefix(name, "bpchar"):
		return arrow.BinaryTypes.String, nil
	case strings.HasPrefix(name, "timestamp") && strings.Contains(name, "time zone") && !strings.Contains(name, "without"):
		return timestampUTC, nil
	case strings.HasPrefix(name, "timestamp"):
		return arrow.FixedWidthTypes.Timestamp_us, nil
	case strings.HasPrefix(name, "time"):
		return arrow.BinaryTypes.String, nil
	case strings.HasSuffix(name, "[]"), strings.HasPrefix(name, "_"),
		strings.HasPrefix(name, "struct"), strings.HasPrefix(name, "map"),
		strings.HasPrefix(name, "list"), strings.HasPrefix(name, "union"),
		strings.HasPrefix(name, "enum"):
		// Composite values are rendered as text.
		return arrow.BinaryTypes.String, nil
	}

	return nil, errors.Newf(errors.KindInternal, "unsupported column type: %s", dbType)
}

// ParseDecimal extracts precision and scale from decimal(p,s) or numeric(p,s).
func ParseDecimal(dbType string) (precision, scale int32, err error) {
	m := decimalRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(dbType)))
	if m == nil {
		return 0, 0, fmt.Errorf("invalid decimal/numeric format: %s", dbType)
	}

	p, err := strconv.ParseInt(m[2], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid precision in %s: %w", dbType, err)
	}
	var s int64
	if m[3] != "" {
		if s, err = strconv.ParseInt(m[3], 10, 32); err != nil {
			return 0, 0, fmt.Errorf("invalid scale in %s: %w", dbType, err)
		}
	}

	if p < 1 || p > 38 {
		return 0, 0, fmt.Errorf("precision %d out of range (1-38) for %s", p, dbType)
	}
	if s < 0 || s > p {
		return 0, 0, fmt.Errorf("scale %d out of range (0-%d) for %s", s, p, dbType)
	}
	return int32(p), int32(s), nil
}

// FieldFromColumn converts a SQL column to an Arrow field.
func (tc *typeConverter) FieldFromColumn(col *sql.ColumnType) (arrow.Field, error) {
	arrowType, err := tc.arrowTypeFromColumn(col)
	if err != nil {
		return arrow.Field{}, err
	}

	nullable := true
	if n, ok := col.Nullable(); ok {
		nullable = n
	}

	return arrow.Field{
		Name:     col.Name(),
		Type:     arrowType,
		Nullable: nullable,
		Metadata: tc.buildColumnMetadata(col),
	}, nil
}

// SchemaFromColumns converts SQL column types to an Arrow schema.
func (tc *typeConverter) SchemaFromColumns(cols []*sql.ColumnType) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(cols))
	for i, col := range cols {
		field, err := tc.FieldFromColumn(col)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindInternal, "failed to convert column %d (%s)", i, col.Name())
		}
		fields[i] = field
	}
	return arrow.NewSchema(fields, nil), nil
}

func (tc *typeConverter) arrowTypeFromColumn(col *sql.ColumnType) (arrow.DataType, error) {
	if dbType := col.DatabaseTypeName(); dbType != "" {
		if t, err := tc.ArrowType(dbType); err == nil {
			return t, nil
		}
		tc.logger.Debug().Str("column", col.Name()).Str("type", dbType).Msg("Unmapped column type, using scan type")
	}

	scanType := col.ScanType()
	if scanType == nil {
		return arrow.BinaryTypes.String, nil
	}

	switch scanType.Kind() {
	case reflect.Bool:
		return arrow.FixedWidthTypes.Boolean, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return arrow.PrimitiveTypes.Int64, nil
	case reflect.Uint, reflect.Uint64:
		return arrow.PrimitiveTypes.Uint64, nil
	case reflect.Float32, reflect.Float64:
		return arrow.PrimitiveTypes.Float64, nil
	case reflect.Slice:
		if scanType.Elem().Kind() == reflect.Uint8 {
			return arrow.BinaryTypes.Binary, nil
		}
	}
	return arrow.BinaryTypes.String, nil
}

func (tc *typeConverter) buildColumnMetadata(col *sql.ColumnType) arrow.Metadata {
	keys := []string{}
	values := []string{}

	if dbType := col.DatabaseTypeName(); dbType != "" {
		keys = append(keys, MetaTypeName)
		values = append(values, dbType)
	}

	if precision, scale, ok := col.DecimalSize(); ok {
		keys = append(keys, MetaPrecision, MetaScale)
		values = append(values, strconv.FormatInt(precision, 10), strconv.FormatInt(scale, 10))
	}

	return arrow.NewMetadata(keys, values)
}

// TypeName returns the warehouse type name recorded on field, falling back to
// the Arrow type name.
func TypeName(field arrow.Field) string {
	if i := field.Metadata.FindKey(MetaTypeName); i >= 0 {
		return field.Metadata.Values()[i]
	}
	return strings.ToUpper(field.Type.Name())
}

// initializeTypeMap creates the warehouse to Arrow type mapping. Integers are
// widened to int64 and floats to float64.
func initializeTypeMap() map[string]arrow.DataType {
	return map[string]arrow.DataType{
		// Integer types
		"tinyint":   arrow.PrimitiveTypes.Int64,
		"smallint":  arrow.PrimitiveTypes.Int64,
		"integer":   arrow.PrimitiveTypes.Int64,
		"int":       arrow.PrimitiveTypes.Int64,
		"bigint":    arrow.PrimitiveTypes.Int64,
		"hugeint":   arrow.PrimitiveTypes.Int64,
		"utinyint":  arrow.PrimitiveTypes.Int64,
		"usmallint": arrow.PrimitiveTypes.Int64,
		"uinteger":  arrow.PrimitiveTypes.Int64,
		"ubigint":   arrow.PrimitiveTypes.Uint64,
		"int2":      arrow.PrimitiveTypes.Int64,
		"int4":      arrow.PrimitiveTypes.Int64,
		"int8":      arrow.PrimitiveTypes.Int64,
		"serial":    arrow.PrimitiveTypes.Int64,
		"bigserial": arrow.PrimitiveTypes.Int64,
		"oid":       arrow.PrimitiveTypes.Int64,

		// Floating point types
		"real":             arrow.PrimitiveTypes.Float64,
		"float":            arrow.PrimitiveTypes.Float64,
		"float4":           arrow.PrimitiveTypes.Float64,
		"float8":           arrow.PrimitiveTypes.Float64,
		"double":           arrow.PrimitiveTypes.Float64,
		"double precision": arrow.PrimitiveTypes.Float64,

		// Boolean type
		"boolean": arrow.FixedWidthTypes.Boolean,
		"bool":    arrow.FixedWidthTypes.Boolean,

		// String types
		"varchar":  arrow.BinaryTypes.String,
		"text":     arrow.BinaryTypes.String,
		"string":   arrow.BinaryTypes.String,
		"name":     arrow.BinaryTypes.String,
		"uuid":     arrow.BinaryTypes.String,
		"json":     arrow.BinaryTypes.String,
		"jsonb":    arrow.BinaryTypes.String,
		"interval": arrow.BinaryTypes.String,

		// Binary types
		"blob":      arrow.BinaryTypes.Binary,
		"bytea":     arrow.BinaryTypes.Binary,
		"varbinary": arrow.BinaryTypes.Binary,

		// Date/Time types
		"date":         arrow.FixedWidthTypes.Date32,
		"timestamp":    arrow.FixedWidthTypes.Timestamp_us,
		"datetime":     arrow.FixedWidthTypes.Timestamp_us,
		"timestamptz":  timestampUTC,
		"timestamp_s":  arrow.FixedWidthTypes.Timestamp_us,
		"timestamp_ms": arrow.FixedWidthTypes.Timestamp_us,
		"timestamp_ns": arrow.FixedWidthTypes.Timestamp_us,
	}
}
