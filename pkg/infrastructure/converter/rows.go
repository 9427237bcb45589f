package converter

import (
	"fmt"
	"math"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/TFMV/promptql/pkg/models"
)

// Columns describes the fields of schema as result columns.
func Columns(schema *arrow.Schema) []models.ResultColumn {
	cols := make([]models.ResultColumn, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = models.ResultColumn{
			Name:     f.Name,
			Type:     TypeName(f),
			Nullable: f.Nullable,
		}
	}
	return cols
}

// AppendRows converts rec into rows keyed by column name and appends them to
// dst. Values are int64, uint64, float64, bool, string, []byte, time.Time or nil.
// Non-finite floats become nil.
func AppendRows(dst []models.Row, rec arrow.Record) ([]models.Row, error) {
	schema := rec.Schema()
	n := int(rec.NumRows())
	base := len(dst)
	for i := 0; i < n; i++ {
		dst = append(dst, make(models.Row, schema.NumFields()))
	}

	for c, col := range rec.Columns() {
		name := schema.Field(c).Name
		for i := 0; i < n; i++ {
			v, err := valueAt(col, i)
			if err != nil {
				return nil, fmt.Errorf("column %q row %d: %w", name, i, err)
			}
			dst[base+i][name] = v
		}
	}
	return dst, nil
}

func valueAt(arr arrow.Array, i int) (interface{}, error) {
	if arr.IsNull(i) {
		return nil, nil
	}

	switch a := arr.(type) {
	case *array.Boolean:
		return a.Value(i), nil
	case *array.Int64:
		return a.Value(i), nil
	case *array.Uint64:
		return a.Value(i), nil
	case *array.Float64:
		// NaN and infinities have no JSON form.
		if f := a.Value(i); !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, nil
		}
		return nil, nil
	case *array.String:
		return a.Value(i), nil
	case *array.Binary:
		return append([]byte(nil), a.Value(i)...), nil
	case *array.Date32:
		return a.Value(i).ToTime(), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC(), nil
	default:
		return nil, fmt.Errorf("unsupported array type %s", arr.DataType())
	}
}

// FormatValue renders a result value for display.
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return val.Format("2006-01-02")
		}
		return val.Format("2006-01-02 15:04:05")
	default:
		return toString(val)
	}
}
