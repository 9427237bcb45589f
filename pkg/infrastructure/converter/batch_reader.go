package converter

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"

	"github.com/TFMV/promptql/pkg/errors"
)

const defaultBatchSize = 1024

// BatchReader reads SQL rows and converts them to Arrow record batches. It
// keeps a running count of rows and bytes so callers can enforce budgets
// between batches.
type BatchReader struct {
	schema    *arrow.Schema
	rows      *sql.Rows
	record    arrow.Record
	builder   *array.RecordBuilder
	err       error
	rowDest   []interface{}
	logger    zerolog.Logger
	batchSize int
	rowLimit  int64

	rowsRead  int64
	bytesRead int64
}

// NewBatchReader creates a new batch reader from SQL rows. The reader owns
// rows and closes them on Release.
func NewBatchReader(allocator memory.Allocator, rows *sql.Rows, logger zerolog.Logger) (*BatchReader, error) {
	cols, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "failed to get column types")
	}

	schema, err := New(logger).SchemaFromColumns(cols)
	if err != nil {
		rows.Close()
		return nil, err
	}

	rowDest := make([]interface{}, len(cols))
	for i := range rowDest {
		rowDest[i] = new(interface{})
	}

	r := &BatchReader{
		schema:    schema,
		rows:      rows,
		builder:   array.NewRecordBuilder(allocator, schema),
		rowDest:   rowDest,
		logger:    logger,
		batchSize: defaultBatchSize,
	}
	return r, nil
}

// SetBatchSize sets the number of rows to read per batch.
func (r *BatchReader) SetBatchSize(size int) {
	if size > 0 {
		r.batchSize = size
	}
}

// SetRowLimit stops reading after n rows in total. Zero means no limit.
func (r *BatchReader) SetRowLimit(n int64) {
	if n >= 0 {
		r.rowLimit = n
	}
}

// Schema returns the Arrow schema.
func (r *BatchReader) Schema() *arrow.Schema {
	return r.schema
}

// Release closes the rows and frees the current batch. It is safe to call
// more than once.
func (r *BatchReader) Release() {
	if r.rows != nil {
		r.rows.Close()
		r.rows = nil
	}
	if r.record != nil {
		r.record.Release()
		r.record = nil
	}
	if r.builder != nil {
		r.builder.Release()
		r.builder = nil
	}
}

// Record returns the current record batch. It is valid until the next call
// to Next; callers that keep it must retain the record.
func (r *BatchReader) Record() arrow.Record {
	return r.record
}

// Err returns any error that occurred during reading.
func (r *BatchReader) Err() error {
	return r.err
}

// RowsRead returns the number of rows read so far.
func (r *BatchReader) RowsRead() int64 { return r.rowsRead }

// BytesRead returns the Arrow buffer size of all batches read so far.
func (r *BatchReader) BytesRead() int64 { return r.bytesRead }

// Next reads the next batch of rows.
func (r *BatchReader) Next() bool {
	if r.record != nil {
		r.record.Release()
		r.record = nil
	}
	if r.err != nil || r.rows == nil {
		return false
	}

	want := r.batchSize
	if r.rowLimit > 0 {
		remaining := r.rowLimit - r.rowsRead
		if remaining <= 0 {
			return false
		}
		if remaining < int64(want) {
			want = int(remaining)
		}
	}

	n := 0
	start := time.Now()

	for n < want && r.rows.Next() {
		if err := r.rows.Scan(r.rowDest...); err != nil {
			r.err = errors.Wrap(err, errors.KindInternal, "failed to scan row")
			return false
		}

		for i, dest := range r.rowDest {
			v := *(dest.(*interface{}))
			if err := appendValue(r.builder.Field(i), v); err != nil {
				r.err = errors.Wrapf(err, errors.KindInternal, "failed to append value for column %q", r.schema.Field(i).Name)
				return false
			}
		}
		n++
	}

	if n > 0 {
		r.record = r.builder.NewRecord()
		r.rowsRead += int64(n)
		r.bytesRead += RecordSize(r.record)
		r.logger.Debug().
			Int("rows", n).
			Int64("bytes", r.bytesRead).
			Dur("duration", time.Since(start)).
			Msg("Read batch")
	}

	if err := r.rows.Err(); err != nil {
		r.err = err
		return false
	}

	return n > 0
}

// RecordSize returns the total size of the buffers backing rec.
func RecordSize(rec arrow.Record) int64 {
	var size int64
	for _, col := range rec.Columns() {
		size += dataSize(col.Data())
	}
	return size
}

func dataSize(d arrow.ArrayData) int64 {
	var size int64
	for _, b := range d.Buffers() {
		if b != nil {
			size += int64(b.Len())
		}
	}
	for _, child := range d.Children() {
		size += dataSize(child)
	}
	return size
}

// appendValue appends a scanned value to fb, normalizing the driver's Go type
// to the builder's Arrow type.
func appendValue(fb array.Builder, value interface{}) error {
	if value == nil {
		fb.AppendNull()
		return nil
	}

	switch b := fb.(type) {
	case *array.BooleanBuilder:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
		b.Append(v)

	case *array.Int64Builder:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.Append(v)

	case *array.Uint64Builder:
		v, err := toInt64(value)
		if err != nil {
			if u, ok := value.(uint64); ok {
				b.Append(u)
				return nil
			}
			return err
		}
		b.Append(uint64(v))

	case *array.Float64Builder:
		v, err := toFloat64(value)
		if err != nil {
			return err
		}
		b.Append(v)

	case *array.StringBuilder:
		b.Append(toString(value))

	case *array.BinaryBuilder:
		switch v := value.(type) {
		case []byte:
			b.Append(v)
		case string:
			b.Append([]byte(v))
		default:
			b.Append([]byte(toString(v)))
		}

	case *array.Date32Builder:
		t, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("expected time, got %T", value)
		}
		b.Append(arrow.Date32FromTime(t))

	case *array.TimestampBuilder:
		t, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("expected time, got %T", value)
		}
		b.Append(arrow.Timestamp(t.UnixMicro()))

	default:
		return fmt.Errorf("unsupported builder %T", fb)
	}

	return nil
}

func toInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", v)
		}
		return int64(v), nil
	case *big.Int:
		if !v.IsInt64() {
			return 0, fmt.Errorf("value %s overflows int64", v)
		}
		return v.Int64(), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("value %v is not integral", v)
		}
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", value)
	}
}

// floater matches driver decimal types that expose a float conversion.
type floater interface {
	Float64() float64
}

func toFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(v).Float64()
		return f, nil
	case string:
		return strconv.ParseFloat(v, 64)
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	case floater:
		return v.Float64(), nil
	}
	if f, ok := addressable(value).(floater); ok {
		return f.Float64(), nil
	}
	if i, err := toInt64(value); err == nil {
		return float64(i), nil
	}
	if f, err := strconv.ParseFloat(toString(value), 64); err == nil {
		return f, nil
	}
	return 0, fmt.Errorf("cannot convert %T to float64", value)
}

// addressable returns a pointer to a copy of value so that methods with
// pointer receivers, such as those on driver decimal structs, are reachable.
func addressable(value interface{}) interface{} {
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Ptr {
		return value
	}
	p := reflect.New(rv.Type())
	p.Elem().Set(rv)
	return p.Interface()
}

// toString renders a value as text.
func toString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		if val.Year() == 0 || (val.Year() == 1 && val.YearDay() == 1) {
			return val.Format("15:04:05.999999")
		}
		return val.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	case map[string]interface{}, []interface{}:
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
	}
	if s, ok := addressable(v).(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(v)
}
