package converter

import (
	"context"
	"database/sql"
	"math/big"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/promptql/pkg/models"
)

func TestTypeConverter_ArrowType(t *testing.T) {
	tc := New(zerolog.New(zerolog.NewTestWriter(t)))

	tests := []struct {
		name    string
		dbType  string
		want    arrow.DataType
		wantErr bool
	}{
		{name: "duckdb integer", dbType: "INTEGER", want: arrow.PrimitiveTypes.Int64},
		{name: "duckdb hugeint", dbType: "HUGEINT", want: arrow.PrimitiveTypes.Int64},
		{name: "postgres int4", dbType: "INT4", want: arrow.PrimitiveTypes.Int64},
		{name: "double", dbType: "double", want: arrow.PrimitiveTypes.Float64},
		{name: "postgres float8", dbType: "FLOAT8", want: arrow.PrimitiveTypes.Float64},
		{name: "boolean", dbType: "BOOLEAN", want: arrow.FixedWidthTypes.Boolean},
		{name: "varchar", dbType: "VARCHAR", want: arrow.BinaryTypes.String},
		{name: "sized varchar", dbType: "varchar(32)", want: arrow.BinaryTypes.String},
		{name: "decimal", dbType: "DECIMAL(18,2)", want: arrow.PrimitiveTypes.Float64},
		{name: "bare numeric", dbType: "NUMERIC", want: arrow.PrimitiveTypes.Float64},
		{name: "date", dbType: "DATE", want: arrow.FixedWidthTypes.Date32},
		{name: "timestamp", dbType: "TIMESTAMP", want: arrow.FixedWidthTypes.Timestamp_us},
		{name: "timestamptz", dbType: "TIMESTAMPTZ", want: timestampUTC},
		{name: "timestamp with time zone", dbType: "timestamp with time zone", want: timestampUTC},
		{name: "list", dbType: "INTEGER[]", want: arrow.BinaryTypes.String},
		{name: "blob", dbType: "BLOB", want: arrow.BinaryTypes.Binary},
		{name: "invalid decimal", dbType: "decimal(0,2)", wantErr: true},
		{name: "unknown", dbType: "geometry", wantErr: true},
		{name: "empty", dbType: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tc.ArrowType(tt.dbType)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, arrow.TypeEqual(tt.want, got), "got %s", got)
		})
	}
}

func TestParseDecimal(t *testing.T) {
	p, s, err := ParseDecimal("decimal(10,2)")
	require.NoError(t, err)
	assert.Equal(t, int32(10), p)
	assert.Equal(t, int32(2), s)

	p, s, err = ParseDecimal("NUMERIC(12)")
	require.NoError(t, err)
	assert.Equal(t, int32(12), p)
	assert.Equal(t, int32(0), s)

	_, _, err = ParseDecimal("decimal(4,5)")
	assert.Error(t, err)
	_, _, err = ParseDecimal("decimal(x)")
	assert.Error(t, err)
}

func TestValueNormalization(t *testing.T) {
	i, err := toInt64(int32(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), i)

	i, err = toInt64(big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), i)

	_, err = toInt64(new(big.Int).Lsh(big.NewInt(1), 80))
	assert.Error(t, err)

	_, err = toInt64(1.5)
	assert.Error(t, err)

	f, err := toFloat64("12.50")
	require.NoError(t, err)
	assert.Equal(t, 12.5, f)

	f, err = toFloat64(int16(3))
	require.NoError(t, err)
	assert.Equal(t, float64(3), f)

	f, err = toFloat64(decimalLike{units: 1250, scale: 2})
	require.NoError(t, err)
	assert.Equal(t, 12.5, f)

	assert.Equal(t, `{"a":1}`, toString(map[string]interface{}{"a": 1}))
	assert.Equal(t, "12:30:00", toString(time.Date(0, 1, 1, 12, 30, 0, 0, time.UTC)))
}

// decimalLike mimics driver decimal types whose Float64 has a pointer receiver.
type decimalLike struct {
	units int64
	scale int
}

func (d *decimalLike) Float64() float64 {
	f := float64(d.units)
	for i := 0; i < d.scale; i++ {
		f /= 10
	}
	return f
}

func openFixture(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE orders (
		id INTEGER NOT NULL,
		status VARCHAR,
		amount DECIMAL(10,2),
		paid BOOLEAN,
		placed_on DATE,
		placed_at TIMESTAMP
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO orders VALUES
		(1, 'shipped', 12.50, true,  DATE '2024-03-01', TIMESTAMP '2024-03-01 10:00:00'),
		(2, 'pending', 7.25,  false, DATE '2024-03-02', TIMESTAMP '2024-03-02 11:30:00'),
		(3, NULL,      NULL,  NULL,  NULL,              NULL)`)
	require.NoError(t, err)
	return db
}

func TestBatchReader(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	db := openFixture(t)

	rows, err := db.QueryContext(context.Background(),
		"SELECT id, status, amount, paid, placed_on, placed_at FROM orders ORDER BY id")
	require.NoError(t, err)

	reader, err := NewBatchReader(memory.DefaultAllocator, rows, logger)
	require.NoError(t, err)
	defer reader.Release()
	reader.SetBatchSize(2)

	schema := reader.Schema()
	require.Equal(t, 6, schema.NumFields())
	assert.True(t, arrow.TypeEqual(arrow.PrimitiveTypes.Int64, schema.Field(0).Type))
	assert.True(t, arrow.TypeEqual(arrow.PrimitiveTypes.Float64, schema.Field(2).Type))

	var out []models.Row
	batches := 0
	for reader.Next() {
		batches++
		out, err = AppendRows(out, reader.Record())
		require.NoError(t, err)
	}
	require.NoError(t, reader.Err())

	assert.Equal(t, 2, batches)
	assert.Equal(t, int64(3), reader.RowsRead())
	assert.Greater(t, reader.BytesRead(), int64(0))
	require.Len(t, out, 3)

	assert.Equal(t, int64(1), out[0]["id"])
	assert.Equal(t, "shipped", out[0]["status"])
	assert.Equal(t, 12.5, out[0]["amount"])
	assert.Equal(t, true, out[0]["paid"])
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), out[0]["placed_on"])
	assert.Equal(t, time.Date(2024, 3, 2, 11, 30, 0, 0, time.UTC), out[1]["placed_at"])
	assert.Nil(t, out[2]["status"])
	assert.Nil(t, out[2]["amount"])

	cols := Columns(schema)
	assert.Equal(t, "id", cols[0].Name)
	assert.Equal(t, "INTEGER", cols[0].Type)
}

func TestBatchReader_RowLimit(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	db := openFixture(t)

	rows, err := db.Query("SELECT id FROM orders ORDER BY id")
	require.NoError(t, err)

	reader, err := NewBatchReader(memory.DefaultAllocator, rows, logger)
	require.NoError(t, err)
	defer reader.Release()
	reader.SetRowLimit(2)

	var total int64
	for reader.Next() {
		total += reader.Record().NumRows()
	}
	require.NoError(t, reader.Err())
	assert.Equal(t, int64(2), total)
	assert.Equal(t, int64(2), reader.RowsRead())
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "NULL", FormatValue(nil))
	assert.Equal(t, "3", FormatValue(int64(3)))
	assert.Equal(t, "12.5", FormatValue(12.5))
	assert.Equal(t, "2024-03-01", FormatValue(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2024-03-01 10:00:00", FormatValue(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
}

func TestBatchReader_Release(t *testing.T) {
	tests := []struct {
		name  string
		reads int
	}{
		{name: "before reading", reads: 0},
		{name: "mid stream", reads: 1},
		{name: "after drain", reads: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
			defer mem.AssertSize(t, 0)

			rows, err := openFixture(t).Query("SELECT id, status FROM orders ORDER BY id")
			require.NoError(t, err)

			reader, err := NewBatchReader(mem, rows, zerolog.New(zerolog.NewTestWriter(t)))
			require.NoError(t, err)
			reader.SetBatchSize(1)
			for i := 0; i < tt.reads; i++ {
				if !reader.Next() {
					break
				}
			}

			reader.Release()
			reader.Release()
			assert.False(t, reader.Next())
			assert.Nil(t, reader.Record())
		})
	}
}

func TestAppendRows_NonFiniteFloats(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want interface{}
	}{
		{name: "finite", expr: "2.5::DOUBLE", want: 2.5},
		{name: "nan", expr: "'nan'::DOUBLE", want: nil},
		{name: "positive infinity", expr: "'inf'::DOUBLE", want: nil},
		{name: "negative infinity", expr: "'-inf'::DOUBLE", want: nil},
	}

	db := openFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := db.Query("SELECT " + tt.expr + " AS ratio")
			require.NoError(t, err)

			reader, err := NewBatchReader(memory.DefaultAllocator, rows, zerolog.New(zerolog.NewTestWriter(t)))
			require.NoError(t, err)
			defer reader.Release()

			require.True(t, reader.Next())
			out, err := AppendRows(nil, reader.Record())
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, tt.want, out[0]["ratio"])
		})
	}
}
