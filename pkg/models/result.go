package models

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow"
)

// Row maps column names to typed values.
type Row map[string]interface{}

// ResultColumn describes one column of a query result.
type ResultColumn struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// QueryResult represents the fully materialized result of a query.
type QueryResult struct {
	ExecutionID   string         `json:"execution_id"`
	Schema        *arrow.Schema  `json:"-"`
	Columns       []ResultColumn `json:"columns"`
	Rows          []Row          `json:"rows"`
	RowCount      int64          `json:"row_count"`
	BytesScanned  int64          `json:"bytes_scanned"`
	ExecutionTime time.Duration  `json:"execution_time"`
}

// ColumnNames returns the result column names in order.
func (r *QueryResult) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// Scalar returns the single value of a one-row, one-column result.
func (r *QueryResult) Scalar() (interface{}, bool) {
	if r.RowCount != 1 || len(r.Columns) != 1 || len(r.Rows) != 1 {
		return nil, false
	}
	return r.Rows[0][r.Columns[0].Name], true
}
