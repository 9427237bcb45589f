// Package models provides data structures used throughout the pipeline.
package models

import (
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DatasetSchema describes the tables of one dataset.
type DatasetSchema struct {
	Dataset string  `json:"dataset"`
	Tables  []Table `json:"tables"`
}

// Table represents a table and its ordered columns.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Column represents a column definition.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// Table returns the table with the given name, matched case-insensitively.
func (s *DatasetSchema) Table(name string) (*Table, bool) {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// TableNames returns the names of all tables in declaration order.
func (s *DatasetSchema) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}

// Restrict returns a copy of the schema limited to the named tables.
// An empty list returns the schema unchanged.
func (s *DatasetSchema) Restrict(tables []string) *DatasetSchema {
	if len(tables) == 0 {
		return s
	}
	out := &DatasetSchema{Dataset: s.Dataset}
	for _, t := range s.Tables {
		for _, want := range tables {
			if strings.EqualFold(t.Name, want) {
				out.Tables = append(out.Tables, t)
				break
			}
		}
	}
	return out
}

// Fingerprint returns a stable hash of the schema, independent of table order.
func (s *DatasetSchema) Fingerprint() uint64 {
	tables := make([]Table, len(s.Tables))
	copy(tables, s.Tables)
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	d := xxhash.New()
	_, _ = d.WriteString(strings.ToLower(s.Dataset))
	for _, t := range tables {
		_, _ = d.WriteString("|" + strings.ToLower(t.Name))
		for _, c := range t.Columns {
			_, _ = d.WriteString("," + strings.ToLower(c.Name) + ":" + strings.ToUpper(c.DataType))
		}
	}
	return d.Sum64()
}

// Column returns the column with the given name, matched case-insensitively.
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// IsTemporal reports whether the column holds dates or timestamps.
func (c Column) IsTemporal() bool {
	t := strings.ToUpper(c.DataType)
	return strings.HasPrefix(t, "DATE") || strings.HasPrefix(t, "TIMESTAMP") || strings.HasPrefix(t, "TIME")
}

// IsNumeric reports whether the column holds numbers.
func (c Column) IsNumeric() bool {
	t := strings.ToUpper(c.DataType)
	for _, prefix := range []string{
		"TINYINT", "SMALLINT", "INT", "BIGINT", "HUGEINT", "UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT",
		"INTEGER", "DECIMAL", "NUMERIC", "REAL", "FLOAT", "DOUBLE",
	} {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return false
}
