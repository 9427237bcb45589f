package models

import (
	"time"
)

// PipelineRequest is a prompt submitted against a dataset. It is passed and
// stored by value so a submitted request cannot change underneath a session.
type PipelineRequest struct {
	Prompt      string      `json:"prompt"`
	Dataset     string      `json:"dataset"`
	SchemaHints SchemaHints `json:"schema_hints,omitempty"`
}

// SchemaHints narrow how a prompt maps onto the dataset schema.
type SchemaHints struct {
	// Tables limits compilation to the named tables.
	Tables []string `json:"tables,omitempty"`
	// Synonyms maps prompt terms to a table name or a table.column reference.
	Synonyms map[string]string `json:"synonyms,omitempty"`
}

// CompiledQuery is the output of the prompt compiler.
type CompiledQuery struct {
	SQL        string   `json:"sql"`
	Tables     []string `json:"tables"`
	Columns    []string `json:"columns"`
	Translator string   `json:"translator"`
}

// ExecutionBudget bounds a single query execution. Zero fields take the
// configured defaults.
type ExecutionBudget struct {
	MaxRows         int64         `json:"max_rows,omitempty"`
	MaxBytesScanned int64         `json:"max_bytes_scanned,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
}

// WithDefaults fills zero fields from def.
func (b ExecutionBudget) WithDefaults(def ExecutionBudget) ExecutionBudget {
	if b.MaxRows == 0 {
		b.MaxRows = def.MaxRows
	}
	if b.MaxBytesScanned == 0 {
		b.MaxBytesScanned = def.MaxBytesScanned
	}
	if b.Timeout == 0 {
		b.Timeout = def.Timeout
	}
	return b
}

// ExecutionRequest is a query handed to the executor.
type ExecutionRequest struct {
	ExecutionID string          `json:"execution_id"`
	SessionID   string          `json:"session_id,omitempty"`
	Dataset     string          `json:"dataset"`
	SQL         string          `json:"sql"`
	Budget      ExecutionBudget `json:"budget"`
}

// ExecutionStats carries the cost of an execution. It is reported for
// failed executions too so partial work can be charged.
type ExecutionStats struct {
	RowsRead     int64         `json:"rows_read"`
	BytesScanned int64         `json:"bytes_scanned"`
	Duration     time.Duration `json:"duration"`
	// Executed is false when the query was rejected before reaching the warehouse.
	Executed bool `json:"executed"`
}

// Answer is the synthesized natural-language response.
type Answer struct {
	Text     string `json:"text"`
	Narrator string `json:"narrator"`
	Grounded bool   `json:"grounded"`
}
