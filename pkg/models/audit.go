package models

import "time"

// ExecutionStatus is the outcome recorded in the audit log.
type ExecutionStatus string

const (
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionRejected  ExecutionStatus = "rejected"
	ExecutionCanceled  ExecutionStatus = "canceled"
)

// AuditRecord is one entry of the execution audit log.
type AuditRecord struct {
	ExecutionID  string          `json:"execution_id"`
	SessionID    string          `json:"session_id,omitempty"`
	Dataset      string          `json:"dataset"`
	SQL          string          `json:"sql"`
	Status       ExecutionStatus `json:"status"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	RowCount     int64           `json:"row_count"`
	BytesScanned int64           `json:"bytes_scanned"`
	BilledBytes  int64           `json:"billed_bytes"`
	Cost         float64         `json:"cost"`
	Duration     time.Duration   `json:"duration"`
	StartedAt    time.Time       `json:"started_at"`
}

// AuditFilter selects audit records.
type AuditFilter struct {
	SessionID string
	Limit     int
}
