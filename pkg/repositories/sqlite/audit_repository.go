// Package sqlite provides the SQLite-backed execution audit log.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/models"
	"github.com/TFMV/promptql/pkg/repositories"
)

const (
	// MemoryPath keeps the audit log in memory for the life of the process.
	MemoryPath = ":memory:"

	defaultListLimit = 100
)

const auditTable = `
CREATE TABLE IF NOT EXISTS executions (
	execution_id  TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL DEFAULT '',
	dataset       TEXT NOT NULL,
	sql_text      TEXT NOT NULL,
	status        TEXT NOT NULL,
	error_kind    TEXT NOT NULL DEFAULT '',
	row_count     INTEGER NOT NULL,
	bytes_scanned INTEGER NOT NULL,
	billed_bytes  INTEGER NOT NULL,
	cost          REAL NOT NULL,
	duration_ns   INTEGER NOT NULL,
	started_at_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS executions_session_idx ON executions (session_id, started_at_ns);
`

// auditRepository implements repositories.AuditRepository.
type auditRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewAuditRepository opens (creating if needed) the audit database at path.
func NewAuditRepository(path string, logger zerolog.Logger) (repositories.AuditRepository, error) {
	if strings.TrimSpace(path) == "" {
		path = MemoryPath
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to open audit database")
	}
	// SQLite serializes writers; one connection also keeps an in-memory
	// database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if _, err := db.Exec(auditTable); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to create audit table")
	}

	logger = logger.With().Str("component", "audit").Logger()
	logger.Info().Str("path", path).Msg("Audit store opened")

	return &auditRepository{db: db, logger: logger}, nil
}

// Record appends an audit record.
func (r *auditRepository) Record(ctx context.Context, rec models.AuditRecord) error {
	if rec.ExecutionID == "" {
		return errors.New(errors.KindInvalidRequest, "audit record requires an execution id")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO executions (
		execution_id, session_id, dataset, sql_text, status, error_kind,
		row_count, bytes_scanned, billed_bytes, cost, duration_ns, started_at_ns
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.SessionID, rec.Dataset, rec.SQL, string(rec.Status), rec.ErrorKind,
		rec.RowCount, rec.BytesScanned, rec.BilledBytes, rec.Cost,
		int64(rec.Duration), rec.StartedAt.UnixNano(),
	)
	if err != nil {
		r.logger.Error().Err(err).Str("execution_id", rec.ExecutionID).Msg("Failed to write audit record")
		return errors.Wrap(err, errors.KindInternal, "failed to write audit record")
	}
	return nil
}

// List returns audit records, newest first.
func (r *auditRepository) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT execution_id, session_id, dataset, sql_text, status, error_kind,
		row_count, bytes_scanned, billed_bytes, cost, duration_ns, started_at_ns
	FROM executions`
	args := []interface{}{}
	if filter.SessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, filter.SessionID)
	}
	query += ` ORDER BY started_at_ns DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list audit records")
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var (
			rec             models.AuditRecord
			status          string
			duration, start int64
		)
		if err := rows.Scan(
			&rec.ExecutionID, &rec.SessionID, &rec.Dataset, &rec.SQL, &status, &rec.ErrorKind,
			&rec.RowCount, &rec.BytesScanned, &rec.BilledBytes, &rec.Cost, &duration, &start,
		); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "failed to scan audit record")
		}
		rec.Status = models.ExecutionStatus(status)
		rec.Duration = time.Duration(duration)
		rec.StartedAt = time.Unix(0, start).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list audit records")
	}
	return records, nil
}

// Close closes the database.
func (r *auditRepository) Close() error {
	return r.db.Close()
}
