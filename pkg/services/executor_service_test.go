package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/models"
)

var testBudget = models.ExecutionBudget{
	MaxRows:         1000,
	MaxBytesScanned: 1 << 30,
	Timeout:         30 * time.Second,
}

func countRows(n int64) *models.QueryResult {
	return &models.QueryResult{
		Columns:  []models.ResultColumn{{Name: "order_count", Type: "BIGINT"}},
		Rows:     []models.Row{{"order_count": n}},
		RowCount: 1,
	}
}

func TestBillingConfig(t *testing.T) {
	b := DefaultBillingConfig()

	tests := []struct {
		name  string
		stats models.ExecutionStats
		want  int64
	}{
		{name: "rejected is free", stats: models.ExecutionStats{BytesScanned: 5 << 20}, want: 0},
		{name: "minimum applies", stats: models.ExecutionStats{Executed: true, BytesScanned: 100}, want: 10 << 20},
		{name: "rounded up", stats: models.ExecutionStats{Executed: true, BytesScanned: 10<<20 + 1}, want: 11 << 20},
		{name: "exact increment", stats: models.ExecutionStats{Executed: true, BytesScanned: 12 << 20}, want: 12 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.BilledBytes(tt.stats))
		})
	}

	assert.Equal(t, 5.0, b.Cost(1<<40))
	assert.Zero(t, b.Cost(0))
}

func TestExecutorService_Execute(t *testing.T) {
	wh := &fakeWarehouse{fn: func(ctx context.Context, req models.ExecutionRequest) (*models.QueryResult, models.ExecutionStats, error) {
		res := countRows(3)
		res.ExecutionID = req.ExecutionID
		return res, models.ExecutionStats{RowsRead: 1, BytesScanned: 8, Duration: time.Millisecond, Executed: true}, nil
	}}
	audit := &mockAudit{}
	audit.On("Record", mock.Anything, mock.MatchedBy(func(rec models.AuditRecord) bool {
		return rec.Status == models.ExecutionSucceeded &&
			rec.SessionID == "s1" &&
			rec.RowCount == 1 &&
			rec.BytesScanned == 8 &&
			rec.BilledBytes == 10<<20 &&
			rec.Cost > 0 &&
			rec.Duration == time.Millisecond &&
			rec.ErrorKind == ""
	})).Return(nil).Once()

	metrics := newRecordingMetrics()
	svc := NewExecutorService(wh, testSchemas(t), audit, testBudget, DefaultBillingConfig(), testLogger{t}, metrics)

	result, err := svc.Execute(context.Background(), models.ExecutionRequest{
		SessionID: "s1",
		Dataset:   "shop",
		SQL:       "SELECT COUNT(*) AS order_count FROM orders",
		Budget:    models.ExecutionBudget{MaxRows: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.RowCount)
	assert.NotEmpty(t, result.ExecutionID)

	audit.AssertExpectations(t)
	assert.Equal(t, 1, metrics.counter("executions{status,succeeded}"))

	reqs := wh.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, models.ExecutionBudget{MaxRows: 5, MaxBytesScanned: 1 << 30, Timeout: 30 * time.Second}, reqs[0].Budget)
	assert.Equal(t, "SELECT COUNT(*) AS order_count FROM orders", reqs[0].SQL)
}

func TestExecutorService_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		req      models.ExecutionRequest
		wantKind string
	}{
		{
			name:     "empty sql",
			req:      models.ExecutionRequest{Dataset: "shop", SQL: "  "},
			wantKind: errors.KindInvalidRequest,
		},
		{
			name:     "bad dataset",
			req:      models.ExecutionRequest{Dataset: "shop.main", SQL: "SELECT 1"},
			wantKind: errors.KindInvalidRequest,
		},
		{
			name:     "negative budget",
			req:      models.ExecutionRequest{Dataset: "shop", SQL: "SELECT 1", Budget: models.ExecutionBudget{MaxRows: -1}},
			wantKind: errors.KindInvalidRequest,
		},
		{
			name:     "write statement",
			req:      models.ExecutionRequest{Dataset: "shop", SQL: "DELETE FROM orders"},
			wantKind: errors.KindSyntax,
		},
		{
			name:     "multiple statements",
			req:      models.ExecutionRequest{Dataset: "shop", SQL: "SELECT 1; SELECT 2"},
			wantKind: errors.KindSyntax,
		},
		{
			name:     "table function",
			req:      models.ExecutionRequest{Dataset: "shop", SQL: "SELECT content FROM read_text('/etc/passwd')"},
			wantKind: errors.KindSchemaMismatch,
		},
		{
			name:     "parquet table function",
			req:      models.ExecutionRequest{Dataset: "shop", SQL: "SELECT * FROM read_parquet('s3://bucket/x.parquet')"},
			wantKind: errors.KindSchemaMismatch,
		},
		{
			name:     "cross schema",
			req:      models.ExecutionRequest{Dataset: "shop", SQL: "SELECT table_name FROM information_schema.tables"},
			wantKind: errors.KindSchemaMismatch,
		},
		{
			name:     "unknown column",
			req:      models.ExecutionRequest{Dataset: "shop", SQL: "SELECT amount FROM orders"},
			wantKind: errors.KindSchemaMismatch,
		},
		{
			name:     "unknown dataset",
			req:      models.ExecutionRequest{Dataset: "finance", SQL: "SELECT id FROM orders"},
			wantKind: errors.KindNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wh := &fakeWarehouse{fn: func(context.Context, models.ExecutionRequest) (*models.QueryResult, models.ExecutionStats, error) {
				t.Fatal("warehouse must not be called")
				return nil, models.ExecutionStats{}, nil
			}}
			audit := &memoryAudit{}
			svc := NewExecutorService(wh, testSchemas(t), audit, testBudget, DefaultBillingConfig(), testLogger{t}, newRecordingMetrics())

			result, err := svc.Execute(context.Background(), tt.req)
			assert.Nil(t, result)
			assert.Equal(t, tt.wantKind, errors.KindOf(err))

			records := audit.all()
			require.Len(t, records, 1)
			assert.Equal(t, models.ExecutionRejected, records[0].Status)
			assert.Equal(t, tt.wantKind, records[0].ErrorKind)
			assert.Zero(t, records[0].BilledBytes)
			assert.Zero(t, records[0].Cost)
		})
	}
}

func TestExecutorService_WarehouseFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		stats      models.ExecutionStats
		wantStatus models.ExecutionStatus
		wantBilled int64
	}{
		{
			name:       "syntax error before execution",
			err:        errors.New(errors.KindSyntax, "query failed to plan"),
			wantStatus: models.ExecutionRejected,
		},
		{
			name:       "row budget",
			err:        errors.New(errors.KindBudgetExceeded, "too many rows"),
			stats:      models.ExecutionStats{Executed: true, RowsRead: 11, BytesScanned: 20 << 20},
			wantStatus: models.ExecutionFailed,
			wantBilled: 20 << 20,
		},
		{
			name:       "timeout",
			err:        errors.New(errors.KindTimeout, "timed out"),
			stats:      models.ExecutionStats{Executed: true},
			wantStatus: models.ExecutionFailed,
			wantBilled: 10 << 20,
		},
		{
			name:       "canceled",
			err:        errors.New(errors.KindCanceled, "canceled"),
			stats:      models.ExecutionStats{Executed: true, BytesScanned: 1},
			wantStatus: models.ExecutionCanceled,
			wantBilled: 10 << 20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wh := &fakeWarehouse{fn: func(context.Context, models.ExecutionRequest) (*models.QueryResult, models.ExecutionStats, error) {
				return nil, tt.stats, tt.err
			}}
			audit := &memoryAudit{}
			svc := NewExecutorService(wh, testSchemas(t), audit, testBudget, DefaultBillingConfig(), testLogger{t}, newRecordingMetrics())

			result, err := svc.Execute(context.Background(), models.ExecutionRequest{Dataset: "shop", SQL: "SELECT id FROM orders"})
			assert.Nil(t, result)
			assert.Equal(t, errors.KindOf(tt.err), errors.KindOf(err))

			records := audit.all()
			require.Len(t, records, 1)
			assert.Equal(t, tt.wantStatus, records[0].Status)
			assert.Equal(t, tt.wantBilled, records[0].BilledBytes)
			assert.Zero(t, records[0].RowCount)
		})
	}
}

func TestExecutorService_AuditFailureIsNotFatal(t *testing.T) {
	wh := &fakeWarehouse{fn: func(context.Context, models.ExecutionRequest) (*models.QueryResult, models.ExecutionStats, error) {
		return countRows(3), models.ExecutionStats{Executed: true}, nil
	}}
	audit := &mockAudit{}
	audit.On("Record", mock.Anything, mock.Anything).Return(assert.AnError)
	metrics := newRecordingMetrics()

	svc := NewExecutorService(wh, testSchemas(t), audit, testBudget, DefaultBillingConfig(), testLogger{t}, metrics)
	_, err := svc.Execute(context.Background(), models.ExecutionRequest{Dataset: "shop", SQL: "SELECT 1"})
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.counter("audit_write_errors"))
}

func TestExecutorService_AuditLog(t *testing.T) {
	audit := &mockAudit{}
	want := []models.AuditRecord{{ExecutionID: "e1"}}
	audit.On("List", mock.Anything, models.AuditFilter{SessionID: "s1", Limit: 5}).Return(want, nil)

	svc := NewExecutorService(&fakeWarehouse{}, testSchemas(t), audit, testBudget, DefaultBillingConfig(), testLogger{t}, newRecordingMetrics())

	got, err := svc.AuditLog(context.Background(), models.AuditFilter{SessionID: "s1", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = svc.AuditLog(context.Background(), models.AuditFilter{Limit: -1})
	assert.True(t, errors.IsInvalidRequest(err))
}
