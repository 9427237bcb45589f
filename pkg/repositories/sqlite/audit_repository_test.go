package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/models"
)

func record(id, session string, started time.Time) models.AuditRecord {
	return models.AuditRecord{
		ExecutionID:  id,
		SessionID:    session,
		Dataset:      "shop",
		SQL:          "SELECT COUNT(*) FROM orders",
		Status:       models.ExecutionSucceeded,
		RowCount:     1,
		BytesScanned: 8,
		BilledBytes:  10 << 20,
		Cost:         0.0000476837158203125,
		Duration:     1500 * time.Microsecond,
		StartedAt:    started,
	}
}

func TestAuditRepository_RecordList(t *testing.T) {
	repo, err := NewAuditRepository(MemoryPath, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Record(ctx, record("e1", "s1", base)))
	require.NoError(t, repo.Record(ctx, record("e2", "s2", base.Add(time.Second))))
	failed := record("e3", "s1", base.Add(2*time.Second))
	failed.Status = models.ExecutionRejected
	failed.ErrorKind = errors.KindSyntax
	failed.RowCount = 0
	require.NoError(t, repo.Record(ctx, failed))

	tests := []struct {
		name   string
		filter models.AuditFilter
		want   []string
	}{
		{name: "all newest first", filter: models.AuditFilter{}, want: []string{"e3", "e2", "e1"}},
		{name: "by session", filter: models.AuditFilter{SessionID: "s1"}, want: []string{"e3", "e1"}},
		{name: "limit", filter: models.AuditFilter{Limit: 1}, want: []string{"e3"}},
		{name: "unknown session", filter: models.AuditFilter{SessionID: "nope"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := repo.List(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, r := range records {
				ids = append(ids, r.ExecutionID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	records, err := repo.List(ctx, models.AuditFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, failed, records[0])
	assert.Equal(t, record("e1", "s1", base), records[1])
}

func TestAuditRepository_Validation(t *testing.T) {
	repo, err := NewAuditRepository("", zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	defer repo.Close()

	err = repo.Record(context.Background(), models.AuditRecord{Dataset: "shop"})
	assert.True(t, errors.IsInvalidRequest(err))

	require.NoError(t, repo.Record(context.Background(), record("dup", "", time.Now())))
	assert.Error(t, repo.Record(context.Background(), record("dup", "", time.Now())))
}

func TestAuditRepository_Durable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	logger := zerolog.New(zerolog.NewTestWriter(t))

	repo, err := NewAuditRepository(path, logger)
	require.NoError(t, err)
	require.NoError(t, repo.Record(context.Background(), record("e1", "s1", time.Now())))
	require.NoError(t, repo.Close())

	repo, err = NewAuditRepository(path, logger)
	require.NoError(t, err)
	defer repo.Close()

	records, err := repo.List(context.Background(), models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "e1", records[0].ExecutionID)
}
