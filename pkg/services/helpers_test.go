package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/TFMV/promptql/pkg/cache"
	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/models"
)

// testLogger writes log lines to the test output.
type testLogger struct {
	t *testing.T
}

func (l testLogger) log(level, msg string, kv ...interface{}) {
	l.t.Helper()
	l.t.Logf("%s %s %v", level, msg, kv)
}

func (l testLogger) Debug(msg string, kv ...interface{}) { l.log("DBG", msg, kv...) }
func (l testLogger) Info(msg string, kv ...interface{})  { l.log("INF", msg, kv...) }
func (l testLogger) Warn(msg string, kv ...interface{})  { l.log("WRN", msg, kv...) }
func (l testLogger) Error(msg string, kv ...interface{}) { l.log("ERR", msg, kv...) }

// nopLogger discards log lines. It is used where work may outlive the test.
type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// recordingMetrics counts metric calls by name and labels.
type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int
	gauges   map[string]float64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counters: map[string]int{}, gauges: map[string]float64{}}
}

func metricKey(name string, labels []string) string {
	if len(labels) == 0 {
		return name
	}
	return name + "{" + strings.Join(labels, ",") + "}"
}

func (m *recordingMetrics) IncrementCounter(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[metricKey(name, labels)]++
}

func (m *recordingMetrics) RecordHistogram(string, float64, ...string) {}

func (m *recordingMetrics) RecordGauge(name string, value float64, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[metricKey(name, labels)] = value
}

func (m *recordingMetrics) StartTimer(string) Timer { return &stopwatch{start: time.Now()} }

func (m *recordingMetrics) counter(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

func (m *recordingMetrics) gauge(key string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[key]
}

type stopwatch struct {
	start time.Time
}

func (s *stopwatch) Stop() time.Duration { return time.Since(s.start) }

// fakeWarehouse runs queries through fn.
type fakeWarehouse struct {
	mu    sync.Mutex
	calls []models.ExecutionRequest
	fn    func(ctx context.Context, req models.ExecutionRequest) (*models.QueryResult, models.ExecutionStats, error)
}

func (f *fakeWarehouse) Execute(ctx context.Context, req models.ExecutionRequest) (*models.QueryResult, models.ExecutionStats, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *fakeWarehouse) requests() []models.ExecutionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ExecutionRequest(nil), f.calls...)
}

// mockAudit is a testify mock of repositories.AuditRepository.
type mockAudit struct {
	mock.Mock
}

func (m *mockAudit) Record(ctx context.Context, rec models.AuditRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockAudit) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error) {
	args := m.Called(ctx, filter)
	records, _ := args.Get(0).([]models.AuditRecord)
	return records, args.Error(1)
}

func (m *mockAudit) Close() error {
	return m.Called().Error(0)
}

// memoryAudit keeps audit records in memory.
type memoryAudit struct {
	mu      sync.Mutex
	records []models.AuditRecord
}

func (a *memoryAudit) Record(_ context.Context, rec models.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *memoryAudit) List(_ context.Context, filter models.AuditFilter) ([]models.AuditRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.AuditRecord
	for i := len(a.records) - 1; i >= 0; i-- {
		if filter.SessionID == "" || a.records[i].SessionID == filter.SessionID {
			out = append(out, a.records[i])
		}
	}
	return out, nil
}

func (a *memoryAudit) Close() error { return nil }

func (a *memoryAudit) all() []models.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.AuditRecord(nil), a.records...)
}

// fakeMetadata serves fixed schemas and counts loads.
type fakeMetadata struct {
	mu      sync.Mutex
	schemas map[string]*models.DatasetSchema
	loads   map[string]int
	delay   time.Duration
}

func newFakeMetadata(schemas ...*models.DatasetSchema) *fakeMetadata {
	m := &fakeMetadata{schemas: map[string]*models.DatasetSchema{}, loads: map[string]int{}}
	for _, s := range schemas {
		m.schemas[s.Dataset] = s
	}
	return m
}

func (m *fakeMetadata) GetDatasetSchema(ctx context.Context, dataset string) (*models.DatasetSchema, error) {
	m.mu.Lock()
	m.loads[dataset]++
	s, ok := m.schemas[dataset]
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "dataset %q not found", dataset)
	}
	return s, nil
}

func (m *fakeMetadata) ListDatasets(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name := range m.schemas {
		out = append(out, name)
	}
	return out, nil
}

func (m *fakeMetadata) loadCount(dataset string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads[dataset]
}

func ordersSchema() *models.DatasetSchema {
	return &models.DatasetSchema{
		Dataset: "shop",
		Tables: []models.Table{{
			Name: "orders",
			Columns: []models.Column{
				{Name: "id", DataType: "INTEGER"},
				{Name: "placed_at", DataType: "TIMESTAMP", Nullable: true},
			},
		}},
	}
}

// testSchemas serves ordersSchema as dataset shop.
func testSchemas(t *testing.T) SchemaService {
	return NewSchemaService(newFakeMetadata(ordersSchema()), cache.DefaultConfig(), testLogger{t}, newRecordingMetrics())
}
