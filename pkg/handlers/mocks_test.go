package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/TFMV/promptql/pkg/infrastructure/memory"
	"github.com/TFMV/promptql/pkg/infrastructure/pool"
	"github.com/TFMV/promptql/pkg/models"
	"github.com/TFMV/promptql/pkg/services"
)

// MockOrchestrator is a mock implementation of services.Orchestrator.
type MockOrchestrator struct {
	mock.Mock
}

func (m *MockOrchestrator) CreateSession() models.SessionView {
	return m.Called().Get(0).(models.SessionView)
}

func (m *MockOrchestrator) GetSession(id string) (models.SessionView, error) {
	args := m.Called(id)
	return args.Get(0).(models.SessionView), args.Error(1)
}

func (m *MockOrchestrator) DeleteSession(id string) error {
	return m.Called(id).Error(0)
}

func (m *MockOrchestrator) SubmitPrompt(ctx context.Context, id string, req models.PipelineRequest) (models.SessionView, error) {
	args := m.Called(ctx, id, req)
	return args.Get(0).(models.SessionView), args.Error(1)
}

func (m *MockOrchestrator) EditSQL(id string, sql string) (models.SessionView, error) {
	args := m.Called(id, sql)
	return args.Get(0).(models.SessionView), args.Error(1)
}

func (m *MockOrchestrator) ExecuteQuery(ctx context.Context, id string, opts services.ExecuteOptions) (models.SessionView, error) {
	args := m.Called(ctx, id, opts)
	return args.Get(0).(models.SessionView), args.Error(1)
}

func (m *MockOrchestrator) Cancel(id string) (models.SessionView, error) {
	args := m.Called(id)
	return args.Get(0).(models.SessionView), args.Error(1)
}

func (m *MockOrchestrator) Result(id string) (*models.QueryResult, error) {
	args := m.Called(id)
	result, _ := args.Get(0).(*models.QueryResult)
	return result, args.Error(1)
}

func (m *MockOrchestrator) Ask(ctx context.Context, req models.PipelineRequest, budget models.ExecutionBudget) (*services.AskResult, error) {
	args := m.Called(ctx, req, budget)
	res, _ := args.Get(0).(*services.AskResult)
	return res, args.Error(1)
}

func (m *MockOrchestrator) Stop() {
	m.Called()
}

// MockSchemaService is a mock implementation of services.SchemaService.
type MockSchemaService struct {
	mock.Mock
}

func (m *MockSchemaService) GetSchema(ctx context.Context, dataset string) (*models.DatasetSchema, error) {
	args := m.Called(ctx, dataset)
	schema, _ := args.Get(0).(*models.DatasetSchema)
	return schema, args.Error(1)
}

func (m *MockSchemaService) ListDatasets(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	datasets, _ := args.Get(0).([]string)
	return datasets, args.Error(1)
}

func (m *MockSchemaService) Invalidate(dataset string) {
	m.Called(dataset)
}

// MockExecutorService is a mock implementation of services.ExecutorService.
type MockExecutorService struct {
	mock.Mock
}

func (m *MockExecutorService) Execute(ctx context.Context, req models.ExecutionRequest) (*models.QueryResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*models.QueryResult)
	return result, args.Error(1)
}

func (m *MockExecutorService) AuditLog(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error) {
	args := m.Called(ctx, filter)
	records, _ := args.Get(0).([]models.AuditRecord)
	return records, args.Error(1)
}

// staticWarehouse reports a fixed pool state.
type staticWarehouse struct {
	healthy bool
}

func (s staticWarehouse) Healthy() bool  { return s.healthy }
func (s staticWarehouse) Driver() string { return pool.DriverDuckDB }
func (s staticWarehouse) Stats() pool.PoolStats {
	return pool.PoolStats{Driver: pool.DriverDuckDB, OpenConnections: 1}
}

type testLogger struct {
	t *testing.T
}

func (l testLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("DBG %s %v", msg, kv) }
func (l testLogger) Info(msg string, kv ...interface{})  { l.t.Logf("INF %s %v", msg, kv) }
func (l testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("WRN %s %v", msg, kv) }
func (l testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("ERR %s %v", msg, kv) }

// countingMetrics counts counter increments by name and labels.
type countingMetrics struct {
	mu       sync.Mutex
	counters map[string]int
}

func (m *countingMetrics) IncrementCounter(name string, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = map[string]int{}
	}
	key := name
	if len(tags) > 0 {
		key += "{" + strings.Join(tags, ",") + "}"
	}
	m.counters[key]++
}

func (m *countingMetrics) RecordHistogram(string, float64, ...string) {}
func (m *countingMetrics) RecordGauge(string, float64, ...string)     {}
func (m *countingMetrics) StartTimer(string) Timer                    { return noopTimer{} }

func (m *countingMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

type noopTimer struct{}

func (noopTimer) Stop() {}

type apiFixture struct {
	orch     *MockOrchestrator
	schemas  *MockSchemaService
	executor *MockExecutorService
	metrics  *countingMetrics
	handler  http.Handler
}

func newAPIFixture(t *testing.T, healthy bool) *apiFixture {
	t.Helper()
	f := &apiFixture{
		orch:     &MockOrchestrator{},
		schemas:  &MockSchemaService{},
		executor: &MockExecutorService{},
		metrics:  &countingMetrics{},
	}
	api := NewAPI(f.orch, f.schemas, f.executor, staticWarehouse{healthy: healthy},
		ServiceInfo{
			Version: "test", Translator: "heuristic", Narrator: "template",
			Memory: func() memory.Stats { return memory.Stats{BytesInUse: 64, PeakBytes: 128} },
		},
		testLogger{t}, f.metrics)
	f.handler = api.Handler()
	t.Cleanup(func() {
		f.orch.AssertExpectations(t)
		f.schemas.AssertExpectations(t)
		f.executor.AssertExpectations(t)
	})
	return f
}

func (f *apiFixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}
