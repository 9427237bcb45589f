package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/promptql/cmd/server/config"
	"github.com/TFMV/promptql/pkg/repositories/sqlite"
	"github.com/TFMV/promptql/pkg/seed"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Warehouse.DSN = ""
	cfg.Warehouse.MaxOpenConnections = 2
	cfg.Warehouse.HealthCheckPeriod = 0
	cfg.Audit.Path = sqlite.MemoryPath
	cfg.Metrics.Address = ""
	cfg.Health.Address = "127.0.0.1:0"
	cfg.Health.Interval = 50 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))

	s, err := New(cfg, logger, "test")
	require.NoError(t, err)

	db, err := s.Pipeline().Pool.DB(context.Background())
	require.NoError(t, err)
	_, err = seed.Run(context.Background(), db, seed.Options{Dataset: "shop", Customers: 5, Orders: 20, Seed: 1}, logger)
	require.NoError(t, err)
	return s
}

func TestServer_Handler(t *testing.T) {
	s := newTestServer(t, testConfig())
	t.Cleanup(func() { s.Pipeline().Close() })
	h := s.Handler()

	t.Run("chat", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/chat",
			strings.NewReader(`{"prompt":"How many orders are there?"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var body struct {
			Response      string `json:"response"`
			SQL           string `json:"sql"`
			RowCount      int64  `json:"row_count"`
			ToolCallsMade int    `json:"tool_calls_made"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Contains(t, body.SQL, "COUNT(*)")
		assert.NotEmpty(t, body.Response)
		assert.Equal(t, 1, body.ToolCallsMade)
	})

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"memory"`)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		out, err := io.ReadAll(rec.Body)
		require.NoError(t, err)
		assert.Contains(t, string(out), "promptql_http_requests_total")
		assert.Contains(t, string(out), "promptql_pool_acquire_seconds")
		assert.Contains(t, string(out), "promptql_pool_active_leases")
		assert.Contains(t, string(out), "go_goroutines")
	})

	t.Run("cors preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestServer_BearerAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Type: config.AuthBearer, Tokens: map[string]string{"s3cret": "analyst"}}
	s := newTestServer(t, cfg)
	t.Cleanup(func() { s.Pipeline().Close() })

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/datasets", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/datasets", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shop")
}

func TestServer_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	cfg.Health.Enabled = false
	s := newTestServer(t, cfg)
	t.Cleanup(func() { s.Pipeline().Close() })

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Run(t *testing.T) {
	s := newTestServer(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
