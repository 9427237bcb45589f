// Package pool provides the shared warehouse connection pool.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/promptql/pkg/errors"
)

// Supported warehouse drivers.
const (
	DriverDuckDB   = "duckdb"
	DriverPostgres = "pgx"
)

// Config represents pool configuration.
type Config struct {
	Driver             string        `json:"driver"`
	DSN                string        `json:"dsn"`
	MaxOpenConnections int           `json:"max_open_connections"`
	MaxIdleConnections int           `json:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime    time.Duration `json:"conn_max_idle_time"`
	HealthCheckPeriod  time.Duration `json:"health_check_period"`
	ConnectionTimeout  time.Duration `json:"connection_timeout"`
	// ExternalAccess lets DuckDB read files and URLs through table functions
	// such as read_csv. It is off unless set.
	ExternalAccess bool `json:"external_access"`

	EnableCircuitBreaker    bool          `json:"enable_circuit_breaker"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `json:"circuit_breaker_timeout"`
	EnableSlowQueryLogging  bool          `json:"enable_slow_query_logging"`
	SlowQueryThreshold      time.Duration `json:"slow_query_threshold"`
}

// ConnectionPool is the warehouse pool shared by all sessions.
type ConnectionPool interface {
	// DB returns the underlying handle for short metadata queries.
	DB(ctx context.Context) (*sql.DB, error)
	// Acquire leases a dedicated connection. The caller must Release it.
	Acquire(ctx context.Context) (*Lease, error)
	// Stats returns pool statistics.
	Stats() PoolStats
	// HealthCheck performs a health check on the pool.
	HealthCheck(ctx context.Context) error
	// Healthy reports the outcome of the last health check.
	Healthy() bool
	// Driver returns the configured driver name.
	Driver() string
	// Close closes the connection pool.
	Close() error
	// SetMetricsCollector sets the metrics collector.
	SetMetricsCollector(collector MetricsCollector)
}

// MetricsCollector receives pool metrics.
type MetricsCollector interface {
	RecordConnectionAcquisition(duration time.Duration)
	UpdateActiveConnections(count int)
	IncrementCircuitBreakerTrip()
}

// PoolStats represents connection pool statistics.
type PoolStats struct {
	Driver                 string        `json:"driver"`
	OpenConnections        int           `json:"open_connections"`
	InUse                  int           `json:"in_use"`
	Idle                   int           `json:"idle"`
	ActiveLeases           int64         `json:"active_leases"`
	WaitCount              int64         `json:"wait_count"`
	WaitDuration           time.Duration `json:"wait_duration"`
	MaxIdleClosed          int64         `json:"max_idle_closed"`
	MaxLifetimeClosed      int64         `json:"max_lifetime_closed"`
	LastHealthCheck        time.Time     `json:"last_health_check"`
	HealthCheckStatus      string        `json:"health_check_status"`
	CircuitBreakerState    string        `json:"circuit_breaker_state,omitempty"`
	CircuitBreakerFailures int64         `json:"circuit_breaker_failures,omitempty"`
	SlowQueries            int64         `json:"slow_queries"`
	AverageAcquisitionTime time.Duration `json:"average_acquisition_time"`
	PeakConnections        int           `json:"peak_connections"`
	ConnectionErrors       int64         `json:"connection_errors"`
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type connectionPool struct {
	db     *sql.DB
	config Config
	logger zerolog.Logger

	closed atomic.Bool

	lastHealthCheck atomic.Int64 // Unix timestamp
	healthStatus    atomic.Value // string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	waitCount    atomic.Int64
	waitDuration atomic.Int64
	activeLeases atomic.Int64

	circuitBreaker   *CircuitBreaker
	usage            *usageStats
	queryLogger      *QueryLogger
	metricsCollector MetricsCollector
	mu               sync.RWMutex
}

// CircuitBreaker stops connection attempts after repeated failures.
type CircuitBreaker struct {
	state           atomic.Int32 // CircuitBreakerState
	failures        atomic.Int64
	lastFailureTime atomic.Int64
	threshold       int
	timeout         time.Duration
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
	}
}

// CanExecute checks if the circuit breaker allows execution.
func (cb *CircuitBreaker) CanExecute() bool {
	switch CircuitBreakerState(cb.state.Load()) {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		if time.Since(time.Unix(0, cb.lastFailureTime.Load())) > cb.timeout {
			return cb.state.CompareAndSwap(int32(CircuitBreakerOpen), int32(CircuitBreakerHalfOpen))
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}

// RecordFailure records a failed operation and reports whether it tripped the breaker.
func (cb *CircuitBreaker) RecordFailure() bool {
	failures := cb.failures.Add(1)
	cb.lastFailureTime.Store(time.Now().UnixNano())

	if failures >= int64(cb.threshold) {
		return cb.state.Swap(int32(CircuitBreakerOpen)) != int32(CircuitBreakerOpen)
	}
	return false
}

// GetState returns the current circuit breaker state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// GetFailures returns the current failure count.
func (cb *CircuitBreaker) GetFailures() int64 {
	return cb.failures.Load()
}

const acquisitionWindow = 1000

// usageStats tracks acquisition latency and error counters.
type usageStats struct {
	slowQueries      atomic.Int64
	peakConnections  atomic.Int32
	connectionErrors atomic.Int64

	mu               sync.Mutex
	acquisitionTimes []time.Duration
	next             int
}

func newUsageStats() *usageStats {
	return &usageStats{acquisitionTimes: make([]time.Duration, 0, acquisitionWindow)}
}

func (u *usageStats) recordAcquisition(d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.acquisitionTimes) < acquisitionWindow {
		u.acquisitionTimes = append(u.acquisitionTimes, d)
		return
	}
	u.acquisitionTimes[u.next] = d
	u.next = (u.next + 1) % acquisitionWindow
}

func (u *usageStats) averageAcquisition() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.acquisitionTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, t := range u.acquisitionTimes {
		total += t
	}
	return total / time.Duration(len(u.acquisitionTimes))
}

func (u *usageStats) observeOpen(open int) {
	for {
		peak := u.peakConnections.Load()
		if int32(open) <= peak || u.peakConnections.CompareAndSwap(peak, int32(open)) {
			return
		}
	}
}

// QueryLogger logs slow queries and query statistics.
type QueryLogger struct {
	logger    zerolog.Logger
	threshold time.Duration
	enabled   bool
}

// NewQueryLogger creates a new query logger.
func NewQueryLogger(logger zerolog.Logger, threshold time.Duration, enabled bool) *QueryLogger {
	return &QueryLogger{
		logger:    logger,
		threshold: threshold,
		enabled:   enabled,
	}
}

// LogQuery logs query execution details.
func (ql *QueryLogger) LogQuery(query string, duration time.Duration, err error) {
	if !ql.enabled {
		return
	}

	logEvent := ql.logger.Debug()
	if duration > ql.threshold {
		logEvent = ql.logger.Warn().Bool("slow_query", true)
	}

	logEvent.
		Dur("duration", duration).
		Str("query", truncateQuery(query)).
		Bool("success", err == nil).
		Msg("Query executed")
}

// Lease is a dedicated connection held for the duration of one execution.
// All statements issued through it run on the same session, so session
// settings such as search_path apply to later statements.
type Lease struct {
	conn     *sql.Conn
	pool     *connectionPool
	acquired time.Time
	released atomic.Bool
}

// Conn exposes the leased connection.
func (l *Lease) Conn() *sql.Conn { return l.conn }

// Query runs query on the leased connection.
func (l *Lease) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := l.conn.QueryContext(ctx, query, args...)
	l.pool.observeQuery(query, time.Since(start), err)
	return rows, err
}

// Exec runs a statement on the leased connection.
func (l *Lease) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	res, err := l.conn.ExecContext(ctx, query, args...)
	l.pool.observeQuery(query, time.Since(start), err)
	return res, err
}

// Held returns how long the lease has been held.
func (l *Lease) Held() time.Duration { return time.Since(l.acquired) }

// Release returns the connection to the pool. It is safe to call more than once.
func (l *Lease) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	active := l.pool.activeLeases.Add(-1)
	l.pool.reportActive(int(active))
	return l.conn.Close()
}

// New creates a new connection pool.
func New(cfg Config, logger zerolog.Logger) (ConnectionPool, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverDuckDB
	}
	switch cfg.Driver {
	case DriverDuckDB:
		if cfg.DSN == ":memory:" {
			cfg.DSN = ""
		}
		if !cfg.ExternalAccess {
			cfg.DSN = withDuckDBOption(cfg.DSN, "enable_external_access", "false")
		}
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, pkgerrors.New(pkgerrors.KindInvalidRequest, "pgx driver requires a DSN")
		}
	default:
		return nil, pkgerrors.Newf(pkgerrors.KindInvalidRequest, "unsupported warehouse driver: %s", cfg.Driver)
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = 25
	}
	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 10 * time.Minute
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerTimeout <= 0 {
		cfg.CircuitBreakerTimeout = 60 * time.Second
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = 1 * time.Second
	}

	logger = logger.With().Str("component", "pool").Str("driver", cfg.Driver).Logger()
	logger.Info().
		Str("dsn", maskDSN(cfg.DSN)).
		Int("max_open", cfg.MaxOpenConnections).
		Int("max_idle", cfg.MaxIdleConnections).
		Dur("conn_lifetime", cfg.ConnMaxLifetime).
		Dur("conn_idle_time", cfg.ConnMaxIdleTime).
		Bool("circuit_breaker", cfg.EnableCircuitBreaker).
		Msg("Creating warehouse connection pool")

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.KindUnavailable, "failed to open database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithCancel(context.Background())

	pool := &connectionPool{
		db:          db,
		config:      cfg,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		usage:       newUsageStats(),
		queryLogger: NewQueryLogger(logger, cfg.SlowQueryThreshold, cfg.EnableSlowQueryLogging),
	}
	if cfg.EnableCircuitBreaker {
		pool.circuitBreaker = NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout)
	}
	pool.healthStatus.Store("unknown")

	connCtx, connCancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer connCancel()

	if err := pool.HealthCheck(connCtx); err != nil {
		db.Close()
		cancel()
		return nil, pkgerrors.Wrap(err, pkgerrors.KindUnavailable, "initial health check failed")
	}

	if cfg.HealthCheckPeriod > 0 {
		pool.wg.Add(1)
		go pool.healthCheckRoutine(ctx)
	}

	logger.Info().Msg("Warehouse connection pool created")
	return pool, nil
}

// DB returns the underlying handle.
func (p *connectionPool) DB(ctx context.Context) (*sql.DB, error) {
	if err := p.admit(); err != nil {
		return nil, err
	}
	return p.db, nil
}

// Acquire leases a dedicated connection.
func (p *connectionPool) Acquire(ctx context.Context) (*Lease, error) {
	if err := p.admit(); err != nil {
		return nil, err
	}

	start := time.Now()
	p.waitCount.Add(1)
	conn, err := p.db.Conn(ctx)
	duration := time.Since(start)
	p.waitDuration.Add(int64(duration))
	p.usage.recordAcquisition(duration)
	if mc := p.collector(); mc != nil {
		mc.RecordConnectionAcquisition(duration)
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, pkgerrors.As(ctx.Err())
		}
		p.usage.connectionErrors.Add(1)
		p.recordFailure()
		p.logger.Error().Err(err).Msg("Failed to acquire connection")
		return nil, pkgerrors.Wrap(err, pkgerrors.KindUnavailable, "failed to acquire connection")
	}
	if p.circuitBreaker != nil {
		p.circuitBreaker.RecordSuccess()
	}

	p.usage.observeOpen(p.db.Stats().OpenConnections)
	active := p.activeLeases.Add(1)
	p.reportActive(int(active))

	return &Lease{conn: conn, pool: p, acquired: time.Now()}, nil
}

func (p *connectionPool) admit() error {
	if p.closed.Load() {
		return pkgerrors.New(pkgerrors.KindUnavailable, "connection pool is closed")
	}
	if p.circuitBreaker != nil && !p.circuitBreaker.CanExecute() {
		return pkgerrors.New(pkgerrors.KindUnavailable, "circuit breaker is open")
	}
	return nil
}

func (p *connectionPool) recordFailure() {
	if p.circuitBreaker == nil {
		return
	}
	if p.circuitBreaker.RecordFailure() {
		p.logger.Warn().Int64("failures", p.circuitBreaker.GetFailures()).Msg("Circuit breaker opened")
		if mc := p.collector(); mc != nil {
			mc.IncrementCircuitBreakerTrip()
		}
	}
}

func (p *connectionPool) observeQuery(query string, duration time.Duration, err error) {
	p.queryLogger.LogQuery(query, duration, err)
	if duration > p.config.SlowQueryThreshold {
		p.usage.slowQueries.Add(1)
	}
}

func (p *connectionPool) reportActive(n int) {
	if mc := p.collector(); mc != nil {
		mc.UpdateActiveConnections(n)
	}
}

func (p *connectionPool) collector() MetricsCollector {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metricsCollector
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	dbStats := p.db.Stats()

	stats := PoolStats{
		Driver:                 p.config.Driver,
		OpenConnections:        dbStats.OpenConnections,
		InUse:                  dbStats.InUse,
		Idle:                   dbStats.Idle,
		ActiveLeases:           p.activeLeases.Load(),
		WaitCount:              p.waitCount.Load(),
		WaitDuration:           time.Duration(p.waitDuration.Load()),
		MaxIdleClosed:          dbStats.MaxIdleClosed,
		MaxLifetimeClosed:      dbStats.MaxLifetimeClosed,
		LastHealthCheck:        time.Unix(p.lastHealthCheck.Load(), 0),
		HealthCheckStatus:      p.getHealthStatus(),
		SlowQueries:            p.usage.slowQueries.Load(),
		AverageAcquisitionTime: p.usage.averageAcquisition(),
		PeakConnections:        int(p.usage.peakConnections.Load()),
		ConnectionErrors:       p.usage.connectionErrors.Load(),
	}
	if p.circuitBreaker != nil {
		stats.CircuitBreakerState = p.circuitBreaker.GetState().String()
		stats.CircuitBreakerFailures = p.circuitBreaker.GetFailures()
	}
	return stats
}

// Driver returns the configured driver name.
func (p *connectionPool) Driver() string { return p.config.Driver }

// Healthy reports whether the last health check passed.
func (p *connectionPool) Healthy() bool {
	return !p.closed.Load() && p.getHealthStatus() == "healthy"
}

// SetMetricsCollector sets the metrics collector.
func (p *connectionPool) SetMetricsCollector(collector MetricsCollector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metricsCollector = collector
}

// HealthCheck performs a health check on the pool.
func (p *connectionPool) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return pkgerrors.New(pkgerrors.KindUnavailable, "connection pool is closed")
	}

	if err := p.db.PingContext(ctx); err != nil {
		p.updateHealthStatus("unhealthy", err.Error())
		return pkgerrors.Wrap(err, pkgerrors.KindUnavailable, "health check ping failed")
	}

	var result int
	if err := p.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil || result != 1 {
		p.updateHealthStatus("unhealthy", "query test failed")
		return pkgerrors.Wrap(err, pkgerrors.KindUnavailable, "health check query failed")
	}

	p.updateHealthStatus("healthy", "")
	return nil
}

// Close closes the connection pool.
func (p *connectionPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.logger.Info().Msg("Closing warehouse connection pool")
	p.cancel()
	p.wg.Wait()

	if err := p.db.Close(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.KindInternal, "failed to close database")
	}
	return nil
}

// healthCheckRoutine performs periodic health checks until ctx is cancelled.
func (p *connectionPool) healthCheckRoutine(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckPeriod)
	defer ticker.Stop()

	p.logger.Info().Dur("period", p.config.HealthCheckPeriod).Msg("Health check routine started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Health check routine stopped")
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := p.HealthCheck(checkCtx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error().Err(err).Msg("Periodic health check failed")
			}
			cancel()
		}
	}
}

func (p *connectionPool) updateHealthStatus(status, detail string) {
	p.lastHealthCheck.Store(time.Now().Unix())
	previous := p.getHealthStatus()
	p.healthStatus.Store(status)

	if status == "unhealthy" && detail != "" {
		p.logger.Warn().
			Str("status", status).
			Str("detail", detail).
			Msg("Connection pool health check failed")
	} else if previous == "unhealthy" {
		p.logger.Info().Msg("Connection pool recovered")
	}
}

func (p *connectionPool) getHealthStatus() string {
	if v := p.healthStatus.Load(); v != nil {
		return v.(string)
	}
	return "unknown"
}

// withDuckDBOption appends a DuckDB config option to dsn unless dsn sets it.
func withDuckDBOption(dsn, key, value string) string {
	if strings.Contains(dsn, key+"=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + value
}

// MaskDSN hides passwords, tokens and secrets but keeps enough of the string
// to be recognisable in logs.
//
//   - "" or ":memory:"  returned verbatim
//   - URL-like DSNs     user password and sensitive query params redacted
//   - key=value DSNs    sensitive values redacted
//   - anything else     first and last 3 runes kept, middle masked
func MaskDSN(dsn string) string { return maskDSN(dsn) }

func maskDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return dsn
	}

	u, err := url.Parse(dsn)
	if err == nil && looksLikeURL(u) {
		if ui := u.User; ui != nil {
			user := ui.Username()
			if _, hasPass := ui.Password(); hasPass {
				u.User = url.UserPassword(user, "*****")
			} else {
				u.User = url.User(user)
			}
		}

		q := u.Query()
		for k := range q {
			if isSensitiveKey(k) {
				q.Set(k, "*****")
			}
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	// libpq keyword/value form: "host=db user=app password=secret"
	if strings.Contains(dsn, "=") && strings.Contains(dsn, " ") {
		fields := strings.Fields(dsn)
		for i, f := range fields {
			if k, _, ok := strings.Cut(f, "="); ok && isSensitiveKey(k) {
				fields[i] = k + "=*****"
			}
		}
		return strings.Join(fields, " ")
	}

	runes := []rune(dsn)
	if len(runes) <= 10 {
		return "***"
	}
	return string(runes[:3]) + "***" + string(runes[len(runes)-3:])
}

// looksLikeURL returns true when the parsed value has enough URL structure to
// treat it as a DSN we can meaningfully redact.
func looksLikeURL(u *url.URL) bool {
	return u.Scheme != "" || u.Host != "" || u.User != nil || u.RawQuery != ""
}

// isSensitiveKey reports whether a query key should have its value masked.
func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "pass"),
		strings.Contains(key, "token"),
		strings.Contains(key, "secret"),
		strings.HasSuffix(key, "key"):
		return true
	default:
		return false
	}
}

// truncateQuery truncates long queries for logging.
func truncateQuery(query string) string {
	const maxLen = 100
	runes := []rune(query)
	if len(runes) <= maxLen {
		return query
	}
	return string(runes[:maxLen]) + "..."
}
