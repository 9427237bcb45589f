// Package config provides configuration structures for the promptql server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TFMV/promptql/pkg/cache"
	"github.com/TFMV/promptql/pkg/infrastructure/pool"
	"github.com/TFMV/promptql/pkg/llm"
	"github.com/TFMV/promptql/pkg/models"
	"github.com/TFMV/promptql/pkg/repositories/warehouse"
)

// EnvPrefix prefixes every environment variable read by the server.
const EnvPrefix = "PROMPTQL"

// Auth types.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthJWT    = "jwt"
)

// Config represents the server configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Server    ServerConfig    `mapstructure:"server"`
	Warehouse WarehouseConfig `mapstructure:"warehouse"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	LLM       llm.Config      `mapstructure:"llm"`
	Session   SessionConfig   `mapstructure:"session"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
}

// ServerConfig represents the HTTP API listener.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WarehouseConfig represents the warehouse connection pool.
type WarehouseConfig struct {
	Driver                  string        `mapstructure:"driver"`
	DSN                     string        `mapstructure:"dsn"`
	DefaultDataset          string        `mapstructure:"default_dataset"`
	MaxOpenConnections      int           `mapstructure:"max_open_connections"`
	MaxIdleConnections      int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime         time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime         time.Duration `mapstructure:"conn_max_idle_time"`
	HealthCheckPeriod       time.Duration `mapstructure:"health_check_period"`
	ConnectionTimeout       time.Duration `mapstructure:"connection_timeout"`
	CircuitBreaker          bool          `mapstructure:"circuit_breaker"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
	SlowQueryThreshold      time.Duration `mapstructure:"slow_query_threshold"`
	// ExternalAccess allows DuckDB table functions to read files and URLs.
	ExternalAccess bool `mapstructure:"external_access"`
}

// BudgetConfig holds the default execution budget.
type BudgetConfig struct {
	MaxRows         int64         `mapstructure:"max_rows"`
	MaxBytesScanned int64         `mapstructure:"max_bytes_scanned"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// SessionConfig represents session eviction.
type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// CacheConfig represents the schema and compile caches.
type CacheConfig struct {
	SchemaTTL         time.Duration `mapstructure:"schema_ttl"`
	SchemaMaxEntries  int           `mapstructure:"schema_max_entries"`
	CompileEnabled    bool          `mapstructure:"compile_enabled"`
	CompileMaxEntries int           `mapstructure:"compile_max_entries"`
	CompileTTL        time.Duration `mapstructure:"compile_ttl"`
}

// AuditConfig represents the audit store and billing.
type AuditConfig struct {
	Path           string  `mapstructure:"path"`
	PricePerTiB    float64 `mapstructure:"price_per_tib"`
	MinimumBytes   int64   `mapstructure:"minimum_bytes"`
	IncrementBytes int64   `mapstructure:"increment_bytes"`
}

// AuthConfig represents authentication configuration.
type AuthConfig struct {
	Type string `mapstructure:"type"` // none, bearer, jwt

	// Tokens maps bearer tokens to user names.
	Tokens map[string]string `mapstructure:"tokens"`

	JWT JWTAuthConfig `mapstructure:"jwt"`
}

// JWTAuthConfig represents JWT authentication configuration.
type JWTAuthConfig struct {
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

// CORSConfig represents cross-origin settings for browser clients.
type CORSConfig struct {
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	AllowedMethods   []string      `mapstructure:"allowed_methods"`
	AllowedHeaders   []string      `mapstructure:"allowed_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Namespace string `mapstructure:"namespace"`
}

// HealthConfig represents the gRPC health service.
type HealthConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Interval time.Duration `mapstructure:"interval"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Address:         "0.0.0.0:8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Warehouse: WarehouseConfig{
			Driver:                  pool.DriverDuckDB,
			DSN:                     "promptql.duckdb",
			DefaultDataset:          "shop",
			MaxOpenConnections:      25,
			MaxIdleConnections:      5,
			ConnMaxLifetime:         30 * time.Minute,
			ConnMaxIdleTime:         10 * time.Minute,
			HealthCheckPeriod:       time.Minute,
			ConnectionTimeout:       30 * time.Second,
			CircuitBreaker:          true,
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   30 * time.Second,
			SlowQueryThreshold:      5 * time.Second,
		},
		Budget: BudgetConfig{
			MaxRows:         10000,
			MaxBytesScanned: 10 << 30, // 10GiB
			Timeout:         time.Minute,
		},
		LLM: llm.Config{
			Provider: llm.ProviderNone,
			Model:    "gpt-4o-mini",
			Timeout:  30 * time.Second,
		},
		Session: SessionConfig{
			TTL:             30 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Cache: CacheConfig{
			SchemaTTL:         5 * time.Minute,
			SchemaMaxEntries:  256,
			CompileEnabled:    true,
			CompileMaxEntries: 1024,
			CompileTTL:        10 * time.Minute,
		},
		Audit: AuditConfig{
			Path:           "promptql_audit.db",
			PricePerTiB:    5,
			MinimumBytes:   10 << 20,
			IncrementBytes: 1 << 20,
		},
		Auth: AuthConfig{
			Type: AuthNone,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Address:   ":9090",
			Namespace: "promptql",
		},
		Health: HealthConfig{
			Enabled:  true,
			Address:  ":8001",
			Interval: 10 * time.Second,
		},
	}
}

// SetDefaults registers every default with v so that environment variables
// and config files can override any key.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("warehouse.driver", d.Warehouse.Driver)
	v.SetDefault("warehouse.dsn", d.Warehouse.DSN)
	v.SetDefault("warehouse.default_dataset", d.Warehouse.DefaultDataset)
	v.SetDefault("warehouse.max_open_connections", d.Warehouse.MaxOpenConnections)
	v.SetDefault("warehouse.max_idle_connections", d.Warehouse.MaxIdleConnections)
	v.SetDefault("warehouse.conn_max_lifetime", d.Warehouse.ConnMaxLifetime)
	v.SetDefault("warehouse.conn_max_idle_time", d.Warehouse.ConnMaxIdleTime)
	v.SetDefault("warehouse.health_check_period", d.Warehouse.HealthCheckPeriod)
	v.SetDefault("warehouse.connection_timeout", d.Warehouse.ConnectionTimeout)
	v.SetDefault("warehouse.circuit_breaker", d.Warehouse.CircuitBreaker)
	v.SetDefault("warehouse.circuit_breaker_threshold", d.Warehouse.CircuitBreakerThreshold)
	v.SetDefault("warehouse.circuit_breaker_timeout", d.Warehouse.CircuitBreakerTimeout)
	v.SetDefault("warehouse.slow_query_threshold", d.Warehouse.SlowQueryThreshold)
	v.SetDefault("warehouse.external_access", d.Warehouse.ExternalAccess)

	v.SetDefault("budget.max_rows", d.Budget.MaxRows)
	v.SetDefault("budget.max_bytes_scanned", d.Budget.MaxBytesScanned)
	v.SetDefault("budget.timeout", d.Budget.Timeout)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("llm.system", d.LLM.System)

	v.SetDefault("session.ttl", d.Session.TTL)
	v.SetDefault("session.cleanup_interval", d.Session.CleanupInterval)

	v.SetDefault("cache.schema_ttl", d.Cache.SchemaTTL)
	v.SetDefault("cache.schema_max_entries", d.Cache.SchemaMaxEntries)
	v.SetDefault("cache.compile_enabled", d.Cache.CompileEnabled)
	v.SetDefault("cache.compile_max_entries", d.Cache.CompileMaxEntries)
	v.SetDefault("cache.compile_ttl", d.Cache.CompileTTL)

	v.SetDefault("audit.path", d.Audit.Path)
	v.SetDefault("audit.price_per_tib", d.Audit.PricePerTiB)
	v.SetDefault("audit.minimum_bytes", d.Audit.MinimumBytes)
	v.SetDefault("audit.increment_bytes", d.Audit.IncrementBytes)

	v.SetDefault("auth.type", d.Auth.Type)
	v.SetDefault("auth.jwt.secret", "")
	v.SetDefault("auth.jwt.issuer", "")
	v.SetDefault("auth.jwt.audience", "")

	v.SetDefault("cors.allowed_origins", d.CORS.AllowedOrigins)
	v.SetDefault("cors.allowed_methods", d.CORS.AllowedMethods)
	v.SetDefault("cors.allowed_headers", d.CORS.AllowedHeaders)
	v.SetDefault("cors.allow_credentials", d.CORS.AllowCredentials)
	v.SetDefault("cors.max_age", d.CORS.MaxAge)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	v.SetDefault("health.enabled", d.Health.Enabled)
	v.SetDefault("health.address", d.Health.Address)
	v.SetDefault("health.interval", d.Health.Interval)
}

// Load reads the configuration from v. Keys can be overridden by environment
// variables such as PROMPTQL_WAREHOUSE_DSN. A non-empty configFile is read
// first.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration and fills unset values.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	switch c.Warehouse.Driver {
	case pool.DriverDuckDB:
	case pool.DriverPostgres:
		if c.Warehouse.DSN == "" {
			return fmt.Errorf("warehouse DSN is required for driver %s", c.Warehouse.Driver)
		}
	default:
		return fmt.Errorf("unsupported warehouse driver: %s", c.Warehouse.Driver)
	}
	if c.Warehouse.DefaultDataset != "" && !warehouse.IsDatasetName(c.Warehouse.DefaultDataset) {
		return fmt.Errorf("invalid default dataset: %q", c.Warehouse.DefaultDataset)
	}
	if c.Warehouse.MaxOpenConnections <= 0 {
		c.Warehouse.MaxOpenConnections = 25
	}
	if c.Warehouse.MaxIdleConnections <= 0 {
		c.Warehouse.MaxIdleConnections = 5
	}
	if c.Warehouse.HealthCheckPeriod <= 0 {
		c.Warehouse.HealthCheckPeriod = time.Minute
	}

	if c.Budget.MaxRows < 0 || c.Budget.MaxBytesScanned < 0 || c.Budget.Timeout < 0 {
		return fmt.Errorf("budget limits must not be negative")
	}
	if c.Budget.MaxRows == 0 {
		c.Budget.MaxRows = 10000
	}
	if c.Budget.Timeout == 0 {
		c.Budget.Timeout = time.Minute
	}

	switch strings.ToLower(c.LLM.Provider) {
	case "", llm.ProviderNone:
		c.LLM.Provider = llm.ProviderNone
	case llm.ProviderOpenAI:
		if c.LLM.Model == "" {
			return fmt.Errorf("llm model is required for provider %s", c.LLM.Provider)
		}
	default:
		return fmt.Errorf("unsupported llm provider: %s", c.LLM.Provider)
	}

	if c.Session.TTL > 0 && c.Session.CleanupInterval <= 0 {
		c.Session.CleanupInterval = time.Minute
	}

	if c.Audit.PricePerTiB < 0 {
		return fmt.Errorf("audit price per TiB must not be negative")
	}
	if c.Audit.Path == "" {
		c.Audit.Path = ":memory:"
	}

	switch c.Auth.Type {
	case "", AuthNone:
		c.Auth.Type = AuthNone
	case AuthBearer:
		if len(c.Auth.Tokens) == 0 {
			return fmt.Errorf("bearer auth requires tokens")
		}
	case AuthJWT:
		if c.Auth.JWT.Secret == "" {
			return fmt.Errorf("JWT auth requires secret")
		}
	default:
		return fmt.Errorf("unsupported auth type: %s", c.Auth.Type)
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "promptql"
	}
	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health address is required when the health service is enabled")
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = 10 * time.Second
	}

	return nil
}

// PoolConfig returns the warehouse pool configuration.
func (c *Config) PoolConfig() pool.Config {
	w := c.Warehouse
	return pool.Config{
		Driver:                  w.Driver,
		DSN:                     w.DSN,
		MaxOpenConnections:      w.MaxOpenConnections,
		MaxIdleConnections:      w.MaxIdleConnections,
		ConnMaxLifetime:         w.ConnMaxLifetime,
		ConnMaxIdleTime:         w.ConnMaxIdleTime,
		HealthCheckPeriod:       w.HealthCheckPeriod,
		ConnectionTimeout:       w.ConnectionTimeout,
		EnableCircuitBreaker:    w.CircuitBreaker,
		CircuitBreakerThreshold: w.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   w.CircuitBreakerTimeout,
		EnableSlowQueryLogging:  w.SlowQueryThreshold > 0,
		SlowQueryThreshold:      w.SlowQueryThreshold,
		ExternalAccess:          w.ExternalAccess,
	}
}

// DefaultBudget returns the configured default execution budget.
func (c *Config) DefaultBudget() models.ExecutionBudget {
	return models.ExecutionBudget{
		MaxRows:         c.Budget.MaxRows,
		MaxBytesScanned: c.Budget.MaxBytesScanned,
		Timeout:         c.Budget.Timeout,
	}
}

// SchemaCache returns the schema cache configuration.
func (c *Config) SchemaCache() *cache.Config {
	return cache.DefaultConfig().WithMaxEntries(c.Cache.SchemaMaxEntries).WithTTL(c.Cache.SchemaTTL)
}

// CompileCache returns the compile cache configuration, or nil when disabled.
func (c *Config) CompileCache() *cache.Config {
	if !c.Cache.CompileEnabled {
		return nil
	}
	return cache.DefaultConfig().WithMaxEntries(c.Cache.CompileMaxEntries).WithTTL(c.Cache.CompileTTL)
}
