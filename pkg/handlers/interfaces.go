// Package handlers contains the HTTP API handlers.
package handlers

import (
	"github.com/TFMV/promptql/pkg/infrastructure/pool"
)

// WarehouseStatus reports the state of the warehouse pool.
type WarehouseStatus interface {
	// Healthy reports the outcome of the last health check.
	Healthy() bool

	// Driver returns the warehouse driver name.
	Driver() string

	// Stats returns pool statistics.
	Stats() pool.PoolStats
}

// Logger defines the logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// MetricsCollector defines the metrics interface.
type MetricsCollector interface {
	IncrementCounter(name string, tags ...string)
	RecordHistogram(name string, value float64, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	Stop()
}
