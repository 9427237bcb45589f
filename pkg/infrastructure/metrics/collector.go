// Package metrics provides metrics collection for the pipeline service.
package metrics

import (
	"time"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncrementCounter increments a counter metric.
	IncrementCounter(name string, labels ...string)

	// RecordHistogram records a value in a histogram metric.
	RecordHistogram(name string, value float64, labels ...string)

	// RecordGauge records a gauge metric value.
	RecordGauge(name string, value float64, labels ...string)

	// StartTimer starts a timer for measuring duration.
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	// Stop stops the timer and returns the duration in seconds.
	Stop() float64
}

// NoOpCollector is a no-op implementation of Collector.
type NoOpCollector struct{}

// NewNoOpCollector creates a new no-op collector.
func NewNoOpCollector() Collector {
	return &NoOpCollector{}
}

// IncrementCounter does nothing.
func (n *NoOpCollector) IncrementCounter(name string, labels ...string) {}

// RecordHistogram does nothing.
func (n *NoOpCollector) RecordHistogram(name string, value float64, labels ...string) {}

// RecordGauge does nothing.
func (n *NoOpCollector) RecordGauge(name string, value float64, labels ...string) {}

// StartTimer returns a timer that only measures elapsed time.
func (n *NoOpCollector) StartTimer(name string) Timer {
	return &noOpTimer{start: time.Now()}
}

type noOpTimer struct {
	start time.Time
}

// Stop returns the elapsed time in seconds.
func (t *noOpTimer) Stop() float64 {
	return time.Since(t.start).Seconds()
}

// PoolCollector reports connection pool events through a Collector.
type PoolCollector struct {
	Collector Collector
}

// RecordConnectionAcquisition records how long a connection lease took.
func (p PoolCollector) RecordConnectionAcquisition(d time.Duration) {
	p.Collector.RecordHistogram("pool_acquire_seconds", d.Seconds())
}

// UpdateActiveConnections records the number of leased connections.
func (p PoolCollector) UpdateActiveConnections(n int) {
	p.Collector.RecordGauge("pool_active_leases", float64(n))
}

// IncrementCircuitBreakerTrip counts circuit breaker openings.
func (p PoolCollector) IncrementCircuitBreakerTrip() {
	p.Collector.IncrementCounter("pool_circuit_breaker_trips_total")
}
