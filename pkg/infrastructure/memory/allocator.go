// Package memory tracks Arrow buffer usage while query results are materialized.
package memory

import (
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Stats is a snapshot of allocator usage.
type Stats struct {
	BytesInUse  int64 `json:"bytes_in_use"`
	PeakBytes   int64 `json:"peak_bytes"`
	Allocations int64 `json:"allocations"`
}

// TrackedAllocator wraps a memory.Allocator and tracks the bytes held by
// record batches that have not been released yet.
type TrackedAllocator struct {
	underlying  memory.Allocator
	bytesUsed   atomic.Int64
	peak        atomic.Int64
	allocations atomic.Int64
}

// NewTrackedAllocator creates a new TrackedAllocator. A nil underlying
// allocator defaults to the Go allocator.
func NewTrackedAllocator(underlying memory.Allocator) *TrackedAllocator {
	if underlying == nil {
		underlying = memory.NewGoAllocator()
	}
	return &TrackedAllocator{
		underlying: underlying,
	}
}

// Allocate implements memory.Allocator.
func (a *TrackedAllocator) Allocate(size int) []byte {
	a.allocations.Add(1)
	a.grow(int64(size))
	return a.underlying.Allocate(size)
}

// Reallocate implements memory.Allocator.
func (a *TrackedAllocator) Reallocate(size int, b []byte) []byte {
	a.grow(int64(size - len(b)))
	return a.underlying.Reallocate(size, b)
}

// Free implements memory.Allocator.
func (a *TrackedAllocator) Free(b []byte) {
	a.bytesUsed.Add(-int64(len(b)))
	a.underlying.Free(b)
}

func (a *TrackedAllocator) grow(delta int64) {
	used := a.bytesUsed.Add(delta)
	for {
		peak := a.peak.Load()
		if used <= peak || a.peak.CompareAndSwap(peak, used) {
			return
		}
	}
}

// BytesUsed returns the current number of bytes allocated.
func (a *TrackedAllocator) BytesUsed() int64 {
	return a.bytesUsed.Load()
}

// Stats returns a snapshot of usage.
func (a *TrackedAllocator) Stats() Stats {
	return Stats{
		BytesInUse:  a.bytesUsed.Load(),
		PeakBytes:   a.peak.Load(),
		Allocations: a.allocations.Load(),
	}
}
