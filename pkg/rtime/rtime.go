// Package rtime provides the cycle-accurate timestamp and accumulated-time
// statistics primitives used throughout the paging core. Every other
// package treats time as cycles, not wall clock, so that throughput and
// duration arithmetic survives being moved between cgroups, goroutines, or
// (in tests) a fake clock.
package rtime

import (
	"sync/atomic"
	"time"
)

// CPUFreqMHz is the nominal core frequency used to convert between cycles
// and microseconds. It is a var, not a const, so tests and unusual
// deployments can override it without rebuilding.
var CPUFreqMHz uint64 = 2100

// nowCycles is the clock source behind NowCycles, kept in a package
// variable so it can be replaced.
var nowCycles = defaultNowCycles

func defaultNowCycles() uint64 {
	ns := uint64(time.Now().UnixNano())
	return ns/1000*CPUFreqMHz + ns%1000*CPUFreqMHz/1000
}

// NowCycles returns a monotonically increasing cycle count, the
// userspace analogue of the kernel's cycle counter read.
func NowCycles() uint64 {
	return nowCycles()
}

// CyclesToMicros converts a cycle delta to microseconds using CPUFreqMHz.
func CyclesToMicros(cycles uint64) uint64 {
	if CPUFreqMHz == 0 {
		return 0
	}
	return cycles / CPUFreqMHz
}

// MicrosToCycles converts microseconds to a cycle count.
func MicrosToCycles(micros uint64) uint64 {
	return micros * CPUFreqMHz
}

// Counter is an atomic, relaxed-ordering counter, used for the
// demand/prefetch/hit-on-cache style bookkeeping in the control surface.
type Counter struct {
	v atomic.Int64
}

// Add increments the counter by delta (which may be negative) and returns
// the new value.
func (c *Counter) Add(delta int64) int64 { return c.v.Add(delta) }

// Inc increments the counter by one.
func (c *Counter) Inc() { c.v.Add(1) }

// Load returns the current value.
func (c *Counter) Load() int64 { return c.v.Load() }

// Reset zeroes the counter, returning the value it held.
func (c *Counter) Reset() int64 { return c.v.Swap(0) }

// AccumStat tracks an accumulated value and a sample count, giving a
// running, zero-count-tolerant average.
type AccumStat struct {
	total atomic.Int64
	count atomic.Int64
}

// Add records one more sample with the given value.
func (s *AccumStat) Add(value int64) {
	s.total.Add(value)
	s.count.Add(1)
}

// Reset zeroes both accumulators.
func (s *AccumStat) Reset() {
	s.total.Store(0)
	s.count.Store(0)
}

// Avg returns total/count, or 0 if no samples were recorded.
func (s *AccumStat) Avg() int64 {
	cnt := s.count.Load()
	if cnt == 0 {
		return 0
	}
	return s.total.Load() / cnt
}

// Count returns the number of recorded samples.
func (s *AccumStat) Count() int64 { return s.count.Load() }

// Total returns the raw accumulated total.
func (s *AccumStat) Total() int64 { return s.total.Load() }

// EWMAMax tracks the running maximum of observed samples within an
// update epoch, then allows the caller to shift the window forward. This
// is the "stored := max(stored, observed)" pattern used for
// swin_throughput; not a true exponential moving average, a max-hold.
type EWMAMax struct {
	v atomic.Uint64
}

// Observe folds a new sample into the running maximum.
func (e *EWMAMax) Observe(sample uint64) {
	for {
		cur := e.v.Load()
		if sample <= cur {
			return
		}
		if e.v.CompareAndSwap(cur, sample) {
			return
		}
	}
}

// Value returns the current maximum.
func (e *EWMAMax) Value() uint64 { return e.v.Load() }

// Reset zeroes the running maximum, returning the value it held.
func (e *EWMAMax) Reset() uint64 { return e.v.Swap(0) }

// Throughput computes pages/sec given a page delta and a cycle delta.
// Returns 0 if the cycle delta is zero (first sample, or clock skew in a
// test fake).
func Throughput(pages, cycleDelta uint64) uint64 {
	if cycleDelta == 0 || CPUFreqMHz == 0 {
		return 0
	}
	return pages * 1_000_000 * CPUFreqMHz / cycleDelta
}
