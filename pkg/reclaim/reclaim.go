// Package reclaim implements the per-cgroup adaptive reclamation
// control loop: throughput EWMA, refault-distance tracking, the
// low/high watermark pair, and the worker-count derivation that drives
// how many reclaim workers run on pinned cores.
package reclaim

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/coldmem/farswap/pkg/control"
	"github.com/coldmem/farswap/pkg/pin"
	"github.com/coldmem/farswap/pkg/rtime"
)

// Control-loop tunables.
const (
	Alpha = 128
	Beta  = 16
	Gamma = 2000

	// UpdatePeriodMicros throttles high/low watermark recomputation to
	// once per this many microseconds of sampled wall time.
	UpdatePeriodMicros = 1000

	// MemcgChargeBatch is the page count each reclaim work item frees
	// per call into the page reclaimer, matching the kernel's
	// MEMCG_CHARGE_BATCH.
	MemcgChargeBatch = 32

	// MaxWorkers bounds the per-worker slot arrays (running, cores).
	MaxWorkers = 32
)

// Mode selects the worker-count derivation policy.
type Mode int

const (
	// ModeAdaptive is the feedback-driven policy.
	ModeAdaptive Mode = iota
	// ModeAggressive simulates an all-or-nothing policy: every worker
	// or none, keyed on a fixed low-memory threshold.
	ModeAggressive
	// ModeMinimal simulates a single-worker fallback policy.
	ModeMinimal
)

// MemStat is the pluggable reader of a cgroup's memory limit and
// current usage, standing in for the kernel's memcg page_counter. A
// real deployment backs this with cgroup v1/v2 accounting files; tests
// and a bare-metal fallback can use an in-memory or host-wide reader.
type MemStat interface {
	// Max returns the memory limit, in pages.
	Max() uint64
	// Usage returns current memory usage, in pages.
	Usage() uint64
}

// PageReclaimer is the pluggable reclaim primitive a worker calls to
// actually free pages, standing in for the kernel's
// try_to_free_cgroup_pages. It is expected to block for the duration of
// the reclaim attempt.
type PageReclaimer interface {
	ReclaimPages(ctx context.Context, n uint64) (reclaimed uint64, err error)
}

// swoutDuration accumulates the master worker's reclaim call durations,
// giving both an average call latency and a throughput figure.
type swoutDuration struct {
	nrPages atomic.Uint64
	total   atomic.Uint64 // cycles
	count   atomic.Uint64
}

func (d *swoutDuration) record(pages uint64, cycles uint64) (totalPages, totalCycles uint64) {
	totalPages = d.nrPages.Add(pages)
	totalCycles = d.total.Add(cycles)
	d.count.Add(1)
	return
}

func (d *swoutDuration) avg() uint64 {
	cnt := d.count.Load()
	if cnt == 0 {
		return 0
	}
	return d.total.Load() / cnt
}

// refaultDist tracks the running total/count of reported refault
// distances, plus the previous window's average. The read of
// total/count and the reset that follows are not atomic with each
// other: under a heavy refault rate a sample landing between the read
// and the reset can be double-charged into the next window. Deliberate;
// see the Open Questions section of DESIGN.md.
type refaultDist struct {
	total atomic.Int64
	count atomic.Int32
	prev  atomic.Int64
}

// Report records one observed refault distance.
func (r *refaultDist) Report(distance int64) {
	r.total.Add(distance)
	r.count.Add(1)
}

// SwapControl is the per-cgroup controller state. Mutations to the
// windowed samples and watermark happen only while holding mu, which
// stands in for an irq-safe spinlock: holders must not log or sleep
// while it is held.
type SwapControl struct {
	mu sync.Mutex

	sthdCnt       atomic.Int32
	activeSthdCnt atomic.Int32

	swinTS      [2]uint64
	nrPgCharged [2]uint64

	swinThroughput  rtime.EWMAMax
	swoutThroughput atomic.Uint64

	swoutDur swoutDuration
	refault  refaultDist

	lowWatermark atomic.Int64

	stop     atomic.Bool
	masterUp atomic.Bool

	mem MemStat

	running [MaxWorkers]bool
	cores   [MaxWorkers]int
}

// New returns a SwapControl for the given memory-stat source, with
// master_up set.
func New(mem MemStat) *SwapControl {
	sc := &SwapControl{mem: mem}
	sc.masterUp.Store(true)
	for i := range sc.cores {
		sc.cores[i] = -1
	}
	return sc
}

// SetCores configures the sthd_cores[] table: worker id i pins itself
// to cores[i] if present and non-negative, before entering its reclaim
// loop. Workers beyond len(cores) remain unpinned.
func (sc *SwapControl) SetCores(cores []int) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for i := range sc.cores {
		sc.cores[i] = -1
	}
	for i, c := range cores {
		if i >= MaxWorkers {
			break
		}
		sc.cores[i] = c
	}
}

// ChargeCounter is a monotonically increasing count of pages charged to
// the cgroup, fed by whatever charge path hosts the controller.
type ChargeCounter interface {
	Load() uint64
}

// AtomicChargeCounter is a trivial ChargeCounter backed by an atomic
// counter.
type AtomicChargeCounter struct{ v atomic.Uint64 }

func (c *AtomicChargeCounter) Add(n uint64) { c.v.Add(n) }
func (c *AtomicChargeCounter) Load() uint64 { return c.v.Load() }

// Sample runs one trylock-gated sampling step: the first call just
// latches a baseline; later
// calls throttle to once per UpdatePeriodMicros, then run the
// high-watermark and low-watermark updates. Returns false if the
// attempt was skipped (lock contended, too-early, or first sample).
func (sc *SwapControl) Sample(charged ChargeCounter) bool {
	if !sc.mu.TryLock() {
		return false
	}
	defer sc.mu.Unlock()

	now := rtime.NowCycles()
	if sc.swinTS[0] == 0 {
		sc.swinTS[0] = now
		sc.nrPgCharged[0] = charged.Load()
		return false
	}

	sc.swinTS[1] = now
	elapsed := sc.swinTS[1] - sc.swinTS[0]
	if elapsed < UpdatePeriodMicros*rtime.CPUFreqMHz {
		return false
	}

	sc.nrPgCharged[1] = charged.Load()
	sc.updateHighWatermarkLocked()
	sc.updateLowWatermarkLocked()
	return true
}

// updateHighWatermarkLocked folds the observed swin throughput into the
// EWMA-max and shifts the sample window forward. Callers must hold mu.
func (sc *SwapControl) updateHighWatermarkLocked() {
	chargeDelta := sc.nrPgCharged[1] - sc.nrPgCharged[0]
	cycleDelta := sc.swinTS[1] - sc.swinTS[0]
	sc.swinThroughput.Observe(rtime.Throughput(chargeDelta, cycleDelta))

	sc.swinTS[0] = sc.swinTS[1]
	sc.nrPgCharged[0] = sc.nrPgCharged[1]
}

// updateLowWatermarkLocked folds the window's average refault distance
// into the low watermark, with a non-atomic read-then-reset of the
// refault counters. Callers must hold mu.
func (sc *SwapControl) updateLowWatermarkLocked() {
	cnt := sc.refault.count.Load()
	if cnt == 0 {
		return
	}
	total := sc.refault.total.Load()
	avgDist := total / int64(cnt)
	step := int64(sc.mem.Usage()) / Gamma

	if sc.refault.prev.Load() <= avgDist {
		sc.lowWatermark.Add(step)
	} else {
		sc.lowWatermark.Store(0)
	}
	sc.refault.prev.Store(avgDist)
	sc.refault.total.Store(0)
	sc.refault.count.Store(0)
}

// ReportRefault records one observed refault distance.
func (sc *SwapControl) ReportRefault(distance int64) { sc.refault.Report(distance) }

// LowWatermark returns the current stored low watermark, in pages.
func (sc *SwapControl) LowWatermark() int64 { return sc.lowWatermark.Load() }

// SwinThroughput returns the stored swap-in throughput EWMA-max,
// pages/sec.
func (sc *SwapControl) SwinThroughput() uint64 { return sc.swinThroughput.Value() }

// SwoutThroughput returns the current swap-out throughput, pages/sec.
func (sc *SwapControl) SwoutThroughput() uint64 { return sc.swoutThroughput.Load() }

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GetSthdCnt derives the target worker count for the cgroup under the
// given mode.
func (sc *SwapControl) GetSthdCnt(mode Mode, maxThdCnt int) int {
	avail := int64(sc.mem.Max()) - int64(sc.mem.Usage())

	switch mode {
	case ModeAdaptive:
		swin := sc.swinThroughput.Value()
		swout := sc.swoutThroughput.Load()
		if swin == 0 || swout == 0 {
			return 0
		}
		intensity := int(swin / swout)
		maxThd := maxThdCnt
		if intensity < maxThd {
			maxThd = intensity
		}
		high := int64(maxThd) * Alpha
		low := high * Beta
		sc.mu.Lock()
		if stored := sc.lowWatermark.Load(); stored > low {
			low = stored
		} else {
			sc.lowWatermark.Store(low)
		}
		sc.mu.Unlock()

		switch {
		case avail > low:
			return 0
		case avail >= high:
			return 1
		default:
			thdCnt := int((high - avail) / Alpha)
			return clampInt(thdCnt, 1, maxThdCnt)
		}

	case ModeAggressive:
		if avail < 2048 {
			return maxThdCnt
		}
		return 0

	default: // ModeMinimal
		if avail < 2048 {
			return 1
		}
		return 0
	}
}

// SetTarget sets sthd_cnt under the control lock, matching the
// "Dispatch" step's `sthd_cnt := N`. It does not itself spawn workers;
// call EnsureWorkers to do that.
func (sc *SwapControl) SetTarget(n int) {
	sc.mu.Lock()
	sc.sthdCnt.Store(int32(n))
	sc.mu.Unlock()
}

// Target returns the current target worker count.
func (sc *SwapControl) Target() int32 { return sc.sthdCnt.Load() }

// ActiveWorkers returns the number of workers currently in their
// critical section.
func (sc *SwapControl) ActiveWorkers() int32 { return sc.activeSthdCnt.Load() }

// Stop requests all workers to exit and spins until active_sthd_cnt
// reaches zero.
func (sc *SwapControl) Stop() {
	sc.stop.Store(true)
	for sc.activeSthdCnt.Load() != 0 {
		runtime.Gosched()
	}
}

// EnsureWorkers sets the target worker count to n and spawns any worker
// goroutines not already running, up to n (capped at MaxWorkers). Each
// worker re-reads the target every iteration and exits once its id is
// no longer active. The self-feeding repost chain is expressed as a
// loop, since a goroutine needs no external rescheduling to continue.
func (sc *SwapControl) EnsureWorkers(ctx context.Context, n int, reclaimer PageReclaimer) error {
	if n > MaxWorkers {
		return fmt.Errorf("reclaim: worker count %d exceeds MaxWorkers=%d", n, MaxWorkers)
	}

	sc.mu.Lock()
	sc.sthdCnt.Store(int32(n))
	var toStart []int
	for id := 0; id < n; id++ {
		if !sc.running[id] {
			sc.running[id] = true
			toStart = append(toStart, id)
		}
	}
	sc.mu.Unlock()

	for _, id := range toStart {
		go sc.worker(ctx, id, reclaimer)
	}
	return nil
}

// worker is one reclaim work item's lifetime: it re-checks sthd_cnt
// before and after every reclaim call, only the master (id==0) folds
// its result into swout_duration/swout_throughput, and it exits rather
// than re-posting once its id falls out of range.
func (sc *SwapControl) worker(ctx context.Context, id int, reclaimer PageReclaimer) {
	sc.activeSthdCnt.Add(1)
	defer sc.activeSthdCnt.Add(-1)
	defer func() {
		sc.mu.Lock()
		sc.running[id] = false
		sc.mu.Unlock()
	}()

	if id < MaxWorkers {
		sc.mu.Lock()
		core := sc.cores[id]
		sc.mu.Unlock()
		if core >= 0 {
			_ = pin.ToCore(core)
		}
	}

	for {
		if sc.stop.Load() || int32(id) >= sc.sthdCnt.Load() {
			return
		}

		start := rtime.NowCycles()
		reclaimed, err := reclaimer.ReclaimPages(ctx, MemcgChargeBatch)
		dur := rtime.NowCycles() - start

		if err != nil {
			return
		}

		if id == 0 {
			totalPages, totalCycles := sc.swoutDur.record(reclaimed, dur)
			sc.swoutThroughput.Store(rtime.Throughput(totalPages, totalCycles))
		}

		if sc.stop.Load() || int32(id) >= sc.sthdCnt.Load() {
			return
		}
		runtime.Gosched()
	}
}

// SpecIO is the speculative-I/O admission controller: a best-effort
// early load issued before full PTE resolution, gated by a rolling
// failure rate and periodically reset.
type SpecIO struct {
	nrSwapin atomic.Uint64
	nrTrial  atomic.Uint64
	nrFail   atomic.Uint64
	enabled  atomic.Bool

	flags *control.Surface
}

const (
	resetPeriod   = 10_000_000
	profilePeriod = 100_000
	frFactor      = 100_000
	frThresh      = frFactor * 1 / 100 // 1% failure rate
)

// NewSpecIO returns a SpecIO reading its master on/off switch from
// flags' SpeculativeIO flag, initially enabled.
func NewSpecIO(flags *control.Surface) *SpecIO {
	s := &SpecIO{flags: flags}
	s.enabled.Store(true)
	return s
}

// OnSwapin must be called once per swap-in. Every resetPeriod swapins,
// it resets the fail/trial/swapin counters and re-enables speculation
// if the master flag is on. The fetch-add guarantees exactly one
// goroutine observes the exact boundary value, so only one thread ever
// performs the reset.
func (s *SpecIO) OnSwapin() {
	n := s.nrSwapin.Add(1)
	if n == resetPeriod {
		s.nrSwapin.Store(0)
		s.nrTrial.Store(0)
		s.nrFail.Store(0)
		if s.flags == nil || s.flags.GetFlag(control.SpeculativeIO) {
			s.enabled.Store(true)
		}
	}
}

// RecordTrial records one speculative-load attempt's outcome. Every
// profilePeriod trials (the fetch-add picks exactly one goroutine per
// boundary), it computes the cumulative failure rate and disables
// speculation if it exceeds 1%.
func (s *SpecIO) RecordTrial(success bool) {
	n := s.nrTrial.Add(1)
	if !success {
		s.nrFail.Add(1)
	}
	if n%profilePeriod == 0 {
		failureRate := frFactor * s.nrFail.Load() / n
		if failureRate > frThresh {
			s.enabled.Store(false)
		}
	}
}

// Enabled reports whether speculative I/O is currently admitted.
func (s *SpecIO) Enabled() bool { return s.enabled.Load() }
