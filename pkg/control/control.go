// Package control implements the debug-filesystem-style control
// surface: the ten boolean runtime flags and two integer variables read
// on the hot path via relaxed atomic loads, plus the two privileged
// status/reset operations exposed to userspace.
package control

import (
	"fmt"
	"sync/atomic"
)

// Flag identifies one of the ten boolean runtime flags, in the order a
// debugfs-style directory would list them.
type Flag int

const (
	BypassSwapcache Flag = iota
	BatchSwapout
	BatchTLB
	BatchIO
	BatchAccount
	VaddrSwapout
	SpeculativeIO
	SpeculativeLock
	LazyPoll
	AptReclaim

	numFlags = int(AptReclaim) + 1
)

func (f Flag) String() string {
	switch f {
	case BypassSwapcache:
		return "bypass_swapcache"
	case BatchSwapout:
		return "batch_swapout"
	case BatchTLB:
		return "batch_tlb"
	case BatchIO:
		return "batch_io"
	case BatchAccount:
		return "batch_account"
	case VaddrSwapout:
		return "vaddr_swapout"
	case SpeculativeIO:
		return "speculative_io"
	case SpeculativeLock:
		return "speculative_lock"
	case LazyPoll:
		return "lazy_poll"
	case AptReclaim:
		return "apt_reclaim"
	default:
		return fmt.Sprintf("Flag(%d)", int(f))
	}
}

// FlagByName resolves a debugfs-style entry name to its Flag, for
// config surfaces that address flags by name rather than index.
func FlagByName(name string) (Flag, bool) {
	for f := BypassSwapcache; f <= AptReclaim; f++ {
		if f.String() == name {
			return f, true
		}
	}
	return 0, false
}

// Var identifies one of the two integer control variables.
type Var int

const (
	SthdCnt Var = iota
	ReclaimMode
)

func (v Var) String() string {
	if v == ReclaimMode {
		return "reclaim_mode"
	}
	return "sthd_cnt"
}

// VarByName resolves a debugfs-style entry name to its Var.
func VarByName(name string) (Var, bool) {
	switch name {
	case "sthd_cnt":
		return SthdCnt, true
	case "reclaim_mode":
		return ReclaimMode, true
	}
	return 0, false
}

// Surface is the control-surface state: flags and variables, plus the
// stats counters reset_swap_stats/get_swap_stats operate on. All
// default false/zero except SthdCnt (16).
type Surface struct {
	flags       [numFlags]atomic.Bool
	sthdCnt     atomic.Int64
	reclaimMode atomic.Int64

	ondemandSwapin atomic.Int64
	prefetchSwapin atomic.Int64
	hitOnPrefetch  atomic.Int64
}

// New returns a Surface with all flags false, sthd_cnt=16,
// reclaim_mode=0.
func New() *Surface {
	s := &Surface{}
	s.sthdCnt.Store(16)
	return s
}

// GetFlag reads a boolean flag with relaxed-load semantics (a plain
// atomic load; there is no ordering requirement against other state).
func (s *Surface) GetFlag(f Flag) bool { return s.flags[f].Load() }

// SetFlag writes a boolean flag.
func (s *Surface) SetFlag(f Flag, v bool) { s.flags[f].Store(v) }

// GetVar reads an integer control variable.
func (s *Surface) GetVar(v Var) int64 {
	if v == ReclaimMode {
		return s.reclaimMode.Load()
	}
	return s.sthdCnt.Load()
}

// SetVar writes an integer control variable after checking its
// documented range: sthd_cnt in [1,32], reclaim_mode in {0,1,2}. An
// out-of-range value is rejected with an error and not stored.
func (s *Surface) SetVar(v Var, val int64) error {
	switch v {
	case SthdCnt:
		if val < 1 || val > 32 {
			return fmt.Errorf("control: sthd_cnt %d out of range [1,32]", val)
		}
		s.sthdCnt.Store(val)
	case ReclaimMode:
		if val < 0 || val > 2 {
			return fmt.Errorf("control: reclaim_mode %d out of range {0,1,2}", val)
		}
		s.reclaimMode.Store(val)
	default:
		return fmt.Errorf("control: unknown variable %d", v)
	}
	return nil
}

// RecordOndemandSwapin increments the on-demand swap-in counter.
func (s *Surface) RecordOndemandSwapin() { s.ondemandSwapin.Add(1) }

// RecordPrefetchSwapin increments the prefetch swap-in counter.
func (s *Surface) RecordPrefetchSwapin() { s.prefetchSwapin.Add(1) }

// RecordHitOnPrefetch increments the prefetch-hit counter.
func (s *Surface) RecordHitOnPrefetch() { s.hitOnPrefetch.Add(1) }

// SwapStats is the triple get_swap_stats writes to its output
// parameters.
type SwapStats struct {
	OndemandSwapinCount int64
	PrefetchSwapinCount int64
	HitOnPrefetchCount  int64
}

// GetSwapStats returns the current counter snapshot. Always succeeds,
// matching the privileged entry point's contract.
func (s *Surface) GetSwapStats() SwapStats {
	return SwapStats{
		OndemandSwapinCount: s.ondemandSwapin.Load(),
		PrefetchSwapinCount: s.prefetchSwapin.Load(),
		HitOnPrefetchCount:  s.hitOnPrefetch.Load(),
	}
}

// ResetSwapStats zeroes all counters. Always succeeds.
func (s *Surface) ResetSwapStats() {
	s.ondemandSwapin.Store(0)
	s.prefetchSwapin.Store(0)
	s.hitOnPrefetch.Store(0)
}
