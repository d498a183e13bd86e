package reclaim

import (
	"runtime"

	"github.com/pbnjay/memory"
)

// HostMemStat is a MemStat backed by the host's total system memory,
// standing in for the per-cgroup page_counter when the controller runs
// outside a memory cgroup (bare-metal / non-containerized mode). Max
// reports pbnjay/memory's host-wide total; Usage is approximated from the
// Go runtime's own reported system memory, since there is no
// container-scoped charge counter to read from in that mode.
type HostMemStat struct {
	pageSize uint64
}

// NewHostMemStat returns a HostMemStat reporting Max/Usage in units of
// pageSize bytes (chunktable.PageSize if pageSize == 0).
func NewHostMemStat(pageSize uint64) *HostMemStat {
	if pageSize == 0 {
		pageSize = 4096
	}
	return &HostMemStat{pageSize: pageSize}
}

// Max returns the host's total physical memory, in pages.
func (h *HostMemStat) Max() uint64 {
	return memory.TotalMemory() / h.pageSize
}

// Usage returns the Go runtime's reported system memory footprint, in
// pages, as a bare-metal proxy for the cgroup's current charge.
func (h *HostMemStat) Usage() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys / h.pageSize
}
