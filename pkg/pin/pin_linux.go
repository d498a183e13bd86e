//go:build linux

// Package pin pins the calling goroutine's OS thread to a specific CPU
// core, the mechanism behind "pinned one-per-core" scheduling: the
// weighted fair scheduler's single task and each reclamation worker are
// meant to run on a dedicated core rather than float across the
// scheduler's runqueue.
package pin

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// ToCore locks the calling goroutine to its current OS thread, then pins
// that thread's affinity to core. Callers must invoke ToCore from the
// goroutine that is to be pinned, before doing any latency-sensitive
// work, since LockOSThread only takes effect for the calling goroutine.
func ToCore(core int) error {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pin: sched_setaffinity core %d: %w", core, err)
	}
	return nil
}
