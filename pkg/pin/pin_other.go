//go:build !linux

package pin

import "runtime"

// ToCore locks the calling goroutine to its current OS thread. CPU
// affinity pinning (sched_setaffinity) is Linux-only; on other platforms
// this is a no-op beyond the thread lock, which is as close to
// "pinned one-per-core" as those platforms allow.
func ToCore(core int) error {
	runtime.LockOSThread()
	return nil
}
