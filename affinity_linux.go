//go:build linux

package steerd

import "golang.org/x/sys/unix"

// pinThread binds the calling OS thread to a single CPU. The caller must
// hold runtime.LockOSThread. A negative core disables pinning.
func pinThread(core int) error {
	if core < 0 {
		return nil
	}

	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
