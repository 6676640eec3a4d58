//go:build !linux

package steerd

// pinThread is a no-op where thread affinity is unsupported; the worker
// still runs on a locked OS thread, it just floats between CPUs.
func pinThread(core int) error {
	return nil
}
