//go:build !linux

package sandbox

// Non-Linux hosts have no prlimit syscall; the wall-clock kill and scrubbed
// environment still apply.
func applyProcessRlimits(pid int, limits ResourceLimits) error {
	return nil
}
