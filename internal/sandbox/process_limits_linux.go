//go:build linux

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var linuxRlimitResources = map[string]int{
	"RLIMIT_AS":    unix.RLIMIT_AS,
	"RLIMIT_CPU":   unix.RLIMIT_CPU,
	"RLIMIT_NPROC": unix.RLIMIT_NPROC,
	"RLIMIT_FSIZE": unix.RLIMIT_FSIZE,
	"RLIMIT_CORE":  unix.RLIMIT_CORE,
}

// applyProcessRlimits pins kernel resource limits on a just-started child.
// The window between fork and prlimit is bounded by interpreter startup, well
// before any artifact code runs.
func applyProcessRlimits(pid int, limits ResourceLimits) error {
	for _, rl := range processRlimits(limits) {
		resource, ok := linuxRlimitResources[rl.name]
		if !ok {
			return fmt.Errorf("unknown rlimit %s", rl.name)
		}
		lim := unix.Rlimit{Cur: rl.value, Max: rl.value}
		if err := unix.Prlimit(pid, resource, &lim, nil); err != nil {
			return fmt.Errorf("setting %s: %w", rl.name, err)
		}
	}
	return nil
}
