//go:build linux

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applyLimits sets rlimits on a started child. Limits can only be lowered, so a
// child that already exceeds one fails its next allocation rather than starting.
func applyLimits(pid int, limits ResourceLimits) error {
	set := func(resource int, name string, value uint64) error {
		lim := unix.Rlimit{Cur: value, Max: value}
		if err := unix.Prlimit(pid, resource, &lim, nil); err != nil {
			return fmt.Errorf("setting %s on pid %d: %w", name, pid, err)
		}
		return nil
	}

	if limits.MemoryBytes > 0 {
		if err := set(unix.RLIMIT_AS, "RLIMIT_AS", uint64(limits.MemoryBytes)); err != nil {
			return err
		}
	}
	if limits.CPUSeconds > 0 {
		if err := set(unix.RLIMIT_CPU, "RLIMIT_CPU", limits.CPUSeconds); err != nil {
			return err
		}
	}
	if limits.FileSizeBytes > 0 {
		if err := set(unix.RLIMIT_FSIZE, "RLIMIT_FSIZE", limits.FileSizeBytes); err != nil {
			return err
		}
	}
	if limits.OpenFiles > 0 {
		if err := set(unix.RLIMIT_NOFILE, "RLIMIT_NOFILE", limits.OpenFiles); err != nil {
			return err
		}
	}
	return set(unix.RLIMIT_CORE, "RLIMIT_CORE", 0)
}

const limitsEnforced = true
