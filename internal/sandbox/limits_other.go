//go:build !linux

package sandbox

// applyLimits is a no-op where prlimit(2) does not exist; only the wall-clock
// timeout bounds the child there.
func applyLimits(int, ResourceLimits) error { return nil }

const limitsEnforced = false
