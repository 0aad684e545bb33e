package sandbox

import (
	"fmt"
)

// ResourceLimits are the rlimits applied to a sandboxed child. Zero means unlimited.
type ResourceLimits struct {
	MemoryBytes   int64  `json:"memory_bytes"`    // RLIMIT_AS
	CPUSeconds    uint64 `json:"cpu_seconds"`     // RLIMIT_CPU
	FileSizeBytes uint64 `json:"file_size_bytes"` // RLIMIT_FSIZE
	OpenFiles     uint64 `json:"open_files"`      // RLIMIT_NOFILE
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MemoryBytes:   128 * 1024 * 1024,
		CPUSeconds:    31,
		FileSizeBytes: 64 * 1024 * 1024,
		OpenFiles:     256,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.MemoryBytes < 0 {
		return fmt.Errorf("%w: memory_bytes must not be negative, got %d", ErrInvalidRequest, rl.MemoryBytes)
	}
	if rl.MemoryBytes != 0 && rl.MemoryBytes < 16*1024*1024 {
		return fmt.Errorf("%w: memory_bytes must be 0 or >= 16MiB, got %d", ErrInvalidRequest, rl.MemoryBytes)
	}
	if rl.OpenFiles != 0 && rl.OpenFiles < 16 {
		return fmt.Errorf("%w: open_files must be 0 or >= 16, got %d", ErrInvalidRequest, rl.OpenFiles)
	}
	return nil
}

// forPreview drops the limits a long-running UI server cannot live with: framework
// imports alone exceed a script-sized address space, and CPU time accumulates forever.
func (rl ResourceLimits) forPreview() ResourceLimits {
	rl.MemoryBytes = 0
	rl.CPUSeconds = 0
	return rl
}
