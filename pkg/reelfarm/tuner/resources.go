// Package tuner sizes the dispatcher lanes from the host at startup and
// retunes them from recent resource history while the farm runs.
package tuner

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// defaultTotalRAM is the fallback when memory detection fails.
const defaultTotalRAM = 8 * 1024 * 1024 * 1024

// SystemResources contains detected system resources.
type SystemResources struct {
	// CPUCores is the number of logical CPU cores available.
	CPUCores int

	// TotalRAM is the total physical RAM in bytes.
	TotalRAM int64

	// AvailableRAM is the RAM the kernel reports as available in bytes.
	AvailableRAM int64
}

// Detect reports CPU cores and RAM. On a detection error it still returns
// usable values alongside the error.
func Detect(ctx context.Context) (SystemResources, error) {
	res := SystemResources{
		CPUCores:     runtime.NumCPU(),
		TotalRAM:     defaultTotalRAM,
		AvailableRAM: defaultTotalRAM / 2,
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		res.CPUCores = n
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read memory: %w", err)
	}
	res.TotalRAM = int64(vm.Total)
	res.AvailableRAM = int64(vm.Available)
	return res, nil
}
