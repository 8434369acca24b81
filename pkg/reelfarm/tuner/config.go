package tuner

import "github.com/jamesainslie/reelfarm/pkg/reelfarm/types"

// Lane sizing limits.
const (
	// minCPUTasks keeps the CPU lane useful on small hosts.
	minCPUTasks = 2

	// maxCPUTasks caps the CPU lane; each ffmpeg job already spreads
	// across several cores.
	maxCPUTasks = 12

	// gpuTasks is the starting GPU lane width when a GPU is present.
	gpuTasks = 3
)

// Calculate returns starting lane limits for the host.
//
//   - MaxCPUTasks: half the cores, clamped to [2, 12]
//   - MaxGPUTasks: 3 with a GPU, else 0
//   - Quality: balanced
func Calculate(resources SystemResources, gpuPresent bool) types.SchedulerLimits {
	cpuTasks := resources.CPUCores / 2
	cpuTasks = max(cpuTasks, minCPUTasks)
	cpuTasks = min(cpuTasks, maxCPUTasks)

	limits := types.SchedulerLimits{
		MaxCPUTasks: cpuTasks,
		Quality:     types.QualityBalanced,
	}
	if gpuPresent {
		limits.MaxGPUTasks = gpuTasks
	}
	return limits
}

// CalculateWithOverrides applies configured overrides to Calculate. A
// positive override replaces the computed lane width.
func CalculateWithOverrides(resources SystemResources, gpuPresent bool, gpuOverride, cpuOverride int) types.SchedulerLimits {
	limits := Calculate(resources, gpuPresent)
	if gpuOverride > 0 && gpuPresent {
		limits.MaxGPUTasks = gpuOverride
	}
	if cpuOverride > 0 {
		limits.MaxCPUTasks = cpuOverride
	}
	return limits
}
