package types

import (
	"fmt"
	"strings"
	"time"
)

// ResourceSnapshot is an immutable reading of host and GPU utilization.
// GPU fields are zero when no GPU is present or the probe failed.
type ResourceSnapshot struct {
	TakenAt        time.Time `json:"taken_at"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemPercent     float64   `json:"mem_percent"`
	GPUUtilPercent float64   `json:"gpu_util_percent"`
	GPUMemUsed     int64     `json:"gpu_mem_used"`
	GPUMemTotal    int64     `json:"gpu_mem_total"`
	GPUTempC       float64   `json:"gpu_temp_c"`
}

// GPUPresent reports whether the snapshot saw a GPU.
func (s ResourceSnapshot) GPUPresent() bool {
	return s.GPUMemTotal > 0
}

// GPUMemFree returns free GPU memory in bytes.
func (s ResourceSnapshot) GPUMemFree() int64 {
	free := s.GPUMemTotal - s.GPUMemUsed
	if free < 0 {
		return 0
	}
	return free
}

// GPUMemPercent returns GPU memory usage as a percentage.
func (s ResourceSnapshot) GPUMemPercent() float64 {
	if s.GPUMemTotal <= 0 {
		return 0
	}
	return float64(s.GPUMemUsed) / float64(s.GPUMemTotal) * 100
}

// EncodeQuality is the tuner's hint for encoder presets.
type EncodeQuality string

// Quality ladder, best first.
const (
	QualityHigh     EncodeQuality = "quality"
	QualityBalanced EncodeQuality = "balanced"
	QualityFast     EncodeQuality = "fast"
)

// Lower returns the next faster rung, or q if already fastest.
func (q EncodeQuality) Lower() EncodeQuality {
	switch q {
	case QualityHigh:
		return QualityBalanced
	default:
		return QualityFast
	}
}

// ParseEncodeQuality converts a string to an EncodeQuality.
func ParseEncodeQuality(s string) (EncodeQuality, error) {
	switch EncodeQuality(strings.ToLower(strings.TrimSpace(s))) {
	case QualityHigh:
		return QualityHigh, nil
	case QualityBalanced, "":
		return QualityBalanced, nil
	case QualityFast:
		return QualityFast, nil
	default:
		return "", fmt.Errorf("unknown encode quality %q", s)
	}
}

// SchedulerLimits are the live lane caps read by the dispatcher each tick.
type SchedulerLimits struct {
	MaxGPUTasks int           `json:"max_gpu_tasks"`
	MaxCPUTasks int           `json:"max_cpu_tasks"`
	Quality     EncodeQuality `json:"encode_quality"`
}
