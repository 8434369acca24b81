// Package config loads reelfarm configuration from YAML, environment
// variables (REELFARM_*) and built-in defaults.
package config

import "time"

// Daemon defaults.
const (
	DefaultHistoryRetention = 30 * 24 * time.Hour
	DefaultShutdownTimeout  = 30 * time.Second
)

// Scheduler defaults.
const (
	DefaultMaxGPUTasks       = 3
	DefaultBackpressureDelay = 250 * time.Millisecond
	DefaultCPUSaturation     = 90.0
	DefaultMemSaturation     = 85.0
	DefaultTaskRetention     = time.Hour
	DefaultTaskTimeout       = 30 * time.Minute
	DefaultEncodeQuality     = "balanced"
)

// Monitor defaults.
const (
	DefaultMonitorInterval = time.Second
	DefaultHistorySize     = 100
	DefaultNvidiaSMI       = "nvidia-smi"
)

// Tuner defaults.
const (
	DefaultTunerInterval  = 10 * time.Second
	DefaultTunerWindow    = 10
	DefaultGPULowUtil     = 30.0
	DefaultGPUHighUtil    = 95.0
	DefaultGPUMinFree     = "2GB"
	DefaultGPUWidenFree   = "8GB"
	DefaultGPUMaxTemp     = 83.0
	DefaultGPUMemHigh     = 90.0
	DefaultCPULowUtil     = 60.0
	DefaultCPUHighUtil    = 85.0
	DefaultGPUTasksFloor  = 1
	DefaultGPUTasksCeil   = 5
	DefaultCPUTasksFloor  = 2
	DefaultCPUTasksCeil   = 12
	DefaultRecommendation = 50
)

// Cache defaults.
const (
	DefaultCacheTTL           = 7 * 24 * time.Hour
	DefaultCacheMaxSize       = "10GB"
	DefaultCacheMaxEntries    = 1000
	DefaultCacheCleanup       = time.Hour
	DefaultPreloadConcurrency = 3
	DefaultFetchAttempts      = 3
	DefaultFetchRetryDelay    = time.Second
	DefaultFFmpeg             = "ffmpeg"
	DefaultProbeTimeout       = 5 * time.Second
)

// Transfer defaults.
const (
	DefaultTransferBackend    = "memory"
	DefaultMultipartThreshold = "10MB"
	DefaultMaxRetries         = 3
	DefaultRetryDelay         = time.Second
	DefaultS3Region           = "us-east-1"
)
