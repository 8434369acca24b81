package tuner

import (
	"context"
	"fmt"
	"time"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/logging"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/monitor"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// History supplies recent snapshots, oldest first.
type History interface {
	History(n int) []types.ResourceSnapshot
}

// Limits is the live limit store the optimizer adjusts.
type Limits interface {
	Load() types.SchedulerLimits
	Update(fn func(types.SchedulerLimits) types.SchedulerLimits) types.SchedulerLimits
}

// Thresholds drive the retuning rules.
type Thresholds struct {
	GPULowUtil  float64
	GPUHighUtil float64
	GPUMinFree  int64
	// GPUWidenFree is the free memory required before adding a GPU slot.
	GPUWidenFree int64
	GPUMaxTemp   float64
	GPUMemHigh   float64
	CPULowUtil   float64
	CPUHighUtil  float64
	GPUMin       int
	GPUMax       int
	CPUMin       int
	CPUMax       int
}

// DefaultThresholds returns the stock rule set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		GPULowUtil:   30,
		GPUHighUtil:  95,
		GPUMinFree:   2 * types.GiB,
		GPUWidenFree: 8 * types.GiB,
		GPUMaxTemp:   83,
		GPUMemHigh:   90,
		CPULowUtil:   60,
		CPUHighUtil:  85,
		GPUMin:       1,
		GPUMax:       5,
		CPUMin:       minCPUTasks,
		CPUMax:       maxCPUTasks,
	}
}

// Recommendation records one observation and the action taken on it.
type Recommendation struct {
	At       time.Time `json:"at"`
	Reason   string    `json:"reason"`
	Action   string    `json:"action"`
	Observed float64   `json:"observed"`
}

// Options configures an Optimizer.
type Options struct {
	History    History
	Limits     Limits
	Thresholds Thresholds
	Interval   time.Duration
	Window     int
	// Keep bounds the recommendation history.
	Keep int
	// OnChange runs after any evaluation that changed the limits.
	OnChange func(types.SchedulerLimits)
	Now      func() time.Time
}

// Optimizer is the PerformanceOptimizer.
type Optimizer struct {
	opts   Options
	recs   *monitor.Ring[Recommendation]
	logger *logging.Logger
}

// NewOptimizer creates an Optimizer. Zero thresholds take the defaults.
func NewOptimizer(opts Options) *Optimizer {
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 10
	}
	if opts.Keep <= 0 {
		opts.Keep = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Optimizer{
		opts:   opts,
		recs:   monitor.NewRing[Recommendation](opts.Keep),
		logger: logging.Get("tuner"),
	}
}

// averages is the mean of a snapshot window.
type averages struct {
	cpu, gpuUtil, gpuTemp, gpuMemPct float64
	gpuFree                          int64
	gpu                              bool
}

func average(window []types.ResourceSnapshot) averages {
	var a averages
	var gpuSamples int
	var free int64
	for _, s := range window {
		a.cpu += s.CPUPercent
		if s.GPUPresent() {
			gpuSamples++
			a.gpuUtil += s.GPUUtilPercent
			a.gpuTemp += s.GPUTempC
			a.gpuMemPct += s.GPUMemPercent()
			free += s.GPUMemFree()
		}
	}
	a.cpu /= float64(len(window))
	if gpuSamples > 0 {
		a.gpu = true
		n := float64(gpuSamples)
		a.gpuUtil /= n
		a.gpuTemp /= n
		a.gpuMemPct /= n
		a.gpuFree = free / int64(gpuSamples)
	}
	return a
}

// Evaluate applies the rules to the last Window snapshots and returns what
// it changed. Too little history yields nil.
func (o *Optimizer) Evaluate() []Recommendation {
	window := o.opts.History.History(o.opts.Window)
	if len(window) < o.opts.Window {
		return nil
	}
	avg := average(window)
	th := o.opts.Thresholds
	now := o.opts.Now()

	var recs []Recommendation
	note := func(reason, action string, observed float64) {
		recs = append(recs, Recommendation{At: now, Reason: reason, Action: action, Observed: observed})
	}

	before := o.opts.Limits.Load()
	after := o.opts.Limits.Update(func(l types.SchedulerLimits) types.SchedulerLimits {
		recs = recs[:0]

		if avg.gpu {
			switch {
			case avg.gpuUtil > th.GPUHighUtil && l.MaxGPUTasks > th.GPUMin:
				l.MaxGPUTasks--
				note("gpu saturated", fmt.Sprintf("max_gpu_tasks -> %d", l.MaxGPUTasks), avg.gpuUtil)
			case avg.gpuFree < th.GPUMinFree && l.MaxGPUTasks > th.GPUMin:
				l.MaxGPUTasks--
				note("gpu memory low", fmt.Sprintf("max_gpu_tasks -> %d", l.MaxGPUTasks), float64(avg.gpuFree))
			case avg.gpuTemp > th.GPUMaxTemp && l.MaxGPUTasks > th.GPUMin:
				l.MaxGPUTasks--
				note("gpu hot", fmt.Sprintf("max_gpu_tasks -> %d", l.MaxGPUTasks), avg.gpuTemp)
			case avg.gpuUtil < th.GPULowUtil && avg.gpuFree >= th.GPUWidenFree &&
				avg.gpuTemp <= th.GPUMaxTemp && l.MaxGPUTasks < th.GPUMax:
				l.MaxGPUTasks++
				note("gpu underutilized", fmt.Sprintf("max_gpu_tasks -> %d", l.MaxGPUTasks), avg.gpuUtil)
			}

			if avg.gpuMemPct > th.GPUMemHigh && l.Quality != types.QualityFast {
				l.Quality = l.Quality.Lower()
				note("gpu memory pressure", "quality -> "+string(l.Quality), avg.gpuMemPct)
			}
			if avg.gpuTemp > th.GPUMaxTemp && l.Quality != types.QualityFast {
				l.Quality = types.QualityFast
				note("gpu thermal limit", "quality -> fast", avg.gpuTemp)
			}
		}

		switch {
		case avg.cpu < th.CPULowUtil && l.MaxCPUTasks < th.CPUMax:
			l.MaxCPUTasks++
			note("cpu underutilized", fmt.Sprintf("max_cpu_tasks -> %d", l.MaxCPUTasks), avg.cpu)
		case avg.cpu > th.CPUHighUtil && l.MaxCPUTasks > th.CPUMin:
			l.MaxCPUTasks--
			note("cpu saturated", fmt.Sprintf("max_cpu_tasks -> %d", l.MaxCPUTasks), avg.cpu)
		}
		return l
	})

	for _, r := range recs {
		o.recs.Push(r)
		o.logger.Info("tuning", "reason", r.Reason, "action", r.Action, "observed", fmt.Sprintf("%.1f", r.Observed))
	}
	if after != before && o.opts.OnChange != nil {
		o.opts.OnChange(after)
	}
	return recs
}

// Recommendations returns the retained history, oldest first.
func (o *Optimizer) Recommendations() []Recommendation {
	return o.recs.Last(0)
}

// Start evaluates on every interval until ctx ends.
func (o *Optimizer) Start(ctx context.Context) {
	o.logger.Info("optimizer started", "interval", o.opts.Interval, "window", o.opts.Window)
	go func() {
		ticker := time.NewTicker(o.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.Evaluate()
			}
		}
	}()
}
