package tuner

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/scheduler"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	res, _ := Detect(context.Background())

	assert.Positive(t, res.CPUCores)
	assert.LessOrEqual(t, res.CPUCores, runtime.NumCPU()*2)
	assert.GreaterOrEqual(t, res.TotalRAM, int64(256*types.MiB))
	assert.Positive(t, res.AvailableRAM)
	assert.LessOrEqual(t, res.AvailableRAM, res.TotalRAM)
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name  string
		cores int
		gpu   bool
		want  types.SchedulerLimits
	}{
		{"tiny host", 1, false, types.SchedulerLimits{MaxCPUTasks: 2, Quality: types.QualityBalanced}},
		{"laptop with gpu", 8, true, types.SchedulerLimits{MaxGPUTasks: 3, MaxCPUTasks: 4, Quality: types.QualityBalanced}},
		{"big box", 64, true, types.SchedulerLimits{MaxGPUTasks: 3, MaxCPUTasks: 12, Quality: types.QualityBalanced}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Calculate(SystemResources{CPUCores: tt.cores, TotalRAM: 16 * types.GiB}, tt.gpu)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculateWithOverrides(t *testing.T) {
	res := SystemResources{CPUCores: 8}

	got := CalculateWithOverrides(res, true, 5, 7)
	assert.Equal(t, 5, got.MaxGPUTasks)
	assert.Equal(t, 7, got.MaxCPUTasks)

	got = CalculateWithOverrides(res, false, 5, 0)
	assert.Zero(t, got.MaxGPUTasks, "no gpu lane without a gpu")
	assert.Equal(t, 4, got.MaxCPUTasks)
}

type fixedHistory []types.ResourceSnapshot

func (h fixedHistory) History(n int) []types.ResourceSnapshot {
	if n > len(h) {
		return h
	}
	return h[len(h)-n:]
}

func window(n int, s types.ResourceSnapshot) fixedHistory {
	out := make(fixedHistory, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func gpuSnap(util, cpu, temp float64, usedGiB, totalGiB int64) types.ResourceSnapshot {
	return types.ResourceSnapshot{
		CPUPercent:     cpu,
		GPUUtilPercent: util,
		GPUTempC:       temp,
		GPUMemUsed:     usedGiB * types.GiB,
		GPUMemTotal:    totalGiB * types.GiB,
	}
}

func newOptimizer(h History, l types.SchedulerLimits) (*Optimizer, *scheduler.LiveLimits) {
	live := scheduler.NewLiveLimits(l)
	return NewOptimizer(Options{History: h, Limits: live}), live
}

func TestEvaluateNeedsFullWindow(t *testing.T) {
	o, live := newOptimizer(window(9, gpuSnap(5, 10, 50, 1, 16)), types.SchedulerLimits{MaxGPUTasks: 3, MaxCPUTasks: 4})
	assert.Nil(t, o.Evaluate())
	assert.Equal(t, 3, live.Load().MaxGPUTasks)
}

func TestEvaluateRules(t *testing.T) {
	start := types.SchedulerLimits{MaxGPUTasks: 3, MaxCPUTasks: 6, Quality: types.QualityHigh}
	tests := []struct {
		name string
		snap types.ResourceSnapshot
		want types.SchedulerLimits
	}{
		{
			name: "idle gpu and cpu widen both lanes",
			snap: gpuSnap(10, 20, 60, 2, 16),
			want: types.SchedulerLimits{MaxGPUTasks: 4, MaxCPUTasks: 7, Quality: types.QualityHigh},
		},
		{
			name: "saturated gpu narrows",
			snap: gpuSnap(99, 70, 60, 2, 16),
			want: types.SchedulerLimits{MaxGPUTasks: 2, MaxCPUTasks: 6, Quality: types.QualityHigh},
		},
		{
			name: "low free memory narrows and lowers quality",
			snap: gpuSnap(70, 70, 60, 15, 16),
			want: types.SchedulerLimits{MaxGPUTasks: 2, MaxCPUTasks: 6, Quality: types.QualityBalanced},
		},
		{
			name: "hot gpu narrows and forces fast",
			snap: gpuSnap(70, 70, 88, 4, 16),
			want: types.SchedulerLimits{MaxGPUTasks: 2, MaxCPUTasks: 6, Quality: types.QualityFast},
		},
		{
			name: "idle but hot gpu narrows",
			snap: gpuSnap(10, 70, 88, 4, 16),
			want: types.SchedulerLimits{MaxGPUTasks: 2, MaxCPUTasks: 6, Quality: types.QualityFast},
		},
		{
			name: "idle gpu below the free memory floor narrows",
			snap: gpuSnap(10, 70, 60, 15, 16),
			want: types.SchedulerLimits{MaxGPUTasks: 2, MaxCPUTasks: 6, Quality: types.QualityBalanced},
		},
		{
			name: "busy cpu narrows cpu lane",
			snap: gpuSnap(70, 92, 60, 4, 16),
			want: types.SchedulerLimits{MaxGPUTasks: 3, MaxCPUTasks: 5, Quality: types.QualityHigh},
		},
		{
			name: "no gpu only touches cpu",
			snap: types.ResourceSnapshot{CPUPercent: 10},
			want: types.SchedulerLimits{MaxGPUTasks: 3, MaxCPUTasks: 7, Quality: types.QualityHigh},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, live := newOptimizer(window(10, tt.snap), start)
			recs := o.Evaluate()
			assert.Equal(t, tt.want, live.Load())
			assert.NotEmpty(t, recs)
			assert.Equal(t, recs, o.Recommendations())
		})
	}
}

func TestEvaluateIdleGPUNeedsHeadroomToWiden(t *testing.T) {
	// 6GiB free is above the floor but below the widening headroom.
	o, live := newOptimizer(window(10, gpuSnap(10, 70, 60, 10, 16)), types.SchedulerLimits{MaxGPUTasks: 3, MaxCPUTasks: 6})
	assert.Empty(t, o.Evaluate())
	assert.Equal(t, 3, live.Load().MaxGPUTasks)
}

func TestEvaluateRespectsBounds(t *testing.T) {
	o, live := newOptimizer(window(10, gpuSnap(5, 5, 50, 1, 16)), types.SchedulerLimits{MaxGPUTasks: 5, MaxCPUTasks: 12})
	assert.Empty(t, o.Evaluate())
	assert.Equal(t, 5, live.Load().MaxGPUTasks)
	assert.Equal(t, 12, live.Load().MaxCPUTasks)

	o, live = newOptimizer(window(10, gpuSnap(99, 99, 50, 1, 16)), types.SchedulerLimits{MaxGPUTasks: 1, MaxCPUTasks: 2})
	assert.Empty(t, o.Evaluate())
	assert.Equal(t, 1, live.Load().MaxGPUTasks)
	assert.Equal(t, 2, live.Load().MaxCPUTasks)
}

func TestEvaluateRepeatedlyConverges(t *testing.T) {
	var changes []types.SchedulerLimits
	live := scheduler.NewLiveLimits(types.SchedulerLimits{MaxGPUTasks: 3, MaxCPUTasks: 4, Quality: types.QualityBalanced})
	o := NewOptimizer(Options{
		History:  window(10, gpuSnap(10, 70, 60, 2, 16)),
		Limits:   live,
		Keep:     3,
		OnChange: func(l types.SchedulerLimits) { changes = append(changes, l) },
		Now:      func() time.Time { return time.Unix(0, 0) },
	})

	for i := 0; i < 5; i++ {
		o.Evaluate()
	}
	assert.Equal(t, 5, live.Load().MaxGPUTasks)
	assert.Len(t, changes, 2, "3 -> 4 -> 5, then ceiling")
	assert.Len(t, o.Recommendations(), 2)
}

func TestRecommendationHistoryIsBounded(t *testing.T) {
	live := scheduler.NewLiveLimits(types.SchedulerLimits{MaxGPUTasks: 1, MaxCPUTasks: 2})
	o := NewOptimizer(Options{History: window(10, types.ResourceSnapshot{CPUPercent: 1}), Limits: live, Keep: 3})
	for i := 0; i < 8; i++ {
		o.Evaluate()
	}
	recs := o.Recommendations()
	require.Len(t, recs, 3)
	assert.Equal(t, "max_cpu_tasks -> 10", recs[2].Action)
}
