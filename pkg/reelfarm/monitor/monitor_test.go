package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	reading HostReading
	err     error
	calls   atomic.Int32
}

func (f *fakeHost) SampleHost(context.Context) (HostReading, error) {
	f.calls.Add(1)
	return f.reading, f.err
}

type fakeGPU struct {
	reading GPUReading
	err     error
}

func (f *fakeGPU) SampleGPU(context.Context) (GPUReading, error) {
	return f.reading, f.err
}

func TestRingKeepsMostRecent(t *testing.T) {
	r := NewRing[int](3)
	assert.Empty(t, r.Last(0))

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Last(0))
	assert.Equal(t, []int{4, 5}, r.Last(2))
	assert.Equal(t, []int{3, 4, 5}, r.Last(10))
	assert.Equal(t, 3, r.Cap())
}

func TestRingMinimumSize(t *testing.T) {
	r := NewRing[string](0)
	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"b"}, r.Last(0))
}

func TestSnapshotCombinesSamplers(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	m := New(Options{
		Host: &fakeHost{reading: HostReading{CPUPercent: 40, MemPercent: 55}},
		GPU:  &fakeGPU{reading: GPUReading{UtilPercent: 70, MemUsed: 2 << 30, MemTotal: 8 << 30, TempC: 65, Devices: 1}},
		Now:  func() time.Time { return now },
	})

	snap := m.Snapshot(context.Background())
	assert.Equal(t, now, snap.TakenAt)
	assert.Equal(t, 40.0, snap.CPUPercent)
	assert.Equal(t, 55.0, snap.MemPercent)
	assert.Equal(t, 70.0, snap.GPUUtilPercent)
	assert.Equal(t, int64(6<<30), snap.GPUMemFree())
	assert.Equal(t, snap, m.Latest())
	assert.Len(t, m.History(0), 1)
}

func TestSnapshotWithoutGPUHasZeroGPUFields(t *testing.T) {
	m := New(Options{Host: &fakeHost{reading: HostReading{CPUPercent: 10}}, GPU: NoGPU{}})
	snap := m.Snapshot(context.Background())
	assert.False(t, snap.GPUPresent())
	assert.Zero(t, snap.GPUUtilPercent)
	assert.Zero(t, snap.GPUTempC)
}

func TestSnapshotNeverFails(t *testing.T) {
	host := &fakeHost{reading: HostReading{CPUPercent: 33, MemPercent: 44}}
	m := New(Options{Host: host, GPU: &fakeGPU{err: errors.New("driver gone")}})

	first := m.Snapshot(context.Background())
	assert.Equal(t, 33.0, first.CPUPercent)

	host.err = errors.New("procfs unavailable")
	second := m.Snapshot(context.Background())
	assert.Equal(t, 33.0, second.CPUPercent, "previous host values are kept")
	assert.Equal(t, 44.0, second.MemPercent)
	assert.False(t, second.GPUPresent())
}

func TestLatestDoesNotSample(t *testing.T) {
	host := &fakeHost{}
	m := New(Options{Host: host, GPU: NoGPU{}})
	_ = m.Latest()
	assert.Zero(t, host.calls.Load())
}

func TestHistoryIsBounded(t *testing.T) {
	m := New(Options{Host: &fakeHost{}, GPU: NoGPU{}, HistorySize: 4})
	for i := 0; i < 10; i++ {
		m.Snapshot(context.Background())
	}
	assert.Len(t, m.History(0), 4)
	assert.Len(t, m.History(2), 2)
}

func TestStartSamplesPeriodically(t *testing.T) {
	host := &fakeHost{}
	m := New(Options{Host: host, GPU: NoGPU{}, Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Eventually(t, func() bool { return host.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestParseNvidiaSMI(t *testing.T) {
	out := []byte("35, 2048, 8192, 60\n65, 4096, 8192, 71\n\n")
	r, err := parseNvidiaSMI(out)
	require.NoError(t, err)

	assert.Equal(t, 2, r.Devices)
	assert.InDelta(t, 50.0, r.UtilPercent, 0.001)
	assert.Equal(t, int64(6144)<<20, r.MemUsed)
	assert.Equal(t, int64(16384)<<20, r.MemTotal)
	assert.Equal(t, 71.0, r.TempC)
}

func TestParseNvidiaSMISkipsGarbage(t *testing.T) {
	_, err := parseNvidiaSMI([]byte("No devices were found\n"))
	assert.Error(t, err)

	r, err := parseNvidiaSMI([]byte("[N/A], 1, 2, 3\n10, 100, 200, 50\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Devices)
}

func TestNvidiaSMIMissingBinary(t *testing.T) {
	s := NvidiaSMISampler{Binary: "/nonexistent/nvidia-smi"}
	r, err := s.SampleGPU(context.Background())
	require.NoError(t, err)
	assert.Zero(t, r)
}
