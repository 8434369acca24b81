package scheduler

import (
	"testing"
	"time"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(id string, p types.Priority, created time.Time, seq uint64) *task {
	return &task{index: -1, seq: seq, rec: types.TaskRecord{ID: id, Priority: p, CreatedAt: created}}
}

func TestQueueOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var q taskQueue
	q.push(newTask("low", types.PriorityLow, base, 1))
	q.push(newTask("normal-late", types.PriorityNormal, base.Add(time.Second), 2))
	q.push(newTask("normal-early", types.PriorityNormal, base, 3))
	q.push(newTask("urgent", types.PriorityUrgent, base.Add(time.Hour), 4))
	q.push(newTask("normal-tie", types.PriorityNormal, base, 5))

	var got []string
	for q.len() > 0 {
		got = append(got, q.pop().rec.ID)
	}
	assert.Equal(t, []string{"urgent", "normal-early", "normal-tie", "normal-late", "low"}, got)
	assert.Nil(t, q.pop())
	assert.Nil(t, q.peek())
}

func TestQueueRemove(t *testing.T) {
	base := time.Now()
	var q taskQueue
	a := newTask("a", types.PriorityHigh, base, 1)
	b := newTask("b", types.PriorityNormal, base, 2)
	c := newTask("c", types.PriorityLow, base, 3)
	q.push(a)
	q.push(b)
	q.push(c)

	require.True(t, q.remove(b))
	assert.False(t, q.remove(b), "second remove is a no-op")
	assert.Equal(t, -1, b.index)
	assert.Equal(t, 2, q.len())
	assert.Equal(t, "a", q.pop().rec.ID)
	assert.Equal(t, "c", q.pop().rec.ID)
}

func TestClassify(t *testing.T) {
	c := NewClassifier(nil)
	tests := []struct {
		stderr string
		want   types.FailureCategory
	}{
		{"[h264_nvenc] CUDA_ERROR_OUT_OF_MEMORY", types.FailureGPUMemory},
		{"cuMemAlloc failed: out of memory", types.FailureGPUMemory},
		{"process exited with 3221225477", types.FailureGPUDriver},
		{"Exception 0xC0000005 access violation", types.FailureGPUDriver},
		{"[hevc_nvenc] OpenEncodeSessionEx failed: unsupported device", types.FailureGPUEncoderInit},
		{"No NVENC capable devices found", types.FailureGPUEncoderInit},
		{"Error while opening encoder: Cannot load encoder", types.FailureGPUEncoderInit},
		{"Failed locking bitstream buffer: generic error", types.FailureGPUEncode},
		{"Error submitting video frame to the encoder", types.FailureGPUEncode},
		{"input.mp4: No such file or directory", types.FailureUnknown},
		{"", types.FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.stderr, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.stderr))
		})
	}
}

func TestClassifyCustomRules(t *testing.T) {
	c := NewClassifier([]Rule{{Pattern: "VRAM Exhausted", Category: types.FailureGPUMemory}})
	assert.Equal(t, types.FailureGPUMemory, c.Classify("fatal: vram exhausted"))
	assert.Equal(t, types.FailureUnknown, c.Classify("CUDA_ERROR_OUT_OF_MEMORY"))
}

func TestLiveLimitsUpdate(t *testing.T) {
	l := NewLiveLimits(types.SchedulerLimits{MaxGPUTasks: 3, MaxCPUTasks: 4, Quality: types.QualityBalanced})
	got := l.Update(func(v types.SchedulerLimits) types.SchedulerLimits {
		v.MaxGPUTasks++
		v.Quality = v.Quality.Lower()
		return v
	})
	assert.Equal(t, 4, got.MaxGPUTasks)
	assert.Equal(t, types.QualityFast, got.Quality)
	assert.Equal(t, got, l.Load())
}

func TestExpandArgs(t *testing.T) {
	got, err := expandArgs(
		[]string{"ffmpeg", "-i", "{in:0}", "-i", "{in:1}", "-preset", "{quality}", "{out}", "{in:1}.srt"},
		[]string{"/c/a.mp4", "/c/b.wav"}, "/o/out.mp4", types.QualityHigh)
	require.NoError(t, err)
	assert.Equal(t, []string{"ffmpeg", "-i", "/c/a.mp4", "-i", "/c/b.wav", "-preset", "quality", "/o/out.mp4", "/c/b.wav.srt"}, got)

	_, err = expandArgs([]string{"ffmpeg", "-i", "{in:2}"}, []string{"/c/a.mp4"}, "", types.QualityFast)
	assert.Error(t, err)
}

func TestLastLines(t *testing.T) {
	assert.Equal(t, "c\nd", lastLines("a\nb\nc\nd\n", 2))
	assert.Equal(t, "a", lastLines("a", 3))
	assert.Equal(t, "xyz", tail("abcxyz", 3))
}
