package transfer

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(n int64, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func newEngine(t *testing.T, store ObjectStore, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := Options{Store: store, RetryDelay: time.Millisecond}
	for _, m := range mutate {
		m(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

type progressLog struct {
	mu     sync.Mutex
	events []Progress
}

func (p *progressLog) record(pr Progress) {
	p.mu.Lock()
	p.events = append(p.events, pr)
	p.mu.Unlock()
}

func (p *progressLog) all() []Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Progress(nil), p.events...)
}

func TestPlanFor(t *testing.T) {
	e := newEngine(t, NewMemStore("mem://"))
	tests := []struct {
		size        int64
		partSize    int64
		concurrency int
	}{
		{12 * types.MiB, 10 * types.MiB, 1},
		{50*types.MiB - 1, 10 * types.MiB, 1},
		{50 * types.MiB, 20 * types.MiB, 2},
		{120 * types.MiB, 20 * types.MiB, 2},
		{300 * types.MiB, 50 * types.MiB, 2},
		{500 * types.MiB, 100 * types.MiB, 3},
		{4 * types.GiB, 100 * types.MiB, 3},
	}
	for _, tt := range tests {
		tier := e.PlanFor(tt.size)
		assert.Equal(t, tt.partSize, tier.PartSize, types.FormatSize(tt.size))
		assert.Equal(t, tt.concurrency, tier.Concurrency, types.FormatSize(tt.size))
	}
}

func TestCanonicalKey(t *testing.T) {
	assert.Equal(t, "renders/2026/hash_abc.mp4", CanonicalKey("renders/2026/final.mp4", "abc"))
	assert.Equal(t, "hash_abc.wav", CanonicalKey("out.wav", "abc"))
	assert.Equal(t, "hash_abc", CanonicalKey("/blob", "abc"))
}

func TestSmallUploadIsSinglePut(t *testing.T) {
	store := NewMemStore("https://bucket.example")
	e := newEngine(t, store)
	data := []byte("tiny render")
	var log progressLog

	res, err := e.Upload(context.Background(), data, "out/clip.mp4", WithProgress(log.record))
	require.NoError(t, err)
	assert.Equal(t, "out/hash_"+Fingerprint(data)+".mp4", res.Key)
	assert.Equal(t, "https://bucket.example/"+res.Key, res.URL)
	assert.False(t, res.Multipart)
	assert.Equal(t, int64(len(data)), res.Bytes)

	got, ok := store.Object(res.Key)
	require.True(t, ok)
	assert.Equal(t, data, got)

	events := log.all()
	require.NotEmpty(t, events)
	assert.Equal(t, 100.0, events[len(events)-1].Percent)
}

func TestIdenticalContentIsDeduplicated(t *testing.T) {
	store := NewMemStore("mem://b")
	e := newEngine(t, store)
	data := payload(2048, 1)

	first, err := e.Upload(context.Background(), data, "renders/a.mp4")
	require.NoError(t, err)
	var log progressLog
	second, err := e.Upload(context.Background(), data, "renders/a.mp4", WithProgress(log.record))
	require.NoError(t, err)

	assert.True(t, second.Deduplicated)
	assert.Zero(t, second.Bytes)
	assert.Equal(t, first.URL, second.URL)
	puts, _, _ := store.Counters()
	assert.Equal(t, 1, puts)
	require.Len(t, log.all(), 1)
	assert.Equal(t, Progress{Percent: 100}, log.all()[0])
}

func TestExistsFailureStillUploads(t *testing.T) {
	store := NewMemStore("mem://b")
	e := newEngine(t, store)
	data := payload(2048, 7)

	first, err := e.Upload(context.Background(), data, "renders/e.mp4")
	require.NoError(t, err)

	store.FailExists = func(string) error { return &StatusError{Op: "head", Status: 503} }
	var log progressLog
	second, err := e.Upload(context.Background(), data, "renders/e.mp4", WithProgress(log.record))
	require.NoError(t, err)

	assert.False(t, second.Deduplicated)
	assert.Equal(t, int64(len(data)), second.Bytes)
	assert.Equal(t, first.URL, second.URL)
	puts, _, _ := store.Counters()
	assert.Equal(t, 2, puts)
	got, ok := store.Object(second.Key)
	require.True(t, ok)
	assert.Equal(t, data, got)
	require.NotEmpty(t, log.all())
	assert.Equal(t, float64(100), log.all()[len(log.all())-1].Percent)
}

func TestMultipartReassemblesOutOfOrderParts(t *testing.T) {
	store := NewMemStore("mem://b")
	tiers := []Tier{{Below: 0, PartSize: 64 * types.KiB, Concurrency: 4}}
	e := newEngine(t, store, func(o *Options) {
		o.Threshold = 100 * types.KiB
		o.Tiers = tiers
	})

	// Early parts finish last.
	store.FailPart = func(number, attempt int) error {
		time.Sleep(time.Duration(10-number) * 3 * time.Millisecond)
		return nil
	}
	data := payload(600*types.KiB+123, 2)

	res, err := e.Upload(context.Background(), data, "x/big.mov")
	require.NoError(t, err)
	assert.True(t, res.Multipart)
	assert.Equal(t, 10, res.Parts)

	got, ok := store.Object(res.Key)
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, got), "committed object must be byte-identical")

	log := store.PartLog()
	assert.Len(t, log, 10)
	assert.NotEqual(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, log, "parts should have landed out of order")
}

func TestPartRetrySucceeds(t *testing.T) {
	store := NewMemStore("mem://b")
	e := newEngine(t, store, func(o *Options) {
		o.Threshold = 10 * types.KiB
		o.Tiers = []Tier{{PartSize: 8 * types.KiB, Concurrency: 2}}
	})
	store.FailPart = func(number, attempt int) error {
		if number == 2 && attempt < 3 {
			return &StatusError{Op: "upload part", Status: 503}
		}
		return nil
	}
	data := payload(30*types.KiB, 3)

	res, err := e.Upload(context.Background(), data, "r/out.mp4")
	require.NoError(t, err)
	assert.True(t, res.Multipart)
	assert.False(t, res.Fallback)
	got, _ := store.Object(res.Key)
	assert.Equal(t, data, got)
}

func TestExhaustedPartFallsBackToSinglePut(t *testing.T) {
	store := NewMemStore("mem://b")
	e := newEngine(t, store, func(o *Options) {
		o.Threshold = 10 * types.KiB
		o.Tiers = []Tier{{PartSize: 8 * types.KiB, Concurrency: 1}}
	})
	var partAttempts sync.Map
	store.FailPart = func(number, attempt int) error {
		partAttempts.Store(number, attempt)
		if number == 3 {
			return &StatusError{Op: "upload part", Status: 500}
		}
		return nil
	}
	data := payload(40*types.KiB, 4)

	res, err := e.Upload(context.Background(), data, "r/out.mp4")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.False(t, res.Multipart)

	attempts, _ := partAttempts.Load(3)
	assert.Equal(t, 3, attempts, "three tries per part")
	puts, aborts, open := store.Counters()
	assert.Equal(t, 1, puts)
	assert.Equal(t, 1, aborts)
	assert.Zero(t, open)
	got, _ := store.Object(res.Key)
	assert.Equal(t, data, got)
}

func TestTotalFailureReturnsTransferError(t *testing.T) {
	store := NewMemStore("mem://b")
	e := newEngine(t, store, func(o *Options) {
		o.Threshold = 10 * types.KiB
		o.Tiers = []Tier{{PartSize: 8 * types.KiB, Concurrency: 2}}
	})
	store.FailPart = func(int, int) error { return &StatusError{Op: "upload part", Status: 500} }
	store.FailPut = func(string) error { return &StatusError{Op: "put object", Status: 403} }

	_, err := e.Upload(context.Background(), payload(20*types.KiB, 5), "r/out.mp4")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransfer)
	var te *types.TransferError
	require.True(t, errors.As(err, &te))
	var se *StatusError
	require.True(t, errors.As(err, &se))

	_, _, open := store.Counters()
	assert.Zero(t, open, "failed session must be aborted")
}

func TestSmallPutFailureIsTransferError(t *testing.T) {
	store := NewMemStore("mem://b")
	store.FailPut = func(string) error { return &StatusError{Op: "put object", Status: 500} }
	e := newEngine(t, store)

	_, err := e.Upload(context.Background(), []byte("x"), "a.png")
	assert.ErrorIs(t, err, types.ErrTransfer)
}

func TestInitFailureFallsBack(t *testing.T) {
	store := NewMemStore("mem://b")
	store.FailInit = func(string) error { return &StatusError{Op: "init", Status: 501} }
	e := newEngine(t, store, func(o *Options) { o.Threshold = 1 * types.KiB })

	res, err := e.Upload(context.Background(), payload(4*types.KiB, 6), "a/b.mp4")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
}

func TestCancelledUploadAborts(t *testing.T) {
	store := NewMemStore("mem://b")
	e := newEngine(t, store, func(o *Options) {
		o.Threshold = 10 * types.KiB
		o.Tiers = []Tier{{PartSize: 8 * types.KiB, Concurrency: 1}}
	})
	ctx, cancel := context.WithCancel(context.Background())
	store.FailPart = func(number, attempt int) error {
		if number == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	_, err := e.Upload(ctx, payload(40*types.KiB, 7), "a/b.mp4")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	puts, aborts, open := store.Counters()
	assert.Zero(t, puts, "no fallback after cancellation")
	assert.Equal(t, 1, aborts)
	assert.Zero(t, open)
}

func TestProgressIsMonotonic(t *testing.T) {
	store := NewMemStore("mem://b")
	e := newEngine(t, store, func(o *Options) {
		o.Threshold = 10 * types.KiB
		o.Tiers = []Tier{{PartSize: 4 * types.KiB, Concurrency: 3}}
	})
	var log progressLog

	_, err := e.Upload(context.Background(), payload(50*types.KiB, 8), "p/q.mp4", WithProgress(log.record))
	require.NoError(t, err)

	events := log.all()
	require.GreaterOrEqual(t, len(events), 13)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Percent, events[i-1].Percent)
		assert.GreaterOrEqual(t, events[i].Bytes, events[i-1].Bytes)
	}
	last := events[len(events)-1]
	assert.Equal(t, 100.0, last.Percent)
	assert.Equal(t, int64(50*types.KiB), last.Bytes)
}

func TestUploadFileAdapter(t *testing.T) {
	store := NewMemStore("https://cdn.example")
	e := newEngine(t, store)
	p := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, os.WriteFile(p, []byte("rendered"), 0o644))

	var last float64
	res, err := e.UploadFile(context.Background(), p, "renders/out.mp4", func(pct float64) { last = pct })
	require.NoError(t, err)
	assert.Contains(t, res.URL, "https://cdn.example/renders/hash_")
	assert.Equal(t, 100.0, last)

	res, err = e.UploadFile(context.Background(), p, "renders/out.mp4", nil)
	require.NoError(t, err)
	assert.True(t, res.Deduplicated)

	_, err = e.UploadFile(context.Background(), filepath.Join(t.TempDir(), "missing"), "k", nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLargeUploadUsesTwentyMegabyteParts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 120MB upload in short mode")
	}
	store := NewMemStore("mem://b")
	e := newEngine(t, store)
	data := payload(120*types.MiB, 9)

	res, err := e.Upload(context.Background(), data, "renders/feature.mp4")
	require.NoError(t, err)
	assert.True(t, res.Multipart)
	assert.Equal(t, 6, res.Parts)

	got, ok := store.Object(res.Key)
	require.True(t, ok)
	assert.Len(t, got, 120*int(types.MiB))
	assert.Len(t, store.PartLog(), 6)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
