package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/logging"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/scheduler"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/tracing"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Tier picks part size and concurrency for payloads smaller than Below.
// Below == 0 matches everything.
type Tier struct {
	Below       int64
	PartSize    int64
	Concurrency int
}

// DefaultTiers grow the part size with the payload.
var DefaultTiers = []Tier{
	{Below: 50 * types.MiB, PartSize: 10 * types.MiB, Concurrency: 1},
	{Below: 200 * types.MiB, PartSize: 20 * types.MiB, Concurrency: 2},
	{Below: 500 * types.MiB, PartSize: 50 * types.MiB, Concurrency: 2},
	{Below: 0, PartSize: 100 * types.MiB, Concurrency: 3},
}

// Options configures an Engine.
type Options struct {
	Store ObjectStore
	// Threshold is the smallest payload uploaded in parts.
	Threshold int64
	// MaxAttempts bounds tries per part, first try included.
	MaxAttempts int
	RetryDelay  time.Duration
	Tiers       []Tier
	Now         func() time.Time
}

// Progress is reported while an upload runs.
type Progress struct {
	Percent    float64
	Bytes      int64
	Throughput float64 // bytes per second
}

// Result describes a finished upload.
type Result struct {
	Key          string
	URL          string
	Fingerprint  string
	Bytes        int64 // bytes sent; 0 when deduplicated
	Deduplicated bool
	Multipart    bool
	Parts        int
	Fallback     bool
}

// UploadOption adjusts one Upload call.
type UploadOption func(*uploadConfig)

type uploadConfig struct {
	progress func(Progress)
}

// WithProgress registers a progress callback. Calls are serialized and
// Percent never decreases.
func WithProgress(fn func(Progress)) UploadOption {
	return func(c *uploadConfig) { c.progress = fn }
}

// Engine is the ChunkedTransferEngine.
type Engine struct {
	opts   Options
	logger *logging.Logger
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("transfer: object store is required")
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 10 * types.MiB
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if len(opts.Tiers) == 0 {
		opts.Tiers = DefaultTiers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{opts: opts, logger: logging.Get("transfer")}, nil
}

// PlanFor returns the tier used for a payload of size bytes.
func (e *Engine) PlanFor(size int64) Tier {
	for _, t := range e.opts.Tiers {
		if t.Below == 0 || size < t.Below {
			return t
		}
	}
	return e.opts.Tiers[len(e.opts.Tiers)-1]
}

// Fingerprint is the hex sha256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalKey places content under the destination's directory, named by
// fingerprint and keeping the destination's extension.
func CanonicalKey(destination, fp string) string {
	name := "hash_" + fp + path.Ext(destination)
	dir := path.Dir(destination)
	if dir == "." || dir == "/" {
		return name
	}
	return dir + "/" + name
}

// Upload stores data under its canonical key derived from destination.
func (e *Engine) Upload(ctx context.Context, data []byte, destination string, opts ...UploadOption) (res Result, err error) {
	var cfg uploadConfig
	for _, o := range opts {
		o(&cfg)
	}

	fp := Fingerprint(data)
	key := CanonicalKey(destination, fp)
	res = Result{Key: key, URL: e.opts.Store.URL(key), Fingerprint: fp}
	rep := newReporter(cfg.progress, int64(len(data)), e.opts.Now)

	ctx, span := tracing.Start(ctx, "transfer.upload",
		attribute.String("transfer.key", key),
		attribute.Int64("transfer.bytes", int64(len(data))))
	defer func() { tracing.End(span, err) }()

	exists, err := e.opts.Store.Exists(ctx, key)
	if err != nil {
		e.logger.Warn("existence check failed, uploading anyway", "key", key, "error", err)
		exists = false
	}
	if exists {
		res.Deduplicated = true
		rep.skipped()
		e.logger.Info("upload deduplicated", "key", key)
		return res, nil
	}

	size := int64(len(data))
	if size < e.opts.Threshold {
		if err := e.opts.Store.PutObject(ctx, key, data); err != nil {
			return res, &types.TransferError{Key: key, Err: err}
		}
		res.Bytes = size
		rep.done()
		e.logger.Info("uploaded", "key", key, "size", types.FormatSize(size))
		return res, nil
	}

	res.Multipart = true
	parts, mpErr := e.multipart(ctx, key, data, rep)
	if mpErr == nil {
		res.Bytes = size
		res.Parts = parts
		rep.done()
		e.logger.Info("uploaded", "key", key, "size", types.FormatSize(size), "parts", parts)
		return res, nil
	}
	if ctx.Err() != nil {
		return res, &types.TransferError{Key: key, Err: ctx.Err()}
	}

	e.logger.Warn("multipart upload failed, falling back to single put", "key", key, "error", mpErr)
	if err := e.opts.Store.PutObject(ctx, key, data); err != nil {
		return res, &types.TransferError{Key: key, Err: errors.Join(mpErr, err)}
	}
	res.Multipart = false
	res.Fallback = true
	res.Bytes = size
	rep.done()
	e.logger.Info("uploaded via fallback", "key", key, "size", types.FormatSize(size))
	return res, nil
}

// multipart runs one session and returns the part count. On failure the
// session is aborted.
func (e *Engine) multipart(ctx context.Context, key string, data []byte, rep *reporter) (int, error) {
	uploadID, err := e.opts.Store.InitMultipart(ctx, key)
	if err != nil {
		return 0, err
	}

	tier := e.PlanFor(int64(len(data)))
	n := int((int64(len(data)) + tier.PartSize - 1) / tier.PartSize)
	parts := make([]Part, n)
	e.logger.Debug("multipart session", "key", key, "parts", n,
		"part_size", types.FormatSize(tier.PartSize), "concurrency", tier.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tier.Concurrency)
	for i := 0; i < n; i++ {
		start := int64(i) * tier.PartSize
		end := min(start+tier.PartSize, int64(len(data)))
		number := i + 1
		g.Go(func() error {
			p, err := e.uploadPart(gctx, key, uploadID, number, data[start:end])
			if err != nil {
				return fmt.Errorf("part %d: %w", number, err)
			}
			parts[number-1] = p
			rep.add(end - start)
			return nil
		})
	}

	err = g.Wait()
	if err == nil {
		sortParts(parts)
		err = e.opts.Store.CompleteMultipart(ctx, key, uploadID, parts)
	}
	if err != nil {
		if aerr := e.opts.Store.AbortMultipart(context.WithoutCancel(ctx), key, uploadID); aerr != nil {
			e.logger.Warn("abort multipart failed", "key", key, "error", aerr)
		}
		return 0, err
	}
	return n, nil
}

func (e *Engine) uploadPart(ctx context.Context, key, uploadID string, number int, chunk []byte) (Part, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.opts.RetryDelay
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(e.opts.MaxAttempts-1)), ctx)

	var part Part
	op := func() error {
		p, err := e.opts.Store.UploadPart(ctx, key, uploadID, number, chunk)
		if err != nil {
			return err
		}
		part = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Debug("retrying part", "key", key, "part", number, "in", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return Part{}, err
	}
	return part, nil
}

// UploadFile reads path and uploads it, reporting percent only. It adapts
// the engine to the dispatcher's Uploader.
func (e *Engine) UploadFile(ctx context.Context, filePath, key string, progress func(float64)) (scheduler.UploadResult, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return scheduler.UploadResult{}, fmt.Errorf("reading %s: %w", filePath, err)
	}
	var opts []UploadOption
	if progress != nil {
		opts = append(opts, WithProgress(func(p Progress) { progress(p.Percent) }))
	}
	res, err := e.Upload(ctx, data, key, opts...)
	if err != nil {
		return scheduler.UploadResult{}, err
	}
	return scheduler.UploadResult{URL: res.URL, Deduplicated: res.Deduplicated}, nil
}

// reporter serializes progress callbacks.
type reporter struct {
	mu    sync.Mutex
	fn    func(Progress)
	total int64
	sent  int64
	start time.Time
	now   func() time.Time
}

func newReporter(fn func(Progress), total int64, now func() time.Time) *reporter {
	return &reporter{fn: fn, total: total, start: now(), now: now}
}

func (r *reporter) add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent += n
	if r.sent > r.total {
		r.sent = r.total
	}
	r.emitLocked()
}

func (r *reporter) done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = r.total
	r.emitLocked()
}

// skipped reports completion without any bytes sent.
func (r *reporter) skipped() {
	if r.fn != nil {
		r.fn(Progress{Percent: 100})
	}
}

func (r *reporter) emitLocked() {
	if r.fn == nil {
		return
	}
	pct := 100.0
	if r.total > 0 {
		pct = float64(r.sent) / float64(r.total) * 100
	}
	var tput float64
	if secs := r.now().Sub(r.start).Seconds(); secs > 0 {
		tput = float64(r.sent) / secs
	}
	r.fn(Progress{Percent: pct, Bytes: r.sent, Throughput: tput})
}
