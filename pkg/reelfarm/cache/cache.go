// Package cache is the content cache: it materializes remote media inputs
// as local files, shares in-flight downloads between callers, and keeps the
// cache directory within a TTL, a byte budget and an entry ceiling.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/logging"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/tracing"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Options configures a Cache.
type Options struct {
	// Dir holds the media files (Dir/objects) and the index (Dir/index).
	Dir string
	// InMemoryIndex keeps the index out of Dir; for tests.
	InMemoryIndex bool

	Fetcher   Fetcher
	Validator Validator

	TTL                time.Duration
	MaxSize            int64
	MaxEntries         int
	CleanupInterval    time.Duration
	PreloadConcurrency int
	// FetchAttempts bounds downloads of one locator when the fetcher
	// reports a temporary failure.
	FetchAttempts      int
	FetchRetryDelay    time.Duration
	Now                func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Fetcher == nil {
		o.Fetcher = DefaultFetcher(0)
	}
	if o.Validator == nil {
		o.Validator = ProbeValidator{}
	}
	if o.TTL <= 0 {
		o.TTL = 7 * 24 * time.Hour
	}
	if o.MaxSize <= 0 {
		o.MaxSize = 10 * types.GiB
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 1000
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Hour
	}
	if o.PreloadConcurrency <= 0 {
		o.PreloadConcurrency = 3
	}
	if o.FetchAttempts <= 0 {
		o.FetchAttempts = 3
	}
	if o.FetchRetryDelay <= 0 {
		o.FetchRetryDelay = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Cache is the ContentCache. Safe for concurrent use.
type Cache struct {
	opts    Options
	objects string
	store   *Store
	flight  singleflight.Group
	logger  *logging.Logger

	mu        sync.RWMutex
	entries   map[string]*Entry // by fingerprint
	byPath    map[string]string // path -> fingerprint
	total     int64
	dirty     map[string]struct{}
	lastSweep time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// Open opens or creates a cache, loads the index and reconciles it with
// the directory.
func Open(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache: directory is required")
	}
	opts.applyDefaults()

	objects := filepath.Join(opts.Dir, "objects")
	if err := os.MkdirAll(objects, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	indexPath := filepath.Join(opts.Dir, "index")
	if opts.InMemoryIndex {
		indexPath = ""
	}
	store, err := OpenStore(indexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}

	c := &Cache{
		opts:      opts,
		objects:   objects,
		store:     store,
		logger:    logging.Get("cache"),
		entries:   make(map[string]*Entry),
		byPath:    make(map[string]string),
		dirty:     make(map[string]struct{}),
		lastSweep: opts.Now(),
	}
	if err := c.load(); err != nil {
		store.Close()
		return nil, err
	}
	return c, nil
}

// load reads the index, drops other versions and entries whose file is
// gone, and removes files the index does not know about.
func (c *Cache) load() error {
	if n, err := c.store.DropOtherVersions(); err != nil {
		return fmt.Errorf("failed to drop stale index versions: %w", err)
	} else if n > 0 {
		c.logger.Info("dropped index entries from another cache version", "count", n)
	}

	all, err := c.store.All()
	if err != nil {
		return fmt.Errorf("failed to load cache index: %w", err)
	}
	var vanished []string
	for _, e := range all {
		info, err := os.Stat(e.Path)
		if err != nil {
			vanished = append(vanished, e.Fingerprint)
			continue
		}
		e.Size = info.Size()
		if e.Kind == "" {
			e.Kind = KindOf(strings.ToLower(filepath.Ext(e.Path)))
		}
		c.entries[e.Fingerprint] = e
		c.byPath[e.Path] = e.Fingerprint
		c.total += e.Size
	}
	for _, fp := range vanished {
		_ = c.store.Delete(fp)
	}

	var orphans []string
	var mu sync.Mutex
	conf := fastwalk.Config{Follow: false}
	err = fastwalk.Walk(&conf, c.objects, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // unreadable entries are left alone
		}
		if d.IsDir() {
			return nil
		}
		if _, known := c.byPath[path]; known && !strings.Contains(filepath.Base(path), partialSuffix) {
			return nil
		}
		mu.Lock()
		orphans = append(orphans, path)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reconcile cache directory: %w", err)
	}
	for _, p := range orphans {
		_ = os.Remove(p)
	}

	c.logger.Info("cache opened", "dir", c.opts.Dir, "entries", len(c.entries),
		"size", types.FormatSize(c.total), "vanished", len(vanished), "orphans", len(orphans))
	return nil
}

// Close persists pending access times and closes the index.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.flushLocked()
	c.mu.Unlock()
	return c.store.Close()
}

// GetOrFetch returns a local path for locator, downloading it on a miss.
// Concurrent callers for the same locator share one download; a caller whose
// ctx ends stops waiting while the download continues for the others.
func (c *Cache) GetOrFetch(ctx context.Context, locator string) (string, error) {
	if locator == "" {
		return "", fmt.Errorf("%w: empty locator", types.ErrCacheFetch)
	}
	fp := Fingerprint(locator)
	if p, ok := c.lookup(fp); ok {
		c.hits.Add(1)
		c.maybeSweep()
		return p, nil
	}
	c.misses.Add(1)

	ch := c.flight.DoChan(fp, func() (interface{}, error) {
		return c.fetch(context.WithoutCancel(ctx), locator, fp)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

// lookup returns a live hit and bumps its access time. Entries whose file
// vanished or whose TTL passed are dropped. The file is checked outside the
// lock; an entry replaced meanwhile counts as a miss.
func (c *Cache) lookup(fp string) (string, bool) {
	c.mu.RLock()
	e, ok := c.entries[fp]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	_, statErr := os.Stat(e.Path)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[fp] != e {
		return "", false
	}
	now := c.opts.Now()
	if now.Sub(e.CachedAt) >= c.opts.TTL {
		c.evictLocked(e, "expired")
		return "", false
	}
	if statErr != nil {
		c.dropLocked(e)
		return "", false
	}
	e.LastAccessed = now
	c.dirty[fp] = struct{}{}
	return e.Path, true
}

func (c *Cache) fetch(ctx context.Context, locator, fp string) (path string, err error) {
	ctx, span := tracing.Start(ctx, "cache.fetch", attribute.String("cache.locator", locator))
	defer func() { tracing.End(span, err) }()

	// A leader that finished just before this flight started may have
	// inserted the entry already.
	if p, ok := c.lookup(fp); ok {
		return p, nil
	}

	ext := extOf(locator)
	partial := filepath.Join(c.objects, fp+partialSuffix+ext)
	final := filepath.Join(c.objects, fp+ext)
	start := c.opts.Now()

	var size int64
	for attempt := 1; ; attempt++ {
		size, err = c.downloadWithRetry(ctx, locator, partial)
		if err != nil {
			_ = os.Remove(partial)
			c.logger.Warn("fetch failed", "locator", locator, "error", err)
			return "", err
		}
		verr := c.opts.Validator.Validate(ctx, partial)
		if verr == nil {
			break
		}
		_ = os.Remove(partial)
		if attempt >= 2 {
			c.logger.Error("validation failed", "locator", locator, "error", verr)
			return "", fmt.Errorf("%w: %s: %v", types.ErrValidation, locator, verr)
		}
		c.logger.Warn("validation failed, refetching", "locator", locator, "error", verr)
	}

	if err := os.Rename(partial, final); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("failed to commit cache file: %w", err)
	}

	now := c.opts.Now()
	e := &Entry{
		Locator:      locator,
		Fingerprint:  fp,
		Path:         final,
		Kind:         KindOf(ext),
		Size:         size,
		CachedAt:     now,
		LastAccessed: now,
	}

	c.mu.Lock()
	if old, ok := c.entries[fp]; ok {
		c.total -= old.Size
	}
	c.entries[fp] = e
	c.byPath[final] = fp
	c.total += size
	if err := c.store.Put(e); err != nil {
		c.logger.Warn("failed to persist cache entry", "locator", locator, "error", err)
	}
	c.enforceLocked(fp)
	c.mu.Unlock()

	c.logger.Info("cached", "locator", locator, "size", types.FormatSize(size), "took", now.Sub(start).Round(time.Millisecond))
	c.maybeSweep()
	return final, nil
}

// downloadWithRetry retries temporary fetch failures with exponential
// backoff, up to FetchAttempts downloads in total.
func (c *Cache) downloadWithRetry(ctx context.Context, locator, dst string) (int64, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.opts.FetchRetryDelay
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.opts.FetchAttempts-1)), ctx)

	var size int64
	op := func() error {
		n, err := c.download(ctx, locator, dst)
		if err != nil {
			var fe *types.FetchError
			if !errors.As(err, &fe) || !fe.Temporary() {
				return backoff.Permanent(err)
			}
			return err
		}
		size = n
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("fetch failed, retrying", "locator", locator, "in", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return 0, err
	}
	return size, nil
}

func (c *Cache) download(ctx context.Context, locator, dst string) (int64, error) {
	rc, err := c.opts.Fetcher.Fetch(ctx, locator)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create cache file: %w", err)
	}
	n, err := io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, &types.FetchError{Locator: locator, Err: err}
	}
	return n, nil
}

// enforceLocked evicts least-recently-accessed entries until the byte
// budget and entry ceiling hold. keep is never evicted.
func (c *Cache) enforceLocked(keep string) {
	if c.total <= c.opts.MaxSize && len(c.entries) <= c.opts.MaxEntries {
		return
	}
	lru := make([]*Entry, 0, len(c.entries))
	for fp, e := range c.entries {
		if fp != keep {
			lru = append(lru, e)
		}
	}
	sort.Slice(lru, func(i, j int) bool { return lru[i].LastAccessed.Before(lru[j].LastAccessed) })

	for _, e := range lru {
		if c.total <= c.opts.MaxSize && len(c.entries) <= c.opts.MaxEntries {
			return
		}
		c.evictLocked(e, "lru")
	}
}

// maybeSweep runs the TTL sweep at most once per CleanupInterval.
func (c *Cache) maybeSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.Now().Sub(c.lastSweep) < c.opts.CleanupInterval {
		return
	}
	c.sweepLocked()
}

// Cleanup runs the TTL sweep and size enforcement now and persists access
// times. It returns the number of evicted entries.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.evictions.Load()
	c.sweepLocked()
	c.enforceLocked("")
	return int(c.evictions.Load() - before)
}

func (c *Cache) sweepLocked() {
	now := c.opts.Now()
	c.lastSweep = now
	for _, e := range c.entries {
		if now.Sub(e.CachedAt) >= c.opts.TTL {
			c.evictLocked(e, "expired")
		}
	}
	c.flushLocked()
}

// flushLocked persists access-time bumps.
func (c *Cache) flushLocked() {
	if len(c.dirty) == 0 {
		return
	}
	batch := make([]*Entry, 0, len(c.dirty))
	for fp := range c.dirty {
		if e, ok := c.entries[fp]; ok {
			batch = append(batch, e)
		}
	}
	if err := c.store.PutBatch(batch); err != nil {
		c.logger.Warn("failed to persist access times", "error", err)
		return
	}
	c.dirty = make(map[string]struct{})
}

func (c *Cache) evictLocked(e *Entry, reason string) {
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove cache file", "path", e.Path, "error", err)
	}
	c.dropLocked(e)
	c.evictions.Add(1)
	c.logger.Debug("evicted", "locator", e.Locator, "reason", reason, "size", types.FormatSize(e.Size))
}

// dropLocked forgets an entry without touching its file.
func (c *Cache) dropLocked(e *Entry) {
	if _, ok := c.entries[e.Fingerprint]; !ok {
		return
	}
	delete(c.entries, e.Fingerprint)
	delete(c.byPath, e.Path)
	delete(c.dirty, e.Fingerprint)
	c.total -= e.Size
	if err := c.store.Delete(e.Fingerprint); err != nil {
		c.logger.Warn("failed to delete index entry", "locator", e.Locator, "error", err)
	}
}

// Forget drops the entry backed by path, if any. Used when the file was
// removed behind the cache's back. A file that exists again, because it was
// refetched after the removal, keeps its entry. It reports whether an entry
// was dropped.
func (c *Cache) Forget(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	fp, ok := c.byPath[path]
	if !ok {
		return false
	}
	if _, err := os.Stat(path); err == nil {
		return false
	}
	c.dropLocked(c.entries[fp])
	c.logger.Info("forgot externally removed file", "path", path)
	return true
}

// Remove evicts locator. It reports whether it was cached.
func (c *Cache) Remove(locator string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[Fingerprint(locator)]
	if !ok {
		return false
	}
	c.evictLocked(e, "removed")
	return true
}

// Clear evicts everything and returns the number of entries removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	for _, e := range c.entries {
		c.evictLocked(e, "cleared")
	}
	return n
}

// Contains reports whether locator has a live entry without bumping it.
func (c *Cache) Contains(locator string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[Fingerprint(locator)]
	return ok && c.opts.Now().Sub(e.CachedAt) < c.opts.TTL
}

// Entries returns copies of all entries, most recently accessed first.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessed.After(out[j].LastAccessed) })
	return out
}

// Stats returns size and hit counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byKind := make(map[Kind]int)
	for _, e := range c.entries {
		byKind[e.Kind]++
	}
	return Stats{
		Entries:    len(c.entries),
		Bytes:      c.total,
		MaxBytes:   c.opts.MaxSize,
		MaxEntries: c.opts.MaxEntries,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		ByKind:     byKind,
	}
}

// Dir returns the directory that holds cached files.
func (c *Cache) Dir() string {
	return c.objects
}

// PreloadMany fetches locators with bounded concurrency. Every distinct
// locator lands in exactly one of the two maps.
func (c *Cache) PreloadMany(ctx context.Context, locators []string) (map[string]string, map[string]error) {
	paths := make(map[string]string)
	errs := make(map[string]error)
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(c.opts.PreloadConcurrency)
	seen := make(map[string]bool, len(locators))
	for _, loc := range locators {
		if seen[loc] {
			continue
		}
		seen[loc] = true
		loc := loc
		g.Go(func() error {
			p, err := c.GetOrFetch(ctx, loc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[loc] = err
			} else {
				paths[loc] = p
			}
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("preload finished", "requested", len(seen), "ok", len(paths), "failed", len(errs))
	return paths, errs
}
