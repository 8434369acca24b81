// Package daemon runs reelfarmd: it wires the resource monitor, optimizer,
// dispatcher, content cache and transfer engine together and serves them
// over gRPC on a unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jamesainslie/reelfarm/pkg/daemon/broadcaster"
	"github.com/jamesainslie/reelfarm/pkg/daemon/store"
	"github.com/jamesainslie/reelfarm/pkg/daemon/watcher"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/cache"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/config"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/logging"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/monitor"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/runner"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/scheduler"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/tracing"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/transfer"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/tuner"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// Daemon owns every long-lived component. Build it with New, then Serve.
type Daemon struct {
	cfg    *config.Config
	logger *logging.Logger

	monitor     *monitor.Monitor
	limits      *scheduler.LiveLimits
	optimizer   *tuner.Optimizer
	history     *store.Store
	cache       *cache.Cache
	engine      *transfer.Engine
	broadcaster *broadcaster.Broadcaster
	dispatcher  *scheduler.Dispatcher
	watcher     *watcher.Watcher
	service     *Service
	server      *Server
	health      *HealthServer
	traceStop   tracing.Shutdown

	quit      chan struct{}
	quitOnce  sync.Once
	closeOnce sync.Once
}

// New builds the components and binds the socket. Background loops start in
// Serve.
func New(ctx context.Context, cfg *config.Config, version string) (_ *Daemon, err error) {
	d := &Daemon{
		cfg:    cfg,
		logger: logging.Get("daemon"),
		quit:   make(chan struct{}),
	}
	defer func() {
		if err != nil {
			_ = d.release()
		}
	}()

	if d.traceStop, err = tracing.Init(cfg.Tracing.Exporter, os.Stderr); err != nil {
		return nil, err
	}

	d.monitor = monitor.New(monitor.Options{
		GPU:         monitor.NvidiaSMISampler{Binary: cfg.Monitor.NvidiaSMI},
		Interval:    cfg.Monitor.Interval,
		HistorySize: cfg.Monitor.HistorySize,
	})
	first := d.monitor.Snapshot(ctx)

	res, derr := tuner.Detect(ctx)
	if derr != nil {
		d.logger.Warn("resource detection incomplete", "error", derr)
	}
	initial := tuner.CalculateWithOverrides(res, first.GPUPresent(), cfg.Scheduler.MaxGPUTasks, cfg.Scheduler.MaxCPUTasks)
	if q, qerr := types.ParseEncodeQuality(cfg.Scheduler.EncodeQuality); qerr == nil {
		initial.Quality = q
	}
	d.limits = scheduler.NewLiveLimits(initial)
	d.logger.Info("initial limits",
		"cpu_cores", res.CPUCores,
		"ram", types.FormatSize(res.TotalRAM),
		"gpu", first.GPUPresent(),
		"max_gpu_tasks", initial.MaxGPUTasks,
		"max_cpu_tasks", initial.MaxCPUTasks,
		"quality", initial.Quality)

	if d.history, err = store.Open(HistoryPath(cfg.Daemon.DataDir)); err != nil {
		return nil, fmt.Errorf("open task history: %w", err)
	}

	var validator cache.Validator = cache.ValidatorFunc(func(context.Context, string) error { return nil })
	if cfg.Cache.Probe {
		validator = cache.ProbeValidator{FFmpeg: cfg.Cache.FFmpeg, Timeout: cfg.Cache.ProbeTimeout}
	}
	if d.cache, err = cache.Open(cache.Options{
		Dir:                cfg.Cache.Dir,
		Validator:          validator,
		TTL:                cfg.Cache.TTL,
		MaxSize:            config.MustSize(cfg.Cache.MaxSize),
		MaxEntries:         cfg.Cache.MaxEntries,
		CleanupInterval:    cfg.Cache.CleanupInterval,
		PreloadConcurrency: cfg.Cache.PreloadConcurrency,
		FetchAttempts:      cfg.Cache.FetchAttempts,
		FetchRetryDelay:    cfg.Cache.FetchRetryDelay,
	}); err != nil {
		return nil, err
	}

	objects, err := NewObjectStore(ctx, cfg.Transfer)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	if d.engine, err = transfer.New(transfer.Options{
		Store:       objects,
		Threshold:   config.MustSize(cfg.Transfer.MultipartThreshold),
		MaxAttempts: cfg.Transfer.MaxRetries,
		RetryDelay:  cfg.Transfer.RetryDelay,
	}); err != nil {
		return nil, err
	}

	d.broadcaster = broadcaster.New()
	if d.dispatcher, err = scheduler.New(scheduler.Options{
		Runner:            runner.Exec{},
		Resources:         d.monitor,
		Limits:            d.limits,
		Inputs:            d.cache,
		Uploader:          d.engine,
		Archiver:          d.history,
		OnEvent:           d.broadcaster.Notify,
		BackpressureDelay: cfg.Scheduler.BackpressureDelay,
		CPUSaturation:     cfg.Scheduler.CPUSaturation,
		MemSaturation:     cfg.Scheduler.MemSaturation,
		DefaultTimeout:    cfg.Scheduler.DefaultTimeout,
		Retention:         cfg.Scheduler.TaskRetention,
	}); err != nil {
		return nil, err
	}

	if cfg.Tuner.Enabled {
		d.optimizer = tuner.NewOptimizer(tuner.Options{
			History:    d.monitor,
			Limits:     d.limits,
			Thresholds: thresholds(cfg.Tuner),
			Interval:   cfg.Tuner.Interval,
			Window:     cfg.Tuner.Window,
			OnChange:   func(types.SchedulerLimits) { d.dispatcher.Wake() },
		})
	}

	if cfg.Cache.Watch {
		if d.watcher, err = watcher.New(d.cache); err != nil {
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		if err = d.watcher.Watch(d.cache.Dir()); err != nil {
			return nil, fmt.Errorf("watch cache: %w", err)
		}
	}

	d.service = NewService(Components{
		Dispatcher:  d.dispatcher,
		History:     d.history,
		Cache:       d.cache,
		Transfer:    d.engine,
		Monitor:     d.monitor,
		Optimizer:   d.optimizer,
		Broadcaster: d.broadcaster,
		Backend:     cfg.Transfer.Backend,
		Version:     version,
	})
	d.service.OnShutdown(d.Stop)

	if d.server, err = NewServer(Config{SocketPath: cfg.Daemon.SocketPath, DataDir: cfg.Daemon.DataDir}, d.service); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Daemon.SocketPath, err)
	}
	if cfg.Daemon.HTTPAddr != "" {
		if d.health, err = NewHealthServer(cfg.Daemon.HTTPAddr, d.service); err != nil {
			return nil, fmt.Errorf("listen on %s: %w", cfg.Daemon.HTTPAddr, err)
		}
	}
	return d, nil
}

// NewObjectStore builds the configured transfer backend.
func NewObjectStore(ctx context.Context, cfg config.TransferConfig) (transfer.ObjectStore, error) {
	switch cfg.Backend {
	case "minio":
		return transfer.NewMinIOStore(ctx, transfer.MinIOConfig{
			Endpoint:      cfg.Endpoint,
			AccessKey:     cfg.AccessKey,
			SecretKey:     cfg.SecretKey,
			Bucket:        cfg.Bucket,
			UseSSL:        cfg.UseSSL,
			PublicBaseURL: cfg.PublicBaseURL,
		})
	case "s3":
		return transfer.NewS3Store(ctx, transfer.S3Config{
			Region:        cfg.Region,
			Bucket:        cfg.Bucket,
			Endpoint:      cfg.Endpoint,
			AccessKey:     cfg.AccessKey,
			SecretKey:     cfg.SecretKey,
			PublicBaseURL: cfg.PublicBaseURL,
		})
	case "memory", "":
		base := cfg.PublicBaseURL
		if base == "" {
			base = "mem://" + cfg.Bucket
		}
		return transfer.NewMemStore(base), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func thresholds(c config.TunerConfig) tuner.Thresholds {
	return tuner.Thresholds{
		GPULowUtil:   c.GPULowUtil,
		GPUHighUtil:  c.GPUHighUtil,
		GPUMinFree:   config.MustSize(c.GPUMinFree),
		GPUWidenFree: config.MustSize(c.GPUWidenFree),
		GPUMaxTemp:   c.GPUMaxTemp,
		GPUMemHigh:   c.GPUMemHigh,
		CPULowUtil:   c.CPULowUtil,
		CPUHighUtil:  c.CPUHighUtil,
		GPUMin:       c.GPUMin,
		GPUMax:       c.GPUMax,
		CPUMin:       c.CPUMin,
		CPUMax:       c.CPUMax,
	}
}

// Service returns the gRPC service, for in-process callers.
func (d *Daemon) Service() *Service { return d.service }

// SocketPath is where the daemon listens.
func (d *Daemon) SocketPath() string { return d.cfg.Daemon.SocketPath }

// Serve starts the background loops and blocks until ctx ends, Stop is
// called or the gRPC server fails. It then shuts everything down.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.monitor.Start(ctx)
	if d.optimizer != nil {
		d.optimizer.Start(ctx)
	}
	d.dispatcher.Start(ctx)
	if d.watcher != nil {
		go d.watcher.Run(ctx, nil)
	}
	go d.maintain(ctx)

	errc := make(chan error, 2)
	go func() { errc <- d.server.Serve() }()
	if d.health != nil {
		go func() { errc <- d.health.Serve() }()
		d.logger.Info("health endpoint listening", "addr", d.health.Addr())
	}
	d.logger.Info("reelfarmd serving", "socket", d.cfg.Daemon.SocketPath, "backend", d.cfg.Transfer.Backend)

	var serveErr error
	select {
	case <-ctx.Done():
	case <-d.quit:
	case serveErr = <-errc:
		if serveErr != nil {
			d.logger.Error("server stopped", "error", serveErr)
		}
	}
	return errors.Join(serveErr, d.shutdown())
}

// Stop asks Serve to return. Safe to call more than once.
func (d *Daemon) Stop() {
	d.quitOnce.Do(func() { close(d.quit) })
}

// maintain prunes old history and sweeps the cache on the cleanup interval.
func (d *Daemon) maintain(ctx context.Context) {
	interval := d.cfg.Cache.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runMaintenance()
		}
	}
}

func (d *Daemon) runMaintenance() {
	if n := d.cache.Cleanup(); n > 0 {
		d.logger.Info("cache cleanup", "removed", n)
	}
	if d.cfg.Daemon.HistoryRetention <= 0 {
		return
	}
	n, err := d.history.Prune(time.Now().Add(-d.cfg.Daemon.HistoryRetention))
	if err != nil {
		d.logger.Warn("history prune failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("history pruned", "removed", n)
	}
}

// shutdown stops accepting calls, drains the dispatcher and closes stores.
func (d *Daemon) shutdown() error {
	timeout := d.cfg.Daemon.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	// Close subscriptions first so Watch streams end and GracefulStop
	// does not wait on them.
	d.broadcaster.Close()
	if d.health != nil {
		errs = append(errs, d.health.Shutdown(ctx))
	}
	errs = append(errs, d.server.Close())
	if err := d.dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	errs = append(errs, d.release())
	d.logger.Info("reelfarmd stopped")
	return errors.Join(errs...)
}

// release closes whatever New managed to open.
func (d *Daemon) release() error {
	var errs []error
	d.closeOnce.Do(func() {
		if d.watcher != nil {
			errs = append(errs, d.watcher.Close())
		}
		if d.cache != nil {
			errs = append(errs, d.cache.Close())
		}
		if d.history != nil {
			errs = append(errs, d.history.Close())
		}
		if d.traceStop != nil {
			errs = append(errs, d.traceStop(context.Background()))
		}
	})
	return errors.Join(errs...)
}

// Run is the reelfarmd main loop: recover from a crashed predecessor, claim
// the PID file, build and serve until ctx ends or a client asks to stop. The
// status file tells a launching client whether startup succeeded.
func Run(ctx context.Context, cfg *config.Config, version string) error {
	log := logging.Get("daemon")
	dataDir := cfg.Daemon.DataDir
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}
	statusPath := StatusPath(cfg.Daemon.SocketPath)
	_ = RemoveStatus(statusPath)

	fail := func(err error) error {
		if werr := WriteStatusError(statusPath, err); werr != nil {
			log.Warn("failed to write status file", "error", werr)
		}
		return err
	}

	if err := RecoverFromStaleDaemon(cfg.Daemon.PIDPath, cfg.Daemon.SocketPath,
		HistoryPath(dataDir), filepath.Join(cfg.Cache.Dir, "index")); err != nil {
		return fail(err)
	}
	if err := AcquirePIDFile(cfg.Daemon.PIDPath); err != nil {
		return fail(err)
	}
	defer func() {
		if err := RemovePIDFile(cfg.Daemon.PIDPath); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove PID file", "error", err)
		}
	}()

	d, err := New(ctx, cfg, version)
	if err != nil {
		return fail(err)
	}
	if err := WriteStatusReady(statusPath, cfg.Daemon.SocketPath); err != nil {
		log.Warn("failed to write status file", "error", err)
	}
	defer func() { _ = RemoveStatus(statusPath) }()

	return d.Serve(ctx)
}
