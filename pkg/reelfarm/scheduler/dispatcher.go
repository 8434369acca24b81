// Package scheduler implements the dispatcher: a strict-priority pending
// queue feeding a GPU lane and a CPU lane under live caps and resource-based
// admission control.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/logging"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/runner"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// ResourceReader supplies the latest resource snapshot without sampling.
type ResourceReader interface {
	Latest() types.ResourceSnapshot
}

// Materializer turns an input locator into a local path.
type Materializer interface {
	GetOrFetch(ctx context.Context, locator string) (string, error)
}

// UploadResult is what an Uploader reports back.
type UploadResult struct {
	URL          string
	Deduplicated bool
}

// Uploader ships a finished output to object storage. progress receives
// 0..100.
type Uploader interface {
	UploadFile(ctx context.Context, path, key string, progress func(percent float64)) (UploadResult, error)
}

// Archiver receives terminal tasks as they are reaped from memory.
type Archiver interface {
	Archive(rec types.TaskRecord) error
}

// Options wires a Dispatcher. Runner, Resources and Limits are required.
type Options struct {
	Runner     runner.Runner
	Resources  ResourceReader
	Limits     *LiveLimits
	Inputs     Materializer
	Uploader   Uploader
	Archiver   Archiver
	Classifier *Classifier

	// OnEvent is called, outside any lock, with a copy of the task after
	// every state or progress change.
	OnEvent func(types.TaskRecord)

	BackpressureDelay time.Duration
	CPUSaturation     float64
	MemSaturation     float64
	DefaultTimeout    time.Duration
	Retention         time.Duration
	ReapInterval      time.Duration
	Now               func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Classifier == nil {
		o.Classifier = NewClassifier(nil)
	}
	if o.BackpressureDelay <= 0 {
		o.BackpressureDelay = 250 * time.Millisecond
	}
	if o.CPUSaturation <= 0 {
		o.CPUSaturation = 90
	}
	if o.MemSaturation <= 0 {
		o.MemSaturation = 85
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = o.Retention / 4
		if o.ReapInterval < time.Second {
			o.ReapInterval = time.Second
		}
		if o.ReapInterval > time.Minute {
			o.ReapInterval = time.Minute
		}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// task is the dispatcher-owned live state behind a TaskRecord.
type task struct {
	rec             types.TaskRecord
	seq             uint64
	index           int
	forceCPU        bool
	cancel          context.CancelFunc
	cancelRequested bool
}

type completion struct {
	t        *task
	class    types.ResourceClass
	result   *types.TaskResult
	category types.FailureCategory
	err      error
}

// Stats summarises the dispatcher.
type Stats struct {
	Queued     int                   `json:"queued"`
	RunningGPU int                   `json:"running_gpu"`
	RunningCPU int                   `json:"running_cpu"`
	Completed  int                   `json:"completed"`
	Failed     int                   `json:"failed"`
	Cancelled  int                   `json:"cancelled"`
	Limits     types.SchedulerLimits `json:"limits"`
}

// Dispatcher owns every task from submission until it is reaped.
type Dispatcher struct {
	opts   Options
	logger *logging.Logger

	mu    sync.RWMutex
	tasks map[string]*task
	queue taskQueue
	seq   uint64

	// gpuActive tracks running GPU tasks for memory reservation.
	gpuActive map[*task]struct{}

	runningGPU atomic.Int32
	runningCPU atomic.Int32

	wake     chan struct{}
	done     chan completion
	loopDone chan struct{}
	draining atomic.Bool
	started  atomic.Bool
	stop     context.CancelFunc
	running  sync.WaitGroup
}

// New creates a Dispatcher. Call Start to begin admitting tasks.
func New(opts Options) (*Dispatcher, error) {
	if opts.Runner == nil || opts.Resources == nil || opts.Limits == nil {
		return nil, errors.New("scheduler: runner, resources and limits are required")
	}
	opts.applyDefaults()
	return &Dispatcher{
		opts:      opts,
		logger:    logging.Get("scheduler"),
		tasks:     make(map[string]*task),
		gpuActive: make(map[*task]struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan completion, 64),
		loopDone:  make(chan struct{}),
	}, nil
}

// Submit validates payload and enqueues it. It never blocks on capacity.
func (d *Dispatcher) Submit(payload types.Payload, priority types.Priority) (string, error) {
	if payload == nil {
		return "", errors.New("nil payload")
	}
	if !priority.Valid() {
		return "", fmt.Errorf("invalid priority %d", int(priority))
	}
	if err := payload.Spec().Validate(); err != nil {
		return "", err
	}
	if d.draining.Load() {
		return "", errors.New("scheduler is shutting down")
	}

	t := &task{
		index: -1,
		rec: types.TaskRecord{
			ID:        uuid.NewString(),
			Type:      payload.TaskType(),
			Priority:  priority,
			Payload:   payload,
			Status:    types.StatusPending,
			CreatedAt: d.opts.Now(),
		},
	}

	d.mu.Lock()
	d.seq++
	t.seq = d.seq
	d.tasks[t.rec.ID] = t
	d.queue.push(t)
	rec := t.rec.Clone()
	d.mu.Unlock()

	d.logger.Info("task submitted", "id", rec.ID, "type", rec.Type, "priority", rec.Priority)
	d.emit(rec)
	d.signal()
	return rec.ID, nil
}

// Get returns a copy of the task, or types.ErrTaskNotFound.
func (d *Dispatcher) Get(id string) (types.TaskRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tasks[id]
	if !ok {
		return types.TaskRecord{}, fmt.Errorf("%w: %s", types.ErrTaskNotFound, id)
	}
	return t.rec.Clone(), nil
}

// List returns copies of all tasks still in memory, oldest first.
func (d *Dispatcher) List() []types.TaskRecord {
	d.mu.RLock()
	out := make([]types.TaskRecord, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t.rec.Clone())
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Cancel removes a pending task from the queue, or cancels a running task's
// process. Finished tasks return types.ErrTaskTerminal.
func (d *Dispatcher) Cancel(id string) error {
	d.mu.Lock()
	t, ok := d.tasks[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, id)
	}

	switch t.rec.Status {
	case types.StatusPending:
		d.queue.remove(t)
		now := d.opts.Now()
		t.rec.Status = types.StatusCancelled
		t.rec.CompletedAt = &now
		rec := t.rec.Clone()
		d.mu.Unlock()
		d.logger.Info("task cancelled", "id", id, "state", "pending")
		d.emit(rec)
		return nil
	case types.StatusRunning:
		t.cancelRequested = true
		cancel := t.cancel
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		d.logger.Info("task cancellation requested", "id", id, "state", "running")
		return nil
	default:
		d.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", types.ErrTaskTerminal, id, t.rec.Status)
	}
}

// Stats returns queue and lane counters.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		RunningGPU: int(d.runningGPU.Load()),
		RunningCPU: int(d.runningCPU.Load()),
		Limits:     d.opts.Limits.Load(),
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	s.Queued = d.queue.len()
	for _, t := range d.tasks {
		switch t.rec.Status {
		case types.StatusCompleted:
			s.Completed++
		case types.StatusFailed:
			s.Failed++
		case types.StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Start launches the admission loop. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	ctx, d.stop = context.WithCancel(ctx)
	go d.loop(ctx)
	d.logger.Info("dispatcher started", "limits", fmt.Sprintf("%+v", d.opts.Limits.Load()))
}

// Shutdown stops admitting, waits for running tasks until ctx is done, then
// cancels whatever is still running and stops the loop.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.draining.Store(true)
	if !d.started.Load() {
		return nil
	}

	idle := make(chan struct{})
	go func() {
		d.running.Wait()
		close(idle)
	}()

	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = ctx.Err()
		d.cancelRunning()
		<-idle
	}
	d.stop()
	<-d.loopDone
	if d.opts.Archiver != nil {
		d.reapBefore(d.opts.Now().Add(time.Nanosecond))
	}
	d.logger.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) cancelRunning() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tasks {
		if t.rec.Status == types.StatusRunning && t.cancel != nil {
			t.cancel()
		}
	}
}

// Wake asks the loop to re-run admission, e.g. after limits changed.
func (d *Dispatcher) Wake() { d.signal() }

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) emit(rec types.TaskRecord) {
	if d.opts.OnEvent != nil {
		d.opts.OnEvent(rec)
	}
}

// loop is the only goroutine that admits tasks or mutates lane counters
// while the dispatcher runs.
func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.loopDone)

	reap := time.NewTicker(d.opts.ReapInterval)
	defer reap.Stop()
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	for {
		var retryC <-chan time.Time
		if !d.draining.Load() && d.admit(ctx) {
			retry.Reset(d.opts.BackpressureDelay)
			retryC = retry.C
		}

		select {
		case <-ctx.Done():
			d.drain()
			return
		case c := <-d.done:
			d.complete(c)
		case <-d.wake:
		case <-retryC:
		case <-reap.C:
			d.reap()
		}
		if retryC != nil && !retry.Stop() {
			select {
			case <-retry.C:
			default:
			}
		}
	}
}

// drain records completions already delivered when the loop stops.
func (d *Dispatcher) drain() {
	for {
		select {
		case c := <-d.done:
			d.complete(c)
		default:
			return
		}
	}
}

// admit starts as many head-of-queue tasks as the lanes allow. It reports
// true when the head task is blocked and the loop should back off.
func (d *Dispatcher) admit(ctx context.Context) bool {
	for {
		snap := d.opts.Resources.Latest()
		limits := d.opts.Limits.Load()

		d.mu.Lock()
		t := d.queue.peek()
		if t == nil {
			d.mu.Unlock()
			return false
		}
		class, err := d.place(t, snap, limits)
		if err != nil {
			d.mu.Unlock()
			return true
		}
		d.queue.pop()

		now := d.opts.Now()
		runCtx, cancel := context.WithCancel(ctx)
		t.cancel = cancel
		t.cancelRequested = false
		t.rec.Status = types.StatusRunning
		t.rec.Class = class
		t.rec.Attempts++
		t.rec.StartedAt = &now
		t.rec.CompletedAt = nil
		t.rec.Progress = 0
		if class == types.ClassGPU {
			d.runningGPU.Add(1)
			d.gpuActive[t] = struct{}{}
		} else {
			d.runningCPU.Add(1)
		}
		rec := t.rec.Clone()
		d.mu.Unlock()

		d.logger.Info("task admitted", "id", rec.ID, "lane", class, "attempt", rec.Attempts,
			"gpu_running", d.runningGPU.Load(), "cpu_running", d.runningCPU.Load())
		d.emit(rec)

		d.running.Add(1)
		go d.execute(runCtx, t, class, limits.Quality)
	}
}

// place picks a lane for t, or returns types.ErrResourceExhausted when
// neither has room. A spec with only a CPU command never takes the GPU lane.
// Caller holds mu.
func (d *Dispatcher) place(t *task, snap types.ResourceSnapshot, limits types.SchedulerLimits) (types.ResourceClass, error) {
	spec := t.rec.Payload.Spec()
	if !t.forceCPU && len(spec.Command) > 0 && t.rec.Type.GPUEligible() && snap.GPUPresent() &&
		int(d.runningGPU.Load()) < limits.MaxGPUTasks &&
		snap.GPUMemFree()-d.reservedGPU(snap.TakenAt) >= spec.GPUMemoryMB*types.MiB {
		return types.ClassGPU, nil
	}
	if int(d.runningCPU.Load()) < limits.MaxCPUTasks && !d.saturated(snap) {
		return types.ClassCPU, nil
	}
	return "", types.ErrResourceExhausted
}

// reservedGPU is the memory claimed by GPU tasks started after the snapshot
// was taken, which the snapshot cannot have seen yet.
func (d *Dispatcher) reservedGPU(since time.Time) int64 {
	var total int64
	for t := range d.gpuActive {
		if t.rec.StartedAt != nil && !t.rec.StartedAt.Before(since) {
			total += t.rec.Payload.Spec().GPUMemoryMB * types.MiB
		}
	}
	return total
}

func (d *Dispatcher) saturated(snap types.ResourceSnapshot) bool {
	return snap.CPUPercent > d.opts.CPUSaturation || snap.MemPercent > d.opts.MemSaturation
}

func (d *Dispatcher) execute(ctx context.Context, t *task, class types.ResourceClass, quality types.EncodeQuality) {
	defer d.running.Done()

	c := completion{t: t, class: class}
	c.result, c.category, c.err = d.run(ctx, t, class, quality)

	select {
	case d.done <- c:
	case <-d.loopDone:
		d.complete(c)
	}
}

// complete records the outcome of one attempt.
func (d *Dispatcher) complete(c completion) {
	t := c.t
	if c.class == types.ClassGPU {
		d.runningGPU.Add(-1)
	} else {
		d.runningCPU.Add(-1)
	}

	d.mu.Lock()
	delete(d.gpuActive, t)
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	now := d.opts.Now()
	requeued := false

	switch {
	case c.err == nil:
		t.rec.Status = types.StatusCompleted
		t.rec.Progress = 100
		t.rec.Result = c.result
		t.rec.Error = nil
		t.rec.CompletedAt = &now
	case errors.Is(c.err, context.Canceled) || t.cancelRequested:
		t.rec.Status = types.StatusCancelled
		t.rec.CompletedAt = &now
	case c.class == types.ClassGPU && c.category.IsGPU() && !t.forceCPU && !d.draining.Load():
		t.forceCPU = true
		t.rec.Status = types.StatusPending
		t.rec.StartedAt = nil
		t.rec.Progress = 0
		t.rec.Error = &types.TaskError{Category: c.category, Message: errMessage(c.err)}
		d.queue.push(t)
		requeued = true
	default:
		category := c.category
		if category == "" {
			category = types.FailureUnknown
		}
		te := &types.TaskError{Category: category, Message: errMessage(c.err)}
		var ee *types.ExecutionError
		if errors.As(c.err, &ee) {
			te.ExitCode = ee.ExitCode
		}
		t.rec.Status = types.StatusFailed
		t.rec.Error = te
		t.rec.CompletedAt = &now
	}
	rec := t.rec.Clone()
	d.mu.Unlock()

	switch {
	case requeued:
		d.logger.Warn("gpu failure, resubmitting on cpu lane", "id", rec.ID, "category", rec.Error.Category)
		d.signal()
	case rec.Status == types.StatusFailed:
		d.logger.Error("task failed", "id", rec.ID, "lane", c.class, "category", rec.Error.Category, "error", rec.Error.Message)
	default:
		d.logger.Info("task finished", "id", rec.ID, "status", rec.Status, "lane", c.class)
	}
	d.emit(rec)
}

func errMessage(err error) string {
	var ee *types.ExecutionError
	if errors.As(err, &ee) && ee.StderrTail != "" {
		return fmt.Sprintf("%v: %s", err, ee.StderrTail)
	}
	return err.Error()
}

// reap removes terminal tasks older than the retention and hands them to
// the archiver.
func (d *Dispatcher) reap() {
	d.reapBefore(d.opts.Now().Add(-d.opts.Retention))
}

func (d *Dispatcher) reapBefore(cutoff time.Time) {
	var reaped []types.TaskRecord
	d.mu.Lock()
	for id, t := range d.tasks {
		if t.rec.Status.IsTerminal() && t.rec.CompletedAt != nil && t.rec.CompletedAt.Before(cutoff) {
			reaped = append(reaped, t.rec.Clone())
			delete(d.tasks, id)
		}
	}
	d.mu.Unlock()

	if len(reaped) == 0 {
		return
	}
	d.logger.Debug("reaped finished tasks", "count", len(reaped))
	if d.opts.Archiver == nil {
		return
	}
	for _, rec := range reaped {
		if err := d.opts.Archiver.Archive(rec); err != nil {
			d.logger.Warn("archiving task failed", "id", rec.ID, "error", err)
		}
	}
}
