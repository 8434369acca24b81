package daemon

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sort"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	reelfarmv1 "github.com/jamesainslie/reelfarm/pkg/api/reelfarm/v1"
	"github.com/jamesainslie/reelfarm/pkg/daemon/broadcaster"
	"github.com/jamesainslie/reelfarm/pkg/daemon/store"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/cache"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/logging"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/monitor"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/scheduler"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/transfer"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/tuner"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// Components are the parts a Service fronts. Dispatcher is required; a nil
// component makes its RPCs return Unavailable.
type Components struct {
	Dispatcher  *scheduler.Dispatcher
	History     *store.Store
	Cache       *cache.Cache
	Transfer    *transfer.Engine
	Monitor     *monitor.Monitor
	Optimizer   *tuner.Optimizer
	Broadcaster *broadcaster.Broadcaster

	// Backend names the object store, for Status.
	Backend string
	Version string
}

// Service implements the RenderFarm gRPC service.
type Service struct {
	reelfarmv1.UnimplementedRenderFarmServer

	c          Components
	onShutdown func()
	startTime  time.Time
	logger     *logging.Logger
}

// NewService creates a new gRPC service.
func NewService(c Components) *Service {
	return &Service{
		c:         c,
		startTime: time.Now(),
		logger:    logging.Get("daemon"),
	}
}

// OnShutdown registers the function run when a client asks the daemon to
// stop. It runs on its own goroutine after the RPC has returned.
func (s *Service) OnShutdown(fn func()) {
	s.onShutdown = fn
}

// rpcError maps domain errors to gRPC status codes.
func rpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, types.ErrTaskNotFound), errors.Is(err, os.ErrNotExist):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrTaskTerminal):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func decode(in *structpb.Struct, v any) error {
	if err := reelfarmv1.Decode(in, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	out, err := reelfarmv1.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func unavailable(what string) error {
	return status.Errorf(codes.Unavailable, "%s not configured", what)
}

// Submit decodes the payload variant and enqueues it.
func (s *Service) Submit(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req reelfarmv1.SubmitRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	taskType, err := types.ParseTaskType(req.Type)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	priority, err := types.ParsePriority(req.Priority)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if len(req.Payload) == 0 {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}
	payload, err := types.DecodePayload(taskType, req.Payload)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	id, err := s.c.Dispatcher.Submit(payload, priority)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return encode(reelfarmv1.SubmitResponse{ID: id})
}

// lookup finds a task in memory, then in the history store.
func (s *Service) lookup(id string) (types.TaskRecord, error) {
	rec, err := s.c.Dispatcher.Get(id)
	if err == nil || !errors.Is(err, types.ErrTaskNotFound) || s.c.History == nil {
		return rec, err
	}
	return s.c.History.Get(id)
}

// GetTask returns one task, live or archived.
func (s *Service) GetTask(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req reelfarmv1.TaskRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	rec, err := s.lookup(req.ID)
	if err != nil {
		return nil, rpcError(err)
	}
	return encode(rec)
}

// ListTasks returns tasks in submission order, optionally merged with the
// archive. Limit keeps the most recent submissions.
func (s *Service) ListTasks(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req reelfarmv1.ListRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	want := types.Status(req.Status)

	var tasks []types.TaskRecord
	seen := make(map[string]bool)
	for _, rec := range s.c.Dispatcher.List() {
		if want != "" && rec.Status != want {
			continue
		}
		seen[rec.ID] = true
		tasks = append(tasks, rec)
	}

	if req.History && s.c.History != nil {
		archived, err := s.c.History.List(want, req.Limit)
		if err != nil {
			return nil, rpcError(err)
		}
		for _, rec := range archived {
			if !seen[rec.ID] {
				tasks = append(tasks, rec)
			}
		}
		sort.SliceStable(tasks, func(i, j int) bool {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		})
	}

	if req.Limit > 0 && len(tasks) > req.Limit {
		tasks = tasks[len(tasks)-req.Limit:]
	}
	if tasks == nil {
		tasks = []types.TaskRecord{}
	}
	return encode(reelfarmv1.ListResponse{Tasks: tasks})
}

// CancelTask cancels a pending or running task.
func (s *Service) CancelTask(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req reelfarmv1.TaskRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.c.Dispatcher.Cancel(req.ID); err != nil {
		if errors.Is(err, types.ErrTaskNotFound) && s.c.History != nil {
			if rec, herr := s.c.History.Get(req.ID); herr == nil {
				return nil, status.Errorf(codes.FailedPrecondition, "task %s is %s", rec.ID, rec.Status)
			}
		}
		return nil, rpcError(err)
	}
	rec, err := s.c.Dispatcher.Get(req.ID)
	if err != nil {
		return nil, rpcError(err)
	}
	return encode(reelfarmv1.CancelResponse{ID: rec.ID, Status: rec.Status})
}

// Status returns daemon health, lane counters, the latest resource snapshot
// and recent tuning decisions.
func (s *Service) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encode(s.statusResponse())
}

func (s *Service) statusResponse() reelfarmv1.StatusResponse {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := reelfarmv1.StatusResponse{
		Version:       s.c.Version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		MemoryBytes:   int64(mem.Alloc),
		Backend:       s.c.Backend,
		Scheduler:     s.c.Dispatcher.Stats(),
	}
	if s.c.Monitor != nil {
		resp.Resources = s.c.Monitor.Latest()
	}
	if s.c.Optimizer != nil {
		resp.Recommendations = s.c.Optimizer.Recommendations()
	}
	return resp
}

// CacheStats reports cache counters and, on request, the index.
func (s *Service) CacheStats(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.Cache == nil {
		return nil, unavailable("cache")
	}
	var req reelfarmv1.CacheRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	resp := reelfarmv1.CacheResponse{Stats: s.c.Cache.Stats(), Dir: s.c.Cache.Dir()}
	if req.Entries {
		for _, e := range s.c.Cache.Entries() {
			resp.Entries = append(resp.Entries, reelfarmv1.CacheEntry{
				Locator:      e.Locator,
				Fingerprint:  e.Fingerprint,
				Path:         e.Path,
				Kind:         string(e.Kind),
				Size:         e.Size,
				CachedAt:     e.CachedAt.Unix(),
				LastAccessed: e.LastAccessed.Unix(),
			})
		}
	}
	return encode(resp)
}

// ClearCache drops one locator, or the whole cache.
func (s *Service) ClearCache(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.Cache == nil {
		return nil, unavailable("cache")
	}
	var req reelfarmv1.ClearCacheRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	var removed int
	if req.Locator == "" {
		removed = s.c.Cache.Clear()
		s.logger.Info("cleared cache", "entries", removed)
	} else if s.c.Cache.Remove(req.Locator) {
		removed = 1
		s.logger.Info("removed cache entry", "locator", req.Locator)
	}
	return encode(reelfarmv1.ClearCacheResponse{Removed: removed})
}

// Preload fetches locators into the cache. Per-locator failures are
// reported, not returned as an RPC error.
func (s *Service) Preload(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.Cache == nil {
		return nil, unavailable("cache")
	}
	var req reelfarmv1.PreloadRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	paths, errs := s.c.Cache.PreloadMany(ctx, req.Locators)
	resp := reelfarmv1.PreloadResponse{Paths: paths}
	if len(errs) > 0 {
		resp.Errors = make(map[string]string, len(errs))
		for loc, err := range errs {
			resp.Errors[loc] = err.Error()
		}
	}
	return encode(resp)
}

// Upload sends a local file through the transfer engine.
func (s *Service) Upload(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.Transfer == nil {
		return nil, unavailable("transfer")
	}
	var req reelfarmv1.UploadRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.Path == "" || req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "path and key are required")
	}

	data, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, rpcError(err)
	}
	res, err := s.c.Transfer.Upload(ctx, data, req.Key)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return encode(reelfarmv1.UploadResponse{
		Key:          res.Key,
		URL:          res.URL,
		Bytes:        res.Bytes,
		Deduplicated: res.Deduplicated,
		Multipart:    res.Multipart,
		Parts:        res.Parts,
		Fallback:     res.Fallback,
	})
}

// Shutdown asks the daemon to stop.
func (s *Service) Shutdown(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.logger.Info("shutdown requested")
	if s.onShutdown != nil {
		go s.onShutdown()
	}
	return encode(reelfarmv1.Empty{})
}

// Watch streams task records as they change. With an ID the stream starts
// with the current state and ends once the task is terminal.
func (s *Service) Watch(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s.c.Broadcaster == nil {
		return status.Error(codes.Unavailable, "task events not available")
	}
	var req reelfarmv1.WatchRequest
	if err := decode(in, &req); err != nil {
		return err
	}

	sub := s.c.Broadcaster.Subscribe(req.ID)
	if sub == nil {
		return status.Error(codes.Unavailable, "failed to subscribe")
	}
	defer s.c.Broadcaster.Unsubscribe(sub.ID)

	send := func(rec types.TaskRecord) error {
		msg, err := encode(rec)
		if err != nil {
			return err
		}
		return stream.Send(msg)
	}

	if req.ID != "" {
		rec, err := s.lookup(req.ID)
		if err != nil {
			return rpcError(err)
		}
		if err := send(rec); err != nil {
			return err
		}
		if rec.Status.IsTerminal() {
			return nil
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := send(rec); err != nil {
				return err
			}
			if req.ID != "" && rec.Status.IsTerminal() {
				return nil
			}
		}
	}
}
