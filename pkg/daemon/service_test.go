package daemon_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	reelfarmv1 "github.com/jamesainslie/reelfarm/pkg/api/reelfarm/v1"
	"github.com/jamesainslie/reelfarm/pkg/daemon"
	"github.com/jamesainslie/reelfarm/pkg/daemon/broadcaster"
	"github.com/jamesainslie/reelfarm/pkg/daemon/store"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/cache"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/monitor"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/runner"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/scheduler"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/transfer"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

type runFunc func(ctx context.Context, cmd runner.Command) (runner.Result, error)

func (f runFunc) Run(ctx context.Context, cmd runner.Command) (runner.Result, error) {
	return f(ctx, cmd)
}

type quietHost struct{}

func (quietHost) SampleHost(context.Context) (monitor.HostReading, error) {
	return monitor.HostReading{CPUPercent: 12, MemPercent: 30}, nil
}

type testDaemon struct {
	svc        *daemon.Service
	client     reelfarmv1.RenderFarmClient
	dispatcher *scheduler.Dispatcher
	history    *store.Store
	objects    *transfer.MemStore

	mu       sync.Mutex
	shutdown int
}

func (td *testDaemon) shutdowns() int {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.shutdown
}

// startTestDaemon serves a Service backed by real components on a unix
// socket. Jobs run through fn instead of spawning processes.
func startTestDaemon(t *testing.T, fn runFunc) *testDaemon {
	t.Helper()
	if fn == nil {
		fn = func(context.Context, runner.Command) (runner.Result, error) { return runner.Result{}, nil }
	}
	tmpDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	mon := monitor.New(monitor.Options{Host: quietHost{}, GPU: monitor.NoGPU{}})
	mon.Snapshot(ctx)

	history, err := store.Open("")
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	c, err := cache.Open(cache.Options{
		Dir:           filepath.Join(tmpDir, "cache"),
		InMemoryIndex: true,
		Validator:     cache.ValidatorFunc(func(context.Context, string) error { return nil }),
	})
	if err != nil {
		t.Fatalf("cache.Open failed: %v", err)
	}
	objects := transfer.NewMemStore("https://cdn.example")
	engine, err := transfer.New(transfer.Options{Store: objects, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("transfer.New failed: %v", err)
	}

	b := broadcaster.New()
	d, err := scheduler.New(scheduler.Options{
		Runner:            fn,
		Resources:         mon,
		Limits:            scheduler.NewLiveLimits(types.SchedulerLimits{MaxGPUTasks: 0, MaxCPUTasks: 2}),
		Inputs:            c,
		Uploader:          engine,
		Archiver:          history,
		OnEvent:           b.Notify,
		BackpressureDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("scheduler.New failed: %v", err)
	}
	d.Start(ctx)

	td := &testDaemon{dispatcher: d, history: history, objects: objects}
	td.svc = daemon.NewService(daemon.Components{
		Dispatcher:  d,
		History:     history,
		Cache:       c,
		Transfer:    engine,
		Monitor:     mon,
		Broadcaster: b,
		Backend:     "memory",
		Version:     "test",
	})
	td.svc.OnShutdown(func() {
		td.mu.Lock()
		td.shutdown++
		td.mu.Unlock()
	})

	socketPath := filepath.Join(tmpDir, "test.sock")
	srv, err := daemon.NewServer(daemon.Config{SocketPath: socketPath, DataDir: filepath.Join(tmpDir, "data")}, td.svc)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	go func() {
		_ = srv.Serve()
	}()

	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	td.client = reelfarmv1.NewRenderFarmClient(conn)

	t.Cleanup(func() {
		_ = conn.Close()
		b.Close()
		_ = srv.Close()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = d.Shutdown(sctx)
		cancel()
		_ = c.Close()
		_ = history.Close()
	})
	return td
}

func call[Req, Resp any](t *testing.T, method func(context.Context, *structpb.Struct, ...grpc.CallOption) (*structpb.Struct, error), req Req) (Resp, error) {
	t.Helper()
	var resp Resp
	in, err := reelfarmv1.Encode(req)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := method(ctx, in)
	if err != nil {
		return resp, err
	}
	if err := reelfarmv1.Decode(out, &resp); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return resp, nil
}

func submit(t *testing.T, td *testDaemon, typ, priority string, spec types.JobSpec) string {
	t.Helper()
	raw, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	resp, err := call[reelfarmv1.SubmitRequest, reelfarmv1.SubmitResponse](t, td.client.Submit,
		reelfarmv1.SubmitRequest{Type: typ, Priority: priority, Payload: raw})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.ID == "" {
		t.Fatal("Submit returned an empty ID")
	}
	return resp.ID
}

func getTask(t *testing.T, td *testDaemon, id string) (types.TaskRecord, error) {
	t.Helper()
	return call[reelfarmv1.TaskRequest, types.TaskRecord](t, td.client.GetTask, reelfarmv1.TaskRequest{ID: id})
}

func waitForStatus(t *testing.T, td *testDaemon, id string, want types.Status) types.TaskRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := getTask(t, td, id)
		if err == nil && rec.Status == want {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s never reached %s (last %s, err %v)", id, want, rec.Status, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func expectCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil error", want)
	}
	if got := status.Code(err); got != want {
		t.Fatalf("expected %s, got %s (%v)", want, got, err)
	}
}

func TestServiceSubmitRunsTask(t *testing.T) {
	var mu sync.Mutex
	var ran []runner.Command
	td := startTestDaemon(t, func(_ context.Context, cmd runner.Command) (runner.Result, error) {
		mu.Lock()
		ran = append(ran, cmd)
		mu.Unlock()
		return runner.Result{Stdout: "frame=240"}, nil
	})

	id := submit(t, td, "video_encode", "high", types.JobSpec{Command: []string{"ffmpeg", "-i", "in.mov", "out.mp4"}})
	rec := waitForStatus(t, td, id, types.StatusCompleted)

	if rec.Type != types.TaskVideoEncode {
		t.Errorf("Expected type video_encode, got %s", rec.Type)
	}
	if rec.Priority != types.PriorityHigh {
		t.Errorf("Expected high priority, got %s", rec.Priority)
	}
	if rec.Class != types.ClassCPU {
		t.Errorf("Expected CPU lane without a GPU, got %s", rec.Class)
	}
	if rec.Result == nil {
		t.Fatal("Expected a result on the completed task")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 1 || ran[0].Args[0] != "ffmpeg" {
		t.Errorf("Expected one ffmpeg run, got %+v", ran)
	}
}

func TestServiceSubmitRejectsBadRequests(t *testing.T) {
	td := startTestDaemon(t, nil)
	spec, _ := json.Marshal(types.JobSpec{Command: []string{"true"}})

	tests := []struct {
		name string
		req  reelfarmv1.SubmitRequest
	}{
		{"unknown type", reelfarmv1.SubmitRequest{Type: "hologram", Payload: spec}},
		{"unknown priority", reelfarmv1.SubmitRequest{Type: "video_encode", Priority: "whenever", Payload: spec}},
		{"missing payload", reelfarmv1.SubmitRequest{Type: "video_encode"}},
		{"empty command", reelfarmv1.SubmitRequest{Type: "video_encode", Payload: json.RawMessage(`{"command":[]}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call[reelfarmv1.SubmitRequest, reelfarmv1.SubmitResponse](t, td.client.Submit, tt.req)
			expectCode(t, err, codes.InvalidArgument)
		})
	}
}

func TestServiceGetUnknownTask(t *testing.T) {
	td := startTestDaemon(t, nil)

	_, err := getTask(t, td, "does-not-exist")
	expectCode(t, err, codes.NotFound)

	_, err = getTask(t, td, "")
	expectCode(t, err, codes.InvalidArgument)
}

func TestServiceListTasks(t *testing.T) {
	release := make(chan struct{})
	td := startTestDaemon(t, func(ctx context.Context, cmd runner.Command) (runner.Result, error) {
		if cmd.Args[0] == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return runner.Result{}, ctx.Err()
			}
		}
		return runner.Result{}, nil
	})
	defer close(release)

	fast := submit(t, td, "image_process", "", types.JobSpec{Command: []string{"fast"}})
	waitForStatus(t, td, fast, types.StatusCompleted)
	slow := submit(t, td, "video_concat", "", types.JobSpec{Command: []string{"slow"}})
	waitForStatus(t, td, slow, types.StatusRunning)

	all, err := call[reelfarmv1.ListRequest, reelfarmv1.ListResponse](t, td.client.ListTasks, reelfarmv1.ListRequest{})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(all.Tasks) != 2 || all.Tasks[0].ID != fast || all.Tasks[1].ID != slow {
		t.Fatalf("Expected [%s %s] in submission order, got %+v", fast, slow, all.Tasks)
	}

	running, err := call[reelfarmv1.ListRequest, reelfarmv1.ListResponse](t, td.client.ListTasks,
		reelfarmv1.ListRequest{Status: string(types.StatusRunning)})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(running.Tasks) != 1 || running.Tasks[0].ID != slow {
		t.Errorf("Expected only %s running, got %+v", slow, running.Tasks)
	}

	last, err := call[reelfarmv1.ListRequest, reelfarmv1.ListResponse](t, td.client.ListTasks, reelfarmv1.ListRequest{Limit: 1})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(last.Tasks) != 1 || last.Tasks[0].ID != slow {
		t.Errorf("Expected limit to keep the latest task, got %+v", last.Tasks)
	}
}

func TestServiceListIncludesHistory(t *testing.T) {
	td := startTestDaemon(t, nil)

	created := time.Now().Add(-time.Hour)
	done := created.Add(time.Minute)
	archived := types.TaskRecord{
		ID:          "archived-1",
		Type:        types.TaskVideoEncode,
		Status:      types.StatusCompleted,
		CreatedAt:   created,
		CompletedAt: &done,
	}
	if err := td.history.Archive(archived); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	live := submit(t, td, "audio_process", "", types.JobSpec{Command: []string{"sox"}})
	waitForStatus(t, td, live, types.StatusCompleted)

	resp, err := call[reelfarmv1.ListRequest, reelfarmv1.ListResponse](t, td.client.ListTasks, reelfarmv1.ListRequest{History: true})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(resp.Tasks) != 2 || resp.Tasks[0].ID != "archived-1" || resp.Tasks[1].ID != live {
		t.Fatalf("Expected archived task first, got %+v", resp.Tasks)
	}

	rec, err := getTask(t, td, "archived-1")
	if err != nil {
		t.Fatalf("GetTask on archived task failed: %v", err)
	}
	if rec.Status != types.StatusCompleted {
		t.Errorf("Expected archived task completed, got %s", rec.Status)
	}

	_, err = call[reelfarmv1.TaskRequest, reelfarmv1.CancelResponse](t, td.client.CancelTask, reelfarmv1.TaskRequest{ID: "archived-1"})
	expectCode(t, err, codes.FailedPrecondition)
}

func TestServiceCancelTask(t *testing.T) {
	started := make(chan struct{}, 1)
	td := startTestDaemon(t, func(ctx context.Context, _ runner.Command) (runner.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return runner.Result{}, ctx.Err()
	})

	id := submit(t, td, "video_filter", "", types.JobSpec{Command: []string{"ffmpeg", "-vf", "scale=720:-1"}})
	<-started

	if _, err := call[reelfarmv1.TaskRequest, reelfarmv1.CancelResponse](t, td.client.CancelTask, reelfarmv1.TaskRequest{ID: id}); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	waitForStatus(t, td, id, types.StatusCancelled)

	_, err := call[reelfarmv1.TaskRequest, reelfarmv1.CancelResponse](t, td.client.CancelTask, reelfarmv1.TaskRequest{ID: id})
	expectCode(t, err, codes.FailedPrecondition)

	_, err = call[reelfarmv1.TaskRequest, reelfarmv1.CancelResponse](t, td.client.CancelTask, reelfarmv1.TaskRequest{ID: "missing"})
	expectCode(t, err, codes.NotFound)
}

func TestServiceStatus(t *testing.T) {
	td := startTestDaemon(t, nil)
	id := submit(t, td, "video_decode", "", types.JobSpec{Command: []string{"true"}})
	waitForStatus(t, td, id, types.StatusCompleted)

	resp, err := call[reelfarmv1.Empty, reelfarmv1.StatusResponse](t, td.client.Status, reelfarmv1.Empty{})
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if resp.Version != "test" {
		t.Errorf("Expected version test, got %s", resp.Version)
	}
	if resp.Backend != "memory" {
		t.Errorf("Expected memory backend, got %s", resp.Backend)
	}
	if resp.Scheduler.Completed != 1 {
		t.Errorf("Expected 1 completed task, got %d", resp.Scheduler.Completed)
	}
	if resp.Scheduler.Limits.MaxCPUTasks != 2 {
		t.Errorf("Expected CPU limit 2, got %d", resp.Scheduler.Limits.MaxCPUTasks)
	}
	if resp.Resources.CPUPercent != 12 {
		t.Errorf("Expected CPU 12%%, got %.1f", resp.Resources.CPUPercent)
	}
}

func TestServiceCacheRPCs(t *testing.T) {
	td := startTestDaemon(t, nil)
	src := filepath.Join(t.TempDir(), "intro.mp4")
	if err := os.WriteFile(src, []byte("not really a video"), 0644); err != nil {
		t.Fatalf("failed to write source: %v", err)
	}
	missing := filepath.Join(t.TempDir(), "gone.mp4")

	pre, err := call[reelfarmv1.PreloadRequest, reelfarmv1.PreloadResponse](t, td.client.Preload,
		reelfarmv1.PreloadRequest{Locators: []string{src, missing}})
	if err != nil {
		t.Fatalf("Preload failed: %v", err)
	}
	if pre.Paths[src] == "" {
		t.Errorf("Expected a local path for %s, got %+v", src, pre.Paths)
	}
	if pre.Errors[missing] == "" {
		t.Errorf("Expected an error for %s, got %+v", missing, pre.Errors)
	}

	stats, err := call[reelfarmv1.CacheRequest, reelfarmv1.CacheResponse](t, td.client.CacheStats, reelfarmv1.CacheRequest{Entries: true})
	if err != nil {
		t.Fatalf("CacheStats failed: %v", err)
	}
	if len(stats.Entries) != 1 || stats.Entries[0].Locator != src {
		t.Fatalf("Expected one entry for %s, got %+v", src, stats.Entries)
	}
	if stats.Entries[0].Size != int64(len("not really a video")) {
		t.Errorf("Expected entry size %d, got %d", len("not really a video"), stats.Entries[0].Size)
	}

	cleared, err := call[reelfarmv1.ClearCacheRequest, reelfarmv1.ClearCacheResponse](t, td.client.ClearCache,
		reelfarmv1.ClearCacheRequest{Locator: "https://unknown.example/x.mp4"})
	if err != nil {
		t.Fatalf("ClearCache failed: %v", err)
	}
	if cleared.Removed != 0 {
		t.Errorf("Expected nothing removed for an unknown locator, got %d", cleared.Removed)
	}

	cleared, err = call[reelfarmv1.ClearCacheRequest, reelfarmv1.ClearCacheResponse](t, td.client.ClearCache, reelfarmv1.ClearCacheRequest{})
	if err != nil {
		t.Fatalf("ClearCache failed: %v", err)
	}
	if cleared.Removed != 1 {
		t.Errorf("Expected 1 entry removed, got %d", cleared.Removed)
	}
}

func TestServiceUpload(t *testing.T) {
	td := startTestDaemon(t, nil)
	p := filepath.Join(t.TempDir(), "final.mp4")
	if err := os.WriteFile(p, []byte("rendered reel"), 0644); err != nil {
		t.Fatalf("failed to write output: %v", err)
	}

	req := reelfarmv1.UploadRequest{Path: p, Key: "reels/final.mp4"}
	first, err := call[reelfarmv1.UploadRequest, reelfarmv1.UploadResponse](t, td.client.Upload, req)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !strings.HasPrefix(first.Key, "reels/hash_") || !strings.HasSuffix(first.Key, ".mp4") {
		t.Errorf("Expected a content-addressed key, got %s", first.Key)
	}
	if first.URL != "https://cdn.example/"+first.Key {
		t.Errorf("Unexpected URL %s", first.URL)
	}
	if _, ok := td.objects.Object(first.Key); !ok {
		t.Error("Expected object in the store")
	}

	second, err := call[reelfarmv1.UploadRequest, reelfarmv1.UploadResponse](t, td.client.Upload, req)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !second.Deduplicated || second.URL != first.URL {
		t.Errorf("Expected deduplicated upload with the same URL, got %+v", second)
	}

	_, err = call[reelfarmv1.UploadRequest, reelfarmv1.UploadResponse](t, td.client.Upload,
		reelfarmv1.UploadRequest{Path: filepath.Join(t.TempDir(), "missing.mp4"), Key: "k.mp4"})
	expectCode(t, err, codes.NotFound)

	_, err = call[reelfarmv1.UploadRequest, reelfarmv1.UploadResponse](t, td.client.Upload, reelfarmv1.UploadRequest{Path: p})
	expectCode(t, err, codes.InvalidArgument)
}

func TestServiceShutdownRunsCallback(t *testing.T) {
	td := startTestDaemon(t, nil)

	if _, err := call[reelfarmv1.Empty, reelfarmv1.Empty](t, td.client.Shutdown, reelfarmv1.Empty{}); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for td.shutdowns() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("shutdown callback never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServiceWatchTask(t *testing.T) {
	release := make(chan struct{})
	td := startTestDaemon(t, func(ctx context.Context, _ runner.Command) (runner.Result, error) {
		select {
		case <-release:
			return runner.Result{}, nil
		case <-ctx.Done():
			return runner.Result{}, ctx.Err()
		}
	})

	id := submit(t, td, "video_encode", "", types.JobSpec{Command: []string{"ffmpeg"}})
	waitForStatus(t, td, id, types.StatusRunning)

	in, _ := reelfarmv1.Encode(reelfarmv1.WatchRequest{ID: id})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := td.client.Watch(ctx, in)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	first, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	var rec types.TaskRecord
	if err := reelfarmv1.Decode(first, &rec); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if rec.ID != id || rec.Status != types.StatusRunning {
		t.Fatalf("Expected current state first, got %s %s", rec.ID, rec.Status)
	}

	close(release)
	var last types.TaskRecord
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if err := reelfarmv1.Decode(msg, &last); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
	}
	if last.Status != types.StatusCompleted {
		t.Errorf("Expected stream to end on completed, got %s", last.Status)
	}
}

func TestServiceWatchUnknownTask(t *testing.T) {
	td := startTestDaemon(t, nil)

	in, _ := reelfarmv1.Encode(reelfarmv1.WatchRequest{ID: "nope"})
	stream, err := td.client.Watch(context.Background(), in)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	_, err = stream.Recv()
	expectCode(t, err, codes.NotFound)
}

func TestHealthRouter(t *testing.T) {
	td := startTestDaemon(t, nil)
	id := submit(t, td, "image_process", "", types.JobSpec{Command: []string{"convert"}})
	waitForStatus(t, td, id, types.StatusCompleted)

	srv := httptest.NewServer(daemon.NewHealthRouter(td.svc))
	defer srv.Close()

	tests := []struct {
		path string
		code int
		want string
	}{
		{"/healthz", http.StatusOK, `"ok"`},
		{"/v1/status", http.StatusOK, `"version":"test"`},
		{"/v1/tasks/" + id, http.StatusOK, `"status":"completed"`},
		{"/v1/tasks/unknown", http.StatusNotFound, `"error"`},
		{"/v1/cache", http.StatusOK, `{`},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", tt.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != tt.code {
			t.Errorf("GET %s: expected %d, got %d", tt.path, tt.code, resp.StatusCode)
		}
		if !strings.Contains(string(body), tt.want) {
			t.Errorf("GET %s: expected body to contain %s, got %s", tt.path, tt.want, body)
		}
	}
}
