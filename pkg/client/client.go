// Package client provides a client for connecting to the reelfarmd daemon.
// It wraps the gRPC client with typed request and response values.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	reelfarmv1 "github.com/jamesainslie/reelfarm/pkg/api/reelfarm/v1"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/config"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// Client connects to the reelfarmd daemon via gRPC.
type Client struct {
	conn   *grpc.ClientConn
	client reelfarmv1.RenderFarmClient
}

// DefaultSocketPath returns the default Unix socket path for reelfarmd.
func DefaultSocketPath() string {
	return filepath.Join(config.DataDir(), "reelfarm.sock")
}

// DefaultPIDPath returns the default PID file path for reelfarmd.
func DefaultPIDPath() string {
	return filepath.Join(config.DataDir(), "reelfarm.pid")
}

// DaemonPaths configures paths for daemon operations.
// Empty fields use defaults.
type DaemonPaths struct {
	Binary string // Path to reelfarmd binary (auto-discovered if empty)
	Socket string // Unix socket path
	PID    string // PID file path
	Config string // Config file passed to reelfarmd, if any
}

// withDefaults returns a copy with empty fields filled with defaults.
func (p DaemonPaths) withDefaults() DaemonPaths {
	if p.Socket == "" {
		p.Socket = DefaultSocketPath()
	}
	if p.PID == "" {
		p.PID = DefaultPIDPath()
	}
	return p
}

// Connect establishes a connection to the reelfarmd daemon.
// Uses a default timeout of 5 seconds.
func Connect(socketPath string) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ConnectWithContext(ctx, socketPath)
}

// ConnectWithContext establishes a connection to the reelfarmd daemon with a custom context.
func ConnectWithContext(ctx context.Context, socketPath string) (*Client, error) {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("daemon socket not found at %s", socketPath)
	}

	//nolint:staticcheck // grpc.DialContext is deprecated but NewClient doesn't support blocking
	conn, err := grpc.DialContext(
		ctx,
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}

	return &Client{
		conn:   conn,
		client: reelfarmv1.NewRenderFarmClient(conn),
	}, nil
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

type unaryCall func(context.Context, *structpb.Struct, ...grpc.CallOption) (*structpb.Struct, error)

// invoke encodes req, calls the RPC and decodes into resp.
func invoke(ctx context.Context, name string, call unaryCall, req, resp any) error {
	in, err := reelfarmv1.Encode(req)
	if err != nil {
		return err
	}
	out, err := call(ctx, in)
	if err != nil {
		return fmt.Errorf("%s RPC failed: %w", name, err)
	}
	if resp == nil {
		return nil
	}
	return reelfarmv1.Decode(out, resp)
}

// Submit enqueues a job and returns its task ID. An empty priority means
// normal.
func (c *Client) Submit(ctx context.Context, taskType types.TaskType, priority string, spec types.JobSpec) (string, error) {
	payload, err := types.NewPayload(taskType, spec)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	var resp reelfarmv1.SubmitResponse
	req := reelfarmv1.SubmitRequest{Type: string(taskType), Priority: priority, Payload: raw}
	if err := invoke(ctx, "Submit", c.client.Submit, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// GetTask returns one task, live or archived.
func (c *Client) GetTask(ctx context.Context, id string) (types.TaskRecord, error) {
	var rec types.TaskRecord
	err := invoke(ctx, "GetTask", c.client.GetTask, reelfarmv1.TaskRequest{ID: id}, &rec)
	return rec, err
}

// ListTasks returns tasks in submission order.
func (c *Client) ListTasks(ctx context.Context, req reelfarmv1.ListRequest) ([]types.TaskRecord, error) {
	var resp reelfarmv1.ListResponse
	if err := invoke(ctx, "ListTasks", c.client.ListTasks, req, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Cancel cancels a pending or running task and returns its status after the
// request.
func (c *Client) Cancel(ctx context.Context, id string) (types.Status, error) {
	var resp reelfarmv1.CancelResponse
	if err := invoke(ctx, "CancelTask", c.client.CancelTask, reelfarmv1.TaskRequest{ID: id}, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Status returns the daemon's health and scheduler view.
func (c *Client) Status(ctx context.Context) (*reelfarmv1.StatusResponse, error) {
	var resp reelfarmv1.StatusResponse
	if err := invoke(ctx, "Status", c.client.Status, reelfarmv1.Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CacheStats returns cache counters, and the index when entries is set.
func (c *Client) CacheStats(ctx context.Context, entries bool) (*reelfarmv1.CacheResponse, error) {
	var resp reelfarmv1.CacheResponse
	if err := invoke(ctx, "CacheStats", c.client.CacheStats, reelfarmv1.CacheRequest{Entries: entries}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearCache removes one locator, or every entry when locator is empty.
// Returns the number of entries removed.
func (c *Client) ClearCache(ctx context.Context, locator string) (int, error) {
	var resp reelfarmv1.ClearCacheResponse
	if err := invoke(ctx, "ClearCache", c.client.ClearCache, reelfarmv1.ClearCacheRequest{Locator: locator}, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// Preload warms the cache with locators.
func (c *Client) Preload(ctx context.Context, locators []string) (*reelfarmv1.PreloadResponse, error) {
	var resp reelfarmv1.PreloadResponse
	if err := invoke(ctx, "Preload", c.client.Preload, reelfarmv1.PreloadRequest{Locators: locators}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Upload asks the daemon to upload a file it can read. Relative paths are
// made absolute first, since the daemon has its own working directory.
func (c *Client) Upload(ctx context.Context, path, key string) (*reelfarmv1.UploadResponse, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	var resp reelfarmv1.UploadResponse
	if err := invoke(ctx, "Upload", c.client.Upload, reelfarmv1.UploadRequest{Path: abs, Key: key}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Shutdown requests the daemon to shut down gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	return invoke(ctx, "Shutdown", c.client.Shutdown, reelfarmv1.Empty{}, nil)
}

// Watch streams task updates. With an ID the stream starts with the task's
// current state and the channel closes once it is terminal; with an empty
// ID every task is streamed until ctx is cancelled.
func (c *Client) Watch(ctx context.Context, id string) (<-chan types.TaskRecord, error) {
	in, err := reelfarmv1.Encode(reelfarmv1.WatchRequest{ID: id})
	if err != nil {
		return nil, err
	}
	stream, err := c.client.Watch(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("Watch RPC failed: %w", err)
	}

	// The first message tells us whether the task exists.
	var first *types.TaskRecord
	if id != "" {
		msg, err := stream.Recv()
		if err != nil {
			return nil, fmt.Errorf("Watch RPC failed: %w", err)
		}
		var rec types.TaskRecord
		if err := reelfarmv1.Decode(msg, &rec); err != nil {
			return nil, err
		}
		first = &rec
	}

	events := make(chan types.TaskRecord, 100)
	go func() {
		defer close(events)
		if first != nil {
			select {
			case events <- *first:
			case <-ctx.Done():
				return
			}
		}
		for {
			msg, err := stream.Recv()
			if err != nil {
				return // Stream closed or error
			}
			var rec types.TaskRecord
			if err := reelfarmv1.Decode(msg, &rec); err != nil {
				continue
			}
			select {
			case events <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// Wait blocks until task id is terminal and returns its final record.
func (c *Client) Wait(ctx context.Context, id string) (types.TaskRecord, error) {
	events, err := c.Watch(ctx, id)
	if err != nil {
		return types.TaskRecord{}, err
	}
	var last types.TaskRecord
	for rec := range events {
		last = rec
	}
	if !last.Status.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		return last, io.ErrUnexpectedEOF
	}
	return last, nil
}

// EnsureDaemon ensures the daemon is running, starting it if necessary.
// Idempotent: returns nil if daemon is already running.
func EnsureDaemon(paths DaemonPaths) error {
	return StartDaemon(paths)
}

// StartDaemon starts the reelfarmd daemon in the background.
// Idempotent: returns nil if daemon is already running.
func StartDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	if IsDaemonRunning(paths.PID) {
		return nil // Already running, nothing to do
	}

	binary, err := resolveBinary(paths.Binary)
	if err != nil {
		return fmt.Errorf("find reelfarmd: %w", err)
	}

	statusPath := statusPathFor(paths.Socket)
	_ = os.Remove(statusPath)

	var args []string
	if paths.Config != "" {
		args = append(args, "--config", paths.Config)
	}

	// Use exec.Command (not CommandContext) intentionally: daemon must outlive caller
	cmd := exec.Command(binary, args...) //nolint:gosec // binary path is validated
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	// Detach so daemon outlives caller
	if cmd.Process != nil {
		_ = cmd.Process.Release()
	}

	// The status file is written once the socket is bound, so it wins over
	// a bare socket check.
	for range 100 {
		time.Sleep(100 * time.Millisecond)

		if status, err := readStatusFile(statusPath); err == nil {
			switch status.Status {
			case "ready":
				return nil
			case "error":
				return fmt.Errorf("daemon failed to start: %s", status.Error)
			}
		}
	}

	return errors.New("daemon did not become ready within timeout")
}

// StopDaemon stops the daemon gracefully via RPC.
// Idempotent: returns nil if daemon is not running.
func StopDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	if !IsDaemonRunning(paths.PID) {
		return nil // Not running, nothing to do
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := ConnectWithContext(ctx, paths.Socket)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer client.Close()

	if err := client.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown daemon: %w", err)
	}

	// Running tasks get the daemon's shutdown timeout to finish.
	for range 160 {
		time.Sleep(250 * time.Millisecond)
		if !IsDaemonRunning(paths.PID) {
			return nil
		}
	}

	return errors.New("daemon did not stop within timeout")
}

// RestartDaemon stops and starts the daemon.
func RestartDaemon(paths DaemonPaths) error {
	if err := StopDaemon(paths); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if err := StartDaemon(paths); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// resolveBinary finds the reelfarmd binary path.
// Priority: configured path > same directory as executable > GOBIN/GOPATH > PATH.
func resolveBinary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("configured binary not found: %s", configured)
		}
		return configured, nil
	}

	if execPath, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(execPath), "reelfarmd")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	if goBinPath := config.DefaultBinaryPath(); goBinPath != "" {
		return goBinPath, nil
	}

	if path, err := exec.LookPath("reelfarmd"); err == nil {
		return path, nil
	}

	return "", errors.New("reelfarmd not found")
}

// IsDaemonRunning checks if the daemon is running based on the PID file.
func IsDaemonRunning(pidPath string) bool {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Send signal 0 to check if process exists
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// readPIDFile reads a PID from a file.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, err
	}

	return pid, nil
}

// statusPathFor mirrors the daemon's naming: reelfarm.sock -> reelfarm.status.
func statusPathFor(socket string) string {
	return strings.TrimSuffix(socket, filepath.Ext(socket)) + ".status"
}

// statusFile represents the daemon startup status file.
type statusFile struct {
	Status string `json:"status"`
	PID    int    `json:"pid,omitempty"`
	Error  string `json:"error,omitempty"`
}

// readStatusFile reads and parses the daemon status file.
func readStatusFile(path string) (*statusFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status statusFile
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
