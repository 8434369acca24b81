package daemon_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	reelfarmv1 "github.com/jamesainslie/reelfarm/pkg/api/reelfarm/v1"
	"github.com/jamesainslie/reelfarm/pkg/daemon"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/config"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

func writeDaemonConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	file := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`daemon:
  data_dir: %s
  http_addr: 127.0.0.1:0
  shutdown_timeout: 5s
monitor:
  interval: 50ms
  nvidia_smi: reelfarm-no-such-binary
tuner:
  enabled: true
  interval: 50ms
cache:
  dir: %s
  probe: false
transfer:
  backend: memory
`, filepath.Join(dir, "data"), filepath.Join(dir, "media"))
	if err := os.WriteFile(file, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err := config.Load(file)
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	return cfg
}

func TestRunServesUntilShutdownRPC(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping daemon integration test in short mode")
	}
	dir := t.TempDir()
	cfg := writeDaemonConfig(t, dir)

	done := make(chan error, 1)
	go func() {
		done <- daemon.Run(context.Background(), cfg, "integration")
	}()

	statusPath := daemon.StatusPath(cfg.Daemon.SocketPath)
	deadline := time.Now().Add(10 * time.Second)
	for {
		st, err := daemon.ReadStatus(statusPath)
		if err == nil && st.Status == "ready" {
			if st.Socket != cfg.Daemon.SocketPath {
				t.Errorf("Expected socket %s in status, got %s", cfg.Daemon.SocketPath, st.Socket)
			}
			break
		}
		if err == nil && st.Status == "error" {
			t.Fatalf("daemon failed to start: %s", st.Error)
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon never became ready")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if pid, err := daemon.ReadPIDFile(cfg.Daemon.PIDPath); err != nil || pid != os.Getpid() {
		t.Errorf("Expected PID file with %d, got %d (%v)", os.Getpid(), pid, err)
	}

	conn, err := grpc.NewClient("unix://"+cfg.Daemon.SocketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer func() {
		_ = conn.Close()
	}()
	client := reelfarmv1.NewRenderFarmClient(conn)

	spec := []byte(`{"command":["true"]}`)
	resp, err := call[reelfarmv1.SubmitRequest, reelfarmv1.SubmitResponse](t, client.Submit,
		reelfarmv1.SubmitRequest{Type: "video_encode", Payload: spec})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	deadline = time.Now().Add(10 * time.Second)
	for {
		rec, err := call[reelfarmv1.TaskRequest, types.TaskRecord](t, client.GetTask, reelfarmv1.TaskRequest{ID: resp.ID})
		if err == nil && rec.Status == types.StatusCompleted {
			break
		}
		if err == nil && rec.Status.IsTerminal() {
			t.Fatalf("task ended %s: %+v", rec.Status, rec.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed (last %s, err %v)", rec.Status, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := call[reelfarmv1.Empty, reelfarmv1.Empty](t, client.Shutdown, reelfarmv1.Empty{}); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	for _, p := range []string{cfg.Daemon.PIDPath, cfg.Daemon.SocketPath, statusPath} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Expected %s to be removed, stat err %v", p, err)
		}
	}
}

func TestRunRefusesSecondInstance(t *testing.T) {
	dir := t.TempDir()
	cfg := writeDaemonConfig(t, dir)

	// A live process that is not us owns the PID file.
	if err := os.MkdirAll(filepath.Dir(cfg.Daemon.PIDPath), 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(cfg.Daemon.PIDPath, []byte(fmt.Sprintf("%d\n", os.Getppid())), 0644); err != nil {
		t.Fatalf("failed to write PID file: %v", err)
	}

	err := daemon.Run(context.Background(), cfg, "test")
	if !errors.Is(err, daemon.ErrDaemonAlreadyRunning) {
		t.Fatalf("Expected ErrDaemonAlreadyRunning, got %v", err)
	}
	st, rerr := daemon.ReadStatus(daemon.StatusPath(cfg.Daemon.SocketPath))
	if rerr != nil {
		t.Fatalf("ReadStatus failed: %v", rerr)
	}
	if st.Status != "error" {
		t.Errorf("Expected error status, got %s", st.Status)
	}
}

func TestNewObjectStoreRejectsUnknownBackend(t *testing.T) {
	_, err := daemon.NewObjectStore(context.Background(), config.TransferConfig{Backend: "ftp"})
	if err == nil {
		t.Fatal("Expected error for unknown backend")
	}
	st, err := daemon.NewObjectStore(context.Background(), config.TransferConfig{Backend: "memory", Bucket: "reels"})
	if err != nil {
		t.Fatalf("NewObjectStore failed: %v", err)
	}
	if got := st.URL("a.mp4"); got != "mem://reels/a.mp4" {
		t.Errorf("Expected mem://reels/a.mp4, got %s", got)
	}
}
