package daemon_test

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/jamesainslie/reelfarm/pkg/daemon"
)

func TestRecoverFromStaleDaemon_NoPIDFile(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "reelfarm.pid")
	socketPath := filepath.Join(dir, "reelfarm.sock")

	// No PID file exists - should return nil (nothing to recover)
	err := daemon.RecoverFromStaleDaemon(pidPath, socketPath, daemon.HistoryPath(dir))
	if err != nil {
		t.Errorf("Expected nil when no PID file exists, got %v", err)
	}
}

func TestRecoverFromStaleDaemon_ProcessRunning(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "reelfarm.pid")
	socketPath := filepath.Join(dir, "reelfarm.sock")

	// Write current process PID (simulates a running daemon)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		t.Fatalf("Failed to write PID file: %v", err)
	}

	err := daemon.RecoverFromStaleDaemon(pidPath, socketPath, daemon.HistoryPath(dir))
	if !errors.Is(err, daemon.ErrDaemonAlreadyRunning) {
		t.Errorf("Expected ErrDaemonAlreadyRunning when process is running, got %v", err)
	}

	if _, err := os.Stat(pidPath); os.IsNotExist(err) {
		t.Error("PID file should not have been removed when process is running")
	}
}

func TestRecoverFromStaleDaemon_StaleProcess(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "reelfarm.pid")
	socketPath := filepath.Join(dir, "reelfarm.sock")

	// Both badger databases leave a LOCK file behind after a crash
	historyDir := daemon.HistoryPath(dir)
	cacheIndexDir := filepath.Join(dir, "media", "index")
	var lockPaths []string
	for _, d := range []string{historyDir, cacheIndexDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", d, err)
		}
		lockPaths = append(lockPaths, filepath.Join(d, "LOCK"))
	}

	// Use a PID that definitely doesn't exist
	if err := os.WriteFile(pidPath, []byte("999999999"), 0644); err != nil {
		t.Fatalf("Failed to write PID file: %v", err)
	}
	if err := os.WriteFile(socketPath, []byte("fake socket"), 0644); err != nil {
		t.Fatalf("Failed to write socket file: %v", err)
	}
	for _, p := range lockPaths {
		if err := os.WriteFile(p, []byte("fake lock"), 0644); err != nil {
			t.Fatalf("Failed to write lock file: %v", err)
		}
	}

	err := daemon.RecoverFromStaleDaemon(pidPath, socketPath, historyDir, cacheIndexDir)
	if err != nil {
		t.Errorf("Expected nil after cleaning up stale daemon, got %v", err)
	}

	for _, path := range append([]string{pidPath, socketPath}, lockPaths...) {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("File %s should have been removed after recovery", path)
		}
	}
}

func TestRecoverFromStaleDaemon_PartialStaleFiles(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "reelfarm.pid")
	socketPath := filepath.Join(dir, "reelfarm.sock")

	// Only create PID file (no socket or lock file)
	if err := os.WriteFile(pidPath, []byte("999999999"), 0644); err != nil {
		t.Fatalf("Failed to write PID file: %v", err)
	}

	err := daemon.RecoverFromStaleDaemon(pidPath, socketPath, daemon.HistoryPath(dir))
	if err != nil {
		t.Errorf("Expected nil when cleaning up partial stale files, got %v", err)
	}

	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("PID file should have been removed")
	}
}

func TestRecoverFromStaleDaemon_InvalidPIDFile(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "reelfarm.pid")
	socketPath := filepath.Join(dir, "reelfarm.sock")

	if err := os.WriteFile(pidPath, []byte("not-a-number"), 0644); err != nil {
		t.Fatalf("Failed to write PID file: %v", err)
	}

	// Treated as no valid PID file
	err := daemon.RecoverFromStaleDaemon(pidPath, socketPath)
	if err != nil {
		t.Errorf("Expected nil for invalid PID file, got %v", err)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !daemon.IsProcessRunning(os.Getpid()) {
		t.Error("Expected current process to be running")
	}
	if daemon.IsProcessRunning(999999999) {
		t.Error("Expected non-existent PID to not be running")
	}
}
