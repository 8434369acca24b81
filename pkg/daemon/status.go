package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// StatusFile is what reelfarmd writes once it is serving or has failed to
// start. The client polls it while launching the daemon.
type StatusFile struct {
	Status string `json:"status"`           // "ready" or "error"
	PID    int    `json:"pid,omitempty"`    // only for ready
	Socket string `json:"socket,omitempty"` // only for ready
	Error  string `json:"error,omitempty"`  // only for error
}

// WriteStatusReady records that the daemon is serving on socket.
func WriteStatusReady(path, socket string) error {
	return writeStatus(path, &StatusFile{
		Status: "ready",
		PID:    os.Getpid(),
		Socket: socket,
	})
}

// WriteStatusError records why startup failed.
func WriteStatusError(path string, err error) error {
	return writeStatus(path, &StatusFile{
		Status: "error",
		Error:  err.Error(),
	})
}

// writeStatus replaces the file atomically so a poller never reads a
// partial document.
func writeStatus(path string, status *StatusFile) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadStatus reads a status file.
func ReadStatus(path string) (*StatusFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status StatusFile
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RemoveStatus removes the status file.
func RemoveStatus(path string) error {
	return os.Remove(path)
}

// StatusPath returns the status file that sits next to a socket:
// reelfarm.sock becomes reelfarm.status.
func StatusPath(socketPath string) string {
	return strings.TrimSuffix(socketPath, filepath.Ext(socketPath)) + ".status"
}

// HistoryPath returns the task history database directory.
func HistoryPath(dataDir string) string {
	return filepath.Join(dataDir, "history.db")
}
