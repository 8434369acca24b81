package daemon

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/logging"
)

// RecoverFromStaleDaemon checks for and cleans up stale daemon artifacts:
// the PID file, the socket and the LOCK file of every badger directory in
// dbDirs. It returns ErrDaemonAlreadyRunning if the recorded process is
// alive.
func RecoverFromStaleDaemon(pidPath, socketPath string, dbDirs ...string) error {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		// No PID file or invalid PID means nothing to recover
		return nil //nolint:nilerr // intentional: missing/invalid PID file is not an error condition
	}

	if IsProcessRunning(pid) {
		return ErrDaemonAlreadyRunning
	}

	log := logging.Get("daemon")
	log.Warn("cleaning up stale daemon files", "stale_pid", pid)

	// Remove stale files (ignore errors - files may not exist)
	_ = os.Remove(pidPath)
	_ = os.Remove(socketPath)
	for _, dir := range dbDirs {
		_ = os.Remove(filepath.Join(dir, "LOCK"))
	}

	return nil
}

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
