// Single-process-per-runtime-dir instance lock, ported from the behavior
// described for core/utils/instance_lock.py in runner.py's main(): a PID
// file at a well-known path, (re)written with the current pid unless it
// names a live process, with a fallback to the
// system temp directory if the configured path isn't writable (spec.md
// §5 "Instance lock").
package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// InstanceLock holds an acquired lock file for the process lifetime.
type InstanceLock struct {
	Path string
	file *os.File
}

// processAlive reports whether pid names a live process (unix: signal 0
// probes without delivering anything).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func readLockPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// acquireAt attempts to claim path as an instance lock: if the file
// doesn't exist, or exists but names a pid that is no longer running, it
// is (re)written with the current pid. If it names a live pid, acquireAt
// fails.
func acquireAt(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	if pid, ok := readLockPID(path); ok && processAlive(pid) {
		return nil, fmt.Errorf("another runner instance is active (pid %d, lock %s)", pid, path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		f.Close()
		return nil, err
	}
	return &InstanceLock{Path: path, file: f}, nil
}

// AcquireInstanceLock claims primaryPath, falling back to a file under the
// OS temp directory (and emitting a lock_path_fallback event via the
// caller) when primaryPath's directory is not writable.
func AcquireInstanceLock(primaryPath string) (*InstanceLock, error, bool) {
	lock, err := acquireAt(primaryPath)
	if err == nil {
		return lock, nil, false
	}
	if pid, ok := readLockPID(primaryPath); ok && processAlive(pid) {
		// A live instance holds the lock, not a filesystem problem.
		// Don't fall back.
		return nil, err, false
	}

	fallbackDir := filepath.Join(os.TempDir(), "perpsd")
	fallbackPath := filepath.Join(fallbackDir, "runner.lock")
	lock, fallbackErr := acquireAt(fallbackPath)
	if fallbackErr != nil {
		return nil, fallbackErr, true
	}
	return lock, nil, true
}

// Release removes the lock file and closes its handle.
func (l *InstanceLock) Release() {
	if l == nil {
		return
	}
	if l.file != nil {
		l.file.Close()
	}
	_ = os.Remove(l.Path)
}
