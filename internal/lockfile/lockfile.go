// Package lockfile guards the AgentRelay state directory against a second running instance.
//
// The lock is an flock on a file inside the directory, so the kernel drops it when the
// process exits, however it exits.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "agentrelay.lock"

// ErrLocked matches every *LockError via errors.Is.
var ErrLocked = errors.New("state directory is locked by another instance")

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if needed.
// A *LockError describing the holder is returned when another process owns the lock.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.AcquireLock invoked", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// No O_TRUNC: the holder's info must survive a failed attempt.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(lockPath)
		slog.Error("lockfile.AcquireLock: state directory already locked", "lock_path", lockPath, "holder", holder, "error", err)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	info := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Acquired state directory lock", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

func writeInfo(file *os.File, info string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile: failed to sync lock file", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. Calling it more than once is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	var errs []error
	// Remove before unlocking so a waiting instance never sees our stale info.
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove lock file: %w", err))
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close lock file: %w", err))
	}
	l.file = nil

	if err := errors.Join(errs...); err != nil {
		slog.Error("lockfile.Release failed", "lock_path", l.path, "error", err)
		return err
	}
	slog.Info("Released state directory lock", "lock_path", l.path)
	return nil
}

// LockError reports a state directory held by another process.
type LockError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another AgentRelay instance is using this state directory (lock file: %s)", e.LockPath)
	if e.Holder != "" {
		fmt.Fprintf(&b, "; holder: %s", e.Holder)
	}
	fmt.Fprintf(&b, "; if no other instance is running, remove the stale lock with: rm %s", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func (e *LockError) Is(target error) bool {
	return target == ErrLocked
}

// describeHolder summarizes the lock file contents for error messages.
func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unknown (lock file unreadable)"
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return "unknown (no pid recorded)"
	}
	if processAlive(pid) {
		return fmt.Sprintf("pid %d (running)", pid)
	}
	return fmt.Sprintf("pid %d (not running)", pid)
}

// parsePID extracts the value of the pid= line, or 0.
func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		if pid, err := strconv.Atoi(v); err == nil {
			return pid
		}
	}
	return 0
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
