package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireLock_WritesProcessInfo(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	if want := filepath.Join(dir, LockFileName); lock.Path() != want {
		t.Errorf("Path() = %q, want %q", lock.Path(), want)
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if !strings.HasPrefix(string(content), fmt.Sprintf("pid=%d\n", os.Getpid())) {
		t.Errorf("lock file content = %q, want pid line first", content)
	}
	if !strings.Contains(string(content), "started=") {
		t.Errorf("lock file content = %q, want started line", content)
	}
}

func TestAcquireLock_CreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("state dir not created: %v", err)
	}
}

func TestAcquireLock_Conflict(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("second AcquireLock succeeded, want conflict")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("error type = %T, want *LockError", err)
	}
	if !errors.Is(err, ErrLocked) {
		t.Error("errors.Is(err, ErrLocked) = false")
	}
	if want := fmt.Sprintf("pid %d (running)", os.Getpid()); lockErr.Holder != want {
		t.Errorf("Holder = %q, want %q", lockErr.Holder, want)
	}
	if !strings.Contains(err.Error(), "rm "+lockErr.LockPath) {
		t.Errorf("error message lacks removal hint: %s", err)
	}

	// The failed attempt must not clobber the holder's info.
	content, _ := os.ReadFile(first.Path())
	if !strings.Contains(string(content), fmt.Sprintf("pid=%d", os.Getpid())) {
		t.Errorf("holder info lost after failed attempt: %q", content)
	}
}

func TestRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file still present after Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock after Release: %v", err)
	}
	again.Release()

	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release: %v", err)
	}
}

func TestParsePID(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"pid=1234\nstarted=2024-01-01T00:00:00Z\n", 1234},
		{"started=x\npid=42\n", 42},
		{"  pid=7  \n", 7},
		{"pid=abc\n", 0},
		{"", 0},
		{"hello", 0},
	}
	for _, tt := range tests {
		if got := parsePID(tt.content); got != tt.want {
			t.Errorf("parsePID(%q) = %d, want %d", tt.content, got, tt.want)
		}
	}
}

func TestDescribeHolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	if got := describeHolder(path); !strings.Contains(got, "unreadable") {
		t.Errorf("missing file: got %q", got)
	}

	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := describeHolder(path); !strings.Contains(got, "no pid") {
		t.Errorf("no pid: got %q", got)
	}

	// PIDs near the top of the range are practically never in use.
	if err := os.WriteFile(path, []byte("pid=4194000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := describeHolder(path); got != "pid 4194000 (not running)" {
		t.Errorf("stale pid: got %q", got)
	}
}
