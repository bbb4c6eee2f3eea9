package lock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meow-stack/ledger/internal/ledgererr"
)

func fastOptions() Options {
	return Options{
		LockTimeout:      150 * time.Millisecond,
		RetryInterval:    2 * time.Millisecond,
		MaxRetryInterval: 10 * time.Millisecond,
		StaleThreshold:   50 * time.Millisecond,
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, "op1", "alice", 123, fastOptions(), nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(path(dir, "op1")); err != nil {
		t.Fatalf("lock file should exist: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path(dir, "op1")); !os.IsNotExist(err) {
		t.Fatalf("lock file should be gone after Release")
	}
}

func TestReleaseMissingLockIsNotError(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, "op1", "alice", 123, fastOptions(), nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release on already-gone lock should be a no-op, got: %v", err)
	}
}

func TestAcquireFailsWhenHeldAndAliveWithinTimeout(t *testing.T) {
	dir := t.TempDir()
	holder, err := Acquire(dir, "op1", "holder", 1, fastOptions(), nil)
	if err != nil {
		t.Fatalf("Acquire holder: %v", err)
	}
	defer holder.Release()

	opts := fastOptions()
	opts.LockTimeout = 30 * time.Millisecond
	_, err = Acquire(dir, "op1", "contender", 2, opts, func(string, string, time.Duration) (bool, error) {
		return false, nil // holder is alive, never orphaned
	})
	if !ledgererr.Is(err, ledgererr.CodeLockFailed) {
		t.Fatalf("expected CodeLockFailed, got %v", err)
	}
}

func TestAcquireTakesOverOrphanedLock(t *testing.T) {
	dir := t.TempDir()

	// Write a lock file directly and backdate its mtime beyond LockTimeout.
	lockPath := path(dir, "op1")
	if err := tryCreate(lockPath, "dead-holder", 999); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	old := time.Now().Add(-1 * time.Second)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	probe := func(operationID, participantID string, staleThreshold time.Duration) (bool, error) {
		if participantID != "dead-holder" {
			t.Errorf("probe called with unexpected participant %q", participantID)
		}
		return true, nil // orphaned: no live frames
	}

	l, err := Acquire(dir, "op1", "contender", 2, fastOptions(), probe)
	if err != nil {
		t.Fatalf("Acquire should take over orphaned lock: %v", err)
	}
	defer l.Release()

	data, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if !containsStr(string(data), "contender") {
		t.Errorf("lock file should now belong to contender, got %s", data)
	}
}

func TestIsOrphanedWhenProbeErrors(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "op1.operation.json.lock")
	if err := tryCreate(lockPath, "holder", 1); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	probe := func(string, string, time.Duration) (bool, error) {
		return false, ledgererr.New(ledgererr.CodeLedgerNotFound, "gone")
	}

	orphaned, err := isOrphaned(lockPath, "op1", 50*time.Millisecond, probe)
	if err != nil {
		t.Fatalf("isOrphaned: %v", err)
	}
	if !orphaned {
		t.Error("absent operation file should be treated as evidence of an orphaned lock")
	}
}

func containsStr(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
