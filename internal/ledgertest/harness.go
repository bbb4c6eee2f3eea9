// Package ledgertest provides shared test harness helpers, adapted from the
// teacher's internal/testutil conventions: a silent logger, a per-test
// isolated temp directory, and a fake subprocess hook (FakeKillable) for
// exercising the scheduler without real child processes.
package ledgertest

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/meow-stack/ledger/internal/lock"
	"github.com/meow-stack/ledger/internal/logging"
	"github.com/meow-stack/ledger/internal/store"
)

// FastLockOptions returns lock.Options with aggressive timing suitable for
// unit tests, instead of spec.md's production defaults (2s lockTimeout would
// make every stale-lock-takeover test slow).
func FastLockOptions() lock.Options {
	return lock.Options{
		LockTimeout:      200 * time.Millisecond,
		RetryInterval:    2 * time.Millisecond,
		MaxRetryInterval: 10 * time.Millisecond,
		StaleThreshold:   50 * time.Millisecond,
	}
}

// TempStore creates an isolated base directory under t.TempDir() and
// returns a *store.Store rooted there, using FastLockOptions.
func TempStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(t.TempDir(), FastLockOptions())
}

// Logger returns a silent logger suitable for test constructors.
func Logger() *slog.Logger {
	return logging.NewForTest()
}

// FakeKillable is a test double for scheduler.Killable: it records the last
// signal it was sent and can be primed to return an error.
type FakeKillable struct {
	KillErr   error
	LastKill  os.Signal
	KillCalls int
}

// Kill implements scheduler.Killable.
func (f *FakeKillable) Kill(sig os.Signal) error {
	f.KillCalls++
	f.LastKill = sig
	return f.KillErr
}
