// Package lock implements the ledger's per-operation file lock (spec.md C1).
//
// Acquisition is exclusive creation of a lock file named
// "<operationId>.operation.json.lock" containing {participantId,pid,timestamp}.
// Because participants may live on different hosts sharing only a
// filesystem, acquisition is modeled as create-exclusive plus staleness
// inspection rather than syscall.Flock — flock(2) is local-kernel-only and
// does not reliably serialize across NFS clients.
package lock

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/meow-stack/ledger/internal/ledgererr"
)

// Options configures acquisition behavior. Zero value uses the spec.md
// defaults.
type Options struct {
	// LockTimeout is the overall deadline for acquisition, and the age at
	// which an existing lock is considered eligible for takeover.
	LockTimeout time.Duration

	// RetryInterval is the initial backoff between retries.
	RetryInterval time.Duration

	// MaxRetryInterval caps the exponential backoff.
	MaxRetryInterval time.Duration

	// StaleThreshold is how old a lock owner's CallFrames must be, with no
	// fresh frame, before the lock is considered orphaned (spec.md default
	// 15s — distinct from LockTimeout, which gates "is this lock merely
	// old" vs StaleThreshold which gates "is the owner actually dead").
	StaleThreshold time.Duration
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 2 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 50 * time.Millisecond
	}
	if o.MaxRetryInterval <= 0 {
		o.MaxRetryInterval = 500 * time.Millisecond
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 15 * time.Second
	}
	return o
}

// content is the JSON body written into the lock file.
type content struct {
	ParticipantID string    `json:"participantId"`
	PID           int       `json:"pid"`
	Timestamp     time.Time `json:"timestamp"`
}

// Lock represents a held per-operation lock.
type Lock struct {
	path string
}

// FrameProbe inspects the current operation state to decide whether a lock
// owner has crashed. Implemented by internal/store so this package stays
// free of the Operation schema.
type FrameProbe func(operationID string, participantID string, staleThreshold time.Duration) (crashed bool, err error)

// path returns the lock file path for an operation.
func path(baseDir, operationID string) string {
	return filepath.Join(baseDir, operationID+".operation.json.lock")
}

// Acquire attempts to take the lock for operationID, retrying with
// exponential backoff, and taking over a stale/orphaned lock via probe.
// probe may be nil, in which case no liveness evidence is consulted: a lock
// older than opts.LockTimeout is taken over only if its JSON is unparseable
// or the file vanishes, and otherwise acquisition waits until the deadline.
// store.Create passes nil, since no operation file exists yet to probe.
func Acquire(baseDir, operationID, participantID string, pid int, opts Options, probe FrameProbe) (*Lock, error) {
	opts = opts.withDefaults()
	lockPath := path(baseDir, operationID)

	deadline := time.Now().Add(opts.LockTimeout)
	backoff := opts.RetryInterval

	for {
		if err := tryCreate(lockPath, participantID, pid); err == nil {
			return &Lock{path: lockPath}, nil
		} else if !os.IsExist(err) {
			return nil, ledgererr.Wrap(ledgererr.CodeIOError, "create lock file", err)
		}

		info, err := os.Stat(lockPath)
		if err != nil {
			if os.IsNotExist(err) {
				// Lock disappeared between create-attempt and stat; retry
				// immediately without sleeping.
				continue
			}
			return nil, ledgererr.Wrap(ledgererr.CodeIOError, "stat lock file", err)
		}

		age := time.Since(info.ModTime())
		if age > opts.LockTimeout {
			orphaned, err := isOrphaned(lockPath, operationID, opts.StaleThreshold, probe)
			if err != nil {
				return nil, err
			}
			if orphaned {
				_ = os.Remove(lockPath)
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, ledgererr.Newf(ledgererr.CodeLockFailed,
				"could not acquire lock for operation %q within %s", operationID, opts.LockTimeout)
		}

		sleep := backoff + time.Duration(rand.Int63n(int64(backoff/4+1)))
		time.Sleep(sleep)
		backoff = time.Duration(float64(backoff) * 1.5)
		if backoff > opts.MaxRetryInterval {
			backoff = opts.MaxRetryInterval
		}
	}
}

func tryCreate(lockPath, participantID string, pid int) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(content{ParticipantID: participantID, PID: pid, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

// isOrphaned determines whether the current lock owner appears to have
// crashed: the lock JSON is unparseable, the operation file is absent, the
// owner has no CallFrames, or all of the owner's CallFrames are stale
// (spec.md §4.1 step 2).
func isOrphaned(lockPath, operationID string, staleThreshold time.Duration, probe FrameProbe) (bool, error) {
	raw, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, ledgererr.Wrap(ledgererr.CodeIOError, "read lock file", err)
	}

	var c content
	if err := json.Unmarshal(raw, &c); err != nil {
		return true, nil // unparseable lock JSON => orphaned
	}

	if probe == nil {
		return false, nil
	}

	crashed, err := probe(operationID, c.ParticipantID, staleThreshold)
	if err != nil {
		// Operation file absent (or any read failure) is itself evidence of
		// an orphaned lock, per spec.md §4.1.
		return true, nil //nolint:nilerr
	}
	return crashed, nil
}

// Release unlinks the lock file. A missing lock file is not an error.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return ledgererr.Wrap(ledgererr.CodeIOError, "release lock", err)
	}
	return nil
}

// String returns the lock file path, for diagnostics.
func (l *Lock) String() string {
	return fmt.Sprintf("lock(%s)", l.path)
}
