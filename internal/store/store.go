package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/meow-stack/ledger/internal/ledgererr"
	"github.com/meow-stack/ledger/internal/ledgermetrics"
	"github.com/meow-stack/ledger/internal/lock"
)

// Store reads and modifies Operation state under a single base directory.
// Grounded on the teacher's StatePersister: SaveState/LoadState's temp-file +
// os.Rename atomic write and json.MarshalIndent serialization, generalized to
// also emit a pre-mutation trail snapshot (spec.md §8 property 1) before
// every state write, and to take the lock via internal/lock instead of
// syscall.Flock.
type Store struct {
	BaseDir     string
	LockOptions lock.Options

	metrics *ledgermetrics.Metrics
}

// New returns a Store rooted at baseDir.
func New(baseDir string, opts lock.Options) *Store {
	return &Store{BaseDir: baseDir, LockOptions: opts}
}

// SetMetrics attaches the collector bundle lock acquisitions report wait
// time through. Nil is valid and disables reporting.
func (s *Store) SetMetrics(m *ledgermetrics.Metrics) { s.metrics = m }

// Exists reports whether an operation file exists for operationID.
func (s *Store) Exists(operationID string) bool {
	p := pathsFor(s.BaseDir, operationID)
	_, err := os.Stat(p.state)
	return err == nil
}

// Read loads an Operation without acquiring the lock. Callers that intend to
// mutate must use Modify instead; Read is for read-only status queries
// (spec.md §4.7 getOperationState) where a brief race against a concurrent
// writer is acceptable.
func (s *Store) Read(operationID string) (*Operation, error) {
	if err := ValidateOperationID(operationID); err != nil {
		return nil, err
	}
	return s.read(operationID)
}

func (s *Store) read(operationID string) (*Operation, error) {
	p := pathsFor(s.BaseDir, operationID)
	raw, err := os.ReadFile(p.state)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ledgererr.Newf(ledgererr.CodeLedgerNotFound, "operation %q not found", operationID).
				WithDetail("operationId", operationID)
		}
		return nil, ledgererr.Wrap(ledgererr.CodeIOError, "read operation file", err)
	}
	var op Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, ledgererr.Wrap(ledgererr.CodeIOError, "parse operation file", err)
	}
	return &op, nil
}

// Create writes a brand-new operation file. It fails if one already exists.
// The lock is still taken, both to serialize against a concurrent Create of
// the same operationId and to reuse the same write path as Modify.
func (s *Store) Create(operationID string, op *Operation) error {
	if err := ValidateOperationID(operationID); err != nil {
		return err
	}
	waitStart := time.Now()
	l, err := lock.Acquire(s.BaseDir, operationID, op.InitiatorID, os.Getpid(), s.LockOptions, nil)
	s.observeLockWait(waitStart)
	if err != nil {
		return err
	}
	defer l.Release()

	p := pathsFor(s.BaseDir, operationID)
	if _, err := os.Stat(p.state); err == nil {
		return ledgererr.Newf(ledgererr.CodeInvalidOperation, "operation %q already exists", operationID)
	}

	return s.write(operationID, op)
}

// Modify acquires the per-operation lock, reads current state, writes a
// trail snapshot of it, applies fn, and persists the result atomically. fn
// may return an *ledgererr.Error to abort the modification without writing;
// any other behavior (returning nil) commits whatever fn left in *Operation.
//
// elapsedLabel names the trail snapshot file
// ("<elapsedLabel>_<operationId>.json", spec.md §6) and should describe the
// operation being performed (e.g. "before-join", "before-complete"). A later
// Modify with the same label replaces the earlier snapshot file.
func (s *Store) Modify(operationID, participantID, elapsedLabel string, fn func(*Operation) error) (*Operation, error) {
	if err := ValidateOperationID(operationID); err != nil {
		return nil, err
	}

	probe := s.frameProbe()
	waitStart := time.Now()
	l, err := lock.Acquire(s.BaseDir, operationID, participantID, os.Getpid(), s.LockOptions, probe)
	s.observeLockWait(waitStart)
	if err != nil {
		return nil, err
	}
	defer l.Release()

	op, err := s.read(operationID)
	if err != nil {
		return nil, err
	}

	if err := s.writeTrail(operationID, elapsedLabel, op); err != nil {
		return nil, err
	}

	if err := fn(op); err != nil {
		return nil, err
	}

	if err := s.write(operationID, op); err != nil {
		return nil, err
	}

	return op, nil
}

// observeLockWait records how long a lock.Acquire call took, regardless of
// its outcome, since contention shows up in failed acquisitions too.
func (s *Store) observeLockWait(start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
}

// frameProbe adapts Store.Read into a lock.FrameProbe: an owner is crashed
// if the operation file is gone, or the owner has no CallFrames, or every
// CallFrame belonging to that participant is older than staleThreshold
// (spec.md §4.1 step 2).
func (s *Store) frameProbe() lock.FrameProbe {
	return func(operationID, participantID string, staleThreshold time.Duration) (bool, error) {
		op, err := s.read(operationID)
		if err != nil {
			return false, err
		}
		frames := op.FramesFor(participantID)
		if len(frames) == 0 {
			return true, nil
		}
		now := time.Now()
		for _, f := range frames {
			if !f.Stale(now, staleThreshold) {
				return false, nil
			}
		}
		return true, nil
	}
}

// write serializes op and replaces the operation file atomically via
// temp-file + os.Rename, mirroring StatePersister.SaveState.
func (s *Store) write(operationID string, op *Operation) error {
	p := pathsFor(s.BaseDir, operationID)
	data, err := json.MarshalIndent(op, "", "  ")
	if err != nil {
		return ledgererr.Wrap(ledgererr.CodeIOError, "marshal operation state", err)
	}
	return atomicWrite(p.state, data)
}

// writeTrail persists a snapshot of op's pre-mutation state into the
// operation's trail directory before the mutated state is written, so that
// every trail entry precedes the state write it documents (spec.md §8
// property 1).
func (s *Store) writeTrail(operationID, elapsedLabel string, op *Operation) error {
	p := pathsFor(s.BaseDir, operationID)
	if err := os.MkdirAll(p.trailDir, 0o755); err != nil {
		return ledgererr.Wrap(ledgererr.CodeIOError, "create trail directory", err)
	}
	data, err := json.MarshalIndent(op, "", "  ")
	if err != nil {
		return ledgererr.Wrap(ledgererr.CodeIOError, "marshal trail snapshot", err)
	}
	name := fmt.Sprintf("%s_%s.json", elapsedLabel, operationID)
	return atomicWrite(filepath.Join(p.trailDir, name), data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return ledgererr.Wrap(ledgererr.CodeIOError, "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ledgererr.Wrap(ledgererr.CodeIOError, "write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return ledgererr.Wrap(ledgererr.CodeIOError, "close temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return ledgererr.Wrap(ledgererr.CodeIOError, "rename temp file into place", err)
	}
	return nil
}

// AppendLog appends a line to the operation's human-readable log file
// ("<operationId>.operation.log", spec.md §6).
func (s *Store) AppendLog(operationID, line string) error {
	return s.appendTo(pathsFor(s.BaseDir, operationID).log, line)
}

// AppendDebugLog appends a line to the operation's debug log file
// ("<operationId>.operation.debug.log", spec.md §6).
func (s *Store) AppendDebugLog(operationID, line string) error {
	return s.appendTo(pathsFor(s.BaseDir, operationID).debugLog, line)
}

// LogPath returns the filesystem path of operationID's human-readable log
// file, for callers (ledgerctl tail-log) that want to read it directly.
func (s *Store) LogPath(operationID string) string {
	return pathsFor(s.BaseDir, operationID).log
}

// DebugLogPath returns the filesystem path of operationID's debug log file.
func (s *Store) DebugLogPath(operationID string) string {
	return pathsFor(s.BaseDir, operationID).debugLog
}

func (s *Store) appendTo(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return ledgererr.Wrap(ledgererr.CodeIOError, "open log file", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339Nano), line); err != nil {
		return ledgererr.Wrap(ledgererr.CodeIOError, "write log line", err)
	}
	return nil
}
