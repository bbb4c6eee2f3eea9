// Package registry implements the ledger's Ledger Registry (spec.md C7): the
// top-level entry point that owns the base and backup directories,
// instantiates operations, and runs the global watchdog and backup
// retention. Grounded on the teacher's TmuxAgentManager (a
// map[string]*agentState guarded by sync.RWMutex) and the retention/sweep
// goroutines in internal/orchestrator/orchestrator.go's RunCleanup and
// internal/orchestrator/event_router.go's StartCleanupLoop.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/meow-stack/ledger/internal/heartbeat"
	"github.com/meow-stack/ledger/internal/ledgererr"
	"github.com/meow-stack/ledger/internal/ledgermetrics"
	"github.com/meow-stack/ledger/internal/lock"
	"github.com/meow-stack/ledger/internal/logging"
	"github.com/meow-stack/ledger/internal/operation"
	"github.com/meow-stack/ledger/internal/session"
	"github.com/meow-stack/ledger/internal/store"
)

// Options configures a Ledger. Zero value uses spec.md §4.7 defaults.
type Options struct {
	MaxBackups           int
	HeartbeatInterval    time.Duration
	StaleThreshold       time.Duration
	LockTimeout          time.Duration
	LockRetryInterval    time.Duration
	MaxLockRetryInterval time.Duration
	PortableOperationIDs bool
}

func (o Options) withDefaults() Options {
	if o.MaxBackups <= 0 {
		o.MaxBackups = 20
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 15 * time.Second
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 2 * time.Second
	}
	if o.LockRetryInterval <= 0 {
		o.LockRetryInterval = 50 * time.Millisecond
	}
	if o.MaxLockRetryInterval <= 0 {
		o.MaxLockRetryInterval = 500 * time.Millisecond
	}
	return o
}

// entry bundles everything the Ledger tracks for one live (operationId,
// participantId) pair. Each participant attaching to an operation gets its
// own Core, not a shared one, so the participantId baked into a Core at
// construction (spec.md §4.8: the gateway "treats [participantId] as an
// independent identity") is always the identity actually driving the call.
type entry struct {
	core      *operation.Core
	sessions  *session.Registry
	heartbeat *heartbeat.Engine

	mu           sync.Mutex
	lastChangeAt time.Time
}

// entryKey identifies one (operationId, participantId) pair's live entry.
type entryKey struct {
	operationID   string
	participantID string
}

// Ledger owns basePath/backupPath and the in-process map of live operation
// Cores (spec.md C7). Operations with multiple attached participants hold
// one entry per participant, each with its own Core/sessions/heartbeat.
type Ledger struct {
	basePath   string
	backupPath string
	opts       Options
	logger     *slog.Logger
	store      *store.Store

	mu         sync.RWMutex
	operations map[entryKey]*entry

	watchdogStop chan struct{}
	watchdogOnce sync.Once

	metrics *ledgermetrics.Metrics
}

// SetMetrics attaches the collector bundle the registry and everything it
// constructs (Store, each operation's Core and heartbeat.Engine) report
// through. Must be called before the first CreateOperation/JoinOperation if
// its counts are to include every live entry; nil is valid and disables
// reporting.
func (l *Ledger) SetMetrics(m *ledgermetrics.Metrics) {
	l.metrics = m
	l.store.SetMetrics(m)
}

// New constructs a Ledger rooted at basePath, auto-creating basePath and
// basePath/backup.
func New(basePath string, opts Options, logger *slog.Logger) (*Ledger, error) {
	opts = opts.withDefaults()
	backupPath := filepath.Join(basePath, "backup")

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, ledgererr.Wrap(ledgererr.CodeIOError, "create base directory", err)
	}
	if err := os.MkdirAll(backupPath, 0o755); err != nil {
		return nil, ledgererr.Wrap(ledgererr.CodeIOError, "create backup directory", err)
	}

	lockOpts := lock.Options{
		LockTimeout:      opts.LockTimeout,
		RetryInterval:    opts.LockRetryInterval,
		MaxRetryInterval: opts.MaxLockRetryInterval,
		StaleThreshold:   opts.StaleThreshold,
	}

	l := &Ledger{
		basePath:     basePath,
		backupPath:   backupPath,
		opts:         opts,
		logger:       logging.OrDefault(logger).With("component", "registry"),
		store:        store.New(basePath, lockOpts),
		operations:   make(map[entryKey]*entry),
		watchdogStop: make(chan struct{}),
	}
	return l, nil
}

// BasePath returns the ledger's base directory.
func (l *Ledger) BasePath() string { return l.basePath }

// NewOperationID generates an id of the form
// "YYYYMMDDTHH:MM:SS.sss-<participantId>-<hex8>" (spec.md §4.7), optionally
// substituting "-" for ":" when PortableOperationIDs is set.
func (l *Ledger) NewOperationID(participantID string) (string, error) {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", ledgererr.Wrap(ledgererr.CodeIOError, "generate operation id suffix", err)
	}
	ts := time.Now().UTC().Format("20060102T15:04:05.000")
	if l.opts.PortableOperationIDs {
		ts = time.Now().UTC().Format("20060102T15-04-05.000")
	}
	return fmt.Sprintf("%s-%s-%s", ts, participantID, hex.EncodeToString(suffix[:])), nil
}

// CreateOperation creates a brand-new operation with participantID as
// initiator and returns a Session view onto it.
func (l *Ledger) CreateOperation(participantID string, pid int, description string) (*session.Session, error) {
	opID, err := l.NewOperationID(participantID)
	if err != nil {
		return nil, err
	}

	op := &store.Operation{
		OperationID:    opID,
		InitiatorID:    participantID,
		OperationState: store.StateRunning,
		LastHeartbeat:  time.Now().UTC(),
		CallFrames:     []store.CallFrame{},
		TempResources:  []store.TempResource{},
	}
	if err := l.store.Create(opID, op); err != nil {
		return nil, err
	}
	_ = description

	return l.attach(opID, participantID, pid)
}

// JoinOperation joins an existing operation as participantID and returns a
// Session view onto it.
func (l *Ledger) JoinOperation(operationID, participantID string, pid int) (*session.Session, error) {
	if !l.store.Exists(operationID) {
		return nil, ledgererr.Newf(ledgererr.CodeLedgerNotFound, "operation %q not found", operationID)
	}
	return l.attach(operationID, participantID, pid)
}

// attach wires up (or reuses) the Core/sessions/heartbeat entry for the
// (operationID, participantID) pair and allocates a fresh Session from it.
// Each distinct participantID attaching to the same operationID gets its own
// Core rather than sharing the first attacher's (spec.md §4.8): two
// participants racing calls against the same operation must each see their
// own identity reflected in the CallFrames and logs they produce.
func (l *Ledger) attach(operationID, participantID string, pid int) (*session.Session, error) {
	key := entryKey{operationID: operationID, participantID: participantID}

	l.mu.Lock()
	e, ok := l.operations[key]
	if !ok {
		core := operation.New(l.store, operationID, participantID, pid, l.logger)
		e = &entry{core: core, lastChangeAt: time.Now()}
		e.sessions = session.New(core, func() { l.onSessionsEmptied(key) })
		e.heartbeat = heartbeat.New(core, heartbeat.Options{
			Interval:           l.opts.HeartbeatInterval,
			StalenessThreshold: l.opts.StaleThreshold,
		}, l.logger, l.onHeartbeatResult(key), l.onHeartbeatError(key), nil, nil)
		if l.metrics != nil {
			core.SetMetrics(l.metrics)
			e.heartbeat.SetMetrics(l.metrics)
			l.metrics.ActiveOperations.Inc()
		}
		l.operations[key] = e
	}
	l.mu.Unlock()

	s := e.sessions.CreateOrJoin()
	if e.sessions.JoinCount() == 1 {
		e.heartbeat.Start()
	}
	l.touch(key)
	return s, nil
}

func (l *Ledger) onSessionsEmptied(key entryKey) {
	l.mu.RLock()
	e, ok := l.operations[key]
	l.mu.RUnlock()
	if !ok {
		return
	}
	e.heartbeat.Stop()

	l.mu.Lock()
	delete(l.operations, key)
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.ActiveOperations.Dec()
	}
}

func (l *Ledger) onHeartbeatResult(key entryKey) func(heartbeat.Result) {
	return func(heartbeat.Result) { l.touch(key) }
}

func (l *Ledger) onHeartbeatError(key entryKey) func(error) {
	return func(err error) {
		l.logger.Warn("heartbeat tick error",
			"operation_id", key.operationID, "participant_id", key.participantID, "error", err)
	}
}

func (l *Ledger) touch(key entryKey) {
	l.mu.RLock()
	e, ok := l.operations[key]
	l.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.lastChangeAt = time.Now()
	e.mu.Unlock()
}

// Core returns the operation.Core tracked for a specific (operationID,
// participantID) pair, if live.
func (l *Ledger) Core(operationID, participantID string) (*operation.Core, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.operations[entryKey{operationID: operationID, participantID: participantID}]
	if !ok {
		return nil, false
	}
	return e.core, true
}

// Heartbeat returns the heartbeat.Engine tracked for a specific
// (operationID, participantID) pair, if live. Used by the gateway to drive
// an on-demand Beat for a remote participant whose only liveness channel is
// the heartbeat HTTP endpoint itself.
func (l *Ledger) Heartbeat(operationID, participantID string) (*heartbeat.Engine, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.operations[entryKey{operationID: operationID, participantID: participantID}]
	if !ok {
		return nil, false
	}
	return e.heartbeat, true
}

// LeaveOperation releases sess via its session.Registry's Leave, which
// handles refcounting the heartbeat lifetime (spec.md §4.6). The caller
// (gateway, or a local session handle's own Leave wrapper) is responsible
// for forgetting any identity mapping it kept for sess.
func (l *Ledger) LeaveOperation(sess *session.Session, cancelPendingCalls bool) error {
	key := entryKey{operationID: sess.Core().OperationID(), participantID: sess.Core().ParticipantID()}
	l.mu.RLock()
	e, ok := l.operations[key]
	l.mu.RUnlock()
	if !ok {
		return ledgererr.Newf(ledgererr.CodeUnknownSession, "session for operation %q not tracked", key.operationID)
	}
	return e.sessions.Leave(sess.ID(), cancelPendingCalls)
}

// Complete transitions operationID to completed as participantID
// (initiator-only; operation.Core.Complete enforces this), archives its
// three files under backup/<opId>/, and runs retention (spec.md §4.3, §4.7).
// Any other participants still attached to this operationID are torn down
// too, since the operation itself is gone once archived.
func (l *Ledger) Complete(operationID, participantID string) error {
	key := entryKey{operationID: operationID, participantID: participantID}
	l.mu.RLock()
	e, ok := l.operations[key]
	l.mu.RUnlock()
	if !ok {
		return ledgererr.Newf(ledgererr.CodeLedgerNotFound, "operation %q not tracked by this registry for participant %q", operationID, participantID)
	}

	if _, err := e.core.Complete(); err != nil {
		return err
	}

	if err := l.archive(operationID); err != nil {
		return err
	}

	l.mu.Lock()
	var stopped []*entry
	for k, other := range l.operations {
		if k.operationID == operationID {
			stopped = append(stopped, other)
			delete(l.operations, k)
		}
	}
	l.mu.Unlock()

	for _, other := range stopped {
		other.heartbeat.Stop()
	}
	if l.metrics != nil {
		l.metrics.ActiveOperations.Sub(float64(len(stopped)))
	}

	return l.cleanOldBackups()
}

// archive renames the operation's state/log/debug-log files into
// backup/<opId>/ (spec.md invariant 8).
func (l *Ledger) archive(operationID string) error {
	dest := filepath.Join(l.backupPath, operationID)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return ledgererr.Wrap(ledgererr.CodeIOError, "create backup operation directory", err)
	}

	moves := map[string]string{
		filepath.Join(l.basePath, operationID+".operation.json"):       filepath.Join(dest, "operation.json"),
		filepath.Join(l.basePath, operationID+".operation.log"):        filepath.Join(dest, "operation.log"),
		filepath.Join(l.basePath, operationID+".operation.debug.log"):  filepath.Join(dest, "operation.debug.log"),
	}
	for src, dst := range moves {
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return ledgererr.Wrap(ledgererr.CodeIOError, "stat file for archival", err)
		}
		if err := os.Rename(src, dst); err != nil {
			return ledgererr.Wrap(ledgererr.CodeIOError, "rename file into backup", err)
		}
	}
	return nil
}

// cleanOldBackups lists top-level folders under backup/, sorts
// lexicographically (= chronologically, by the operationId timestamp
// prefix), and deletes the prefix beyond maxBackups (spec.md invariant 9,
// §4.7).
func (l *Ledger) cleanOldBackups() error {
	entries, err := os.ReadDir(l.backupPath)
	if err != nil {
		return ledgererr.Wrap(ledgererr.CodeIOError, "list backup directory", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if len(names) <= l.opts.MaxBackups {
		return nil
	}
	toDelete := names[:len(names)-l.opts.MaxBackups]
	for _, name := range toDelete {
		if err := os.RemoveAll(filepath.Join(l.backupPath, name)); err != nil {
			return ledgererr.Wrap(ledgererr.CodeIOError, "remove old backup", err)
		}
	}
	return nil
}

// StartWatchdog runs the global watchdog goroutine: every HeartbeatInterval,
// scans all live operations and logs HeartbeatStale for any whose
// lastChangeAt is older than StaleThreshold (spec.md §4.7).
func (l *Ledger) StartWatchdog() {
	go func() {
		ticker := time.NewTicker(l.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.watchdogStop:
				return
			case <-ticker.C:
				l.sweepWatchdog()
			}
		}
	}()
}

func (l *Ledger) sweepWatchdog() {
	l.mu.RLock()
	type snapshot struct {
		key entryKey
		age time.Duration
	}
	now := time.Now()
	var stale []snapshot
	for key, e := range l.operations {
		e.mu.Lock()
		age := now.Sub(e.lastChangeAt)
		e.mu.Unlock()
		if age > l.opts.StaleThreshold {
			stale = append(stale, snapshot{key: key, age: age})
		}
	}
	l.mu.RUnlock()

	for _, s := range stale {
		l.logger.Warn("watchdog: operation stale",
			"operation_id", s.key.operationID, "participant_id", s.key.participantID,
			"age", s.age, "error_code", ledgererr.CodeHeartbeatStale)
	}
}

// StopWatchdog stops the watchdog goroutine started by StartWatchdog.
func (l *Ledger) StopWatchdog() {
	l.watchdogOnce.Do(func() { close(l.watchdogStop) })
}

// ListLive returns the distinct operation ids currently tracked in-process,
// deduplicated across however many participants are attached to each.
func (l *Ledger) ListLive() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]struct{}, len(l.operations))
	for key := range l.operations {
		seen[key.operationID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Store exposes the underlying Store: the gateway's state endpoint reads
// operations through it, and cmd/ledger-bench builds extra Cores on it.
func (l *Ledger) Store() *store.Store { return l.store }
