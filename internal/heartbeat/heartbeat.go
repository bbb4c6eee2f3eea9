// Package heartbeat implements the ledger's Heartbeat Engine (spec.md C5): a
// self-rescheduling timer that periodically refreshes this participant's
// liveness and detects abort/staleness/state transitions.
package heartbeat

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meow-stack/ledger/internal/ledgererr"
	"github.com/meow-stack/ledger/internal/ledgermetrics"
	"github.com/meow-stack/ledger/internal/logging"
	"github.com/meow-stack/ledger/internal/operation"
	"github.com/meow-stack/ledger/internal/store"
)

// State is one of the four heartbeat engine states (spec.md §4.5).
type State int

const (
	Stopped State = iota
	Scheduled
	Running
	Aborted
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	case Aborted:
		return "aborted"
	default:
		return "stopped"
	}
}

// Result carries the detail of a successful (non-stale) heartbeat tick
// (spec.md §4.5 step 9).
type Result struct {
	AbortFlag        bool
	FrameCount       int
	TempResourceCount int
	Stale            bool
	StaleParticipants []string
	ParticipantAges   map[string]time.Duration
	Before            *store.Operation
	After             *store.Operation
}

// Options configures the engine. Zero value uses spec.md defaults.
type Options struct {
	Interval           time.Duration
	JitterMs           int64
	StalenessThreshold time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.JitterMs <= 0 {
		o.JitterMs = 250
	}
	if o.StalenessThreshold <= 0 {
		o.StalenessThreshold = 10 * time.Second
	}
	return o
}

// Engine runs the self-rescheduling heartbeat timer for one operation Core.
// Grounded on the teacher's StatePersister.UpdateHeartbeat /
// CheckStaleHeartbeat, generalized from single-file mtime staleness to
// per-CallFrame staleness inside the JSON (spec.md §4.5).
type Engine struct {
	core   *operation.Core
	opts   Options
	logger *slog.Logger

	onResult  func(Result)
	onError   func(error)
	onAbort   func()
	onFailure func(reason string, crashedCallIDs []string)

	mu     sync.Mutex
	state  State
	timer  *time.Timer
	cancel chan struct{}

	metrics *ledgermetrics.Metrics
}

// SetMetrics attaches the collector bundle tick duration and crash
// detections report through. Nil is valid and disables reporting.
func (e *Engine) SetMetrics(m *ledgermetrics.Metrics) { e.metrics = m }

// New constructs an Engine bound to core. Callbacks may be nil.
func New(core *operation.Core, opts Options, logger *slog.Logger,
	onResult func(Result), onError func(error), onAbort func(), onFailure func(string, []string)) *Engine {
	return &Engine{
		core:      core,
		opts:      opts.withDefaults(),
		logger:    logging.WithOperation(logging.OrDefault(logger), core.OperationID()),
		onResult:  onResult,
		onError:   onError,
		onAbort:   onAbort,
		onFailure: onFailure,
		state:     Stopped,
		cancel:    make(chan struct{}),
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start transitions Stopped/Scheduled -> Scheduled and arms the first tick.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Running || e.state == Aborted {
		return
	}
	e.state = Scheduled
	e.armLocked()
}

// armLocked schedules the next tick with jitter; caller holds e.mu.
func (e *Engine) armLocked() {
	delay := e.opts.Interval + time.Duration(time.Now().UnixMilli()%e.opts.JitterMs)*time.Millisecond
	e.timer = time.AfterFunc(delay, e.tick)
}

// Stop cancels any pending tick and transitions to Stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.state = Stopped
}

func (e *Engine) tick() {
	e.mu.Lock()
	if e.state != Scheduled {
		e.mu.Unlock()
		return
	}
	e.state = Running
	e.mu.Unlock()

	result, aborted, err := e.doHeartbeat()

	e.mu.Lock()
	if e.state != Running {
		// Stop()/abort raced us; don't reschedule over a terminal state.
		e.mu.Unlock()
		return
	}
	if aborted {
		e.state = Aborted
		e.mu.Unlock()
		if e.onAbort != nil {
			e.onAbort()
		}
		return
	}
	e.state = Scheduled
	e.armLocked()
	e.mu.Unlock()

	if err != nil && e.onError != nil {
		e.onError(err)
	}
	if err == nil && result != nil && e.onResult != nil {
		e.onResult(*result)
	}
}

// Beat performs one heartbeat mutation synchronously and returns its result,
// for callers that need to drive a tick on demand rather than wait for the
// self-rescheduling timer — the HTTP gateway's handleHeartbeat, since a
// remote participant's only liveness channel is the request itself. Mirrors
// tick()'s abort handling so a manual Beat observing aborted=true also
// retires the engine's timer-driven state.
func (e *Engine) Beat() (*Result, error) {
	result, aborted, err := e.doHeartbeat()
	if aborted {
		e.mu.Lock()
		if e.state != Stopped {
			e.state = Aborted
		}
		e.mu.Unlock()
		if e.onAbort != nil {
			e.onAbort()
		}
	}
	return result, err
}

// doHeartbeat performs one heartbeat mutation under lock, per spec.md §4.5.
func (e *Engine) doHeartbeat() (result *Result, aborted bool, err error) {
	tickStart := time.Now()
	if e.metrics != nil {
		defer func() { e.metrics.HeartbeatTickSeconds.Observe(time.Since(tickStart).Seconds()) }()
	}

	var before *store.Operation
	var staleParticipants []string
	var ages map[string]time.Duration

	op, modErr := e.modifyWithCapture(&before, &staleParticipants, &ages)
	if modErr != nil {
		if ledgererr.Is(modErr, ledgererr.CodeLedgerNotFound) {
			if e.onError != nil {
				e.onError(modErr)
			}
			return nil, false, modErr
		}
		if e.onError != nil {
			e.onError(modErr)
		}
		return nil, false, modErr
	}

	if op.Aborted {
		e.core.TriggerAbort()
		return nil, true, ledgererr.New(ledgererr.CodeAbortFlagSet, "operation aborted")
	}

	reread, rerr := e.core.Refresh()
	if rerr == nil && (reread.OperationState == store.StateCleanup || reread.OperationState == store.StateFailed) {
		e.core.SignalOperationFailed(fmt.Sprintf("operation transitioned to %s", reread.OperationState), nil)
	}

	hasStaleOther := false
	self := e.core.ParticipantID()
	for _, p := range staleParticipants {
		if p != self {
			hasStaleOther = true
			break
		}
	}

	if hasStaleOther {
		if e.metrics != nil {
			e.metrics.CrashDetections.Inc()
		}
		var crashedCallIDs []string
		for _, f := range op.FramesFor(self) {
			crashedCallIDs = append(crashedCallIDs, f.CallID)
			_ = e.core.Log(fmt.Sprintf("CRASH_DETECTED callId=%s", f.CallID), "ERROR")
		}
		var others []string
		for _, p := range staleParticipants {
			if p != self {
				others = append(others, p)
			}
		}
		e.core.SignalOperationFailed("stale participant detected: "+joinNames(others), crashedCallIDs)
		if e.onFailure != nil {
			e.onFailure("stale participant detected", crashedCallIDs)
		}
		return nil, false, ledgererr.Newf(ledgererr.CodeHeartbeatStale,
			"stale participants: %v", others).WithDetail("staleParticipants", others)
	}

	var others []string
	for _, p := range staleParticipants {
		if p != self {
			others = append(others, p)
		}
	}

	return &Result{
		AbortFlag:         op.Aborted,
		FrameCount:        len(op.CallFrames),
		TempResourceCount: len(op.TempResources),
		Stale:             hasStaleOther,
		StaleParticipants: others,
		ParticipantAges:   ages,
		Before:            before,
		After:             op,
	}, false, nil
}

// modifyWithCapture runs the lock-protected mutation and captures the
// pre-mutation snapshot and staleness computation as side effects, since
// store.Modify's updater signature only returns an error.
func (e *Engine) modifyWithCapture(before **store.Operation, staleParticipants *[]string, ages *map[string]time.Duration) (*store.Operation, error) {
	self := e.core.ParticipantID()
	var captured store.Operation

	result, err := e.core.ModifyWithLabel("heartbeat", func(o *store.Operation) error {
		captured = *o
		*before = &captured

		now := time.Now().UTC()
		*ages = make(map[string]time.Duration, len(o.CallFrames))
		staleSet := map[string]struct{}{}
		for i := range o.CallFrames {
			age := now.Sub(o.CallFrames[i].LastHeartbeat)
			(*ages)[o.CallFrames[i].ParticipantID] = age
			if age > e.opts.StalenessThreshold {
				staleSet[o.CallFrames[i].ParticipantID] = struct{}{}
			}
			if o.CallFrames[i].ParticipantID == self {
				o.CallFrames[i].LastHeartbeat = now
			}
		}
		for p := range staleSet {
			*staleParticipants = append(*staleParticipants, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}
