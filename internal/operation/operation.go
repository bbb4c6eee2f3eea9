// Package operation implements the ledger's Operation Core (spec.md C3): the
// in-process, cached view of a single operation, exposing call lifecycle,
// temp-resource registration, abort signaling, logging, and completion.
package operation

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meow-stack/ledger/internal/ledgererr"
	"github.com/meow-stack/ledger/internal/ledgermetrics"
	"github.com/meow-stack/ledger/internal/logging"
	"github.com/meow-stack/ledger/internal/store"
)

// FailureSignal is delivered exactly once when the operation transitions to
// a failed state, whether by heartbeat-detected crash, explicit FailCall, or
// observed cleanup/failed operationState (spec.md §4.5 step 7-8, §7).
type FailureSignal struct {
	Reason         string
	CrashedCallIDs []string
	FailedAt       time.Time
}

// Core is the in-process handle on one operation's persisted state, bound to
// one participant. internal/registry keeps one Core per (operationId,
// participantId) pair; sessions (internal/session) borrow it.
type Core struct {
	store         *store.Store
	operationID   string
	participantID string
	pid           int
	logger        *slog.Logger

	mu     sync.Mutex
	cached *store.Operation

	callCounter uint64

	failOnce  sync.Once
	failureCh chan FailureSignal

	abortOnce sync.Once
	abortCh   chan struct{}

	metrics *ledgermetrics.Metrics
}

// New constructs a Core bound to an already-created operation. The caller
// (internal/registry) is responsible for Create-ing the operation file
// first via the Store.
func New(st *store.Store, operationID, participantID string, pid int, logger *slog.Logger) *Core {
	return &Core{
		store:         st,
		operationID:   operationID,
		participantID: participantID,
		pid:           pid,
		logger:        logging.WithOperation(logging.OrDefault(logger), operationID),
		failureCh:     make(chan FailureSignal, 1),
		abortCh:       make(chan struct{}),
	}
}

// OperationID returns the bound operation's id.
func (c *Core) OperationID() string { return c.operationID }

// ParticipantID returns this Core's owning participant.
func (c *Core) ParticipantID() string { return c.participantID }

// SetMetrics attaches the collector bundle spawned calls report outcomes
// through. Nil is valid and disables reporting (cmd/ledger-bench and the
// package's own tests never call this).
func (c *Core) SetMetrics(m *ledgermetrics.Metrics) { c.metrics = m }

// Metrics returns the collector bundle attached via SetMetrics, or nil.
func (c *Core) Metrics() *ledgermetrics.Metrics { return c.metrics }

// FailureChan returns the channel on which a FailureSignal is delivered
// exactly once, per spec.md §9 ("single-fire... guarded against double
// fulfilment").
func (c *Core) FailureChan() <-chan FailureSignal { return c.failureCh }

// AbortChan is closed exactly once when abort is observed locally, either
// via TriggerAbort or via a heartbeat tick that saw aborted=true.
func (c *Core) AbortChan() <-chan struct{} { return c.abortCh }

// signalFailure delivers a FailureSignal at most once; subsequent calls are
// no-ops (spec.md §9 completion-signal guard).
func (c *Core) signalFailure(reason string, crashedCallIDs []string) {
	c.failOnce.Do(func() {
		c.failureCh <- FailureSignal{Reason: reason, CrashedCallIDs: crashedCallIDs, FailedAt: time.Now()}
	})
}

// TriggerAbort completes the local abort future without touching persistent
// state (spec.md §4.3: "triggerAbort() is a local-only signal").
func (c *Core) TriggerAbort() {
	c.abortOnce.Do(func() { close(c.abortCh) })
}

func (c *Core) setCache(op *store.Operation) {
	c.mu.Lock()
	c.cached = op
	c.mu.Unlock()
}

// Cached returns the most recently read/written Operation snapshot, or nil
// if none has been loaded yet.
func (c *Core) Cached() *store.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached
}

func (c *Core) nextCallID() string {
	n := atomic.AddUint64(&c.callCounter, 1)
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("call_%s_%d_%s", c.participantID, n, hex.EncodeToString(buf[:]))
}

func (c *Core) modify(elapsedLabel string, fn func(*store.Operation) error) (*store.Operation, error) {
	op, err := c.store.Modify(c.operationID, c.participantID, elapsedLabel, func(op *store.Operation) error {
		if err := fn(op); err != nil {
			return err
		}
		op.LastHeartbeat = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.setCache(op)
	return op, nil
}

// Call is the local control handle for a synchronous (non-spawned) call
// started via StartCall.
type Call struct {
	core        *Core
	callID      string
	description string
	failOnCrash bool

	done bool
	mu   sync.Mutex
}

// CallID returns the generated call identifier.
func (c *Call) CallID() string { return c.callID }

// StartCall begins tracking a new call: generates a callId, adds a
// CallFrame, and logs CALL_STARTED (spec.md §4.3).
func (c *Core) StartCall(description string, failOnCrash bool) (*Call, error) {
	callID := c.nextCallID()
	now := time.Now().UTC()

	_, err := c.modify("before-call-start", func(op *store.Operation) error {
		op.AddFrame(store.CallFrame{
			ParticipantID: c.participantID,
			CallID:        callID,
			PID:           c.pid,
			StartTime:     now,
			LastHeartbeat: now,
			Description:   description,
			FailOnCrash:   failOnCrash,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	_ = c.Log(fmt.Sprintf("CALL_STARTED callId=%s description=%q", callID, description), "INFO")

	return &Call{core: c, callID: callID, description: description, failOnCrash: failOnCrash}, nil
}

// End marks the call as completed: removes the frame and logs CALL_ENDED.
// Idempotent: a second invocation returns AlreadyCompleted.
func (c *Call) End() error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return ledgererr.Newf(ledgererr.CodeAlreadyCompleted, "call %q already completed", c.callID)
	}
	c.done = true
	c.mu.Unlock()

	_, err := c.core.modify("before-call-end", func(op *store.Operation) error {
		if op.FindFrame(c.callID) < 0 {
			return ledgererr.Newf(ledgererr.CodeUnknownCall, "call %q not found", c.callID)
		}
		op.RemoveFrame(c.callID)
		return nil
	})
	if err != nil {
		return err
	}
	return c.core.Log(fmt.Sprintf("CALL_ENDED callId=%s", c.callID), "INFO")
}

// Fail marks the call as failed: removes the frame, logs CALL_FAILED, and if
// failOnCrash, escalates to operation-level failure (spec.md §4.3).
func (c *Call) Fail(cause error) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return ledgererr.Newf(ledgererr.CodeAlreadyCompleted, "call %q already completed", c.callID)
	}
	c.done = true
	c.mu.Unlock()

	_, err := c.core.modify("before-call-fail", func(op *store.Operation) error {
		if op.FindFrame(c.callID) < 0 {
			return ledgererr.Newf(ledgererr.CodeUnknownCall, "call %q not found", c.callID)
		}
		op.RemoveFrame(c.callID)
		return nil
	})
	if err != nil {
		return err
	}

	msg := fmt.Sprintf("CALL_FAILED callId=%s", c.callID)
	if cause != nil {
		msg = fmt.Sprintf("%s cause=%q", msg, cause.Error())
	}
	if logErr := c.core.Log(msg, "ERROR"); logErr != nil {
		return logErr
	}

	if c.failOnCrash {
		c.core.signalFailure("call failed: "+c.callID, []string{c.callID})
	}
	return nil
}

// EndCallByID removes callID's frame directly by identifier, for callers
// (the HTTP gateway) that do not hold the in-process Call handle returned by
// StartCall. Unlike Call.End, this has no local idempotency guard of its
// own; a second invocation surfaces UnknownCall once the frame is gone.
func (c *Core) EndCallByID(callID string) error {
	_, err := c.modify("before-call-end", func(op *store.Operation) error {
		if op.FindFrame(callID) < 0 {
			return ledgererr.Newf(ledgererr.CodeUnknownCall, "call %q not found", callID)
		}
		op.RemoveFrame(callID)
		return nil
	})
	if err != nil {
		return err
	}
	return c.Log(fmt.Sprintf("CALL_ENDED callId=%s", callID), "INFO")
}

// FailCallByID removes callID's frame directly by identifier and, if its
// failOnCrash was true, escalates to operation-level failure. See
// EndCallByID for why this exists alongside Call.Fail.
func (c *Core) FailCallByID(callID string, cause error) error {
	var failOnCrash bool
	_, err := c.modify("before-call-fail", func(op *store.Operation) error {
		idx := op.FindFrame(callID)
		if idx < 0 {
			return ledgererr.Newf(ledgererr.CodeUnknownCall, "call %q not found", callID)
		}
		failOnCrash = op.CallFrames[idx].FailOnCrash
		op.RemoveFrame(callID)
		return nil
	})
	if err != nil {
		return err
	}

	msg := fmt.Sprintf("CALL_FAILED callId=%s", callID)
	if cause != nil {
		msg = fmt.Sprintf("%s cause=%q", msg, cause.Error())
	}
	if logErr := c.Log(msg, "ERROR"); logErr != nil {
		return logErr
	}

	if failOnCrash {
		c.signalFailure("call failed: "+callID, []string{callID})
	}
	return nil
}

// RegisterTempResource registers path, replacing any existing registration
// for the same path.
func (c *Core) RegisterTempResource(path string) error {
	now := time.Now().UTC()
	_, err := c.modify("before-register-resource", func(op *store.Operation) error {
		op.UpsertTempResource(store.TempResource{Owner: c.pid, Path: path, RegisteredAt: now})
		return nil
	})
	return err
}

// UnregisterTempResource removes path's registration, if present.
func (c *Core) UnregisterTempResource(path string) error {
	_, err := c.modify("before-unregister-resource", func(op *store.Operation) error {
		op.RemoveTempResource(path)
		return nil
	})
	return err
}

// SetAbortFlag persists the abort flag, observable by every participant on
// their next heartbeat.
func (c *Core) SetAbortFlag(value bool) error {
	_, err := c.modify("before-set-abort", func(op *store.Operation) error {
		op.Aborted = value
		return nil
	})
	return err
}

// CheckAbort re-reads persisted state and reports the current abort flag.
func (c *Core) CheckAbort() (bool, error) {
	op, err := c.store.Read(c.operationID)
	if err != nil {
		return false, err
	}
	c.setCache(op)
	return op.Aborted, nil
}

// Log appends a line to the operation's main log
// ("<ISO8601> [<LEVEL>] <message>\n", spec.md §6).
func (c *Core) Log(message, level string) error {
	return c.store.AppendLog(c.operationID, fmt.Sprintf("[%s] %s", level, message))
}

// DebugLog appends a line to the operation's debug log
// ("<ISO8601> <message>\n", spec.md §6).
func (c *Core) DebugLog(message string) error {
	return c.store.AppendDebugLog(c.operationID, message)
}

// Complete transitions the operation to completed. Initiator-only; returns
// NotInitiator otherwise. The caller (internal/registry) is responsible for
// the subsequent archival rename and retention (spec.md §4.7).
func (c *Core) Complete() (*store.Operation, error) {
	return c.modify("before-complete", func(op *store.Operation) error {
		if op.InitiatorID != c.participantID {
			return ledgererr.Newf(ledgererr.CodeNotInitiator,
				"participant %q is not the initiator of operation %q", c.participantID, c.operationID)
		}
		op.OperationState = store.StateCompleted
		return nil
	})
}

// ModifyWithLabel runs a lock-protected mutation against this operation's
// state, trail-snapshotting first, for callers outside this package that
// need direct access to the pure updater (the heartbeat engine's per-tick
// mutation, which captures its own before/after snapshots and staleness
// computation as part of fn).
func (c *Core) ModifyWithLabel(elapsedLabel string, fn func(*store.Operation) error) (*store.Operation, error) {
	return c.modify(elapsedLabel, fn)
}

// Refresh re-reads persisted state into the local cache without mutating.
func (c *Core) Refresh() (*store.Operation, error) {
	op, err := c.store.Read(c.operationID)
	if err != nil {
		return nil, err
	}
	c.setCache(op)
	return op, nil
}

// SignalOperationFailed delivers a FailureSignal, used by the heartbeat
// engine and scheduler to escalate crash detection without routing through a
// Call handle.
func (c *Core) SignalOperationFailed(reason string, crashedCallIDs []string) {
	c.signalFailure(reason, crashedCallIDs)
}
