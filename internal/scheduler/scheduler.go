// Package scheduler implements the ledger's Spawned-Call Scheduler (spec.md
// C4): asynchronous user work tracked as a CallFrame, raced against
// operation failure, with cooperative cancel and forceful kill.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/meow-stack/ledger/internal/ledgererr"
	"github.com/meow-stack/ledger/internal/operation"
)

// Killable is the optional subprocess back-channel a SpawnedCall's work may
// attach, used only by Kill (spec.md §9 "Subprocess attachment").
type Killable interface {
	Kill(signal os.Signal) error
}

// Outcome categorizes a SpawnedCall after Sync's race resolves (spec.md
// §4.4).
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccessful
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccessful:
		return "successful"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CrashHandler inspects a work error and may rescue it into a successful
// result, matching spec.md's "if onCallCrashed is defined and returns a
// non-None fallback, treat as success with that value".
type CrashHandler[T any] func(err error) (fallback T, rescued bool)

// SpawnedCall is the local control handle for one unit of asynchronous work
// tracked as a CallFrame (spec.md §4.4).
type SpawnedCall[T any] struct {
	core   *operation.Core
	call   *operation.Call
	callID string

	done   chan struct{}
	once   sync.Once
	result T
	err    error
	failed atomic.Bool

	cancelFlag atomic.Bool
	cancelFn   func()
	killable   Killable
	killMu     sync.Mutex
}

// CallID returns the tracked call's identifier.
func (s *SpawnedCall[T]) CallID() string { return s.callID }

// Spawn starts work concurrently, tracked as a CallFrame. Mirrors the
// teacher's ExecuteSpawn: validate preconditions, build the frame, launch
// the goroutine (spec.md §4.4 steps 1-4).
func Spawn[T any](core *operation.Core, description string, failOnCrash bool,
	work func(ctx context.Context) (T, error), onCrash CrashHandler[T]) (*SpawnedCall[T], error) {

	call, err := core.StartCall(description, failOnCrash)
	if err != nil {
		return nil, err
	}

	_ = core.Log(fmt.Sprintf("CALL_SPAWNED callId=%s", call.CallID()), "INFO")

	sc := &SpawnedCall[T]{
		core:   core,
		call:   call,
		callID: call.CallID(),
		done:   make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc.cancelFn = cancel

	go sc.run(ctx, work, onCrash)

	return sc, nil
}

func (s *SpawnedCall[T]) run(ctx context.Context, work func(context.Context) (T, error), onCrash CrashHandler[T]) {
	result, workErr := work(ctx)

	if workErr == nil {
		s.result = result
		if err := s.call.End(); err != nil && !ledgererr.Is(err, ledgererr.CodeAlreadyCompleted) {
			s.err = err
			s.failed.Store(true)
		}
		_ = s.core.Log(fmt.Sprintf("CALL_COMPLETED callId=%s", s.callID), "INFO")
		s.observeOutcome()
		close(s.done)
		return
	}

	if onCrash != nil {
		if fallback, rescued := onCrash(workErr); rescued {
			s.result = fallback
			if err := s.call.End(); err != nil && !ledgererr.Is(err, ledgererr.CodeAlreadyCompleted) {
				s.err = err
				s.failed.Store(true)
			}
			_ = s.core.Log(fmt.Sprintf("CALL_COMPLETED callId=%s (rescued)", s.callID), "INFO")
			s.observeOutcome()
			close(s.done)
			return
		}
	}

	s.err = workErr
	s.failed.Store(true)
	if err := s.call.Fail(workErr); err != nil && !ledgererr.Is(err, ledgererr.CodeAlreadyCompleted) {
		s.err = err
	}
	s.observeOutcome()
	close(s.done)
}

// observeOutcome reports this call's terminal outcome against whatever
// metrics bundle the operation's Core carries, if any.
func (s *SpawnedCall[T]) observeOutcome() {
	if m := s.core.Metrics(); m != nil {
		if s.Failed() {
			m.ObserveOutcome("failed")
		} else {
			m.ObserveOutcome("successful")
		}
	}
}

// Cancel sets the cooperative cancel flag and cancels work's context.
// Cooperative: work must observe ctx.Done() or poll IsCancelled.
func (s *SpawnedCall[T]) Cancel() {
	s.cancelFlag.Store(true)
	if s.cancelFn != nil {
		s.cancelFn()
	}
}

// IsCancelled reports whether Cancel has been called.
func (s *SpawnedCall[T]) IsCancelled() bool { return s.cancelFlag.Load() }

// AttachSubprocess registers the forceful-kill back-channel (spec.md §9).
func (s *SpawnedCall[T]) AttachSubprocess(k Killable) {
	s.killMu.Lock()
	s.killable = k
	s.killMu.Unlock()
}

// Kill forcefully terminates the attached subprocess, if any. Returns false
// if no subprocess is attached (idempotent: a second Kill after the process
// already exited returns a lenient nil on "already stopped" style errors).
func (s *SpawnedCall[T]) Kill(signal os.Signal) (bool, error) {
	s.killMu.Lock()
	k := s.killable
	s.killMu.Unlock()
	if k == nil {
		return false, nil
	}
	if err := k.Kill(signal); err != nil {
		if isAlreadyTerminated(err) {
			return true, nil
		}
		return true, err
	}
	return true, nil
}

// isAlreadyTerminated classifies a kill error as benign because the process
// had already exited, mirroring the teacher's lenient substring matching for
// "already stopped" conditions.
func isAlreadyTerminated(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "process already finished") ||
		strings.Contains(msg, "no such process") ||
		strings.Contains(msg, "already stopped")
}

// Await blocks until the call completes and returns its result, or
// propagates its error.
func (s *SpawnedCall[T]) Await() (T, error) {
	<-s.done
	return s.result, s.err
}

// IsCompleted reports whether the call has finished (non-suspending).
func (s *SpawnedCall[T]) IsCompleted() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Result returns the stored result; only meaningful after IsCompleted.
func (s *SpawnedCall[T]) Result() T { return s.result }

// Failed reports whether the call ended in failure.
func (s *SpawnedCall[T]) Failed() bool { return s.failed.Load() }

// SyncResult is the categorized outcome of a Sync race (spec.md §4.4).
type SyncResult struct {
	Successful      int
	Failed          int
	Unknown         int
	OperationFailed bool
}

// AllSucceeded reports whether every call in the race succeeded with no
// operation-level failure.
func (r SyncResult) AllSucceeded() bool {
	return r.Failed == 0 && r.Unknown == 0 && !r.OperationFailed
}

// Sync waits on the disjunction of (all calls completed) and (operation
// failure), then categorizes each call (spec.md §4.4).
func Sync[T any](core *operation.Core, calls []*SpawnedCall[T], onCompletion func()) SyncResult {
	allDone := make(chan struct{})
	go func() {
		for _, c := range calls {
			<-c.done
		}
		close(allDone)
	}()

	var result SyncResult
	select {
	case <-allDone:
		for _, c := range calls {
			if c.Failed() {
				result.Failed++
			} else {
				result.Successful++
			}
		}
	case sig := <-core.FailureChan():
		result.OperationFailed = true
		_ = sig
		for _, c := range calls {
			select {
			case <-c.done:
				if c.Failed() {
					result.Failed++
				} else {
					result.Successful++
				}
			default:
				result.Unknown++
				if m := core.Metrics(); m != nil {
					m.ObserveOutcome("unknown")
				}
			}
		}
	}

	if onCompletion != nil {
		onCompletion()
	}
	return result
}

// WaitForCompletion races synchronous work against operation failure without
// creating a CallFrame/SpawnedCall (spec.md §4.4: "runs user work racing
// against operation failure"). If operation failure wins the race,
// onOperationFailed is invoked (when set) and an OperationFailed error is
// returned; otherwise, if work itself errors, onError is invoked and may
// supply a fallback value to rescue the error, mirroring Spawn's onCrash.
func WaitForCompletion[T any](core *operation.Core, work func(ctx context.Context) (T, error),
	onOperationFailed func(operation.FailureSignal), onError func(err error) (fallback T, rescued bool)) (T, error) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type workResult struct {
		value T
		err   error
	}
	done := make(chan workResult, 1)
	go func() {
		v, err := work(ctx)
		done <- workResult{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if onError != nil {
				if fallback, rescued := onError(r.err); rescued {
					if m := core.Metrics(); m != nil {
						m.ObserveOutcome("successful")
					}
					return fallback, nil
				}
			}
			if m := core.Metrics(); m != nil {
				m.ObserveOutcome("failed")
			}
			var zero T
			return zero, r.err
		}
		if m := core.Metrics(); m != nil {
			m.ObserveOutcome("successful")
		}
		return r.value, nil

	case sig := <-core.FailureChan():
		cancel()
		if onOperationFailed != nil {
			onOperationFailed(sig)
		}
		if m := core.Metrics(); m != nil {
			m.ObserveOutcome("unknown")
		}
		var zero T
		return zero, ledgererr.Newf(ledgererr.CodeOperationFailed, "operation failed: %s", sig.Reason).
			WithDetail("crashedCallIds", sig.CrashedCallIDs).
			WithDetail("failedAt", sig.FailedAt)
	}
}
