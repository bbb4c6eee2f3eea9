package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/meow-stack/ledger/internal/ledgermetrics"
	"github.com/meow-stack/ledger/internal/lock"
	"github.com/meow-stack/ledger/internal/logging"
	"github.com/meow-stack/ledger/internal/operation"
	"github.com/meow-stack/ledger/internal/store"
)

func newTestCore(t *testing.T) *operation.Core {
	t.Helper()
	dir := t.TempDir()
	st := store.New(dir, lock.Options{
		LockTimeout:      150 * time.Millisecond,
		RetryInterval:    2 * time.Millisecond,
		MaxRetryInterval: 10 * time.Millisecond,
		StaleThreshold:   50 * time.Millisecond,
	})
	opID := "op1"
	op := &store.Operation{
		OperationID:    opID,
		InitiatorID:    "alice",
		OperationState: store.StateRunning,
		CallFrames:     []store.CallFrame{},
		TempResources:  []store.TempResource{},
	}
	if err := st.Create(opID, op); err != nil {
		t.Fatalf("create operation: %v", err)
	}
	return operation.New(st, opID, "alice", 1, logging.NewForTest())
}

func TestSpawnSuccess(t *testing.T) {
	core := newTestCore(t)
	sc, err := Spawn[int](core, "work", true, func(ctx context.Context) (int, error) {
		return 42, nil
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	result, err := sc.Await()
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if result != 42 {
		t.Errorf("result = %d, want 42", result)
	}
	if sc.Failed() {
		t.Error("should not be marked failed")
	}
}

func TestSpawnFailureEscalates(t *testing.T) {
	core := newTestCore(t)
	workErr := errors.New("boom")
	sc, err := Spawn[int](core, "work", true, func(ctx context.Context) (int, error) {
		return 0, workErr
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	_, err = sc.Await()
	if err != workErr {
		t.Errorf("Await error = %v, want %v", err, workErr)
	}
	if !sc.Failed() {
		t.Error("should be marked failed")
	}

	select {
	case sig := <-core.FailureChan():
		if len(sig.CrashedCallIDs) != 1 {
			t.Errorf("expected one crashed call id, got %v", sig.CrashedCallIDs)
		}
	case <-time.After(time.Second):
		t.Fatal("expected operation failure signal")
	}
}

func TestSpawnRescuedByCrashHandler(t *testing.T) {
	core := newTestCore(t)
	sc, err := Spawn[int](core, "work", true,
		func(ctx context.Context) (int, error) { return 0, errors.New("transient") },
		func(err error) (int, bool) { return 7, true },
	)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	result, err := sc.Await()
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if result != 7 {
		t.Errorf("result = %d, want rescued value 7", result)
	}
	if sc.Failed() {
		t.Error("rescued call should not be marked failed")
	}
}

func TestCancelIsCooperative(t *testing.T) {
	core := newTestCore(t)
	started := make(chan struct{})
	sc, err := Spawn[int](core, "work", true, func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-started
	sc.Cancel()
	if !sc.IsCancelled() {
		t.Error("IsCancelled should be true after Cancel")
	}
	if _, err := sc.Await(); err == nil {
		t.Error("expected context cancellation error")
	}
}

func TestKillWithNoSubprocessReturnsFalse(t *testing.T) {
	core := newTestCore(t)
	sc, err := Spawn[int](core, "work", true, func(ctx context.Context) (int, error) {
		return 1, nil
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	sc.Await()
	ok, err := sc.Kill(nil)
	if ok || err != nil {
		t.Errorf("Kill with no subprocess attached should return (false, nil), got (%v, %v)", ok, err)
	}
}

func TestSyncAllSucceeded(t *testing.T) {
	core := newTestCore(t)
	var calls []*SpawnedCall[int]
	for i := 0; i < 3; i++ {
		i := i
		sc, err := Spawn[int](core, "work", true, func(ctx context.Context) (int, error) {
			return i, nil
		}, nil)
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		calls = append(calls, sc)
	}

	result := Sync(core, calls, nil)
	if !result.AllSucceeded() {
		t.Errorf("expected AllSucceeded, got %+v", result)
	}
	if result.Successful != 3 || result.Failed != 0 || result.Unknown != 0 {
		t.Errorf("unexpected counts: %+v", result)
	}
}

func TestSyncContainedFailureDoesNotFailOperation(t *testing.T) {
	core := newTestCore(t)
	ok, err := Spawn[int](core, "ok", true, func(ctx context.Context) (int, error) { return 1, nil }, nil)
	if err != nil {
		t.Fatalf("Spawn ok: %v", err)
	}
	failing, err := Spawn[int](core, "failing", false, func(ctx context.Context) (int, error) {
		return 0, errors.New("contained")
	}, nil)
	if err != nil {
		t.Fatalf("Spawn failing: %v", err)
	}

	result := Sync(core, []*SpawnedCall[int]{ok, failing}, nil)
	if result.OperationFailed {
		t.Error("failOnCrash=false should not fail the operation")
	}
	if result.Successful != 1 || result.Failed != 1 {
		t.Errorf("unexpected counts: %+v", result)
	}
}

func TestSpawnReportsOutcomeToMetrics(t *testing.T) {
	core := newTestCore(t)
	m := ledgermetrics.New(prometheus.NewRegistry())
	core.SetMetrics(m)

	sc, err := Spawn[int](core, "work", true, func(ctx context.Context) (int, error) {
		return 1, nil
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	sc.Await()

	if got := testutil.ToFloat64(m.SpawnedCallOutcomes.WithLabelValues("successful")); got != 1 {
		t.Errorf("successful outcome count = %v, want 1", got)
	}
}

func TestWaitForCompletionReturnsWorkResult(t *testing.T) {
	core := newTestCore(t)
	result, err := WaitForCompletion(core, func(ctx context.Context) (int, error) {
		return 99, nil
	}, nil, nil)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if result != 99 {
		t.Errorf("result = %d, want 99", result)
	}
	op, err := core.Refresh()
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(op.CallFrames) != 0 {
		t.Error("WaitForCompletion must not create a CallFrame")
	}
}

func TestWaitForCompletionRoutesErrorThroughOnError(t *testing.T) {
	core := newTestCore(t)
	workErr := errors.New("transient")
	result, err := WaitForCompletion(core, func(ctx context.Context) (int, error) {
		return 0, workErr
	}, nil, func(err error) (int, bool) {
		return 5, true
	})
	if err != nil {
		t.Fatalf("WaitForCompletion should be rescued, got error: %v", err)
	}
	if result != 5 {
		t.Errorf("result = %d, want rescued value 5", result)
	}
}

func TestWaitForCompletionPropagatesUnrescuedError(t *testing.T) {
	core := newTestCore(t)
	workErr := errors.New("boom")
	_, err := WaitForCompletion(core, func(ctx context.Context) (int, error) {
		return 0, workErr
	}, nil, nil)
	if err != workErr {
		t.Errorf("error = %v, want %v", err, workErr)
	}
}

func TestWaitForCompletionOperationFailureWinsRace(t *testing.T) {
	core := newTestCore(t)
	started := make(chan struct{})
	var calledBackReason string

	resultCh := make(chan struct {
		val int
		err error
	}, 1)
	go func() {
		val, err := WaitForCompletion(core, func(ctx context.Context) (int, error) {
			close(started)
			<-ctx.Done()
			return 0, ctx.Err()
		}, func(sig operation.FailureSignal) {
			calledBackReason = sig.Reason
		}, nil)
		resultCh <- struct {
			val int
			err error
		}{val, err}
	}()

	<-started
	core.SignalOperationFailed("watchdog detected stale participant", []string{"call_1"})

	select {
	case r := <-resultCh:
		if r.err == nil {
			t.Fatal("expected an OperationFailed error")
		}
		if calledBackReason == "" {
			t.Error("onOperationFailed should have been invoked")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForCompletion did not return after operation failure")
	}
}

func TestIsAlreadyTerminated(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("process already finished"), true},
		{errors.New("os: process already finished"), true},
		{errors.New("some other failure"), false},
	}
	for _, c := range cases {
		if got := isAlreadyTerminated(c.err); got != c.want {
			t.Errorf("isAlreadyTerminated(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
