package operation

import (
	"testing"
	"time"

	"github.com/meow-stack/ledger/internal/ledgererr"
	"github.com/meow-stack/ledger/internal/lock"
	"github.com/meow-stack/ledger/internal/logging"
	"github.com/meow-stack/ledger/internal/store"
)

func newTestCore(t *testing.T, participantID string) (*Core, *store.Store) {
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
		InitiatorID:    participantID,
		OperationState: store.StateRunning,
		CallFrames:     []store.CallFrame{},
		TempResources:  []store.TempResource{},
	}
	if err := st.Create(opID, op); err != nil {
		t.Fatalf("create operation: %v", err)
	}

	return New(st, opID, participantID, 1234, logging.NewForTest()), st
}

func TestStartAndEndCall(t *testing.T) {
	core, st := newTestCore(t, "alice")

	call, err := core.StartCall("do work", true)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if call.CallID() == "" {
		t.Fatal("expected non-empty callId")
	}

	op, err := st.Read("op1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if op.FindFrame(call.CallID()) < 0 {
		t.Fatal("frame should be present after StartCall")
	}

	if err := call.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	op, _ = st.Read("op1")
	if op.FindFrame(call.CallID()) >= 0 {
		t.Fatal("frame should be removed after End")
	}

	if err := call.End(); !ledgererr.Is(err, ledgererr.CodeAlreadyCompleted) {
		t.Fatalf("second End should be AlreadyCompleted, got %v", err)
	}
}

func TestFailCallEscalatesWhenFailOnCrash(t *testing.T) {
	core, _ := newTestCore(t, "alice")

	call, err := core.StartCall("risky", true)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	if err := call.Fail(ledgererr.New(ledgererr.CodeOperationFailed, "boom")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	select {
	case sig := <-core.FailureChan():
		if len(sig.CrashedCallIDs) != 1 || sig.CrashedCallIDs[0] != call.CallID() {
			t.Errorf("unexpected crashedCallIds: %v", sig.CrashedCallIDs)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a FailureSignal to be delivered")
	}
}

func TestFailCallContainedWhenFailOnCrashFalse(t *testing.T) {
	core, _ := newTestCore(t, "alice")

	call, err := core.StartCall("contained", false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := call.Fail(ledgererr.New(ledgererr.CodeOperationFailed, "boom")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	select {
	case sig := <-core.FailureChan():
		t.Fatalf("failOnCrash=false should not escalate, got signal: %+v", sig)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEndUnknownCall(t *testing.T) {
	core, _ := newTestCore(t, "alice")
	fake := &Call{core: core, callID: "nonexistent"}
	if err := fake.End(); !ledgererr.Is(err, ledgererr.CodeUnknownCall) {
		t.Fatalf("expected UnknownCall, got %v", err)
	}
}

func TestCompleteRequiresInitiator(t *testing.T) {
	core, _ := newTestCore(t, "alice")
	nonInitiator := New(core.store, core.operationID, "bob", 1, logging.NewForTest())

	if _, err := nonInitiator.Complete(); !ledgererr.Is(err, ledgererr.CodeNotInitiator) {
		t.Fatalf("expected NotInitiator, got %v", err)
	}

	op, err := core.Complete()
	if err != nil {
		t.Fatalf("Complete by initiator: %v", err)
	}
	if op.OperationState != store.StateCompleted {
		t.Errorf("OperationState = %q, want completed", op.OperationState)
	}
}

func TestRegisterTempResourceIdempotent(t *testing.T) {
	core, st := newTestCore(t, "alice")
	if err := core.RegisterTempResource("/tmp/x"); err != nil {
		t.Fatalf("RegisterTempResource: %v", err)
	}
	if err := core.RegisterTempResource("/tmp/x"); err != nil {
		t.Fatalf("RegisterTempResource (replace): %v", err)
	}
	op, _ := st.Read("op1")
	if len(op.TempResources) != 1 {
		t.Fatalf("expected one temp resource, got %d", len(op.TempResources))
	}
}

func TestSetAndCheckAbort(t *testing.T) {
	core, _ := newTestCore(t, "alice")
	if err := core.SetAbortFlag(true); err != nil {
		t.Fatalf("SetAbortFlag: %v", err)
	}
	aborted, err := core.CheckAbort()
	if err != nil {
		t.Fatalf("CheckAbort: %v", err)
	}
	if !aborted {
		t.Error("expected aborted=true")
	}
}
