package heartbeat

import (
	"testing"
	"time"

	"github.com/meow-stack/ledger/internal/lock"
	"github.com/meow-stack/ledger/internal/logging"
	"github.com/meow-stack/ledger/internal/operation"
	"github.com/meow-stack/ledger/internal/store"
)

func newTestCore(t *testing.T, participantID string) (*operation.Core, *store.Store) {
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
	return operation.New(st, opID, participantID, 1, logging.NewForTest()), st
}

func TestDoHeartbeatRefreshesOwnFrames(t *testing.T) {
	core, st := newTestCore(t, "alice")

	call, err := core.StartCall("work", true)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	e := New(core, Options{Interval: time.Hour, StalenessThreshold: time.Hour}, logging.NewForTest(), nil, nil, nil, nil)

	before, _ := st.Read("op1")
	beforeHB := before.CallFrames[0].LastHeartbeat
	time.Sleep(5 * time.Millisecond)

	result, aborted, err := e.doHeartbeat()
	if err != nil {
		t.Fatalf("doHeartbeat: %v", err)
	}
	if aborted {
		t.Fatal("should not be aborted")
	}
	if result.Stale {
		t.Fatal("should not be stale yet")
	}

	after, _ := st.Read("op1")
	if !after.CallFrames[0].LastHeartbeat.After(beforeHB) {
		t.Error("own frame's lastHeartbeat should have advanced")
	}
	_ = call
}

func TestDoHeartbeatDetectsStaleOther(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir, lock.Options{
		LockTimeout:      150 * time.Millisecond,
		RetryInterval:    2 * time.Millisecond,
		MaxRetryInterval: 10 * time.Millisecond,
		StaleThreshold:   50 * time.Millisecond,
	})

	staleTime := time.Now().UTC().Add(-time.Hour)
	op := &store.Operation{
		OperationID:    "op1",
		InitiatorID:    "alice",
		OperationState: store.StateRunning,
		LastHeartbeat:  time.Now().UTC(),
		CallFrames: []store.CallFrame{
			{ParticipantID: "bob", CallID: "bob-call", PID: 2, LastHeartbeat: staleTime, FailOnCrash: true},
			{ParticipantID: "alice", CallID: "alice-call", PID: 1, LastHeartbeat: time.Now().UTC(), FailOnCrash: true},
		},
		TempResources: []store.TempResource{},
	}
	if err := st.Create("op1", op); err != nil {
		t.Fatalf("create: %v", err)
	}

	core := operation.New(st, "op1", "alice", 1, logging.NewForTest())
	e := New(core, Options{Interval: time.Hour, StalenessThreshold: 10 * time.Millisecond}, logging.NewForTest(), nil, nil, nil, nil)

	result, aborted, err := e.doHeartbeat()
	if aborted {
		t.Fatal("should not be aborted")
	}
	if err == nil {
		t.Fatal("expected HeartbeatStale error")
	}
	if result != nil {
		t.Error("no success Result should be returned in the same tick as HeartbeatStale")
	}

	select {
	case sig := <-core.FailureChan():
		if len(sig.CrashedCallIDs) != 1 || sig.CrashedCallIDs[0] != "alice-call" {
			t.Errorf("expected alice's own call id in crashedCallIds, got %v", sig.CrashedCallIDs)
		}
	case <-time.After(time.Second):
		t.Fatal("expected operation failure signal on stale-other detection")
	}
}

func TestDoHeartbeatDetectsAbort(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir, lock.Options{
		LockTimeout:      150 * time.Millisecond,
		RetryInterval:    2 * time.Millisecond,
		MaxRetryInterval: 10 * time.Millisecond,
		StaleThreshold:   50 * time.Millisecond,
	})
	op := &store.Operation{
		OperationID:    "op1",
		InitiatorID:    "alice",
		OperationState: store.StateRunning,
		Aborted:        true,
		CallFrames:     []store.CallFrame{},
		TempResources:  []store.TempResource{},
	}
	if err := st.Create("op1", op); err != nil {
		t.Fatalf("create: %v", err)
	}
	core := operation.New(st, "op1", "alice", 1, logging.NewForTest())
	e := New(core, Options{Interval: time.Hour, StalenessThreshold: time.Hour}, logging.NewForTest(), nil, nil, nil, nil)

	_, aborted, _ := e.doHeartbeat()
	if !aborted {
		t.Fatal("expected aborted=true to be detected")
	}
}

func TestEngineStartStop(t *testing.T) {
	core, _ := newTestCore(t, "alice")
	e := New(core, Options{Interval: 10 * time.Millisecond, StalenessThreshold: time.Hour}, logging.NewForTest(), nil, nil, nil, nil)

	e.Start()
	if e.State() != Scheduled {
		t.Fatalf("State = %v, want Scheduled", e.State())
	}
	e.Stop()
	if e.State() != Stopped {
		t.Fatalf("State = %v, want Stopped", e.State())
	}
}
