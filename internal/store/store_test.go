package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meow-stack/ledger/internal/ledgererr"
	"github.com/meow-stack/ledger/internal/lock"
)

func fastOptions() lock.Options {
	return lock.Options{
		LockTimeout:      200 * time.Millisecond,
		RetryInterval:    2 * time.Millisecond,
		MaxRetryInterval: 10 * time.Millisecond,
		StaleThreshold:   50 * time.Millisecond,
	}
}

func TestValidateOperationID(t *testing.T) {
	cases := []struct {
		id      string
		wantErr bool
	}{
		{"20260101T00:00:00.000-alice-abcd1234", false},
		{"simple_id-1.2", false},
		{"", true},
		{"has/slash", true},
		{"has..dots", true},
		{"has space", true},
	}
	for _, c := range cases {
		err := ValidateOperationID(c.id)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateOperationID(%q) error = %v, wantErr %v", c.id, err, c.wantErr)
		}
	}
}

func TestCreateAndRead(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, fastOptions())

	op := &Operation{
		OperationID:    "op1",
		InitiatorID:    "alice",
		OperationState: StateRunning,
		LastHeartbeat:  time.Now().UTC(),
		CallFrames:     []CallFrame{},
		TempResources:  []TempResource{},
	}
	if err := s.Create("op1", op); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Read("op1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.InitiatorID != "alice" {
		t.Errorf("InitiatorID = %q, want alice", got.InitiatorID)
	}

	if err := s.Create("op1", op); err == nil {
		t.Error("expected error creating duplicate operation")
	}
}

func TestReadMissing(t *testing.T) {
	s := New(t.TempDir(), fastOptions())
	_, err := s.Read("nonexistent")
	if !ledgererr.Is(err, ledgererr.CodeLedgerNotFound) {
		t.Errorf("expected CodeLedgerNotFound, got %v", err)
	}
}

func TestModifyWritesTrailBeforeState(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, fastOptions())

	op := &Operation{OperationID: "op2", InitiatorID: "alice", OperationState: StateRunning, CallFrames: []CallFrame{}, TempResources: []TempResource{}}
	if err := s.Create("op2", op); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := s.Modify("op2", "alice", "step1", func(o *Operation) error {
		o.OperationState = StateCleanup
		return nil
	})
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}

	trailPath := filepath.Join(dir, "op2_trail", "step1_op2.json")
	data, err := os.ReadFile(trailPath)
	if err != nil {
		t.Fatalf("trail snapshot missing: %v", err)
	}
	if !contains(string(data), `"running"`) {
		t.Errorf("trail snapshot should capture pre-mutation state (running), got %s", data)
	}

	got, err := s.Read("op2")
	if err != nil {
		t.Fatalf("Read after modify: %v", err)
	}
	if got.OperationState != StateCleanup {
		t.Errorf("OperationState = %q, want cleanup", got.OperationState)
	}
}

func TestModifyPropagatesUpdaterError(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, fastOptions())
	op := &Operation{OperationID: "op3", InitiatorID: "alice", OperationState: StateRunning, CallFrames: []CallFrame{}, TempResources: []TempResource{}}
	if err := s.Create("op3", op); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sentinel := ledgererr.New(ledgererr.CodeNotInitiator, "nope")
	_, err := s.Modify("op3", "alice", "step1", func(o *Operation) error {
		return sentinel
	})
	if err != sentinel {
		t.Errorf("expected sentinel error to propagate, got %v", err)
	}

	got, _ := s.Read("op3")
	if got.OperationState != StateRunning {
		t.Errorf("state should be unchanged on updater error, got %q", got.OperationState)
	}
}

func TestCallFrameAddFindRemove(t *testing.T) {
	op := &Operation{}
	op.AddFrame(CallFrame{CallID: "c1", ParticipantID: "alice"})
	op.AddFrame(CallFrame{CallID: "c2", ParticipantID: "bob"})

	if idx := op.FindFrame("c1"); idx != 0 {
		t.Errorf("FindFrame(c1) = %d, want 0", idx)
	}
	if !op.RemoveFrame("c1") {
		t.Error("RemoveFrame(c1) should succeed")
	}
	if op.FindFrame("c1") != -1 {
		t.Error("c1 should be gone")
	}
	if op.RemoveFrame("c1") {
		t.Error("RemoveFrame on absent callId should return false")
	}
}

func TestUpsertTempResourceIdempotent(t *testing.T) {
	op := &Operation{}
	op.UpsertTempResource(TempResource{Path: "/tmp/a", Owner: 1})
	op.UpsertTempResource(TempResource{Path: "/tmp/a", Owner: 2})
	if len(op.TempResources) != 1 {
		t.Fatalf("expected exactly one resource after idempotent upsert, got %d", len(op.TempResources))
	}
	if op.TempResources[0].Owner != 2 {
		t.Errorf("expected replaced owner 2, got %d", op.TempResources[0].Owner)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
