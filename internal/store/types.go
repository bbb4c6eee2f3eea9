// Package store implements the ledger's persistent state store (spec.md C2):
// reading, lock-protected modification, and trail snapshots of the
// per-operation JSON blob.
package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/meow-stack/ledger/internal/ledgererr"
)

// OperationState is one of the four lifecycle states of an Operation.
type OperationState string

const (
	StateRunning   OperationState = "running"
	StateCleanup   OperationState = "cleanup"
	StateFailed    OperationState = "failed"
	StateCompleted OperationState = "completed"
)

// operationIDPattern is the character policy from spec.md §3: restricted to
// [A-Za-z0-9_\-:.]. "/" is already outside the class; ".." is two permitted
// characters in a row, so ValidateOperationID rejects it with a separate
// substring check.
var operationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)

// ValidateOperationID validates an operationId against spec.md §3's
// character policy before any filesystem path is constructed from it.
func ValidateOperationID(id string) error {
	if id == "" {
		return ledgererr.New(ledgererr.CodeInvalidOperation, "operationId must not be empty")
	}
	if !operationIDPattern.MatchString(id) {
		return ledgererr.Newf(ledgererr.CodeInvalidOperation,
			"operationId %q contains characters outside [A-Za-z0-9_\\-:.]", id)
	}
	if containsAny(id, "..", "/") {
		return ledgererr.Newf(ledgererr.CodeInvalidOperation,
			"operationId %q contains forbidden substring \"..\" or \"/\"", id)
	}
	return nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) > 0 && index(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func index(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 || m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

// CallFrame is one in-flight call tracked inside an Operation (spec.md §3).
type CallFrame struct {
	ParticipantID string    `json:"participantId"`
	CallID        string    `json:"callId"`
	PID           int       `json:"pid"`
	StartTime     time.Time `json:"startTime"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Description   string    `json:"description,omitempty"`

	// FailOnCrash defaults to true at call-start time (gateway and
	// operation.Core.StartCall callers apply the default before a frame is
	// ever constructed). UnmarshalJSON below re-applies that default for
	// frames read back from a foreign or older writer that omitted the key
	// (spec.md §6: "Missing failOnCrash on read defaults to true").
	FailOnCrash bool `json:"failOnCrash"`
}

// callFrameAlias avoids infinite recursion into CallFrame's UnmarshalJSON.
type callFrameAlias CallFrame

// UnmarshalJSON defaults FailOnCrash to true when the key is absent from the
// encoded object, per spec.md §6.
func (f *CallFrame) UnmarshalJSON(data []byte) error {
	aux := struct {
		callFrameAlias
		FailOnCrash *bool `json:"failOnCrash"`
	}{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*f = CallFrame(aux.callFrameAlias)
	if aux.FailOnCrash == nil {
		f.FailOnCrash = true
	} else {
		f.FailOnCrash = *aux.FailOnCrash
	}
	return nil
}

// Age returns how long it has been since the frame's LastHeartbeat.
func (f CallFrame) Age(now time.Time) time.Duration {
	return now.Sub(f.LastHeartbeat)
}

// Stale reports whether the frame exceeds the given staleness threshold.
func (f CallFrame) Stale(now time.Time, threshold time.Duration) bool {
	return f.Age(now) > threshold
}

// TempResource is an opaque, externally-interpreted temporary resource
// registered against an Operation (spec.md §3).
type TempResource struct {
	Owner        int       `json:"owner"`
	Path         string    `json:"path"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Operation is the root persisted entity (spec.md §3, §6).
type Operation struct {
	OperationID    string         `json:"operationId"`
	InitiatorID    string         `json:"initiatorId"`
	OperationState OperationState `json:"operationState"`
	Aborted        bool           `json:"aborted"`
	LastHeartbeat  time.Time      `json:"lastHeartbeat"`
	CallFrames     []CallFrame    `json:"callFrames"`
	TempResources  []TempResource `json:"tempResources"`
}

// FindFrame returns the index of the frame with the given callID, or -1.
func (o *Operation) FindFrame(callID string) int {
	for i := range o.CallFrames {
		if o.CallFrames[i].CallID == callID {
			return i
		}
	}
	return -1
}

// AddFrame appends a CallFrame. It does not deduplicate: invariant 4 (callId
// appears at most once) rests on the caller, e.g. operation.Core.StartCall
// generating a fresh callId for every frame it adds.
func (o *Operation) AddFrame(f CallFrame) {
	o.CallFrames = append(o.CallFrames, f)
}

// RemoveFrame removes the frame with the given callID, if present, and
// reports whether it was found.
func (o *Operation) RemoveFrame(callID string) bool {
	idx := o.FindFrame(callID)
	if idx < 0 {
		return false
	}
	o.CallFrames = append(o.CallFrames[:idx], o.CallFrames[idx+1:]...)
	return true
}

// FindTempResource returns the index of the TempResource with the given
// path, or -1.
func (o *Operation) FindTempResource(path string) int {
	for i := range o.TempResources {
		if o.TempResources[i].Path == path {
			return i
		}
	}
	return -1
}

// UpsertTempResource registers path, replacing any existing registration
// for the same path (spec.md §4.3: "idempotent (replaced)").
func (o *Operation) UpsertTempResource(res TempResource) {
	if idx := o.FindTempResource(res.Path); idx >= 0 {
		o.TempResources[idx] = res
		return
	}
	o.TempResources = append(o.TempResources, res)
}

// RemoveTempResource unregisters path by exact match.
func (o *Operation) RemoveTempResource(path string) bool {
	idx := o.FindTempResource(path)
	if idx < 0 {
		return false
	}
	o.TempResources = append(o.TempResources[:idx], o.TempResources[idx+1:]...)
	return true
}

// FramesFor returns all frames owned by participantID.
func (o *Operation) FramesFor(participantID string) []CallFrame {
	var out []CallFrame
	for _, f := range o.CallFrames {
		if f.ParticipantID == participantID {
			out = append(out, f)
		}
	}
	return out
}

func (s OperationState) String() string { return string(s) }

// paths returns the filesystem paths associated with an operation under
// baseDir (spec.md §6 Filesystem layout).
type paths struct {
	state     string
	lock      string
	log       string
	debugLog  string
	trailDir  string
}

func pathsFor(baseDir, operationID string) paths {
	return paths{
		state:    joinPath(baseDir, operationID+".operation.json"),
		lock:     joinPath(baseDir, operationID+".operation.json.lock"),
		log:      joinPath(baseDir, operationID+".operation.log"),
		debugLog: joinPath(baseDir, operationID+".operation.debug.log"),
		trailDir: joinPath(baseDir, operationID+"_trail"),
	}
}

func joinPath(a, b string) string {
	if a == "" {
		return b
	}
	return fmt.Sprintf("%s/%s", a, b)
}
