// Package session implements the ledger's Session/Join Registry (spec.md
// C6): per-process multiplexing of logical handles over one physical
// operation Core, refcounting the heartbeat lifetime.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/meow-stack/ledger/internal/ledgererr"
	"github.com/meow-stack/ledger/internal/operation"
)

// DirectSessionID is the reserved session id used by call creation that
// bypasses sessions entirely, so those calls never appear in any session's
// view (spec.md §4.6).
const DirectSessionID = 0

// Pending is the minimal surface a tracked spawned call must expose so Leave
// can enumerate and optionally cancel outstanding work without depending on
// scheduler.SpawnedCall's type parameter.
type Pending interface {
	IsCompleted() bool
	Cancel()
}

// Registry tracks sessions for a single operation Core within one process.
// Grounded on the teacher's IPCHandler, which keys per-agent-identity state
// in maps it owns; generalized from event-filter timestamps to call-filter
// handles. Unlike the teacher's sync.Map fields, Leave must range over every
// pending call to cancel it, so this registry uses a mutex-guarded map.
type Registry struct {
	core *operation.Core

	mu       sync.Mutex
	sessions map[int]*Session

	onEmptied func() // invoked when the last session leaves
}

// nextSessionID is shared by every Registry in the process, so session ids
// stay unique across operations and participants.
var nextSessionID int64

// New constructs a Registry bound to core.
func New(core *operation.Core, onEmptied func()) *Registry {
	return &Registry{core: core, sessions: make(map[int]*Session), onEmptied: onEmptied}
}

// Session is a handle on an operation within one process (spec.md
// Glossary). Multiple sessions may coexist on the same operation in one
// process.
type Session struct {
	registry *Registry
	id       int

	mu      sync.Mutex
	pending map[string]Pending
}

// ID returns the session's process-unique identifier.
func (s *Session) ID() int { return s.id }

// Core returns the underlying operation Core this session is a view onto.
func (s *Session) Core() *operation.Core { return s.registry.core }

// TrackPending registers a spawned call under this session's view so
// PendingCallCount/Leave can enumerate it.
func (s *Session) TrackPending(callID string, p Pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = make(map[string]Pending)
	}
	s.pending[callID] = p
}

// UntrackPending removes a completed call from this session's view.
func (s *Session) UntrackPending(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, callID)
}

// HasPendingCalls reports whether any tracked spawned call has not yet
// completed.
func (s *Session) HasPendingCalls() bool {
	return s.PendingCallCount() > 0
}

// PendingCallCount counts tracked spawned calls that have not completed.
func (s *Session) PendingCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pending {
		if !p.IsCompleted() {
			n++
		}
	}
	return n
}

// GetPendingCalls returns the call ids of not-yet-completed tracked calls.
func (s *Session) GetPendingCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for callID, p := range s.pending {
		if !p.IsCompleted() {
			ids = append(ids, callID)
		}
	}
	return ids
}

// CreateOrJoin allocates a fresh session id, registers it as live, and
// returns a Session handle. Used by both createOperation and joinOperation
// (spec.md §4.6: "both allocate a fresh session id... and increment
// joinCount").
func (r *Registry) CreateOrJoin() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := int(atomic.AddInt64(&nextSessionID, 1))
	s := &Session{registry: r, id: id}
	r.sessions[id] = s
	return s
}

// JoinCount returns the number of live sessions (spec.md invariant 5:
// joinCount == |activeSessions|).
func (r *Registry) JoinCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Leave removes a session. If the session has pending spawned calls and
// cancelPendingCalls is false, returns PendingCalls. If true, cancels each
// pending call (awaiting their terminal state is the caller's
// responsibility, per spec.md §4.6). When the last session leaves, invokes
// onEmptied exactly once.
func (r *Registry) Leave(sessionID int, cancelPendingCalls bool) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return ledgererr.Newf(ledgererr.CodeUnknownSession, "session %d not registered", sessionID)
	}

	if s.HasPendingCalls() {
		if !cancelPendingCalls {
			r.mu.Unlock()
			return ledgererr.Newf(ledgererr.CodePendingCalls, "session %d has pending spawned calls", sessionID)
		}
		for _, callID := range s.GetPendingCalls() {
			s.mu.Lock()
			p := s.pending[callID]
			s.mu.Unlock()
			if p != nil {
				p.Cancel()
			}
		}
	}

	delete(r.sessions, sessionID)
	empty := len(r.sessions) == 0
	r.mu.Unlock()

	if empty && r.onEmptied != nil {
		r.onEmptied()
	}
	return nil
}
