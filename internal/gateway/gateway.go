// Package gateway implements the ledger's Remote Gateway (spec.md C8): a
// stateless HTTP front-end mapping the same verbs C3/C6 expose onto JSON
// requests, using the caller-supplied participantId as an independent
// identity. Shaped after the teacher's internal/ipc/server.go: a thin Server
// dispatching to one handler method per verb, JSON in/out, structured
// per-request logging.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/meow-stack/ledger/internal/ledgererr"
	"github.com/meow-stack/ledger/internal/logging"
	"github.com/meow-stack/ledger/internal/registry"
	"github.com/meow-stack/ledger/internal/session"
)

// ServiceName/Version are reported by the /status endpoint.
const (
	ServiceName = "ledgerd"
	Version     = "0.1.0"
)

// Server is the stateless HTTP gateway: it holds no request-scoped identity
// of its own, but it does need to remember which Session a remote client's
// operationId (and, when given, participantId) maps to across requests
// (create/join happen once; leave/heartbeat/abort/log/call verbs reference
// only the operationId per spec.md §4.8's literal wire table). Each
// participant attaching to an operation now gets its own Core (spec.md
// §4.8's independent-identity requirement), so a subsequent request that
// wants to be attributed to a specific participant rather than whichever one
// attached most recently may include participantId in its body; the gateway
// keeps both a last-attached-wins table (the wire table's minimum) and a
// participant-keyed table (for callers that do supply participantId).
type Server struct {
	ledger *registry.Ledger
	logger *slog.Logger
	addr   string

	mu                    sync.Mutex
	sessions              map[string]*session.Session     // operationId -> most recently attached Session
	sessionsByParticipant map[sessionKey]*session.Session // (operationId, participantId) -> Session
}

// sessionKey identifies a remembered session by both operationId and
// participantId.
type sessionKey struct {
	operationID   string
	participantID string
}

// New constructs a Server bound to ledger, serving at addr.
func New(ledger *registry.Ledger, addr string, logger *slog.Logger) *Server {
	return &Server{
		ledger:                ledger,
		logger:                logging.OrDefault(logger).With("component", "gateway"),
		addr:                  addr,
		sessions:              make(map[string]*session.Session),
		sessionsByParticipant: make(map[sessionKey]*session.Session),
	}
}

// Handler builds the http.ServeMux routing table for the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/operation/create", s.handleCreate)
	mux.HandleFunc("/operation/join", s.handleJoin)
	mux.HandleFunc("/operation/leave", s.handleLeave)
	mux.HandleFunc("/operation/complete", s.handleComplete)
	mux.HandleFunc("/operation/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/operation/abort", s.handleAbort)
	mux.HandleFunc("/operation/state", s.handleState)
	mux.HandleFunc("/operation/log", s.handleLog)
	mux.HandleFunc("/call/start", s.handleCallStart)
	mux.HandleFunc("/call/end", s.handleCallEnd)
	mux.HandleFunc("/call/fail", s.handleCallFail)
	return s.withLogging(mux)
}

// ListenAndServe starts the HTTP server, blocking until it errors or stops.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	s.logger.Info("gateway listening", "addr", s.addr)
	return srv.ListenAndServe()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusForError maps a ledgererr.Error code to an HTTP status (spec.md
// §4.8/§7: "HTTP gateway maps known errors to 4xx, unknown to 500").
func statusForError(err error) int {
	var le *ledgererr.Error
	if !asLedgerErr(err, &le) {
		return http.StatusInternalServerError
	}
	switch le.Code {
	case ledgererr.CodeLedgerNotFound, ledgererr.CodeUnknownCall, ledgererr.CodeUnknownSession:
		return http.StatusNotFound
	case ledgererr.CodeInvalidOperation, ledgererr.CodeNotInitiator, ledgererr.CodeAlreadyCompleted,
		ledgererr.CodePendingCalls, ledgererr.CodeAbortFlagSet:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func asLedgerErr(err error, target **ledgererr.Error) bool {
	le, ok := err.(*ledgererr.Error)
	if !ok {
		return false
	}
	*target = le
	return true
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return ledgererr.New(ledgererr.CodeInvalidOperation, "missing request body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return ledgererr.Wrap(ledgererr.CodeInvalidOperation, "invalid JSON body", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   ServiceName,
		"version":   Version,
		"status":    "ok",
		"port":      s.addr,
		"basePath":  s.ledger.BasePath(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type createRequest struct {
	ParticipantID  string `json:"participantId"`
	Description    string `json:"description,omitempty"`
	ParticipantPID int    `json:"participantPid,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "participantId is required")
		return
	}
	pid := req.ParticipantPID
	if pid == 0 {
		pid = os.Getpid()
	}

	sess, err := s.ledger.CreateOperation(req.ParticipantID, pid, req.Description)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.rememberSession(sess.Core().OperationID(), sess)

	writeJSON(w, http.StatusOK, map[string]any{
		"operationId":  sess.Core().OperationID(),
		"participantId": req.ParticipantID,
		"isInitiator":  true,
		"sessionId":    sess.ID(),
		"startTime":    time.Now().UTC().Format(time.RFC3339),
	})
}

type joinRequest struct {
	OperationID    string `json:"operationId"`
	ParticipantID  string `json:"participantId"`
	ParticipantPID int    `json:"participantPid,omitempty"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pid := req.ParticipantPID
	if pid == 0 {
		pid = os.Getpid()
	}

	sess, err := s.ledger.JoinOperation(req.OperationID, req.ParticipantID, pid)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.rememberSession(req.OperationID, sess)

	op := sess.Core().Cached()
	isInitiator := op != nil && op.InitiatorID == req.ParticipantID

	writeJSON(w, http.StatusOK, map[string]any{
		"operationId":   req.OperationID,
		"participantId": req.ParticipantID,
		"isInitiator":   isInitiator,
		"sessionId":     sess.ID(),
	})
}

type operationRequest struct {
	OperationID   string `json:"operationId"`
	ParticipantID string `json:"participantId,omitempty"`
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := s.lookupSession(req.OperationID, req.ParticipantID)
	if !ok {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	if err := s.ledger.LeaveOperation(sess, false); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.forgetSession(req.OperationID, sess.Core().ParticipantID())
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := s.lookupSession(req.OperationID, req.ParticipantID)
	if !ok {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	if err := s.ledger.Complete(req.OperationID, sess.Core().ParticipantID()); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.forgetSession(req.OperationID, sess.Core().ParticipantID())
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleHeartbeat performs the real spec.md §4.5 heartbeat mutation (lock
// acquire, trail snapshot, this participant's own CallFrame.lastHeartbeat
// refresh, staleness computation) via the same Engine.Beat a local
// participant's self-rescheduling timer drives, attributed to whichever
// participant this operationId's remembered session belongs to. A remote
// participant has no filesystem of its own to heartbeat through; this
// endpoint is its only liveness channel, so it must route through the exact
// mutation a local heartbeat tick performs rather than a lock-free read.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := s.lookupSession(req.OperationID, req.ParticipantID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "reason": "No ledger"})
		return
	}
	engine, ok := s.ledger.Heartbeat(req.OperationID, sess.Core().ParticipantID())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "reason": "No ledger"})
		return
	}
	result, err := engine.Beat()
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"abortFlag":         result.AbortFlag,
		"callFrameCount":    result.FrameCount,
		"tempResourceCount": result.TempResourceCount,
		"staleParticipants": result.StaleParticipants,
	})
}

type abortRequest struct {
	OperationID   string `json:"operationId"`
	ParticipantID string `json:"participantId,omitempty"`
	Value         *bool  `json:"value,omitempty"`
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := s.lookupSession(req.OperationID, req.ParticipantID)
	if !ok {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	core := sess.Core()
	value := true
	if req.Value != nil {
		value = *req.Value
	}
	if err := core.SetAbortFlag(value); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	operationID := r.URL.Query().Get("operationId")
	if operationID == "" && r.Method == http.MethodPost {
		var req operationRequest
		if err := decodeJSON(r, &req); err == nil {
			operationID = req.OperationID
		}
	}
	if operationID == "" {
		writeError(w, http.StatusBadRequest, "operationId is required")
		return
	}

	op, err := s.ledger.Store().Read(operationID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	participants := map[string]struct{}{}
	for _, f := range op.CallFrames {
		participants[f.ParticipantID] = struct{}{}
	}
	names := make([]string, 0, len(participants))
	for p := range participants {
		names = append(names, p)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"operationId":    op.OperationID,
		"state":          op.OperationState,
		"aborted":        op.Aborted,
		"callFrameCount": len(op.CallFrames),
		"participants":   names,
	})
}

type logRequest struct {
	OperationID   string `json:"operationId"`
	ParticipantID string `json:"participantId,omitempty"`
	Message       string `json:"message"`
	Level         string `json:"level,omitempty"`
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var req logRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := s.lookupSession(req.OperationID, req.ParticipantID)
	if !ok {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	core := sess.Core()
	level := req.Level
	if level == "" {
		level = "INFO"
	}
	if err := core.Log(req.Message, level); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type callStartRequest struct {
	OperationID   string `json:"operationId"`
	ParticipantID string `json:"participantId,omitempty"`
	Description   string `json:"description,omitempty"`
	FailOnCrash   *bool  `json:"failOnCrash,omitempty"`
}

func (s *Server) handleCallStart(w http.ResponseWriter, r *http.Request) {
	var req callStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := s.lookupSession(req.OperationID, req.ParticipantID)
	if !ok {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	core := sess.Core()
	failOnCrash := true
	if req.FailOnCrash != nil {
		failOnCrash = *req.FailOnCrash
	}
	call, err := core.StartCall(req.Description, failOnCrash)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"callId":    call.CallID(),
		"startedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

type callRequest struct {
	OperationID   string `json:"operationId"`
	ParticipantID string `json:"participantId,omitempty"`
	CallID        string `json:"callId"`
	Error         string `json:"error,omitempty"`
}

func (s *Server) handleCallEnd(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := s.lookupSession(req.OperationID, req.ParticipantID)
	if !ok {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	core := sess.Core()
	if err := core.EndCallByID(req.CallID); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCallFail(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := s.lookupSession(req.OperationID, req.ParticipantID)
	if !ok {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	core := sess.Core()
	var cause error
	if req.Error != "" {
		cause = ledgererr.New(ledgererr.CodeOperationFailed, req.Error)
	}
	if err := core.FailCallByID(req.CallID, cause); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) rememberSession(operationID string, sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[operationID] = sess
	s.sessionsByParticipant[sessionKey{operationID: operationID, participantID: sess.Core().ParticipantID()}] = sess
}

func (s *Server) forgetSession(operationID, participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessionsByParticipant, sessionKey{operationID: operationID, participantID: participantID})
	if s.sessions[operationID] != nil && s.sessions[operationID].Core().ParticipantID() == participantID {
		delete(s.sessions, operationID)
	}
}

// lookupSession resolves the Session a request should be attributed to. When
// participantID is non-empty it resolves that specific participant's Session
// (spec.md §4.8's independent-identity requirement); when empty, it falls
// back to whichever Session most recently attached to operationID, matching
// the literal wire table's {operationId}-only bodies for verbs other than
// create/join.
func (s *Server) lookupSession(operationID, participantID string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if participantID != "" {
		sess, ok := s.sessionsByParticipant[sessionKey{operationID: operationID, participantID: participantID}]
		return sess, ok
	}
	sess, ok := s.sessions[operationID]
	return sess, ok
}
