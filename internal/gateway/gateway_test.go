package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meow-stack/ledger/internal/logging"
	"github.com/meow-stack/ledger/internal/registry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	l, err := registry.New(t.TempDir(), registry.Options{
		HeartbeatInterval:    time.Hour,
		StaleThreshold:       time.Hour,
		LockTimeout:          150 * time.Millisecond,
		LockRetryInterval:    2 * time.Millisecond,
		MaxLockRetryInterval: 10 * time.Millisecond,
	}, logging.NewForTest())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return New(l, ":0", logging.NewForTest())
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestCreateJoinLifecycle(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	rec := postJSON(t, handler, "/operation/create", map[string]any{"participantId": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	opID, _ := created["operationId"].(string)
	if opID == "" {
		t.Fatal("expected non-empty operationId")
	}
	if created["isInitiator"] != true {
		t.Errorf("isInitiator = %v, want true", created["isInitiator"])
	}

	rec = postJSON(t, handler, "/operation/join", map[string]any{"operationId": opID, "participantId": "bob"})
	if rec.Code != http.StatusOK {
		t.Fatalf("join status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// bob is the most recently attached session for opID; a call/start that
	// omits participantId (per spec.md §4.8's literal wire table) must still
	// be persisted under bob's own identity, not alice's.
	rec = postJSON(t, handler, "/call/start", map[string]any{"operationId": opID, "description": "work"})
	if rec.Code != http.StatusOK {
		t.Fatalf("call/start status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var callResp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &callResp)
	callID, _ := callResp["callId"].(string)
	if callID == "" {
		t.Fatal("expected non-empty callId")
	}

	op, err := s.ledger.Store().Read(opID)
	if err != nil {
		t.Fatalf("Store().Read: %v", err)
	}
	idx := op.FindFrame(callID)
	if idx < 0 {
		t.Fatal("expected call frame to be persisted")
	}
	if got := op.CallFrames[idx].ParticipantID; got != "bob" {
		t.Fatalf("persisted CallFrame.participantId = %q, want bob", got)
	}

	rec = postJSON(t, handler, "/call/end", map[string]any{"operationId": opID, "callId": callID})
	if rec.Code != http.StatusOK {
		t.Fatalf("call/end status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// complete is initiator-only, so it must identify alice explicitly even
	// though bob is the most recently attached session.
	rec = postJSON(t, handler, "/operation/complete", map[string]any{"operationId": opID, "participantId": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestJoinMissingOperationReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := postJSON(t, s.Handler(), "/operation/join", map[string]any{"operationId": "nope", "participantId": "bob"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body = %s", rec.Code, rec.Body.String())
	}
}

func TestCreateMissingParticipantIDReturns400(t *testing.T) {
	s := newTestServer(t)
	rec := postJSON(t, s.Handler(), "/operation/create", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}
