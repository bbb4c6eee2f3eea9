// Package ledgererr provides structured error types for the ledger.
package ledgererr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes for ledger operations.
const (
	CodeLedgerNotFound    = "LEDGER_001" // operation file absent when expected
	CodeLockFailed        = "LEDGER_002" // lock could not be acquired within lockTimeout
	CodeAbortFlagSet      = "LEDGER_003" // aborted=true observed during heartbeat
	CodeHeartbeatStale    = "LEDGER_004" // another participant's frame is stale
	CodeIOError           = "LEDGER_005" // filesystem/serialization failure
	CodeInvalidOperation  = "LEDGER_006" // operationId failed validation
	CodeNotInitiator      = "LEDGER_007" // non-initiator attempted complete
	CodeUnknownCall       = "LEDGER_008" // callId not present in callFrames
	CodeUnknownSession    = "LEDGER_009" // session id not registered
	CodeAlreadyCompleted  = "LEDGER_010" // call end/fail invoked twice
	CodePendingCalls      = "LEDGER_011" // leave() with outstanding spawned calls
	CodeOperationFailed   = "LEDGER_012" // terminal operation-level failure signal
)

// Error is the structured error type for ledger operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a context key/value to the error and returns it.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// MarshalJSON renders the cause as a string field since error values are
// not otherwise serializable.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{alias: (*alias)(e)}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a new Error with no cause.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error in a structured Error.
func Wrap(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// Is reports whether err is a *Error with the given code. Supports
// errors.Is-style matching through errors.As internally.
func Is(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// OperationFailed is the terminal operation-level signal delivered to
// waitForCompletion, sync, and user callbacks (spec.md §7).
type OperationFailed struct {
	Reason         string
	CrashedCallIDs []string
	FailedAt       int64 // unix nanoseconds
}

func (e *OperationFailed) Error() string {
	return fmt.Sprintf("operation failed: %s (crashed calls: %v)", e.Reason, e.CrashedCallIDs)
}
