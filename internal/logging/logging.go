// Package logging provides structured logging infrastructure for the ledger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Format selects the slog handler used for output.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// NewDefault creates a default logger writing JSON to stderr at info level.
func NewDefault() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// NewForTest creates a silent logger for tests.
func NewForTest() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// New creates a logger writing to w with the given format and level.
func New(w io.Writer, format Format, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch format {
	case FormatText:
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// OrDefault returns logger if non-nil, otherwise slog.Default().
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// WithOperation scopes a logger to a single operation.
func WithOperation(logger *slog.Logger, operationID string) *slog.Logger {
	return logger.With("operation_id", operationID)
}

// WithParticipant scopes a logger to a single participant.
func WithParticipant(logger *slog.Logger, participantID string) *slog.Logger {
	return logger.With("participant_id", participantID)
}
