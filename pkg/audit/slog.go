package audit

import (
	"context"
	"errors"
	"log/slog"
)

// ErrQueryUnsupported is returned by loggers that do not retain events.
var ErrQueryUnsupported = errors.New("audit backend does not support queries")

// SlogLogger writes audit events as structured log records.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates a logger that writes to l, or slog.Default when nil.
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l.With("component", "audit")}
}

// Log writes the event at info level, or warn level when it failed.
func (s *SlogLogger) Log(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "audit event",
		slog.String("id", event.ID),
		slog.String("event_type", string(event.Type)),
		slog.String("session_id", event.SessionID),
		slog.String("user_id", event.UserID),
		slog.String("reason", event.Reason),
		slog.Any("details", event.Details),
		slog.Bool("success", event.Success),
		slog.String("error", event.ErrorMessage),
	)
	return nil
}

// Query is not supported; log records are not retained.
func (*SlogLogger) Query(_ context.Context, _ QueryFilter) ([]Event, error) {
	return nil, ErrQueryUnsupported
}

// Close is a no-op.
func (*SlogLogger) Close() error {
	return nil
}

// Verify interface compliance.
var _ Logger = (*SlogLogger)(nil)
