package session

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is the sentinel matched by SessionNotFoundError.
var ErrSessionNotFound = errors.New("session not found")

// ErrRecoveryAttemptsExceeded is returned by RecoverSession once a session
// has used up its recovery attempts.
var ErrRecoveryAttemptsExceeded = errors.New("recovery attempts exceeded")

// ErrManagerClosed is returned by operations that would register a session
// after Shutdown.
var ErrManagerClosed = errors.New("session manager is shut down")

// SessionNotFoundError reports an operation on a session that is not
// registered in this manager. Callers must InitializeSession first.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// Is reports whether target is ErrSessionNotFound.
func (*SessionNotFoundError) Is(target error) bool {
	return target == ErrSessionNotFound
}

// OperationError wraps a persistence failure with the operation that hit it.
type OperationError struct {
	Component string
	Op        string
	SessionID string
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %s session %s: %v", e.Component, e.Op, e.SessionID, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

const component = "session"

func opError(op, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Component: component, Op: op, SessionID: sessionID, Err: err}
}
