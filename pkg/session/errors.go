package session

import (
	"fmt"
)

// ErrorCode classifies session failures for the HTTP layer's status
// mapping.
type ErrorCode string

const (
	ErrSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionNotRunning  ErrorCode = "SESSION_NOT_RUNNING"
	ErrSessionStartFailed ErrorCode = "SESSION_START_FAILED"

	ErrProcessNotFound     ErrorCode = "PROCESS_NOT_FOUND"
	ErrProcessSignalFailed ErrorCode = "PROCESS_SIGNAL_FAILED"

	ErrStdinWriteFailed  ErrorCode = "STDIN_WRITE_FAILED"
	ErrStreamWriteFailed ErrorCode = "STREAM_WRITE_FAILED"

	ErrPTYCreationFailed ErrorCode = "PTY_CREATION_FAILED"
	ErrPTYResizeFailed   ErrorCode = "PTY_RESIZE_FAILED"

	ErrControlFileCorrupted ErrorCode = "CONTROL_FILE_CORRUPTED"

	ErrUnknownKey      ErrorCode = "UNKNOWN_KEY"
	ErrInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrInternal        ErrorCode = "INTERNAL_ERROR"
)

// SessionError carries a code and the session it concerns.
type SessionError struct {
	Message   string
	Code      ErrorCode
	SessionID string
	Cause     error
}

func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s (session: %s, code: %s)", e.Message, shortID(e.SessionID), e.Code)
	}
	return fmt.Sprintf("%s (code: %s)", e.Message, e.Code)
}

func (e *SessionError) Unwrap() error {
	return e.Cause
}

func NewSessionError(message string, code ErrorCode, sessionID string) *SessionError {
	return &SessionError{Message: message, Code: code, SessionID: sessionID}
}

func NewSessionErrorWithCause(message string, code ErrorCode, sessionID string, cause error) *SessionError {
	return &SessionError{Message: message, Code: code, SessionID: sessionID, Cause: cause}
}

// IsSessionError checks whether err is a SessionError with the given code.
func IsSessionError(err error, code ErrorCode) bool {
	se, ok := err.(*SessionError)
	return ok && se.Code == code
}

// CodeOf extracts the error code, or ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if se, ok := err.(*SessionError); ok {
		return se.Code
	}
	return ErrInternal
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
