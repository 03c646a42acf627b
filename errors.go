package redis

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies an error by cause, per the transport/protocol/semantic/
// session/config taxonomy. Callers branch on Code instead of matching error
// strings.
type Code string

// Transport causes.
const (
	CodeConnectionRefused    Code = "connection-refused"
	CodeConnectionReset      Code = "connection-reset"
	CodeConnectionClosed     Code = "connection-closed"
	CodeConnectionTimeout    Code = "connection-timeout"
	CodeWriteFailed          Code = "write-failed"
	CodeInvalidState         Code = "invalid-state"
	CodeUnknownIO            Code = "unknown-io"
	CodeAlreadyConnected     Code = "already-connected"
	CodeResolutionFailure    Code = "resolution-failure"
)

// Protocol causes.
const (
	CodeDecodeError      Code = "decode-error"
	CodeUnexpectedPrefix Code = "unexpected-prefix"
	CodeBlobNotTerminated Code = "blob-not-terminated"
	CodeInvalidLength    Code = "invalid-length"
	CodeInvalidNumeric   Code = "invalid-numeric"
	CodeInvalidBoolean   Code = "invalid-boolean"
	CodeHandshakeFailed  Code = "handshake-failed"
)

// Semantic causes.
const (
	CodeServerError     Code = "server-error"
	CodeServerBlobError Code = "server-blob-error"
)

// Session causes.
const (
	CodeConnectionRequired Code = "connection-required"
	CodeCommandTimeout     Code = "command-timeout"
	CodeCommandCancelled   Code = "command-cancelled"
	CodeUnsolicitedReply   Code = "unsolicited-reply"
)

// Config causes.
const (
	CodeInvalidOption Code = "invalid-option"
)

// Error is the error type returned throughout this package. It carries a
// Code for programmatic dispatch and wraps an underlying cause (via
// github.com/pkg/errors) for diagnostics.
type Error struct {
	Code    Code
	Message string

	// Offset is the zero-based byte position in the decoded stream where a
	// protocol fault (§7) was detected, so callers can locate it in a
	// capture. -1 when not applicable (transport/semantic/session/config
	// errors never set it).
	Offset int64

	cause error
}

func (e *Error) Error() string {
	offset := ""
	if e.Offset >= 0 {
		offset = fmt.Sprintf(" (offset %d)", e.Offset)
	}
	if e.cause != nil {
		return fmt.Sprintf("redis: %s: %s%s: %v", e.Code, e.Message, offset, e.cause)
	}
	return fmt.Sprintf("redis: %s: %s%s", e.Code, e.Message, offset)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Code, so callers can
// do errors.Is(err, &redis.Error{Code: redis.CodeCommandTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Offset: -1}
}

func wrapError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Offset: -1, cause: errors.Wrap(cause, msg)}
}

// newDecodeErrorAt builds a protocol-taxonomy error carrying the byte offset
// in the decoded stream at which the fault was detected, per §7.
func newDecodeErrorAt(code Code, msg string, offset int64) *Error {
	return &Error{Code: code, Message: msg, Offset: offset}
}

// ErrClosed is the error pending requests resolve with when the session is
// closed (Close or transport close), kept as a standalone sentinel for the
// common case (mirrors the teacher's top-level sentinel error, which many
// callers match with ==/errors.Is directly). A Send issued after Close
// fails with connection-required instead.
var ErrClosed = newError(CodeConnectionClosed, "client closed")

// ServerError is a command-level error reply from the server (RESP `-`).
// The first space-delimited token (conventionally uppercase) is surfaced
// separately as Code so callers can switch on it without re-parsing.
type ServerError struct {
	Code    string // e.g. "WRONGTYPE"; empty if the message has no prefix token
	Message string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("redis: server error %q", e.Message)
	}
	return fmt.Sprintf("redis: server error %s %q", e.Code, e.Message)
}

// splitServerError splits "CODE rest of message" on the first space. Mirrors
// the teacher's ServerError.Prefix, generalized to blob errors too.
func splitServerError(s string) *ServerError {
	for i, r := range s {
		if r == ' ' {
			return &ServerError{Code: s[:i], Message: s[i+1:]}
		}
	}
	return &ServerError{Message: s}
}
