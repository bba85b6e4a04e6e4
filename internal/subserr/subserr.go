// Package subserr defines the error kinds from the subscription
// delivery engine's error-handling design (§7) as a typed Code plus a
// small result type, and a Status mapping used at the RPC boundary —
// replacing the adjacent group-coordinator's exception-for-flow style
// with an explicit error value, per the engine's design notes.
package subserr

import "fmt"

// Code identifies one of the engine's defined error kinds.
type Code int

const (
	// CodeNone is the zero value; never returned from a failing call.
	CodeNone Code = iota
	CodeNotFound
	CodeAlreadyExists
	CodeInternal
	CodeSubscriptionRemoved
	CodeStreamNotFound
	CodeConsumerSendFailed
	CodeReaderGap
	CodeReaderFatal
)

func (c Code) String() string {
	switch c {
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeAlreadyExists:
		return "ALREADY_EXISTS"
	case CodeInternal:
		return "INTERNAL"
	case CodeSubscriptionRemoved:
		return "SUBSCRIPTION_REMOVED"
	case CodeStreamNotFound:
		return "STREAM_NOT_FOUND"
	case CodeConsumerSendFailed:
		return "CONSUMER_SEND_FAILED"
	case CodeReaderGap:
		return "READER_GAP"
	case CodeReaderFatal:
		return "READER_FATAL"
	default:
		return "UNKNOWN"
	}
}

// Error wraps a Code with a human-readable message and, optionally, the
// underlying cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error carrying an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// NotFound, AlreadyExists and friends are convenience constructors
// mirroring the error kinds enumerated in §7.
func NotFound(message string) *Error            { return New(CodeNotFound, message) }
func AlreadyExists(message string) *Error       { return New(CodeAlreadyExists, message) }
func Internal(message string) *Error            { return New(CodeInternal, message) }
func SubscriptionRemoved(message string) *Error { return New(CodeSubscriptionRemoved, message) }
func StreamNotFound(message string) *Error      { return New(CodeStreamNotFound, message) }

// Status extracts the (code, message) pair a session or single-RPC
// handler should report at the transport boundary. A non-*Error is
// reported as an internal error with a generic message, matching §7's
// propagation policy ("storage errors other than gaps propagate to
// the session as INTERNAL with a generic message").
func Status(err error) (Code, string) {
	if err == nil {
		return CodeNone, ""
	}
	if se, ok := err.(*Error); ok {
		return se.Code, se.Message
	}
	return CodeInternal, "internal error"
}

// DuplicateAck and AckBelowWindow are not represented as errors: per
// §7 they are silently ignored idempotent no-ops, so ackset.InsertAck
// has no error return for them at all.
