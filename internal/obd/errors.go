package obd

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the OBD core can report.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConnection covers socket create/connect/read/write failures.
	KindConnection
	// KindTimeout is returned when the adapter stays silent past a deadline.
	KindTimeout
	// KindParse means the payload was too short or not hex where hex was expected.
	KindParse
	// KindCommand means an AT/OBD command could not be sent, including failed init steps.
	KindCommand
	// KindProtocol means the adapter answered with one of its error tokens.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindParse:
		return "parse"
	case KindCommand:
		return "command"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is the single error type produced by this package.
type Error struct {
	Kind Kind
	Op   string // e.g. "connect", "write 010C", "init ATZ"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("obd: %s (%s): %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("obd: %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind with no message of
// its own, so errors.Is(err, ErrNotReady) matches on identity while
// errors.Is(err, &Error{Kind: KindTimeout}) matches any timeout.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t == e {
		return true
	}
	return t.Msg == "" && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func newError(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: cause}
}

// KindOf extracts the Kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

var (
	ErrNotReady          = &Error{Kind: KindConnection, Msg: "adapter not ready"}
	ErrConnectInProgress = &Error{Kind: KindConnection, Msg: "connection attempt already in progress"}
	ErrAlreadyConnected  = &Error{Kind: KindConnection, Msg: "already connected"}
	ErrClosed            = &Error{Kind: KindConnection, Msg: "connection closed"}
)
