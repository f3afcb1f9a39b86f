package transport

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors carried as the Cause of a *Error.
var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrTimeout is returned when a broker round trip does not complete in time.
	ErrTimeout = errors.New("transport: operation timed out")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("transport: invalid topic")

	// ErrNilHandler is returned when Subscribe is called without a handler.
	ErrNilHandler = errors.New("transport: handler cannot be nil")

	// ErrUnsupported is returned when a backend cannot honour an option or operation.
	ErrUnsupported = errors.New("transport: not supported by backend")

	// ErrClosed is returned when the connection went away underneath an operation.
	ErrClosed = errors.New("transport: connection closed")
)

// Op names the public operation that failed. It forms the middle part of an
// error code.
type Op string

// Operations used in error codes.
const (
	OpConnection     Op = "CONNECTION"
	OpDisconnect     Op = "DISCONNECT"
	OpSubscribe      Op = "SUBSCRIBE"
	OpSOW            Op = "SOW"
	OpSOWSubscribe   Op = "SOW_SUBSCRIBE"
	OpSOWDelete      Op = "SOW_DELETE"
	OpDeltaSubscribe Op = "DELTA_SUBSCRIBE"
	OpUnsubscribe    Op = "UNSUBSCRIBE"
	OpPublish        Op = "PUBLISH"
	OpRequest        Op = "REQUEST"
)

// CodeUnknown is used when the backend or operation is not known.
const CodeUnknown = "UNKNOWN_ERROR"

// Code builds the error code for a backend and operation, e.g. AMPS_SUBSCRIBE_ERROR.
func Code(kind Kind, op Op) string {
	if kind == "" || op == "" {
		return CodeUnknown
	}
	return strings.ToUpper(string(kind)) + "_" + string(op) + "_ERROR"
}

// Error is the structured failure returned and broadcast by every transport
// operation. Values are created where the failure happens and never mutated.
type Error struct {
	Code        string
	Message     string
	Cause       error
	Recoverable bool
}

// NewError creates an Error for the given backend and operation.
func NewError(kind Kind, op Op, message string, cause error, recoverable bool) *Error {
	return &Error{
		Code:        Code(kind, op),
		Message:     message,
		Cause:       cause,
		Recoverable: recoverable,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return e.Code + ": " + e.Message
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var terr *Error
	if errors.As(err, &terr) {
		return terr, true
	}
	return nil, false
}
