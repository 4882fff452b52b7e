package protocol

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy shared by the command invoker, command
// executor, telemetry sender/receiver and session client.
type Kind string

const (
	KindInvalidConfiguration Kind = "invalid configuration"
	KindInvalidPayload       Kind = "invalid payload"
	KindMissingHeader        Kind = "missing header"
	KindInvalidHeaderValue   Kind = "invalid header value"
	KindTimeout              Kind = "timeout"
	KindExecutionError       Kind = "execution error"
	KindUnknownError         Kind = "unknown error"
	KindUnsupportedVersion   Kind = "unsupported version"
	KindStateInvalid         Kind = "state invalid"
	KindObjectDisposed       Kind = "object disposed"
	KindAuthFailed           Kind = "auth failed"
	KindCancelled            Kind = "cancelled"
)

// Error is the taxonomy-wide error type returned by every public operation in
// this package. Kind classifies the failure; Shallow marks errors raised
// synchronously before any network I/O (spec.md §7 class 1); Remote marks
// errors decoded from a peer's status-code response (class 3) as opposed to
// ones raised locally.
type Error struct {
	Kind    Kind
	Message string

	// Shallow is true for configuration errors raised before any publish.
	Shallow bool
	// Remote is true when the error was reported by the executor/peer rather
	// than detected locally.
	Remote bool

	PropertyName       string
	PropertyValue      string
	HeaderName         string
	ProtocolVersion    string
	SupportedProtocols []string

	// Parent, when set, is the underlying cause (e.g. a codec error or a
	// mq.MqttError from the session layer).
	Parent error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Parent != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Parent.Error())
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Parent
}

// Is allows errors.Is(err, &Error{Kind: KindTimeout}) style checks: two
// *Error values match when their Kinds are equal. IsKind checks against a
// bare Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// newError is the common constructor used throughout the package.
func newError(kind Kind, shallow, remote bool, msg string, parent error) *Error {
	return &Error{Kind: kind, Message: msg, Shallow: shallow, Remote: remote, Parent: parent}
}

// ShallowError builds a class-1 (pre-I/O) configuration error.
func ShallowError(kind Kind, msg string) *Error {
	return newError(kind, true, false, msg, nil)
}

// RemoteError builds a class-3 error decoded from a peer's status response.
func RemoteError(kind Kind, msg string) *Error {
	return newError(kind, false, true, msg, nil)
}

// LocalError builds a locally detected, non-shallow error (e.g. a client-side
// timeout or a transport failure surfaced after publish).
func LocalError(kind Kind, msg string, parent error) *Error {
	return newError(kind, false, false, msg, parent)
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
