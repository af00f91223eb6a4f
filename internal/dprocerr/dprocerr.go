// Package dprocerr defines the typed error kinds shared across every
// component, per the error handling design: per-command errors are
// reported to the caller and never propagate to terminate the daemon.
package dprocerr

import (
	"errors"
	"fmt"
)

// Kind identifies a category of command-level failure.
type Kind string

const (
	ParseError        Kind = "ParseError"
	InstanceNotFound  Kind = "InstanceNotFound"
	InstanceNotRunning Kind = "InstanceNotRunning"
	InstanceNotPaused Kind = "InstanceNotPaused"
	CheckpointNotFound Kind = "CheckpointNotFound"
	CheckpointFailed  Kind = "CheckpointFailed"
	RestoreFailed     Kind = "RestoreFailed"
	RestoreConflict   Kind = "RestoreConflict"
	SpawnFailed       Kind = "SpawnFailed"
	NoStdin           Kind = "NoStdin"
	PeerUnreachable   Kind = "PeerUnreachable"
	HandshakeFailed   Kind = "HandshakeFailed"
	SerializationError Kind = "SerializationError"
	IoError           Kind = "IoError"
	MigrationRejected Kind = "MigrationRejected"
	AmbiguousInstance Kind = "AmbiguousInstance"
)

// Error wraps a Kind with a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err isn't a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
