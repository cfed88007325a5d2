// Package errs defines the error-kind taxonomy shared across the relay,
// agent, and file-transfer packages.
//
// Errors are modeled as a small typed wrapper around a Kind plus an
// optional cause, not an exception hierarchy: callers type-switch or use
// errors.As/Is against Kind the same way the rest of the module uses
// sentinel errors.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy buckets from the
// system's error handling design. Transient kinds are safe to retry with
// backoff; permanent kinds are not.
type Kind string

const (
	// KindCommand covers malformed input, commands prohibited in the
	// current session state, and missing/extra/oversize entities.
	KindCommand Kind = "command"
	// KindAuth covers signature failure, wrong role, unknown queue, and
	// revoked credentials.
	KindAuth Kind = "auth"
	// KindBroker covers network, timeout, unexpected response, and
	// handshake/version negotiation failures.
	KindBroker Kind = "broker"
	// KindStore covers duplicate, not-found, constraint violation, and
	// internal persistence I/O failures.
	KindStore Kind = "store"
	// KindCrypto covers AEAD tag mismatch and key-agreement failure.
	KindCrypto Kind = "crypto"
	// KindFile covers chunk digest mismatch, size mismatch, relay quota
	// exceeded, and redirect mismatch.
	KindFile Kind = "file"
	// KindAgent covers not-accepted (hello timeout) and message
	// integrity failures (skipped/bad-id/bad-hash).
	KindAgent Kind = "agent"
)

// Retriable reports whether errors of this kind are transient and safe to
// retry with backoff. Auth, crypto, and file-integrity errors are
// permanent; command errors are permanent (the caller must fix the
// request); broker and store errors are transient.
func (k Kind) Retriable() bool {
	switch k {
	case KindBroker, KindStore:
		return true
	default:
		return false
	}
}

// Error is a typed error carrying a Kind and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Op      string
	Cause   error
	Message string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
}

// Unwrap enables errors.Is/errors.As to see through to Cause.
func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an Error wrapping cause under the given kind and operation.
func Wrap(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Cause: cause, Message: cause.Error()}
}

// Is reports whether err is an *Error of the given kind, looking through
// wrapped causes.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retriable reports whether err should be retried locally with backoff
// per the propagation policy: transient (network, store-busy) errors are
// retried, permanent errors (AUTH, DIGEST, SIZE) are not.
func Retriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Retriable()
	}
	return false
}
