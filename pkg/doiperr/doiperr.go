// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package doiperr defines the small error taxonomy shared by every DOIP
// component. A Kind is the only thing ever placed on the wire in an error
// envelope's metadata block; the wrapped cause (if any) stays server-side.
package doiperr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the DOIP error categories from spec §7.
type Kind string

const (
	// MalformedFrame is raised by the wire/compat codecs on any framing
	// invariant violation: bad header, length mismatch, unknown block
	// type, invalid JSON body. Fatal to the connection.
	MalformedFrame Kind = "MalformedFrame"

	// UnsupportedOperation covers an unknown op-code/metadata hint or an
	// unsupported workflow name.
	UnsupportedOperation Kind = "UnsupportedOperation"

	// InvalidIdentifier is raised when an object id does not match
	// `Q<digits>`.
	InvalidIdentifier Kind = "InvalidIdentifier"

	// ComponentNotFound covers both "manifest has no such component" and
	// "blob store reports a missing key".
	ComponentNotFound Kind = "ComponentNotFound"

	// StorageUnavailable is raised when the blob store's reachability
	// probe fails or no endpoint is configured.
	StorageUnavailable Kind = "StorageUnavailable"

	// StorageError covers any other blob-store or manifest-fetch failure.
	StorageError Kind = "StorageError"

	// UpstreamTimeout is raised when a manifest fetch exceeds its
	// deadline. Blob-store calls that time out are not reported with this
	// kind; they surface as StorageError.
	UpstreamTimeout Kind = "UpstreamTimeout"

	// ProtocolError is dispatcher-internal: an inbound message whose
	// msg-type is not "request" (see spec P10). Not listed in the §7
	// table because a compliant client never triggers it, but it is
	// still serialized the same way when it does occur.
	ProtocolError Kind = "ProtocolError"
)

// Error is the concrete error type every DOIP component returns. It carries
// a Kind (always safe to put on the wire) and a human Message; Cause, when
// set, is never serialized — it exists for server-side logging only.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with a formatted message and no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that carries cause as its Unwrap target.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, or
// StorageError as the generic fallback for anything else — every
// unclassified failure still needs a wire-safe kind.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return StorageError
}
