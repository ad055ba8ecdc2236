// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes protocol and session failures
type ErrorKind int

const (
	// KindSchema is a malformed protocol definition. Fatal at load time.
	KindSchema ErrorKind = iota
	// KindDecode is a field or frame decode failure. The frame is dropped.
	KindDecode
	// KindChecksum is a corrupted frame. The frame is dropped.
	KindChecksum
	// KindTransport covers discovery, connect, service and characteristic failures
	KindTransport
	// KindProtocol covers unexpected signatures, orphan fragments and oversized commands
	KindProtocol
	// KindTeardown is a failure while closing a session
	KindTeardown
	// KindTimeout is an operation that did not finish in its allotted time
	KindTimeout
)

// String returns a human-readable name for the error kind
func (k ErrorKind) String() string {
	switch k {
	case KindSchema:
		return "schema error"
	case KindDecode:
		return "decode error"
	case KindChecksum:
		return "checksum error"
	case KindTransport:
		return "transport error"
	case KindProtocol:
		return "protocol violation"
	case KindTeardown:
		return "teardown error"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the error type returned by this package and the session layer
type Error struct {
	Kind    ErrorKind
	Message string
	// Key and Offset locate the failing field for decode errors
	Key     string
	Offset  int
	Details map[string]interface{}
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Kind.String() + ": " + e.Message
	if e.Key != "" {
		msg += fmt.Sprintf(" (field %q at offset %d)", e.Key, e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewTransportError wraps a transport failure
func NewTransportError(err error, format string, args ...interface{}) *Error {
	return newError(KindTransport, err, format, args...)
}

// NewTimeoutError reports an operation that exceeded its deadline
func NewTimeoutError(err error, format string, args ...interface{}) *Error {
	return newError(KindTimeout, err, format, args...)
}

// NewTeardownError reports a failure while closing a connection
func NewTeardownError(err error, format string, args ...interface{}) *Error {
	return newError(KindTeardown, err, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func isKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsSchemaError reports whether err is a schema error
func IsSchemaError(err error) bool { return isKind(err, KindSchema) }

// IsDecodeError reports whether err is a decode error
func IsDecodeError(err error) bool { return isKind(err, KindDecode) }

// IsChecksumError reports whether err is a checksum error
func IsChecksumError(err error) bool { return isKind(err, KindChecksum) }

// IsTransportError reports whether err is a transport error
func IsTransportError(err error) bool { return isKind(err, KindTransport) }

// IsProtocolViolation reports whether err is a protocol violation
func IsProtocolViolation(err error) bool { return isKind(err, KindProtocol) }

// IsTeardownError reports whether err is a teardown error
func IsTeardownError(err error) bool { return isKind(err, KindTeardown) }

// IsTimeout reports whether err is a timeout
func IsTimeout(err error) bool { return isKind(err, KindTimeout) }
