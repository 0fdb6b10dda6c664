package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Kind is a stable string discriminant for bridge errors. Values are part
// of the wire contract and must not change across releases.
type Kind string

const (
	KindInvalidArgument     Kind = "InvalidArgument"
	KindDeviceUnknown       Kind = "DeviceUnknown"
	KindSessionUnknown      Kind = "SessionUnknown"
	KindSessionEnded        Kind = "SessionEnded"
	KindAuthInvalid         Kind = "AuthInvalid"
	KindRateLimited         Kind = "RateLimited"
	KindProviderRateLimited Kind = "ProviderRateLimited"
	KindProviderUnavailable Kind = "ProviderUnavailable"
	KindProviderError       Kind = "ProviderError"
	KindTimeout             Kind = "Timeout"
	KindToolLoopExceeded    Kind = "ToolLoopExceeded"
	KindPayloadTooLarge     Kind = "PayloadTooLarge"
	KindInternal            Kind = "Internal"
)

// Error carries an error kind plus optional upstream details. The HTTP
// layer is the only place that translates Kind to a status code.
type Error struct {
	Kind       Kind
	Message    string
	Details    any
	RetryAfter time.Duration

	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// E creates a bridge error of the given kind.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Ef creates a bridge error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying error without losing its chain.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: err}
}

// WithRetryAfter returns e with a retry-after hint attached.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithDetails returns e with upstream details attached. The original
// provider error code must land here, never be dropped.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the kind from any error; unknown errors are Internal.
// Context deadline errors map to Timeout so adapters don't have to.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	return KindInternal
}

// AsError returns err as *Error, wrapping foreign errors as Internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return &Error{Kind: KindInternal, Message: Redact(err.Error()), wrapped: err}
}

// keyPattern matches the well-formed prefixes of known provider keys.
// Order matters: sk-ant- before the generic sk-.
var keyPattern = regexp.MustCompile(`(sk-ant-|sk-|AIza|ghp_)[A-Za-z0-9_\-]{4,}`)

// Redact masks provider key material in a string. Every component that
// serializes an error or log record must pass it through here.
func Redact(s string) string {
	return keyPattern.ReplaceAllString(s, "$1***")
}
