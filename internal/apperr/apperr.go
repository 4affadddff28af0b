// Package apperr implements the error taxonomy each service classifies
// against before deciding whether to enqueue, retry, defer, or fail an
// outbox row. Classification never depends on panics reaching a caller:
// background tasks log and update state, they never surface a panic to
// the UI loop.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Class identifies which bucket of the §7 error taxonomy an error falls
// into.
type Class string

const (
	ClassConfiguration Class = "configuration"
	ClassValidation    Class = "validation"
	ClassTransient     Class = "transient"
	ClassBackpressure  Class = "backpressure"
	ClassPermanent     Class = "permanent"
	ClassTerminalAuth  Class = "terminal_auth"
	ClassFatal         Class = "fatal"
)

// Error is a structured application error carrying its taxonomy class and,
// for backpressure, a server-suggested retry delay.
type Error struct {
	Class             Class
	Message           string
	RetryAfterSeconds int
	Cause             error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(class Class, msg string) *Error { return &Error{Class: class, Message: msg} }

func Wrap(class Class, msg string, cause error) *Error {
	return &Error{Class: class, Message: msg, Cause: cause}
}

func Configuration(msg string) *Error { return New(ClassConfiguration, msg) }
func Validation(msg string) *Error    { return New(ClassValidation, msg) }
func Fatal(msg string, cause error) *Error {
	return Wrap(ClassFatal, msg, cause)
}

// Backpressure builds a backpressure error carrying the server's
// retry-after hint (0 means "use the default", 5s, per spec.md §4.C).
func Backpressure(msg string, retryAfterSeconds int) *Error {
	return &Error{Class: ClassBackpressure, Message: msg, RetryAfterSeconds: retryAfterSeconds}
}

// ClassOf returns the taxonomy class of err, defaulting to ClassTransient
// for plain errors the classifier hasn't seen before — an unrecognized
// network failure is assumed retryable rather than silently dropped.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class
	}
	return ClassTransient
}

// terminalAuthSubstrings are the fixed set of substrings that trigger an
// automatic factory reset per spec.md §4.K.
var terminalAuthSubstrings = []string{
	"Invalid API key for terminal",
	"Terminal identity mismatch",
	"API key is invalid or expired",
	"Terminal not authorized",
}

// permanentSubstrings mark a remote rejection that must never be retried.
var permanentSubstrings = []string{
	"invalid menu items",
	"customer not found in organization",
	"driver not found",
	"branch access denied",
	"total mismatch",
	"validation failed",
}

// backpressureSubstrings mark a server-side signal to slow down without
// consuming a retry slot.
var backpressureSubstrings = []string{
	"queue is backed up",
	"retry later",
}

// ClassifyRemote turns an HTTP status code + response body into a
// taxonomy class per spec.md §7, for callers (the sync engine, the
// payment/adjustment submitters) that only have raw HTTP results to work
// with.
func ClassifyRemote(statusCode int, body string) Class {
	for _, s := range terminalAuthSubstrings {
		if strings.Contains(body, s) {
			return ClassTerminalAuth
		}
	}
	if statusCode == 429 {
		return ClassBackpressure
	}
	lower := strings.ToLower(body)
	for _, s := range backpressureSubstrings {
		if strings.Contains(lower, strings.ToLower(s)) {
			return ClassBackpressure
		}
	}
	for _, s := range permanentSubstrings {
		if strings.Contains(lower, strings.ToLower(s)) {
			return ClassPermanent
		}
	}
	if statusCode >= 500 || statusCode == 0 {
		return ClassTransient
	}
	if statusCode == 408 {
		return ClassTransient
	}
	if statusCode >= 400 {
		return ClassPermanent
	}
	return ClassTransient
}

// IsTerminalAuthFailure reports whether body matches one of the fixed
// terminal-auth substrings that triggers a factory reset.
func IsTerminalAuthFailure(body string) bool {
	for _, s := range terminalAuthSubstrings {
		if strings.Contains(body, s) {
			return true
		}
	}
	return false
}
