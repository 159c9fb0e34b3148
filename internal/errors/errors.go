// Package errors defines the closed set of error kinds used across
// ragspace and their mapping onto HTTP status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of error kinds (spec.md §7).
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindInvalid      Kind = "invalid"
	KindUnauthorized Kind = "unauthorized"
	KindUpstream     Kind = "upstream"
	KindFatal        Kind = "fatal"
)

// Error is ragspace's error type: a Kind plus a human-readable message
// and optional field-level detail, with the originating operation name
// for logging.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// ToHTTPStatus maps a Kind onto the status code the request plane
// should return (spec.md §7).
func (e *Error) ToHTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalid:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUpstream, KindFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func build(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// NotFound builds a NotFound error for a missing space/collection/object.
func NotFound(op, msg string) *Error { return build(KindNotFound, op, msg, nil) }

// Conflict builds a Conflict error for already-exists / already-running
// situations.
func Conflict(op, msg string) *Error { return build(KindConflict, op, msg, nil) }

// Invalid builds a validation error, optionally with per-field detail.
func Invalid(op, msg string, details map[string]string) *Error {
	e := build(KindInvalid, op, msg, nil)
	e.Details = details
	return e
}

// Unauthorized builds a reserved-for-future-use authorization error.
func Unauthorized(op, msg string) *Error { return build(KindUnauthorized, op, msg, nil) }

// Upstream wraps a failure from ObjectStore/VectorStore/Embedder/
// Chatter/Reranker.
func Upstream(op, msg string, err error) *Error { return build(KindUpstream, op, msg, err) }

// Fatal builds a job-fatal error (dimension probe failure, schema
// mismatch).
func Fatal(op, msg string, err error) *Error { return build(KindFatal, op, msg, err) }

// Is reports whether err is a ragspace *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
