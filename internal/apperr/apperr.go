// Package apperr defines the error taxonomy shared by the lifecycle manager,
// the task scheduler and the gateway. Store and network errors are
// reclassified into one of these kinds before they reach a client.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, externally visible error category.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindTimeout          Kind = "timeout"
	KindValidation       Kind = "validation_error"
	KindDecryption       Kind = "decryption_error"
	KindStoreUnavailable Kind = "store_unavailable"
	KindWorkerExecution  Kind = "worker_execution_error"
	KindDeleteError      Kind = "delete_error"
	KindInternal         Kind = "internal"
)

// Error wraps an underlying error with the operation that failed and its kind.
type Error struct {
	Op     string // e.g. "agent.start"
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error without an underlying cause.
func New(op string, kind Kind, detail string) *Error {
	return &Error{Op: op, Kind: kind, Detail: detail}
}

// Newf is New with a formatted detail.
func Newf(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when err carries no classification.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the client should retry later rather than fix its input.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindStoreUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error to the transport status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindValidation:
		return http.StatusBadRequest
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
