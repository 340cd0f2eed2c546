// Package errs defines the closed error taxonomy shared by every layer.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the failure categories the system
// distinguishes. The set is closed: consumers switch over it exhaustively.
type Kind string

const (
	// KindValidation rejects bad input before anything is queued or stored.
	KindValidation Kind = "validation"

	// KindNotFound reports a record id that does not exist in the store.
	KindNotFound Kind = "not_found"

	// KindConflict reports an operation invalid for the record's current
	// status, e.g. reprocessing a record that is not failed.
	KindConflict Kind = "conflict"

	// KindTimeout covers a generator call or search exceeding its deadline.
	KindTimeout Kind = "timeout"

	// KindRateLimited is the provider pushing back (HTTP 429).
	KindRateLimited Kind = "rate_limited"

	// KindInvalidResponse is a provider payload that cannot be used:
	// undecodable, empty, or a vector of the wrong dimension.
	KindInvalidResponse Kind = "invalid_response"

	// KindProviderUnavailable is any other provider failure.
	KindProviderUnavailable Kind = "provider_unavailable"

	// KindQueryEmbedding is the search-time variant of a provider failure:
	// the query text could not be embedded, so no result set is returned.
	KindQueryEmbedding Kind = "query_embedding_unavailable"

	// KindStorage is a vector store read or write failure. It is surfaced to
	// the caller of the enclosing operation, never recorded per item.
	KindStorage Kind = "storage"

	// KindShuttingDown rejects work submitted during shutdown.
	KindShuttingDown Kind = "shutting_down"

	// KindInternal is the fallback for unclassified errors.
	KindInternal Kind = "internal"
)

// Error carries a Kind alongside the message and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is and errors.As on the cause chain.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain, or KindInternal if the
// chain carries no typed error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the API returns for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindProviderUnavailable, KindInvalidResponse, KindQueryEmbedding:
		return http.StatusBadGateway
	case KindShuttingDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
