// Package apperr defines the error taxonomy shared across the data plane.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindValidation           Kind = "validation_error"
	KindAuth                 Kind = "auth_error"
	KindQuotaExceeded        Kind = "quota_exceeded"
	KindPayloadTooLarge      Kind = "payload_too_large"
	KindUnsupportedMedia     Kind = "unsupported_media_type"
	KindNotFound             Kind = "not_found"
	KindStorageUnavailable   Kind = "storage_unavailable"
	KindParseFailed          Kind = "parse_failed"
	KindEmbedUnavailable     Kind = "embed_unavailable"
	KindIndexUnavailable     Kind = "index_unavailable"
	KindRetrievalUnavailable Kind = "retrieval_unavailable"
	KindLLMUnavailable       Kind = "llm_unavailable"
	KindLLMTimeout           Kind = "llm_timeout"
	KindBusUnavailable       Kind = "bus_unavailable"
	KindConfig               Kind = "config_error"
	KindInternal             Kind = "internal_error"
)

// Error carries a kind alongside a message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a job runner should requeue on this error.
// Parse failures, oversize payloads and config errors are terminal.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStorageUnavailable, KindEmbedUnavailable, KindIndexUnavailable,
		KindBusUnavailable, KindLLMUnavailable, KindLLMTimeout, KindInternal:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the facade response code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case KindNotFound:
		return http.StatusNotFound
	case KindStorageUnavailable, KindIndexUnavailable, KindRetrievalUnavailable,
		KindEmbedUnavailable, KindLLMUnavailable, KindLLMTimeout, KindBusUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
