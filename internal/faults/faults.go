// Package faults defines the typed error taxonomy shared by every internal
// module. Internal code returns *faults.Error values; only the HTTP layer
// renders them into the wire envelope.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable error classification carried on the wire.
type Kind string

const (
	KindValidation  Kind = "VALIDATION"
	KindPolicy      Kind = "POLICY"
	KindNotFound    Kind = "NOT_FOUND"
	KindDuplicate   Kind = "DUPLICATE"
	KindConflict    Kind = "CONFLICT"
	KindTimeout     Kind = "TIMEOUT"
	KindCircuitOpen Kind = "CIRCUIT_OPEN"
	KindRateLimited Kind = "RATE_LIMITED"
	KindTransient   Kind = "TRANSIENT"
	KindInternal    Kind = "INTERNAL"
)

// Error is the discriminated error returned by fallible operations.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetail attaches a key/value pair to the error's detail map.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a typed error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. Returns nil when err is nil.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, cause: err}
}

// Wrapf annotates err with a kind and a formatted message.
func Wrapf(kind Kind, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// INTERNAL; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a step handler may retry the operation locally.
// Only transient I/O qualifies; policy, validation, and conflicts bubble up.
func Retryable(err error) bool {
	return IsKind(err, KindTransient)
}

// HTTPStatus maps a kind to the status code the API layer responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindPolicy:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicate, KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCircuitOpen, KindTransient:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the wire shape for errors. Field names are the stable contract.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody is the inner object of the error envelope.
type EnvelopeBody struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ToEnvelope converts any error into the wire envelope. Non-typed errors are
// reported as INTERNAL without leaking their text.
func ToEnvelope(err error) Envelope {
	var fe *Error
	if errors.As(err, &fe) {
		return Envelope{Error: EnvelopeBody{Kind: fe.Kind, Message: fe.Message, Details: fe.Details}}
	}
	return Envelope{Error: EnvelopeBody{Kind: KindInternal, Message: "internal error"}}
}
