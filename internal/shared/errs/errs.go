// Package errs defines the stable error kinds surfaced by the gateway core.
// Callers branch on Kind; messages are human-readable and never carry
// provider or cryptographic detail.
package errs

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindInvalidKey            Kind = "invalid_key"
	KindInvalidCiphertext     Kind = "invalid_ciphertext"
	KindAuthenticationFailed  Kind = "authentication_failed"
	KindNoKeyAvailable        Kind = "no_key_available"
	KindSpendingLimitExceeded Kind = "spending_limit_exceeded"
	KindProviderUnavailable   Kind = "provider_unavailable"
	KindProviderError         Kind = "provider_error"
	KindAllProvidersFailed    Kind = "all_providers_failed"
	KindUnknownModel          Kind = "unknown_model"
	KindGateNotFound          Kind = "gate_not_found"
	KindEncryptionKeyMissing  Kind = "encryption_key_missing"
	KindInvalidRequest        Kind = "invalid_request"
	KindUnauthorized          Kind = "unauthorized"
	KindRateLimited           Kind = "rate_limited"
	KindNotFound              Kind = "not_found"
	KindInternal              Kind = "internal"
)

// Error is a kinded error. Two *Error values match under errors.Is when
// their kinds are equal.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the user-facing message for err. Errors without a kind
// get a generic message so internal detail is not exposed.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return "internal error"
}

// HTTPStatus maps a kind to the status code returned to API callers
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindGateNotFound, KindNotFound:
		return http.StatusNotFound
	case KindSpendingLimitExceeded:
		return http.StatusPaymentRequired
	case KindUnknownModel:
		return http.StatusUnprocessableEntity
	case KindNoKeyAvailable:
		return http.StatusFailedDependency
	case KindEncryptionKeyMissing:
		return http.StatusNotImplemented
	case KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindProviderError, KindAllProvidersFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
