// Package apperr defines the error taxonomy shared by every core component.
//
// Each component surfaces its own kinds; the saga coordinator wraps downstream
// errors in KindServiceCommunication while preserving the original kind in
// Details. Kinds are wire-serialized as strings in the JSON error envelope
// {error_kind, message, details?}.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies an error category. The set is closed; adding a kind means
// updating the HTTP and retryability maps below.
type Kind string

const (
	KindValidation            Kind = "Validation"
	KindNotFound              Kind = "NotFound"
	KindDuplicateBarcode      Kind = "DuplicateBarcode"
	KindDuplicateEmail        Kind = "DuplicateEmail"
	KindWeakPassword          Kind = "WeakPassword"
	KindInvalidCredentials    Kind = "InvalidCredentials"
	KindAccountLocked         Kind = "AccountLocked"
	KindAccountNotVerified    Kind = "AccountNotVerified"
	KindAccountDisabled       Kind = "AccountDisabled"
	KindTokenInvalid          Kind = "TokenInvalid"
	KindTokenExpired          Kind = "TokenExpired"
	KindSessionNotFound       Kind = "SessionNotFound"
	KindInvalidTransition     Kind = "InvalidWorkflowTransition"
	KindCapacityExceeded      Kind = "CapacityExceeded"
	KindTemperatureViolation  Kind = "TemperatureViolation"
	KindBusinessRule          Kind = "BusinessRule"
	KindServiceCommunication  Kind = "ServiceCommunicationFailed"
	KindTimeout               Kind = "TimeoutError"
	KindResourceLimit         Kind = "ResourceLimit"
	KindConflict              Kind = "Conflict"
	KindInternal              Kind = "Internal"
)

// Error is the structured error carried across component boundaries.
// Details holds enough context to log the error without additional lookups.
type Error struct {
	Kind          Kind                   `json:"error_kind"`
	Message       string                 `json:"message"`
	Details       map[string]interface{} `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Err           error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: KindNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error under the given kind.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetail returns the error with a detail key set (fluent, mutates e).
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCorrelation attaches a correlation / transaction id.
func (e *Error) WithCorrelation(id string) *Error {
	e.CorrelationID = id
	return e
}

// KindOf extracts the kind from an error chain; unknown errors are Internal.
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

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether an operation failing with this kind may be
// retried. Classification happens at the adapter boundary; validation and
// state violations are terminal, transport faults are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindServiceCommunication, KindTimeout, KindResourceLimit, KindConflict:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to the status code of the JSON envelope.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindWeakPassword:
		return http.StatusBadRequest
	case KindInvalidCredentials, KindTokenInvalid, KindTokenExpired, KindSessionNotFound:
		return http.StatusUnauthorized
	case KindAccountNotVerified, KindAccountDisabled:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicateBarcode, KindDuplicateEmail, KindInvalidTransition,
		KindCapacityExceeded, KindTemperatureViolation, KindBusinessRule, KindConflict:
		return http.StatusConflict
	case KindAccountLocked:
		return http.StatusLocked
	case KindResourceLimit:
		return http.StatusTooManyRequests
	case KindServiceCommunication:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
