package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies a failure so callers can pick a recovery strategy
type ErrorType string

const (
	ErrorTypeNetwork         ErrorType = "network"
	ErrorTypeParsing         ErrorType = "parsing"
	ErrorTypeSevereRateLimit ErrorType = "severe_rate_limit"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeForbidden       ErrorType = "forbidden"
	ErrorTypeServerError     ErrorType = "server_error"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeChallenge       ErrorType = "challenge"
	ErrorTypeAuthInvalid     ErrorType = "auth_invalid"
	ErrorTypeConfig          ErrorType = "config"
	ErrorTypePersistence     ErrorType = "persistence"
	ErrorTypeUnknown         ErrorType = "unknown"
)

// StatusSevereRateLimit is the non-standard code the remote service uses when it
// suspects automation.
const StatusSevereRateLimit = 432

// ErrExhausted is returned when an operation used up its retry budget.
var ErrExhausted = errors.New("retry budget exhausted")

// Error represents a classified failure
type Error struct {
	Type    ErrorType
	Message string
	Code    int
	URL     string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error
func New(t ErrorType, code int, message string) *Error {
	return &Error{Type: t, Code: code, Message: message}
}

// Wrap classifies an underlying error
func Wrap(t ErrorType, err error, message string) *Error {
	return &Error{Type: t, Message: fmt.Sprintf("%s: %v", message, err), Err: err}
}

// Challenge reports that the remote service served a verification step at url
func Challenge(url string) *Error {
	return &Error{Type: ErrorTypeChallenge, Message: "verification required", URL: url}
}

// TypeOf extracts the classification of err, ErrorTypeUnknown when unclassified
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// Is reports whether err carries the given classification
func Is(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

// FromStatus maps an HTTP status code to a failure class. 2xx and 3xx map to
// the empty type.
func FromStatus(code int) ErrorType {
	switch {
	case code < 400:
		return ""
	case code == StatusSevereRateLimit:
		return ErrorTypeSevereRateLimit
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case code == http.StatusForbidden:
		return ErrorTypeForbidden
	case code == http.StatusNotFound:
		return ErrorTypeNotFound
	case code >= 500:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeParsing, ErrorTypeSevereRateLimit,
		ErrorTypeRateLimit, ErrorTypeForbidden, ErrorTypeServerError:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err must abort the whole crawl run
func IsFatal(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeChallenge, ErrorTypeAuthInvalid, ErrorTypeConfig:
		return true
	default:
		return false
	}
}
