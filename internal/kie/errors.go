package kie

import (
	"errors"
	"fmt"
)

// ErrorClass buckets upstream failures by how the caller should react.
type ErrorClass string

const (
	ClassValidation ErrorClass = "validation" // bad request on our side, no I/O happened
	ClassClient     ErrorClass = "client"     // upstream rejected the request, not retryable
	ClassServer     ErrorClass = "server"     // upstream fault, retryable
	ClassRateLimit  ErrorClass = "rate_limit" // retryable with doubled backoff
	ClassNetwork    ErrorClass = "network"    // transport fault or timeout, retryable
)

var (
	ErrUnknownModel = errors.New("kie: unknown model")
	ErrCircuitOpen  = errors.New("kie: circuit open for model")
)

// APIError is a classified upstream failure.
type APIError struct {
	Class  ErrorClass
	Status int    // HTTP status, 0 for transport faults
	Code   int    // envelope code when present
	Msg    string
	err    error
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("kie: %s (status %d, code %d): %s", e.Class, e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("kie: %s: %s", e.Class, e.Msg)
}

func (e *APIError) Unwrap() error { return e.err }

// Retryable reports whether another attempt can succeed.
func (e *APIError) Retryable() bool {
	switch e.Class {
	case ClassServer, ClassRateLimit, ClassNetwork:
		return true
	default:
		return false
	}
}

// Classify extracts the error class, empty for non-API errors.
func Classify(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ""
}
