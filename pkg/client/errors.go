package client

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when the retry budget of a request is spent.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled while a
	// request waits or is in flight.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrSessionExpired is returned when re-login does not restore a session.
	ErrSessionExpired = errors.New("session expired")
)

// ErrorClass classifies a failed request.
type ErrorClass string

const (
	// ClassConstruction covers requests that cannot be built or encoded.
	ClassConstruction ErrorClass = "construction"

	// ClassTransport covers fatal transport failures.
	ClassTransport ErrorClass = "transport"

	// ClassServer covers error objects returned by the API.
	ClassServer ErrorClass = "server"

	// ClassSessionExpired covers sessions that could not be re-established.
	ClassSessionExpired ErrorClass = "session_expired"

	// ClassTimeout covers exhausted retry budgets.
	ClassTimeout ErrorClass = "timeout"
)

// Error is returned by Submit for every failed request.
type Error struct {
	Class ErrorClass

	// Code and Info come from the API error object.
	Code string
	Info string

	// Fields holds the remaining members of the error object.
	Fields map[string]any

	// ExceptionClass is set for internal_api_error_<class> codes.
	ExceptionClass string

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "wiki api %s error", e.Class)
	if e.Code != "" {
		fmt.Fprintf(&b, " %s", e.Code)
	}
	if e.Info != "" {
		fmt.Fprintf(&b, ": %s", e.Info)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(&b, " [%s]", strings.Join(keys, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns the API error code carried by err, or "" if err is not an
// API error.
func Code(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// ClassOf returns the class of err, or "" if err is not an *Error.
func ClassOf(err error) ErrorClass {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ""
}
