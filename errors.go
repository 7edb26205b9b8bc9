package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRejected is fatal for the current token. Refresh it before
	// calling Connect again.
	ErrAuthRejected       = errors.New("auth rejected")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrTimeout            = errors.New("connect timeout")
	ErrNotConnected       = errors.New("not connected")
)

// ConnectError is returned by Transport.Connect. Kind is one of
// ErrAuthRejected, ErrNetworkUnavailable or ErrTimeout.
type ConnectError struct {
	Kind error
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether the reconnect loop should keep trying.
func (e *ConnectError) Retryable() bool {
	return !errors.Is(e.Kind, ErrAuthRejected)
}

func connectErr(kind, err error) *ConnectError {
	return &ConnectError{Kind: kind, Err: err}
}

// APIError represents an error returned by the REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (http %d)", e.Code, e.Message, e.Status)
	}
	return e.Code + ": " + e.Message
}
