package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized is matched by ServerErrors carrying HTTP 401.
var ErrUnauthorized = errors.New("unauthorized")

// NetworkError is a transport failure or timeout. The request may be retried
// by the user; the client never retries on its own.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Retryable() bool { return true }

// ServerError is a non-2xx response. Message is the server's own message when
// it sent one.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

func (e *ServerError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

func (e *ServerError) Is(target error) bool {
	return target == ErrUnauthorized && e.Unauthorized()
}

// Message returns the text to show a user for err: the server message for a
// ServerError, a short description for a NetworkError and err.Error()
// otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return srvErr.Message
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return fmt.Sprintf("Network error: %v", netErr.Err)
	}
	return err.Error()
}
