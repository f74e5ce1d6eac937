package contractapi

import (
	"errors"
	"fmt"
)

// RequestFailed is returned for any call that did not produce a usable
// response: exhausted retries, timeouts, 4xx answers, undecodable bodies.
// Callers turn it into a failed stage without inspecting the cause.
type RequestFailed struct {
	Method     string
	URL        string
	StatusCode int
	Attempts   int
	Cause      error
}

func (e *RequestFailed) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d after %d attempt(s): %v", e.Method, e.URL, e.StatusCode, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Cause)
}

func (e *RequestFailed) Unwrap() error {
	return e.Cause
}

// AsRequestFailed extracts a RequestFailed from err's chain.
func AsRequestFailed(err error) (*RequestFailed, bool) {
	var rf *RequestFailed
	if errors.As(err, &rf) {
		return rf, true
	}
	return nil, false
}

// statusError carries a non-2xx response through the retry loop.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}
