package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError marks an error as safe to retry, e.g. a 503 from the API.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient reports whether a failed API call may succeed if repeated:
// an explicit TransientError anywhere in the chain, or a transport failure.
func IsTransient(err error) bool {
	var te *TransientError
	switch {
	case err == nil:
		return false
	case errors.As(err, &te):
		return true
	default:
		return isNetworkFailure(err)
	}
}

// droppedConnection lists transport failures that reach us as plain strings
// once an HTTP client has wrapped them.
var droppedConnection = []string{
	"connection reset by peer",
	"broken pipe",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
}

func isNetworkFailure(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED} {
		if errors.Is(err, errno) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, p := range droppedConnection {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsRetryableStatus reports whether an HTTP status is a transient server
// error. 4xx responses are never retried.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
