package tts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrBinaryNotFound is returned by constructors of process-backed adapters.
var ErrBinaryNotFound = errors.New("synthesis binary not found")

// TransientError marks a failure worth retrying: timeouts, throttling, 5xx, crashed processes.
type TransientError struct {
	Backend    string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Backend, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Backend, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure that will not improve on retry: bad credentials, unsupported
// voice or format, missing binaries.
type FatalError struct {
	Backend string
	Status  int
	Err     error
}

func (e *FatalError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: fatal failure (status %d): %v", e.Backend, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: fatal failure: %v", e.Backend, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// StatusError classifies an HTTP status returned by a backend.
func StatusError(backend string, status int, retryAfter time.Duration, err error) error {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return &TransientError{Backend: backend, Status: status, RetryAfter: retryAfter, Err: err}
	default:
		return &FatalError{Backend: backend, Status: status, Err: err}
	}
}

// transportError classifies a failure that happened before any response arrived.
func transportError(backend string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Backend: backend, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Backend: backend, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &FatalError{Backend: backend, Err: err}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
