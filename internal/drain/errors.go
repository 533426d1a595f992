package drain

import (
	"errors"
	"fmt"
)

// Failure classes surfaced to callers. Use errors.Is to test for them.
var (
	// ErrNetwork means the request could not be sent or no response arrived.
	ErrNetwork = errors.New("network failure")
	// ErrRejected means the server answered with a non-success status.
	ErrRejected = errors.New("rejected")
	// ErrExhausted means the record ran out of retries and was dropped.
	ErrExhausted = errors.New("exhausted")
)

// NetworkError wraps a transport-level failure.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// RejectedError carries the non-success HTTP status returned by the server.
type RejectedError struct {
	StatusCode int
	Status     string
	// Body holds the start of the response body for diagnostics.
	Body string
}

func (e *RejectedError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("rejected: HTTP %d %s: %s", e.StatusCode, e.Status, e.Body)
	}
	return fmt.Sprintf("rejected: HTTP %d %s", e.StatusCode, e.Status)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// ExhaustedError is the terminal error handed to failure callbacks. It
// matches ErrExhausted and unwraps to the error of the last attempt.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("exhausted after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// classify maps an execution error to its metrics label.
func classify(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "network"
	}
}
