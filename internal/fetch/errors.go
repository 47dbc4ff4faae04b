package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrExhaustedRetries is returned once a retryable failure persists past
	// Policy.MaxRetries. It wraps the last underlying error.
	ErrExhaustedRetries = errors.New("retries exhausted")

	// ErrRequestFailed matches every *RequestError.
	ErrRequestFailed = errors.New("request failed")

	// ErrInvalidJSON is the cause of a *RequestError for a 200 response whose
	// body is not JSON.
	ErrInvalidJSON = errors.New("response body is not valid JSON")
)

// RequestError describes a failed HTTP exchange.
// StatusCode is 0 for connection-level failures.
type RequestError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("GET %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRequestFailed) true for any *RequestError.
func (e *RequestError) Is(target error) bool { return target == ErrRequestFailed }

// HTTPStatusCode returns the response status, or 0.
func (e *RequestError) HTTPStatusCode() int { return e.StatusCode }
