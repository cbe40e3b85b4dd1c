package apiclient

import (
	"errors"
	"fmt"
)

// TransportError covers network failures, malformed responses and non-2xx
// statuses other than 429. Status is zero when the request never completed.
type TransportError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("apiclient: %s returned status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("apiclient: %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitError classifies HTTP 429 distinctly so callers can show backoff
// messaging instead of a generic failure.
type RateLimitError struct {
	Endpoint string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("apiclient: %s rate limited", e.Endpoint)
}

// DomainError carries a success:false envelope. The transport succeeded; the
// server rejected the operation and explained why.
type DomainError struct {
	Route   string
	Message string
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "request rejected by server"
}

// UserMessage maps client errors to text safe to flash at an operator.
func UserMessage(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Message != "" {
		return domainErr.Message
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return "The server is handling too many requests. Please wait a moment and try again."
	}
	return "Could not reach the directory service. Please try again."
}
