package transit

import (
	"errors"
	"fmt"
)

var (
	// Bad input, never retried.
	ErrUnknownStop = errors.New("unknown stop")
	ErrUnknownLine = errors.New("unknown line")

	// Local throttling; the caller may retry later.
	ErrRateLimited = errors.New("rate limited")

	// Credential problem; surfaced, never retried.
	ErrUnauthorized = errors.New("unauthorized")

	// Malformed request rejected upstream; never retried.
	ErrBadRequest = errors.New("bad request")

	// Transient upstream failures, retried before surfacing as ErrDegraded.
	ErrUpstream = errors.New("upstream error")
	ErrTimeout  = errors.New("upstream timeout")
	ErrDegraded = errors.New("degraded")

	// Endpoint short-circuited by its breaker.
	ErrCircuitOpen = errors.New("circuit open")

	// Reference-graph refresh failures.
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrMalformedData     = errors.New("malformed data")
)

// UpstreamError records which endpoint failed and with what HTTP status.
// It unwraps to one of the sentinels above.
type UpstreamError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUpstream) || errors.Is(err, ErrTimeout)
}
