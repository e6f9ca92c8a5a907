package transport

import (
	"errors"
	"fmt"
	"time"
)

// Connect error taxonomy. Adapters wrap the cause; callers classify with
// errors.Is.
var (
	ErrInvalidCredential  = errors.New("transport: invalid credential")
	ErrNetworkUnavailable = errors.New("transport: network unavailable")
	ErrRemoteRejected     = errors.New("transport: remote rejected")
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport: adapter closed")

// RateLimitedError is a transient send rejection carrying the wait the
// provider demanded. It is handled internally by backoff and retry and is
// never surfaced to operators as a failure.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("transport: rate limited, retry after %s", e.RetryAfter)
}

// AsRateLimited unwraps err to a RateLimitedError, if it is one.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
