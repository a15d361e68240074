package apex

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for controller interactions.
var (
	// ErrNotSupported indicates the controller does not expose the
	// requested endpoint (HTTP 404). Callers fall back to an older surface.
	ErrNotSupported = errors.New("endpoint not supported by controller")

	// ErrAuthRejected indicates the controller refused the credentials or
	// session (HTTP 401/403).
	ErrAuthRejected = errors.New("controller rejected authentication")

	// ErrRESTDisabled indicates the REST surface is inside a rate-limit
	// cooldown window and must not be contacted.
	ErrRESTDisabled = errors.New("rest surface disabled by rate limit")
)

// TransportError wraps network-level failures. Retryable is set for
// timeouts, connection errors and transient HTTP statuses.
type TransportError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("apex transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError indicates a response body could not be decoded or did not have
// the expected shape.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("apex parse: %s: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RateLimitError indicates the controller returned HTTP 429. RetryAfter is
// taken from the Retry-After header when present.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("apex rate limited (retry after %s)", e.RetryAfter)
	}
	return "apex rate limited"
}

// transientStatuses are HTTP codes worth retrying on the next poll cycle.
func isTransientStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
