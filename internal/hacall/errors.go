// SPDX-License-Identifier: MIT

package hacall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Kind tags a call failure so retry logic can dispatch on it.
type Kind int

const (
	// KindTransient covers connection and protocol errors plus 502/503/504:
	// retried on the primary, eligible for failover.
	KindTransient Kind = iota
	// KindTimeout marks a slow-but-alive service: never retried, never
	// failed over, surfaced immediately.
	KindTimeout
	// KindPermanent covers everything else.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	default:
		return "permanent"
	}
}

// CallError wraps a failed HTTP call with its classification.
type CallError struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s call to %s: %v", e.Kind, e.URL, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// statusError represents a retryable gateway status.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.code)
}

func retryableStatus(code int) bool {
	switch code {
	case 502, 503, 504:
		return true
	}
	return false
}

// classify maps a transport error to a Kind. Timeouts win over everything:
// masking a slow service with failover hides the real problem.
func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// connection refused, reset, unexpected EOF, malformed response
		return KindTransient
	}
	var se *statusError
	if errors.As(err, &se) {
		return KindTransient
	}
	return KindPermanent
}
