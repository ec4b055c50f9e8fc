package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Class buckets an error for retry-policy purposes.
type Class string

const (
	ClassNetwork   Class = "network"
	ClassTimeout   Class = "timeout"
	ClassServer5xx Class = "server_5xx"
	ClassRateLimit Class = "rate_limit_429"
	ClassClient4xx Class = "client_4xx"
	ClassIntegrity Class = "integrity"
	ClassUnknown   Class = "unknown"
)

// backoffSchedules holds the per-class retry delays. Rate-limit delays
// apply only when the server sent no Retry-After header.
var backoffSchedules = map[Class][]time.Duration{
	ClassNetwork:   {2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second},
	ClassTimeout:   {5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second},
	ClassServer5xx: {1 * time.Second, 3 * time.Second, 5 * time.Second, 10 * time.Second},
	ClassRateLimit: {60 * time.Second, 120 * time.Second, 300 * time.Second, 600 * time.Second},
	ClassUnknown:   {1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
	// Integrity failures re-download immediately; the engine caps them at
	// three before quarantining.
	ClassIntegrity: {0, 0, 0},
}

// Retryable reports whether the class participates in the retry loop at all.
func (c Class) Retryable() bool {
	switch c {
	case ClassClient4xx:
		return false
	}
	return true
}

// Backoff returns the delay before the given 1-based retry attempt.
// Attempts beyond the schedule reuse the last entry.
func (c Class) Backoff(attempt int) time.Duration {
	schedule, ok := backoffSchedules[c]
	if !ok || len(schedule) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(schedule) {
		attempt = len(schedule)
	}
	return schedule[attempt-1]
}

// ClassifiedError carries everything an error record needs (§7): class,
// message, endpoint, attempt number, elapsed time and timestamp. It wraps
// the underlying cause.
type ClassifiedError struct {
	Class      Class
	Message    string
	Endpoint   string
	StatusCode int
	Attempt    int
	Elapsed    time.Duration
	At         time.Time
	RetryAfter time.Duration // from the Retry-After header, when present
	Err        error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s (%s, attempt %d)", e.Class, e.Message, e.Endpoint, e.Attempt)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// BackoffDelay is the wait before retrying this particular failure,
// honoring Retry-After for rate limits.
func (e *ClassifiedError) BackoffDelay() time.Duration {
	if e.Class == ClassRateLimit && e.RetryAfter > 0 {
		return e.RetryAfter
	}
	return e.Class.Backoff(e.Attempt)
}

// Classify maps a transport-level error or HTTP status into a Class.
// A nil err with status 0 or 2xx yields ClassUnknown; callers should only
// classify actual failures.
func Classify(err error, statusCode int) Class {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return ClassTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				return ClassTimeout
			}
			return ClassNetwork
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return ClassNetwork
		}
		if errors.Is(err, context.Canceled) {
			return ClassUnknown
		}
		return ClassUnknown
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ClassRateLimit
	case statusCode >= 500:
		return ClassServer5xx
	case statusCode >= 400:
		return ClassClient4xx
	}
	return ClassUnknown
}

// NewHTTPError builds a ClassifiedError from an HTTP response status.
func NewHTTPError(resp *http.Response, endpoint string, attempt int, elapsed time.Duration) *ClassifiedError {
	cls := Classify(nil, resp.StatusCode)
	ce := &ClassifiedError{
		Class:      cls,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Attempt:    attempt,
		Elapsed:    elapsed,
		At:         time.Now().UTC(),
	}
	if cls == ClassRateLimit {
		ce.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return ce
}

// NewTransportError builds a ClassifiedError from a transport failure.
func NewTransportError(err error, endpoint string, attempt int, elapsed time.Duration) *ClassifiedError {
	return &ClassifiedError{
		Class:    Classify(err, 0),
		Message:  err.Error(),
		Endpoint: endpoint,
		Attempt:  attempt,
		Elapsed:  elapsed,
		At:       time.Now().UTC(),
		Err:      err,
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
