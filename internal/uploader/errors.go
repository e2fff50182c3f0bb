// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

package uploader

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gobreaker "github.com/sony/gobreaker/v2"
)

// Classification buckets an upload or poll failure for the retry loop.
type Classification int

const (
	// ClassRetryable covers network failures, 5xx responses, rate limiting,
	// and an open circuit breaker. Retried indefinitely with backoff.
	ClassRetryable Classification = iota

	// ClassTerminal covers 4xx responses other than 429 and malformed
	// server replies. Surfaced immediately, never retried.
	ClassTerminal
)

// String returns the classification name.
func (c Classification) String() string {
	if c == ClassTerminal {
		return "terminal"
	}
	return "retryable"
}

// HTTPError is a non-2xx response from the analysis service.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("analysis service returned %d: %s", e.StatusCode, e.Body)
}

// Classification maps the status code onto the retry taxonomy. Rate limits
// and server errors are retryable; every other client error is terminal.
func (e *HTTPError) Classification() Classification {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return ClassRetryable
	}
	return ClassTerminal
}

// ResponseError is a 2xx reply whose body contradicts the protocol, for
// example success=false with no usable error, or a missing jobId echo.
type ResponseError struct {
	Reason string
}

func (e *ResponseError) Error() string {
	return "malformed analysis service response: " + e.Reason
}

// Classify buckets any error coming out of the client. Unknown errors are
// treated as retryable: the loop is bounded by expiration and shutdown, and
// a spurious terminal classification would drop a match permanently.
func Classify(err error) Classification {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Classification()
	}
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return ClassTerminal
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ClassRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}
	return ClassRetryable
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// IsAuthRequired reports whether err is a 401 from the service.
func IsAuthRequired(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized
}

// IsTimeout reports whether err was cut off by the per-request deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
