// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package nova

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/locus/internal/logging"
)

// Kind is the closed set of failure classifications surfaced by Locus.
type Kind int

const (
	// KindUnknown is anything that fits no other kind. Retryable.
	KindUnknown Kind = iota
	// KindAuthFailed means credentials were rejected or missing. The account
	// needs re-authentication; retrying without new credentials is pointless.
	KindAuthFailed
	// KindRateLimited means the service refused for quota reasons.
	KindRateLimited
	// KindHTTP is any other non-success status.
	KindHTTP
	// KindNetwork covers timeouts, DNS failures, resets and refused
	// connections.
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindAuthFailed:
		return "auth_failed"
	case KindRateLimited:
		return "rate_limited"
	case KindHTTP:
		return "http_error"
	case KindNetwork:
		return "network_error"
	default:
		return "unknown_error"
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op is the endpoint or step that failed.
	Op string
	// Status is the HTTP status for KindHTTP, KindAuthFailed and
	// KindRateLimited responses, 0 otherwise.
	Status int
	// RetryAfter is the server's hint for KindRateLimited, 0 when absent.
	RetryAfter time.Duration
	// Message is bounded free-form detail.
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + logging.TruncateMessage(e.Err.Error())
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed without operator
// action. Only auth failures need new credentials.
func (e *Error) Retryable() bool { return e.Kind != KindAuthFailed }

// NewError builds a classified error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err. Unclassified non-nil errors are
// KindUnknown. KindOf(nil) is also KindUnknown; check for nil first.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsAuthFailed reports whether err is classified KindAuthFailed.
func IsAuthFailed(err error) bool {
	return err != nil && KindOf(err) == KindAuthFailed
}

// IsRateLimited reports whether err is classified KindRateLimited.
func IsRateLimited(err error) bool {
	return err != nil && KindOf(err) == KindRateLimited
}

// RetryAfterOf returns the rate-limit hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Classify maps an arbitrary error onto the taxonomy. Already classified
// errors are returned unchanged.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if isNetworkError(err) {
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	return &Error{Kind: KindUnknown, Op: op, Message: logging.TruncateMessage(err.Error()), Err: err}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
