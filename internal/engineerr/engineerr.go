// Package engineerr defines the error Kind taxonomy shared across the
// engine, generalizing the order manager's OrderError shape into a
// classification every component can test against with errors.Is/As.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error per spec.md §7.
type Kind string

const (
	KindNotConnected         Kind = "not_connected"
	KindNoAccount            Kind = "no_account"
	KindMarketClosed         Kind = "market_closed"
	KindRateLimited          Kind = "rate_limited"
	KindAdapterCallFailed    Kind = "adapter_call_failed"
	KindOrderRejected        Kind = "order_rejected"
	KindInsufficientQuantity Kind = "insufficient_quantity"
	KindInvariantViolation   Kind = "invariant_violation"
	KindCacheMiss            Kind = "cache_miss"
	KindTimeout              Kind = "timeout"
)

// Error wraps a Kind, the operation that failed, an optional target
// (typically an instrument key), an optional adapter/order status code,
// and the underlying cause.
type Error struct {
	Kind   Kind
	Op     string
	Target string
	Code   int // adapter status code or order rejection code, when applicable
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b string
	if e.Target != "" {
		b = fmt.Sprintf("%s %s [%s]", e.Op, e.Target, e.Kind)
	} else {
		b = fmt.Sprintf("%s [%s]", e.Op, e.Kind)
	}
	if e.Code != 0 {
		b = fmt.Sprintf("%s code=%d", b, e.Code)
	}
	if e.Err != nil {
		b = fmt.Sprintf("%s: %v", b, e.Err)
	}
	return b
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is supports errors.Is comparisons against a *Error with only Kind set,
// so callers can write errors.Is(err, engineerr.New(engineerr.KindTimeout, "", "", nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error. If err already carries a Kind, it is returned
// unchanged rather than double-wrapped, mirroring OrderError's New.
func New(kind Kind, op, target string, err error) error {
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Op: op, Target: target, Err: err}
}

// WithCode attaches an adapter/order status code to a newly-constructed error.
func WithCode(kind Kind, op, target string, code int, err error) error {
	return &Error{Kind: kind, Op: op, Target: target, Code: code, Err: err}
}

// Of reports the Kind of err, if it is (or wraps) an *Error.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
