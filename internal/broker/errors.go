package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure for retry, breaker and control-loop policy.
// Policy dispatches on Kind, never on error strings.
type Kind string

const (
	KindNetwork           Kind = "network"
	KindRateLimited       Kind = "rate_limited"
	KindAuth              Kind = "auth"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindMarketClosed      Kind = "market_closed"
	KindInvalidPosition   Kind = "invalid_position"
	KindDrawdownBreach    Kind = "drawdown_breach"
	KindHeartbeatMiss     Kind = "heartbeat_miss"
	KindAnomaly           Kind = "anomaly"
	KindUnknown           Kind = "unknown"
)

// Retryable reports whether a call failing with this kind may be retried.
// Only transient network failures qualify; a non-retryable kind must never
// be upgraded into a retry.
func (k Kind) Retryable() bool {
	return k == KindNetwork
}

// Error is the engine's tagged error. Venue and Op identify where the
// failure happened; Err carries the underlying cause.
type Error struct {
	Kind  Kind
	Venue Venue
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Venue, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &Error{Kind: ...}) matching on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Venue == "" || t.Venue == e.Venue)
}

// NewError builds a tagged error.
func NewError(kind Kind, venue Venue, op string, err error) *Error {
	return &Error{Kind: kind, Venue: venue, Op: op, Err: err}
}

// KindOf extracts the kind of err. Deadline and transport failures that
// were not tagged by a client are treated as Network so they stay
// retryable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindUnknown
}
