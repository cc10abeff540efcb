package lwp

import (
	"context"
	"errors"
	"net"

	"github.com/lancewire/lwp-go/pkg/lerr"
	"github.com/lancewire/lwp-go/pkg/lmsg"
)

var (
	// ErrClientClosed is returned on any use of a producer, consumer, or
	// client after Close. Not retryable.
	ErrClientClosed = errors.New("client is closed")

	// ErrConnectionClosed fails every in-flight request when the
	// connection transitions to closed or reconnecting. Retryable: the
	// request never reached a terminal answer.
	ErrConnectionClosed = errors.New("connection closed with request in flight")

	// ErrRequestTimeout is returned when a request's deadline elapses
	// before a response arrives. Retryable.
	ErrRequestTimeout = errors.New("request timed out awaiting response")

	// ErrBackpressure is returned when the server has paused production
	// or the producer's in-flight window is full. Retryable.
	ErrBackpressure = errors.New("backpressure: server paused or in-flight window full")

	// ErrMaxReconnects reports exhausted reconnection attempts. Not
	// retryable. The transport does not return it: once attempts exceed
	// the configured cap the transport closes, and requests fail with
	// ErrClientClosed.
	ErrMaxReconnects = errors.New("reconnect attempts exhausted")

	// ErrInvalidFrame is the frame decode failure sentinel; it aliases
	// the lmsg error so both packages' errors match with errors.Is. On a
	// live connection it forces a disconnect.
	ErrInvalidFrame = lmsg.ErrInvalidFrame
)

// IsRetryable reports whether an operation that failed with err may be
// retried. Retryability is a pure function of the error kind: transport
// failures, timeouts, and backpressure are retryable, as are the broker
// codes flagged retriable (NotLeader after following its redirect,
// ServerCatchingUp after a backoff).
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConnectionClosed),
		errors.Is(err, ErrRequestTimeout),
		errors.Is(err, ErrBackpressure),
		errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, ErrClientClosed),
		errors.Is(err, ErrInvalidFrame),
		errors.Is(err, ErrMaxReconnects):
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return lerr.IsRetriable(err)
}
