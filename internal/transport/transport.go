// Package transport implements the secure client path: mTLS channels with
// out-of-band peer verification, a per-target connection pool, a circuit
// breaker registry, and retry with exponential backoff.
package transport

import (
	"errors"

	"github.com/agentweave/agentweave-go/internal/identity"
)

var (
	// ErrPeerVerification mirrors the identity layer's sentinel so callers
	// can match transport failures without importing both packages.
	ErrPeerVerification = identity.ErrPeerVerification

	// ErrCircuitOpen is returned when a breaker fails a call fast.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrPoolExhausted is returned when no connection can be created for a
	// target without exceeding the configured caps.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrConnection marks transport-level failures that are safe to retry.
	ErrConnection = errors.New("connection error")

	// ErrRequestTimeout marks a request that exceeded its deadline.
	ErrRequestTimeout = errors.New("request timeout")
)

// DefaultRetryable reports whether an error is a transient transport failure.
// Authorization denials and peer-verification failures are never retryable.
func DefaultRetryable(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrRequestTimeout)
}
