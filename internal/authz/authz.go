// Package authz authorizes agent-to-agent calls through an external policy
// engine, with decision caching and a default-deny fallback when the engine
// is unreachable.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

var (
	// ErrDenied indicates the policy engine denied the request.
	ErrDenied = errors.New("authorization denied")

	// ErrEngineUnavailable indicates the policy engine could not be reached.
	ErrEngineUnavailable = errors.New("policy engine unavailable")
)

// Input is a single authorization question: may Caller perform Action on
// Resource.
type Input struct {
	Caller   spiffeid.ID
	Resource spiffeid.ID
	Action   string
	Context  map[string]string
}

// Decision is the outcome of an authorization check. AuditID identifies the
// audit event recorded when the decision was evaluated; cache hits return
// the stored decision unchanged apart from the Cached marker.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason,omitempty"`
	PolicyID string `json:"policy_id,omitempty"`
	AuditID  string `json:"audit_id,omitempty"`
	Cached   bool   `json:"cached,omitempty"`
}

// Err returns nil for an allowed decision and an error wrapping ErrDenied
// otherwise.
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Reason != "" {
		return fmt.Errorf("%w: %s", ErrDenied, d.Reason)
	}
	return ErrDenied
}

// Enforcer answers authorization questions.
type Enforcer interface {
	// Check evaluates the input. A denied request is a valid decision, not
	// an error; the error is non-nil only for malformed input.
	Check(ctx context.Context, in *Input) (*Decision, error)

	// HealthCheck reports whether the enforcer can currently reach its
	// policy source.
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the enforcer.
	Close() error
}
