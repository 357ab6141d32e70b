package authz

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentweave/agentweave-go/internal/audit"
	"github.com/agentweave/agentweave-go/internal/observability"
)

// AllowAll is a development enforcer that permits every request. It refuses
// to hide: construction logs a warning and every decision is audited.
type AllowAll struct {
	trail  *audit.Trail
	logger *zap.Logger
}

// NewAllowAll returns an enforcer that allows everything.
func NewAllowAll(trail *audit.Trail, logger *zap.Logger) *AllowAll {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("allow-all enforcer in use; every request will be permitted")
	return &AllowAll{trail: trail, logger: logger}
}

// Check implements Enforcer.
func (a *AllowAll) Check(_ context.Context, in *Input) (*Decision, error) {
	if in == nil || in.Action == "" {
		return nil, fmt.Errorf("authorization input requires an action")
	}
	d := &Decision{Allowed: true, Reason: "allow-all enforcer", PolicyID: "allow-all"}
	observability.RecordAuthDecision(true, "engine")
	if a.trail != nil {
		ev := &audit.Event{
			ID:       uuid.NewString(),
			Type:     audit.EventAuthCheck,
			Caller:   in.Caller.String(),
			Resource: in.Resource.String(),
			Action:   in.Action,
			Decision: "allow",
			Reason:   d.Reason,
			Context:  in.Context,
		}
		d.AuditID = ev.ID
		a.trail.Emit(ev)
	}
	return d, nil
}

// HealthCheck implements Enforcer.
func (a *AllowAll) HealthCheck(ctx context.Context) error { return ctx.Err() }

// Close implements Enforcer.
func (a *AllowAll) Close() error { return nil }
