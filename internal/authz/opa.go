package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentweave/agentweave-go/internal/audit"
	"github.com/agentweave/agentweave-go/internal/observability"
	"github.com/agentweave/agentweave-go/internal/transport"
)

const (
	defaultEngineTimeout = 5 * time.Second
	defaultCacheSize     = 1024
	defaultCacheTTL      = 30 * time.Second
)

// PolicyConfig configures a PolicyEnforcer.
type PolicyConfig struct {
	// Endpoint is the policy engine base URL, e.g. "http://127.0.0.1:8181".
	Endpoint string

	// PolicyPath is the slash-separated document path queried under
	// /v1/data, e.g. "agentweave/authz".
	PolicyPath string

	// Timeout bounds a single engine round trip. Defaults to 5s.
	Timeout time.Duration

	// CacheSize and CacheTTL bound the decision cache. Defaults: 1024, 30s.
	// A non-positive size or TTL disables caching.
	CacheSize int
	CacheTTL  time.Duration

	// FailOpen allows requests with a warning when the engine is
	// unreachable instead of denying them. Never enable in production.
	FailOpen bool

	// Breaker overrides the circuit breaker settings for engine calls.
	Breaker *transport.BreakerConfig
}

func (c *PolicyConfig) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("policy endpoint is required")
	}
	if c.PolicyPath == "" {
		return fmt.Errorf("policy path is required")
	}
	return nil
}

// PolicyEnforcer implements Enforcer against an OPA-compatible policy engine
// over its data API. Engine calls go through a circuit breaker; decisions
// returned by the engine are cached.
type PolicyEnforcer struct {
	cfg     PolicyConfig
	client  *http.Client
	breaker *transport.Breaker
	cache   *decisionCache
	trail   *audit.Trail
	logger  *zap.Logger
}

// NewPolicyEnforcer builds an enforcer for the given engine. The trail may
// be nil; decisions are then not audited.
func NewPolicyEnforcer(cfg PolicyConfig, trail *audit.Trail, logger *zap.Logger) (*PolicyEnforcer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultEngineTimeout
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	bcfg := transport.DefaultBreakerConfig()
	if cfg.Breaker != nil {
		bcfg = *cfg.Breaker
	}
	if cfg.FailOpen {
		logger.Warn("policy enforcer running fail-open; engine outages will allow requests")
	}
	return &PolicyEnforcer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: transport.NewBreaker("policy-engine", bcfg, logger),
		cache:   newDecisionCache(cfg.CacheSize, cfg.CacheTTL),
		trail:   trail,
		logger:  logger,
	}, nil
}

// Check implements Enforcer. The returned decision reports denial through
// its Allowed field; the error is non-nil only for malformed input.
func (e *PolicyEnforcer) Check(ctx context.Context, in *Input) (*Decision, error) {
	if in == nil || in.Action == "" {
		return nil, fmt.Errorf("authorization input requires an action")
	}
	if in.Caller.IsZero() || in.Resource.IsZero() {
		return nil, fmt.Errorf("authorization input requires caller and resource identities")
	}

	start := time.Now()
	key := cacheKey(in)
	if d, ok := e.cache.get(key, start); ok {
		// The stored decision is returned as evaluated, AuditID included;
		// only the Cached marker distinguishes the hit. No new audit event
		// is recorded for a hit.
		d.Cached = true
		observability.RecordAuthDecision(d.Allowed, "cache")
		return &d, nil
	}

	var d *Decision
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		var evalErr error
		d, evalErr = e.evaluate(ctx, in)
		return evalErr
	})
	if err != nil {
		d = e.fallback(in, err)
		observability.RecordAuthDecision(d.Allowed, "fallback")
		e.record(in, d, time.Since(start))
		return d, nil
	}

	observability.RecordAuthDecision(d.Allowed, "engine")
	e.record(in, d, time.Since(start))
	e.cache.put(key, *d, time.Now())
	return d, nil
}

// evaluate performs one engine round trip.
func (e *PolicyEnforcer) evaluate(ctx context.Context, in *Input) (*Decision, error) {
	doc := map[string]any{
		"caller_spiffe_id":      in.Caller.String(),
		"resource_spiffe_id":    in.Resource.String(),
		"action":                in.Action,
		"timestamp":             time.Now().UTC().Format(time.RFC3339),
		"caller_trust_domain":   in.Caller.TrustDomain().Name(),
		"resource_trust_domain": in.Resource.TrustDomain().Name(),
	}
	if len(in.Context) > 0 {
		doc["context"] = in.Context
	}
	body, err := json.Marshal(map[string]any{"input": doc})
	if err != nil {
		return nil, fmt.Errorf("encode policy input: %w", err)
	}

	url := e.cfg.Endpoint + "/v1/data/" + e.cfg.PolicyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build policy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrEngineUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: engine returned status %d", ErrEngineUnavailable, resp.StatusCode)
	}
	return parseResult(raw)
}

// parseResult accepts both result shapes the data API produces: a bare
// boolean rule and a structured decision document. An absent result means
// the policy is undefined for this input, which denies.
func parseResult(raw []byte) (*Decision, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrEngineUnavailable, err)
	}
	if len(envelope.Result) == 0 {
		return &Decision{Allowed: false, Reason: "policy returned no result"}, nil
	}

	var allowed bool
	if err := json.Unmarshal(envelope.Result, &allowed); err == nil {
		d := &Decision{Allowed: allowed}
		if !allowed {
			d.Reason = "denied by policy"
		}
		return d, nil
	}

	var structured struct {
		Allow    bool   `json:"allow"`
		Reason   string `json:"reason"`
		PolicyID string `json:"policy_id"`
	}
	if err := json.Unmarshal(envelope.Result, &structured); err != nil {
		return nil, fmt.Errorf("%w: unexpected result shape: %v", ErrEngineUnavailable, err)
	}
	d := &Decision{Allowed: structured.Allow, Reason: structured.Reason, PolicyID: structured.PolicyID}
	if !d.Allowed && d.Reason == "" {
		d.Reason = "denied by policy"
	}
	return d, nil
}

// fallback produces the decision used when the engine cannot be consulted.
// Fallback decisions are never cached.
func (e *PolicyEnforcer) fallback(in *Input, cause error) *Decision {
	if e.cfg.FailOpen {
		e.logger.Warn("policy engine unavailable, allowing in fail-open mode",
			zap.String("caller", in.Caller.String()),
			zap.String("resource", in.Resource.String()),
			zap.String("action", in.Action),
			zap.Error(cause),
		)
		return &Decision{Allowed: true, Reason: "policy engine unavailable, fail-open allow"}
	}
	e.logger.Warn("policy engine unavailable, denying",
		zap.String("caller", in.Caller.String()),
		zap.String("action", in.Action),
		zap.Error(cause),
	)
	return &Decision{Allowed: false, Reason: "policy engine unavailable"}
}

// record emits the AUTH_CHECK audit event and stamps the decision with the
// event identifier.
func (e *PolicyEnforcer) record(in *Input, d *Decision, took time.Duration) {
	if e.trail == nil {
		return
	}
	decision := "deny"
	if d.Allowed {
		decision = "allow"
	}
	ev := &audit.Event{
		ID:       uuid.NewString(),
		Type:     audit.EventAuthCheck,
		Caller:   in.Caller.String(),
		Resource: in.Resource.String(),
		Action:   in.Action,
		Decision: decision,
		Reason:   d.Reason,
		Duration: took,
		Context:  in.Context,
	}
	d.AuditID = ev.ID
	e.trail.Emit(ev)
}

// HealthCheck implements Enforcer by probing the engine's health endpoint.
func (e *PolicyEnforcer) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.Endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", ErrEngineUnavailable, resp.StatusCode)
	}
	return nil
}

// InvalidateCache drops all cached decisions, forcing re-evaluation. Called
// when the policy bundle is known to have changed.
func (e *PolicyEnforcer) InvalidateCache() {
	e.cache.purge()
	if e.trail != nil {
		e.trail.Emit(&audit.Event{Type: audit.EventPolicyUpdate, Reason: "decision cache invalidated"})
	}
}

// CacheLen reports the number of cached decisions.
func (e *PolicyEnforcer) CacheLen() int { return e.cache.len() }

// BreakerMetrics exposes the engine circuit breaker's counters.
func (e *PolicyEnforcer) BreakerMetrics() transport.BreakerMetrics {
	return e.breaker.Metrics()
}

// Close implements Enforcer.
func (e *PolicyEnforcer) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
