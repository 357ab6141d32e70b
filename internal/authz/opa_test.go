package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/agentweave/agentweave-go/internal/audit"
	"github.com/agentweave/agentweave-go/internal/transport"
)

var (
	testCaller   = spiffeid.RequireFromString("spiffe://example.org/agent/orchestrator")
	testResource = spiffeid.RequireFromString("spiffe://example.org/agent/search")
)

func testInput() *Input {
	return &Input{
		Caller:   testCaller,
		Resource: testResource,
		Action:   "search",
		Context:  map[string]string{"env": "test"},
	}
}

// policyStub is an httptest server speaking the data API, returning a fixed
// result document and counting evaluations.
func policyStub(t *testing.T, result string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/v1/data/") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var envelope struct {
			Input map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			t.Errorf("decode input: %v", err)
		}
		if envelope.Input["caller_spiffe_id"] != testCaller.String() {
			t.Errorf("caller_spiffe_id = %v", envelope.Input["caller_spiffe_id"])
		}
		if envelope.Input["caller_trust_domain"] != "example.org" {
			t.Errorf("caller_trust_domain = %v", envelope.Input["caller_trust_domain"])
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(result))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newEnforcer(t *testing.T, endpoint string, trail *audit.Trail, mutate func(*PolicyConfig)) *PolicyEnforcer {
	t.Helper()
	cfg := PolicyConfig{Endpoint: endpoint, PolicyPath: "agentweave/authz"}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewPolicyEnforcer(cfg, trail, nil)
	if err != nil {
		t.Fatalf("NewPolicyEnforcer: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestCheckAllowBooleanResult(t *testing.T) {
	srv, _ := policyStub(t, `{"result": true}`)
	e := newEnforcer(t, srv.URL, nil, nil)

	d, err := e.Check(t.Context(), testInput())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Errorf("decision = deny, want allow")
	}
	if err := d.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestCheckDenyStructuredResult(t *testing.T) {
	srv, _ := policyStub(t, `{"result": {"allow": false, "reason": "caller not trusted", "policy_id": "p-7"}}`)
	e := newEnforcer(t, srv.URL, nil, nil)

	d, err := e.Check(t.Context(), testInput())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Fatal("decision = allow, want deny")
	}
	if d.Reason != "caller not trusted" || d.PolicyID != "p-7" {
		t.Errorf("decision = %+v", d)
	}
	if !errors.Is(d.Err(), ErrDenied) {
		t.Errorf("Err() = %v, want ErrDenied", d.Err())
	}
}

func TestCheckUndefinedResultDenies(t *testing.T) {
	srv, _ := policyStub(t, `{}`)
	e := newEnforcer(t, srv.URL, nil, nil)

	d, err := e.Check(t.Context(), testInput())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Error("undefined policy result must deny")
	}
}

func TestCheckCachesDecisions(t *testing.T) {
	srv, calls := policyStub(t, `{"result": true}`)
	e := newEnforcer(t, srv.URL, nil, nil)

	first, _ := e.Check(t.Context(), testInput())
	second, _ := e.Check(t.Context(), testInput())

	if calls.Load() != 1 {
		t.Errorf("engine evaluated %d times, want 1", calls.Load())
	}
	if first.Cached || !second.Cached {
		t.Errorf("cached flags = %v/%v, want false/true", first.Cached, second.Cached)
	}
	if second.Allowed != first.Allowed {
		t.Error("cached decision differs from original")
	}

	// A different action is a different question.
	other := testInput()
	other.Action = "index"
	e.Check(t.Context(), other)
	if calls.Load() != 2 {
		t.Errorf("engine evaluated %d times, want 2", calls.Load())
	}
}

func TestCacheHitPreservesDecision(t *testing.T) {
	srv, calls := policyStub(t, `{"result": {"allow": true, "policy_id": "p-1"}}`)
	backend := audit.NewMemoryBackend()
	trail := audit.NewTrail(backend, nil)
	e := newEnforcer(t, srv.URL, trail, nil)

	first, err := e.Check(t.Context(), testInput())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	second, err := e.Check(t.Context(), testInput())
	if err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("engine evaluated %d times, want 1", calls.Load())
	}

	// The hit returns the stored decision, audit id included.
	if second.Allowed != first.Allowed || second.Reason != first.Reason || second.PolicyID != first.PolicyID {
		t.Errorf("cache hit = %+v, want fields of %+v", second, first)
	}
	if second.AuditID == "" || second.AuditID != first.AuditID {
		t.Errorf("cache hit audit id = %q, want original %q", second.AuditID, first.AuditID)
	}

	// Only the evaluation is audited, not the hit.
	trail.Close()
	if events := backend.Events(); len(events) != 1 {
		t.Errorf("got %d audit events, want 1", len(events))
	}
}

func TestCheckEngineDownDeniesByDefault(t *testing.T) {
	e := newEnforcer(t, "http://127.0.0.1:1", nil, nil)

	d, err := e.Check(t.Context(), testInput())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Error("unreachable engine must deny")
	}
	if !strings.Contains(d.Reason, "policy engine unavailable") {
		t.Errorf("reason = %q", d.Reason)
	}
	if e.CacheLen() != 0 {
		t.Error("fallback decision was cached")
	}
}

func TestCheckEngineDownFailOpen(t *testing.T) {
	e := newEnforcer(t, "http://127.0.0.1:1", nil, func(cfg *PolicyConfig) {
		cfg.FailOpen = true
	})

	d, err := e.Check(t.Context(), testInput())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Error("fail-open enforcer must allow when the engine is down")
	}
	if !strings.Contains(d.Reason, "fail-open") {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestCheckBreakerOpensOnRepeatedFailures(t *testing.T) {
	e := newEnforcer(t, "http://127.0.0.1:1", nil, func(cfg *PolicyConfig) {
		cfg.Breaker = &transport.BreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			RecoveryTimeout:  time.Minute,
		}
	})

	for i := 0; i < 3; i++ {
		e.Check(t.Context(), testInput())
	}
	if m := e.BreakerMetrics(); m.State != transport.StateOpen {
		t.Errorf("breaker state = %s, want open", m.State)
	}

	// Open breaker still yields a deny decision, not an error.
	d, err := e.Check(t.Context(), testInput())
	if err != nil || d.Allowed {
		t.Errorf("Check with open breaker = (%+v, %v)", d, err)
	}
}

func TestCheckEmitsAuditEvent(t *testing.T) {
	srv, _ := policyStub(t, `{"result": {"allow": false, "reason": "nope"}}`)
	backend := audit.NewMemoryBackend()
	trail := audit.NewTrail(backend, nil)
	e := newEnforcer(t, srv.URL, trail, nil)

	d, err := e.Check(t.Context(), testInput())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	trail.Close()

	events := backend.Events()
	if len(events) != 1 {
		t.Fatalf("got %d audit events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != audit.EventAuthCheck || ev.Decision != "deny" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Caller != testCaller.String() || ev.Resource != testResource.String() {
		t.Errorf("event identities = %q -> %q", ev.Caller, ev.Resource)
	}
	if d.AuditID == "" || d.AuditID != ev.ID {
		t.Errorf("audit id %q does not match event %q", d.AuditID, ev.ID)
	}
}

func TestCheckRejectsMalformedInput(t *testing.T) {
	srv, _ := policyStub(t, `{"result": true}`)
	e := newEnforcer(t, srv.URL, nil, nil)

	cases := []*Input{
		nil,
		{Caller: testCaller, Resource: testResource},
		{Action: "search"},
	}
	for i, in := range cases {
		if _, err := e.Check(t.Context(), in); err == nil {
			t.Errorf("case %d: malformed input accepted", i)
		}
	}
}

func TestInvalidateCache(t *testing.T) {
	srv, calls := policyStub(t, `{"result": true}`)
	e := newEnforcer(t, srv.URL, nil, nil)

	e.Check(t.Context(), testInput())
	e.InvalidateCache()
	e.Check(t.Context(), testInput())

	if calls.Load() != 2 {
		t.Errorf("engine evaluated %d times after invalidation, want 2", calls.Load())
	}
}

func TestHealthCheck(t *testing.T) {
	srv, _ := policyStub(t, `{"result": true}`)
	e := newEnforcer(t, srv.URL, nil, nil)
	if err := e.HealthCheck(t.Context()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}

	down := newEnforcer(t, "http://127.0.0.1:1", nil, nil)
	if err := down.HealthCheck(t.Context()); !errors.Is(err, ErrEngineUnavailable) {
		t.Errorf("HealthCheck on dead engine = %v", err)
	}
}

func TestAllowAll(t *testing.T) {
	backend := audit.NewMemoryBackend()
	trail := audit.NewTrail(backend, nil)
	e := NewAllowAll(trail, nil)

	d, err := e.Check(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed || d.PolicyID != "allow-all" {
		t.Errorf("decision = %+v", d)
	}
	trail.Close()
	if len(backend.Events()) != 1 {
		t.Errorf("got %d audit events, want 1", len(backend.Events()))
	}
}
