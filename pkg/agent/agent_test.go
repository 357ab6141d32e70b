package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/agentweave/agentweave-go/internal/authz"
	"github.com/agentweave/agentweave-go/internal/config"
	"github.com/agentweave/agentweave-go/internal/identity"
	"github.com/agentweave/agentweave-go/internal/identity/spiffetest"
	"github.com/agentweave/agentweave-go/internal/observability"
	"github.com/agentweave/agentweave-go/internal/server"
	"github.com/agentweave/agentweave-go/internal/task"
	"github.com/agentweave/agentweave-go/internal/transport"
)

// newTestAgent builds an agent on a static credential minted by a test CA.
func newTestAgent(t *testing.T, ca *spiffetest.CA, path string, mutate func(*config.Config)) *Agent {
	t.Helper()
	cred, err := ca.Issue(path, time.Hour)
	if err != nil {
		t.Fatalf("issue %s: %v", path, err)
	}
	certFile, keyFile, bundleFile, err := ca.WriteCredential(cred, t.TempDir())
	if err != nil {
		t.Fatalf("write credential: %v", err)
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.Agent.Name = "test-agent"
	cfg.Agent.TrustDomain = "example.org"
	cfg.Identity.Provider = config.ProviderStatic
	cfg.Identity.CertFile = certFile
	cfg.Identity.KeyFile = keyFile
	cfg.Identity.Bundles = map[string]string{"example.org": bundleFile}
	cfg.Authorization.Provider = config.AuthzAllowAll
	cfg.Authorization.Audit.Destination = "memory"
	if mutate != nil {
		mutate(cfg)
	}

	a, err := New(t.Context(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func mustCA(t *testing.T) *spiffetest.CA {
	t.Helper()
	ca, err := spiffetest.NewCA("example.org")
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	return ca
}

var caller = spiffeid.RequireFromString("spiffe://example.org/agent/orchestrator")

func echoCapability(name string) Capability {
	return Capability{
		Name:        name,
		Description: "echoes the payload",
		Handler: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return payload, nil
		},
	}
}

func TestRegisterCapability(t *testing.T) {
	a := newTestAgent(t, mustCA(t), "agent/search", nil)

	if err := a.RegisterCapability(echoCapability("search")); err != nil {
		t.Fatalf("RegisterCapability: %v", err)
	}
	if err := a.RegisterCapability(echoCapability("search")); err == nil {
		t.Error("duplicate registration accepted")
	}
	if err := a.RegisterCapability(Capability{Name: "no_handler"}); err == nil {
		t.Error("capability without handler accepted")
	}
	if err := a.RegisterCapability(echoCapability("Bad Name")); err == nil {
		t.Error("invalid capability name accepted")
	}

	card := a.Card()
	if len(card.Capabilities) != 1 || card.Capabilities[0].Name != "search" {
		t.Errorf("card capabilities = %+v", card.Capabilities)
	}
	if card.Extensions.WorkloadID != "spiffe://example.org/agent/search" {
		t.Errorf("card workload id = %q", card.Extensions.WorkloadID)
	}
}

func TestDispatchRunsHandler(t *testing.T) {
	a := newTestAgent(t, mustCA(t), "agent/search", nil)

	var gotCaller spiffeid.ID
	var gotTaskID string
	err := a.RegisterCapability(Capability{
		Name: "search",
		Handler: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			gotCaller, _ = CallerFromContext(ctx)
			gotTaskID, _ = TaskIDFromContext(ctx)
			return json.RawMessage(`{"hits":3}`), nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterCapability: %v", err)
	}

	created, err := a.Dispatch(t.Context(), caller, server.DispatchRequest{
		TaskType: "search",
		Payload:  json.RawMessage(`{"q":"go"}`),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if created.Snapshot().State != task.StatePending {
		t.Errorf("initial state = %s", created.Snapshot().State)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	done, err := a.Tasks().Await(ctx, created.ID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if done.State != task.StateCompleted || string(done.Result) != `{"hits":3}` {
		t.Errorf("task = %+v", done)
	}
	if gotCaller != caller {
		t.Errorf("handler saw caller %s", gotCaller)
	}
	if gotTaskID != created.ID {
		t.Errorf("handler saw task id %q", gotTaskID)
	}
}

func TestDispatchUnknownCapability(t *testing.T) {
	a := newTestAgent(t, mustCA(t), "agent/search", nil)
	_, err := a.Dispatch(t.Context(), caller, server.DispatchRequest{TaskType: "translate"})
	if !errors.Is(err, server.ErrUnknownCapability) {
		t.Errorf("err = %v, want ErrUnknownCapability", err)
	}
}

func TestDispatchPeerPatternDenied(t *testing.T) {
	a := newTestAgent(t, mustCA(t), "agent/search", nil)
	c := echoCapability("search")
	c.PeerPatterns = []string{"spiffe://example.org/batch/*"}
	if err := a.RegisterCapability(c); err != nil {
		t.Fatalf("RegisterCapability: %v", err)
	}

	_, err := a.Dispatch(t.Context(), caller, server.DispatchRequest{TaskType: "search"})
	if !errors.Is(err, authz.ErrDenied) {
		t.Errorf("err = %v, want ErrDenied", err)
	}
}

func TestDispatchPolicyDenied(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result": {"allow": false, "reason": "not in allowlist"}}`))
	}))
	defer stub.Close()

	a := newTestAgent(t, mustCA(t), "agent/search", func(cfg *config.Config) {
		cfg.Authorization.Provider = config.AuthzExternalPolicy
		cfg.Authorization.Endpoint = stub.URL
	})
	if err := a.RegisterCapability(echoCapability("search")); err != nil {
		t.Fatalf("RegisterCapability: %v", err)
	}

	_, err := a.Dispatch(t.Context(), caller, server.DispatchRequest{TaskType: "search"})
	if !errors.Is(err, authz.ErrDenied) {
		t.Errorf("err = %v, want ErrDenied", err)
	}
}

func TestHandlerPanicFailsTask(t *testing.T) {
	a := newTestAgent(t, mustCA(t), "agent/search", nil)
	err := a.RegisterCapability(Capability{
		Name: "search",
		Handler: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			panic("boom")
		},
	})
	if err != nil {
		t.Fatalf("RegisterCapability: %v", err)
	}

	created, err := a.Dispatch(t.Context(), caller, server.DispatchRequest{TaskType: "search"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	done, err := a.Tasks().Await(ctx, created.ID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if done.State != task.StateFailed {
		t.Errorf("state = %s, want failed", done.State)
	}
}

func TestCallPeerNoRoute(t *testing.T) {
	a := newTestAgent(t, mustCA(t), "agent/orchestrator", nil)
	target := spiffeid.RequireFromString("spiffe://example.org/agent/search")

	_, err := a.CallPeer(t.Context(), target, "search", nil, nil)
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("err = %v, want ErrNoRoute", err)
	}
}

func TestCallPeerEndToEnd(t *testing.T) {
	ca := mustCA(t)

	// Remote side: an agent serving an echo capability behind a real mTLS
	// listener.
	remote := newTestAgent(t, ca, "agent/search", nil)
	if err := remote.RegisterCapability(echoCapability("search")); err != nil {
		t.Fatalf("RegisterCapability: %v", err)
	}
	srv, err := server.New(server.Options{
		Card:       remote.Card(),
		Provider:   remote.provider,
		Tasks:      remote.Tasks(),
		Dispatcher: remote,
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	hs := httptest.NewUnstartedServer(srv.Handler())
	remoteCred, err := remote.provider.Credential(t.Context())
	if err != nil {
		t.Fatalf("remote credential: %v", err)
	}
	cfg := identity.ServerTLSConfig(remote.provider, identity.TLSOptions{})
	cfg.Certificates = []tls.Certificate{remoteCred.TLSCertificate()}
	hs.TLS = cfg
	hs.StartTLS()
	t.Cleanup(hs.Close)

	local := newTestAgent(t, ca, "agent/orchestrator", nil)
	local.RegisterPeer(remote.Identifier(), hs.URL)

	payload := json.RawMessage(`{"q":"golang"}`)
	sent, err := local.CallPeer(t.Context(), remote.Identifier(), "search", payload, nil)
	if err != nil {
		t.Fatalf("CallPeer: %v", err)
	}
	if sent.Metadata["caller"] != local.Identifier().String() {
		t.Errorf("remote recorded caller %q", sent.Metadata["caller"])
	}

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	done, err := local.AwaitPeer(ctx, remote.Identifier(), sent.ID)
	if err != nil {
		t.Fatalf("AwaitPeer: %v", err)
	}
	if done.State != task.StateCompleted || string(done.Result) != string(payload) {
		t.Errorf("remote task = %+v", done)
	}

	card, err := local.DiscoverPeer(t.Context(), remote.Identifier())
	if err != nil {
		t.Fatalf("DiscoverPeer: %v", err)
	}
	if card.Name != "test-agent" {
		t.Errorf("discovered card name = %q", card.Name)
	}
}

func TestCallPeerDeniedOutbound(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var envelope struct {
			Input map[string]any `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&envelope)
		if envelope.Input["context"].(map[string]any)["direction"] == "outbound" {
			w.Write([]byte(`{"result": false}`))
			return
		}
		w.Write([]byte(`{"result": true}`))
	}))
	defer stub.Close()

	a := newTestAgent(t, mustCA(t), "agent/orchestrator", func(cfg *config.Config) {
		cfg.Authorization.Provider = config.AuthzExternalPolicy
		cfg.Authorization.Endpoint = stub.URL
	})
	target := spiffeid.RequireFromString("spiffe://example.org/agent/search")

	_, err := a.CallPeer(t.Context(), target, "search", nil, nil)
	if !errors.Is(err, authz.ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}
}

func TestPublishGaugesExportsBreakerState(t *testing.T) {
	a := newTestAgent(t, mustCA(t), "agent/orchestrator", nil)
	target := "spiffe://example.org/agent/gauge-peer"
	a.breakers.Get(target)
	a.publishGauges()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/metrics", observability.MetricsHandler())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	want := `agentweave_circuit_state{target="` + target + `"} 0`
	if !strings.Contains(body, want) {
		t.Errorf("metrics output missing %q", want)
	}
	if !strings.Contains(body, "agentweave_audit_events_lost") {
		t.Error("metrics output missing audit loss gauge")
	}
}

func TestBreakerStateValue(t *testing.T) {
	cases := []struct {
		state transport.BreakerState
		want  float64
	}{
		{transport.StateClosed, 0},
		{transport.StateHalfOpen, 1},
		{transport.StateOpen, 2},
	}
	for _, tc := range cases {
		if got := breakerStateValue(tc.state); got != tc.want {
			t.Errorf("breakerStateValue(%v) = %v, want %v", tc.state, got, tc.want)
		}
	}
}
