package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/agentweave/agentweave-go/internal/identity"
	"github.com/agentweave/agentweave-go/internal/identity/spiffetest"
)

type testMesh struct {
	ca       *spiffetest.CA
	client   *spiffetest.Provider
	server   *spiffetest.Provider
	serverID spiffeid.ID
}

func newTestMesh(t *testing.T) *testMesh {
	t.Helper()
	ca, err := spiffetest.NewCA("example.org")
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	clientCred, err := ca.Issue("agent/orchestrator", time.Hour)
	if err != nil {
		t.Fatalf("issue client: %v", err)
	}
	serverCred, err := ca.Issue("agent/search", time.Hour)
	if err != nil {
		t.Fatalf("issue server: %v", err)
	}
	return &testMesh{
		ca:       ca,
		client:   spiffetest.NewProvider(clientCred, ca),
		server:   spiffetest.NewProvider(serverCred, ca),
		serverID: serverCred.ID,
	}
}

// startMTLS serves handler behind mTLS with the mesh's server identity.
func (m *testMesh) startMTLS(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(handler)
	cfg := identity.ServerTLSConfig(m.server, identity.TLSOptions{})
	// Pin the SVID statically: clients dial by IP, and httptest would
	// otherwise install its own self-signed certificate.
	cred, err := m.server.Credential(context.Background())
	if err != nil {
		t.Fatalf("server credential: %v", err)
	}
	cfg.Certificates = []tls.Certificate{cred.TLSCertificate()}
	srv.TLS = cfg
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func TestChannelConfigValidate(t *testing.T) {
	valid := ChannelConfig{VerifyPeer: true}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	if err := (ChannelConfig{VerifyPeer: false}).Validate(); err == nil {
		t.Error("config with verification disabled was accepted")
	}
	if err := (ChannelConfig{VerifyPeer: true, TLSMinVersion: 0x0301}).Validate(); err == nil {
		t.Error("TLS 1.0 minimum was accepted")
	}
}

func TestChannelRoundTrip(t *testing.T) {
	mesh := newTestMesh(t)
	srv := mesh.startMTLS(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The handshake enforced a client certificate; echo its identifier.
		if len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "no client cert", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(r.TLS.PeerCertificates[0].URIs[0].String()))
	}))

	ch, err := NewChannel(mesh.client, mesh.serverID, srv.URL, ChannelConfig{VerifyPeer: true}, nil)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer ch.Close()

	resp, err := ch.Get(context.Background(), "/ping")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}
	if got := string(resp.Body); got != "spiffe://example.org/agent/orchestrator" {
		t.Errorf("server saw client identifier %q", got)
	}
}

func TestChannelPeerMismatch(t *testing.T) {
	mesh := newTestMesh(t)
	srv := mesh.startMTLS(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Channel pinned to an identifier the server does not hold.
	wrong := spiffeid.RequireFromString("spiffe://example.org/agent/other")
	ch, err := NewChannel(mesh.client, wrong, srv.URL, ChannelConfig{VerifyPeer: true}, nil)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer ch.Close()

	_, err = ch.Get(context.Background(), "/ping")
	if !errors.Is(err, ErrPeerVerification) {
		t.Errorf("err = %v, want ErrPeerVerification", err)
	}
}

func TestChannelConnectionErrorRetried(t *testing.T) {
	mesh := newTestMesh(t)
	retry := testRetryConfig(2)
	ch, err := NewChannel(mesh.client, mesh.serverID, "https://127.0.0.1:1", ChannelConfig{
		VerifyPeer: true,
		Timeout:    200 * time.Millisecond,
		Retry:      &retry,
	}, nil)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer ch.Close()

	_, err = ch.Get(context.Background(), "/ping")
	if !errors.Is(err, ErrConnection) && !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("err = %v, want a retryable transport error", err)
	}
	if got := ch.RetryStats().Attempts; got != 3 {
		t.Errorf("attempts = %d, want max_retries+1 = 3", got)
	}
}

func TestChannelPicksUpRotatedCredential(t *testing.T) {
	mesh := newTestMesh(t)
	srv := mesh.startMTLS(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.TLS.PeerCertificates[0].SerialNumber.String()))
	}))

	ch, err := NewChannel(mesh.client, mesh.serverID, srv.URL, ChannelConfig{VerifyPeer: true}, nil)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer ch.Close()

	first, err := ch.Get(context.Background(), "/")
	if err != nil {
		t.Fatalf("first request: %v", err)
	}

	rotated, err := mesh.ca.Issue("agent/orchestrator", time.Hour)
	if err != nil {
		t.Fatalf("issue rotated: %v", err)
	}
	mesh.client.Rotate(rotated)

	// Force a fresh handshake so the new credential is presented.
	ch.Close()
	second, err := ch.Get(context.Background(), "/")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if string(first.Body) == string(second.Body) {
		t.Error("serial unchanged after rotation; new credential not presented")
	}
}
