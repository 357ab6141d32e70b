package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
agent:
  name: orchestrator
  trust_domain: example.org
  environment: development
  capabilities:
    - name: search
      description: full text search
      input_types: [text/plain]
      output_types: [application/json]
identity:
  provider: workload-api
  socket: unix:///tmp/spire-agent/public/api.sock
  allowed_trust_domains: [example.org, partner.example]
authorization:
  provider: external-policy
  endpoint: http://127.0.0.1:8181
  policy_path: agentweave/authz
  default_action: deny
  audit:
    enabled: true
    destination: stdout
transport:
  tls_min_version: "1.3"
  peer_verification: strict
server:
  host: 0.0.0.0
  port: 8443
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func loadValid(t *testing.T, mutate func(*Config)) *Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func TestLoadAndValidate(t *testing.T) {
	cfg := loadValid(t, nil)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Agent.Name != "orchestrator" || cfg.Agent.TrustDomain != "example.org" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if len(cfg.Agent.Capabilities) != 1 || cfg.Agent.Capabilities[0].Name != "search" {
		t.Errorf("capabilities = %+v", cfg.Agent.Capabilities)
	}
	if len(cfg.Identity.AllowedTrustDomains) != 2 {
		t.Errorf("allowed_trust_domains = %v", cfg.Identity.AllowedTrustDomains)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.TLSMinVersion != "1.3" {
		t.Errorf("tls_min_version default = %q", cfg.Transport.TLSMinVersion)
	}
	if cfg.Transport.PeerVerification != PeerVerifyStrict {
		t.Errorf("peer_verification default = %q", cfg.Transport.PeerVerification)
	}
	if cfg.Transport.Retry.MaxAttempts != 3 {
		t.Errorf("retry.max_attempts default = %d", cfg.Transport.Retry.MaxAttempts)
	}
	if !cfg.Authorization.Audit.Enabled {
		t.Error("audit should default to enabled")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("AGENTWEAVE_AGENT_NAME", "env-agent")
	t.Setenv("AGENTWEAVE_SERVER_PORT", "9443")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Name != "env-agent" {
		t.Errorf("agent.name = %q, want env override", cfg.Agent.Name)
	}
	if cfg.Server.Port != 9443 {
		t.Errorf("server.port = %d, want env override", cfg.Server.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load accepted a missing file")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad agent name", func(c *Config) { c.Agent.Name = "Bad_Name" }, "agent.name"},
		{"bad trust domain", func(c *Config) { c.Agent.TrustDomain = "not a domain" }, "agent.trust_domain"},
		{"bad environment", func(c *Config) { c.Agent.Environment = "qa" }, "agent.environment"},
		{"bad identity provider", func(c *Config) { c.Identity.Provider = "vault" }, "identity.provider"},
		{"static without files", func(c *Config) { c.Identity.Provider = ProviderStatic }, "cert_file"},
		{"bad authz provider", func(c *Config) { c.Authorization.Provider = "homegrown" }, "authorization.provider"},
		{"bad default action", func(c *Config) { c.Authorization.DefaultAction = "allow" }, "default_action"},
		{"bad tls version", func(c *Config) { c.Transport.TLSMinVersion = "1.1" }, "tls_min_version"},
		{"verification none", func(c *Config) { c.Transport.PeerVerification = PeerVerifyNone }, "never permitted"},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := loadValid(t, tc.mutate)
			err := cfg.Validate()
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("Validate = %v, want ErrValidation", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestProductionRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log-only default action", func(c *Config) { c.Authorization.DefaultAction = "log-only" }, "default_action = deny"},
		{"allow-all provider", func(c *Config) { c.Authorization.Provider = AuthzAllowAll }, "allow-all"},
		{"log-only verification", func(c *Config) { c.Transport.PeerVerification = PeerVerifyLogOnly }, "peer_verification = strict"},
		{"audit disabled", func(c *Config) { c.Authorization.Audit.Enabled = false }, "audit.enabled"},
		{"static identity", func(c *Config) {
			c.Identity.Provider = ProviderStatic
			c.Identity.CertFile = "cert.pem"
			c.Identity.KeyFile = "key.pem"
		}, "identity.provider = static"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := loadValid(t, func(c *Config) {
				c.Agent.Environment = EnvProduction
				tc.mutate(c)
			})
			err := cfg.Validate()
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("Validate = %v, want ErrValidation", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}

	// The same settings pass in development.
	cfg := loadValid(t, func(c *Config) {
		c.Authorization.DefaultAction = "log-only"
		c.Transport.PeerVerification = PeerVerifyLogOnly
	})
	if err := cfg.Validate(); err != nil {
		t.Errorf("development config rejected: %v", err)
	}
}

func TestDigestStable(t *testing.T) {
	a := loadValid(t, nil)
	b := loadValid(t, nil)
	if a.Digest() == "" || a.Digest() != b.Digest() {
		t.Error("digest not stable across identical configs")
	}

	c := loadValid(t, func(cfg *Config) { cfg.Server.Port = 9000 })
	if a.Digest() == c.Digest() {
		t.Error("digest unchanged after config change")
	}
}
