// Package config loads and validates agent configuration from YAML files
// and AGENTWEAVE_-prefixed environment variables.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/viper"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

// ErrValidation marks configuration that fails validation. Always fatal at
// startup.
var ErrValidation = errors.New("configuration validation failed")

var agentNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Identity provider names.
const (
	ProviderWorkloadAPI = "workload-api"
	ProviderStatic      = "static"
)

// Authorization provider names.
const (
	AuthzExternalPolicy = "external-policy"
	AuthzAllowAll       = "allow-all"
)

// Peer verification modes.
const (
	PeerVerifyStrict  = "strict"
	PeerVerifyLogOnly = "log-only"
	PeerVerifyNone    = "none"
)

// Config is the full agent configuration.
type Config struct {
	Agent         AgentConfig         `mapstructure:"agent" json:"agent"`
	Identity      IdentityConfig      `mapstructure:"identity" json:"identity"`
	Authorization AuthorizationConfig `mapstructure:"authorization" json:"authorization"`
	Transport     TransportConfig     `mapstructure:"transport" json:"transport"`
	Server        ServerConfig        `mapstructure:"server" json:"server"`
	Observability ObservabilityConfig `mapstructure:"observability" json:"observability"`
}

// AgentConfig identifies the agent and declares its capabilities.
type AgentConfig struct {
	Name         string             `mapstructure:"name" json:"name"`
	TrustDomain  string             `mapstructure:"trust_domain" json:"trust_domain"`
	Description  string             `mapstructure:"description" json:"description"`
	Environment  string             `mapstructure:"environment" json:"environment"`
	Capabilities []CapabilityConfig `mapstructure:"capabilities" json:"capabilities"`
}

// CapabilityConfig declares one capability for the agent card.
type CapabilityConfig struct {
	Name        string   `mapstructure:"name" json:"name"`
	Description string   `mapstructure:"description" json:"description"`
	InputTypes  []string `mapstructure:"input_types" json:"input_types,omitempty"`
	OutputTypes []string `mapstructure:"output_types" json:"output_types,omitempty"`
}

// IdentityConfig selects and parameterizes the identity provider.
type IdentityConfig struct {
	Provider            string   `mapstructure:"provider" json:"provider"`
	Socket              string   `mapstructure:"socket" json:"socket"`
	AllowedTrustDomains []string `mapstructure:"allowed_trust_domains" json:"allowed_trust_domains"`

	// Static provider material. Ignored for workload-api.
	CertFile string            `mapstructure:"cert_file" json:"cert_file,omitempty"`
	KeyFile  string            `mapstructure:"key_file" json:"key_file,omitempty"`
	Bundles  map[string]string `mapstructure:"bundles" json:"bundles,omitempty"`
}

// AuthorizationConfig selects and parameterizes the policy enforcer.
type AuthorizationConfig struct {
	Provider      string      `mapstructure:"provider" json:"provider"`
	Endpoint      string      `mapstructure:"endpoint" json:"endpoint"`
	PolicyPath    string      `mapstructure:"policy_path" json:"policy_path"`
	DefaultAction string      `mapstructure:"default_action" json:"default_action"`
	Cache         CacheConfig `mapstructure:"cache" json:"cache"`
	Audit         AuditConfig `mapstructure:"audit" json:"audit"`
}

// CacheConfig bounds the authorization decision cache.
type CacheConfig struct {
	Size       int `mapstructure:"size" json:"size"`
	TTLSeconds int `mapstructure:"ttl_seconds" json:"ttl_seconds"`
}

// AuditConfig selects the audit trail destination.
type AuditConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Destination string `mapstructure:"destination" json:"destination"`
}

// TransportConfig parameterizes outbound channels.
type TransportConfig struct {
	TLSMinVersion    string               `mapstructure:"tls_min_version" json:"tls_min_version"`
	PeerVerification string               `mapstructure:"peer_verification" json:"peer_verification"`
	ConnectionPool   ConnectionPoolConfig `mapstructure:"connection_pool" json:"connection_pool"`
	CircuitBreaker   CircuitBreakerConfig `mapstructure:"circuit_breaker" json:"circuit_breaker"`
	Retry            RetryConfig          `mapstructure:"retry" json:"retry"`
}

// ConnectionPoolConfig bounds the outbound connection pool.
type ConnectionPoolConfig struct {
	MaxConnections     int `mapstructure:"max_connections" json:"max_connections"`
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds" json:"idle_timeout_seconds"`
}

// CircuitBreakerConfig parameterizes per-peer circuit breakers.
type CircuitBreakerConfig struct {
	FailureThreshold       int `mapstructure:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeoutSeconds int `mapstructure:"recovery_timeout_seconds" json:"recovery_timeout_seconds"`
}

// RetryConfig parameterizes the outbound retry policy.
type RetryConfig struct {
	MaxAttempts        int     `mapstructure:"max_attempts" json:"max_attempts"`
	BackoffBaseSeconds float64 `mapstructure:"backoff_base_seconds" json:"backoff_base_seconds"`
	BackoffMaxSeconds  float64 `mapstructure:"backoff_max_seconds" json:"backoff_max_seconds"`
}

// ServerConfig parameterizes the inbound listener.
type ServerConfig struct {
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Protocol string `mapstructure:"protocol" json:"protocol"`

	// RateLimitRPS enables per-peer rate limiting when positive.
	RateLimitRPS int `mapstructure:"rate_limit_rps" json:"rate_limit_rps"`
}

// ObservabilityConfig parameterizes metrics, tracing, and logging.
type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
}

// MetricsConfig parameterizes the Prometheus listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	Port    int  `mapstructure:"port" json:"port"`
}

// TracingConfig parameterizes trace export.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Exporter string `mapstructure:"exporter" json:"exporter"`
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
}

// LoggingConfig parameterizes the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// Load reads configuration from path (YAML), layering AGENTWEAVE_ env
// variables on top. An empty path loads defaults and env only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("AGENTWEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.name", "")
	v.SetDefault("agent.trust_domain", "")
	v.SetDefault("agent.description", "")
	v.SetDefault("agent.environment", EnvDevelopment)

	v.SetDefault("identity.provider", ProviderWorkloadAPI)
	v.SetDefault("identity.socket", "unix:///tmp/spire-agent/public/api.sock")
	v.SetDefault("identity.allowed_trust_domains", []string{})
	v.SetDefault("identity.cert_file", "")
	v.SetDefault("identity.key_file", "")

	v.SetDefault("authorization.provider", AuthzExternalPolicy)
	v.SetDefault("authorization.endpoint", "http://127.0.0.1:8181")
	v.SetDefault("authorization.policy_path", "agentweave/authz")
	v.SetDefault("authorization.default_action", "deny")
	v.SetDefault("authorization.cache.size", 1024)
	v.SetDefault("authorization.cache.ttl_seconds", 30)
	v.SetDefault("authorization.audit.enabled", true)
	v.SetDefault("authorization.audit.destination", "stdout")

	v.SetDefault("transport.tls_min_version", "1.3")
	v.SetDefault("transport.peer_verification", PeerVerifyStrict)
	v.SetDefault("transport.connection_pool.max_connections", 100)
	v.SetDefault("transport.connection_pool.idle_timeout_seconds", 60)
	v.SetDefault("transport.circuit_breaker.failure_threshold", 5)
	v.SetDefault("transport.circuit_breaker.recovery_timeout_seconds", 30)
	v.SetDefault("transport.retry.max_attempts", 3)
	v.SetDefault("transport.retry.backoff_base_seconds", 1.0)
	v.SetDefault("transport.retry.backoff_max_seconds", 30.0)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8443)
	v.SetDefault("server.protocol", "https")
	v.SetDefault("server.rate_limit_rps", 0)

	v.SetDefault("observability.metrics.enabled", false)
	v.SetDefault("observability.metrics.port", 9090)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.exporter", "otlp")
	v.SetDefault("observability.tracing.endpoint", "")
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
}

// IsProduction reports whether the production validation rules apply.
func (c *Config) IsProduction() bool {
	return c.Agent.Environment == EnvProduction
}

// Validate checks the configuration. All violations are reported at once,
// each wrapping ErrValidation.
func (c *Config) Validate() error {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !agentNameRe.MatchString(c.Agent.Name) {
		fail("agent.name %q must match %s", c.Agent.Name, agentNameRe)
	}
	if _, err := spiffeid.TrustDomainFromString(c.Agent.TrustDomain); err != nil {
		fail("agent.trust_domain %q: %v", c.Agent.TrustDomain, err)
	}
	switch c.Agent.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		fail("agent.environment %q must be development, staging, or production", c.Agent.Environment)
	}

	switch c.Identity.Provider {
	case ProviderWorkloadAPI:
		if c.Identity.Socket == "" {
			fail("identity.socket is required for workload-api")
		}
	case ProviderStatic:
		if c.Identity.CertFile == "" || c.Identity.KeyFile == "" {
			fail("identity.cert_file and identity.key_file are required for static")
		}
	default:
		fail("identity.provider %q must be workload-api or static", c.Identity.Provider)
	}
	for _, td := range c.Identity.AllowedTrustDomains {
		if _, err := spiffeid.TrustDomainFromString(td); err != nil {
			fail("identity.allowed_trust_domains %q: %v", td, err)
		}
	}

	switch c.Authorization.Provider {
	case AuthzExternalPolicy:
		if c.Authorization.Endpoint == "" {
			fail("authorization.endpoint is required for external-policy")
		}
		if c.Authorization.PolicyPath == "" {
			fail("authorization.policy_path is required for external-policy")
		}
	case AuthzAllowAll:
	default:
		fail("authorization.provider %q must be external-policy or allow-all", c.Authorization.Provider)
	}
	switch c.Authorization.DefaultAction {
	case "deny", "log-only":
	default:
		fail("authorization.default_action %q must be deny or log-only", c.Authorization.DefaultAction)
	}

	switch c.Transport.TLSMinVersion {
	case "1.2", "1.3":
	default:
		fail("transport.tls_min_version %q must be 1.2 or 1.3", c.Transport.TLSMinVersion)
	}
	switch c.Transport.PeerVerification {
	case PeerVerifyStrict, PeerVerifyLogOnly:
	case PeerVerifyNone:
		fail("transport.peer_verification %q is never permitted", PeerVerifyNone)
	default:
		fail("transport.peer_verification %q must be strict or log-only", c.Transport.PeerVerification)
	}
	if c.Transport.Retry.MaxAttempts < 0 {
		fail("transport.retry.max_attempts must not be negative")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		fail("server.port %d must be within [1, 65535]", c.Server.Port)
	}
	if c.Observability.Metrics.Enabled &&
		(c.Observability.Metrics.Port < 1 || c.Observability.Metrics.Port > 65535) {
		fail("observability.metrics.port %d must be within [1, 65535]", c.Observability.Metrics.Port)
	}

	if c.IsProduction() {
		if c.Authorization.DefaultAction != "deny" {
			fail("production requires authorization.default_action = deny")
		}
		if c.Authorization.Provider == AuthzAllowAll {
			fail("production forbids authorization.provider = allow-all")
		}
		if c.Transport.PeerVerification != PeerVerifyStrict {
			fail("production requires transport.peer_verification = strict")
		}
		if !c.Authorization.Audit.Enabled {
			fail("production requires authorization.audit.enabled = true")
		}
		if c.Identity.Provider == ProviderStatic {
			fail("production forbids identity.provider = static")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
}

// Digest returns a stable hex digest of the configuration, recorded in the
// startup audit event.
func (c *Config) Digest() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
