// Command agentweave is the operational CLI for AgentWeave agents.
//
// It validates configuration files, runs an agent, generates agent cards,
// and probes running agents and policy engines.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"go.uber.org/zap"

	"github.com/agentweave/agentweave-go/internal/authz"
	"github.com/agentweave/agentweave-go/internal/config"
	"github.com/agentweave/agentweave-go/internal/identity"
	"github.com/agentweave/agentweave-go/pkg/agent"
	"github.com/agentweave/agentweave-go/pkg/client"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentweave",
	Short: "AgentWeave agent CLI",
	Long: `agentweave operates AgentWeave agents.

It validates configuration, serves an agent over mutually authenticated
TLS, generates agent cards, and probes peers and the policy engine.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (used when a command takes no <file> argument)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(cardCmd)
	rootCmd.AddCommand(authzCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config from an explicit path, falling back to the
// persistent --config flag. An empty path loads defaults plus environment.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = cfgFile
	}
	return config.Load(path)
}

// newLogger builds the process logger from the observability section.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Observability.Logging.Format == "text" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if lvl := cfg.Observability.Logging.Level; lvl != "" {
		parsed, err := zap.ParseAtomicLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("logging level %q: %w", lvl, err)
		}
		zc.Level = parsed
	}
	return zc.Build()
}

// newProvider builds the identity provider the CLI commands dial with.
func newProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (identity.Provider, error) {
	if cfg.Identity.Provider == config.ProviderStatic {
		return identity.NewStaticProvider(identity.StaticConfig{
			CertFile:    cfg.Identity.CertFile,
			KeyFile:     cfg.Identity.KeyFile,
			BundleFiles: cfg.Identity.Bundles,
		}, logger)
	}
	return identity.NewWorkloadProvider(ctx, identity.WorkloadConfig{
		Socket:              cfg.Identity.Socket,
		AllowedTrustDomains: cfg.Identity.AllowedTrustDomains,
	}, logger)
}

// ── validate ─────────────────────────────────────────────────────────────────

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate an agent configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(args[0])
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Printf("%s: valid (agent %q, trust domain %q, digest %s)\n",
			args[0], cfg.Agent.Name, cfg.Agent.TrustDomain, cfg.Digest()[:12])
		return nil
	},
}

// ── serve ────────────────────────────────────────────────────────────────────

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve <file>",
	Short: "Run an agent from a configuration file",
	Long: `Serve loads the configuration, acquires the workload identity, and runs
the agent's request server until SIGINT or SIGTERM.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(args[0])
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serveHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}

		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := agent.New(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("initialize agent: %w", err)
		}
		defer a.Close()

		logger.Info("agent starting",
			zap.String("identity", a.Identifier().String()),
			zap.String("version", version))
		return a.Serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "override server.host")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override server.port")
}

// ── ping ─────────────────────────────────────────────────────────────────────

var (
	pingEndpoint string
	pingTimeout  time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping <workload-id>",
	Short: "Check reachability of a peer agent over mutual TLS",
	Long: `Ping dials the peer's endpoint with this agent's identity, verifies the
peer presents the given workload identifier, and calls its health endpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := spiffeid.FromString(args[0])
		if err != nil {
			return fmt.Errorf("workload id %q: %w", args[0], err)
		}
		cfg, err := loadConfig("")
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), pingTimeout)
		defer cancel()

		provider, err := newProvider(ctx, cfg, zap.NewNop())
		if err != nil {
			return fmt.Errorf("identity: %w", err)
		}
		defer provider.Close()

		c, err := client.New(provider, peer, pingEndpoint)
		if err != nil {
			return err
		}
		defer c.Close()

		start := time.Now()
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("ping %s: %w", peer, err)
		}
		fmt.Printf("%s: ok (%s, %s)\n", peer, pingEndpoint, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	pingCmd.Flags().StringVar(&pingEndpoint, "endpoint", "", "peer base URL, e.g. https://search.internal:8443")
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 10*time.Second, "overall ping deadline")
	pingCmd.MarkFlagRequired("endpoint") //nolint:errcheck
}

// ── card ─────────────────────────────────────────────────────────────────────

var cardOutput string

var cardCmd = &cobra.Command{
	Use:   "card",
	Short: "Agent card operations",
}

var cardGenerateCmd = &cobra.Command{
	Use:   "generate <file>",
	Short: "Generate the agent card JSON from a configuration file",
	Long: `Generate builds the card the agent would publish at
/.well-known/agent.json. The workload identity is acquired from the
configured provider so the card carries the real workload identifier.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(args[0])
		if err != nil {
			return err
		}

		a, err := agent.New(cmd.Context(), cfg, zap.NewNop())
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.Card().MarshalIndent()
		if err != nil {
			return err
		}
		if cardOutput == "" || cardOutput == "-" {
			fmt.Println(string(out))
			return nil
		}
		if err := os.WriteFile(cardOutput, append(out, '\n'), 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", cardOutput)
		return nil
	},
}

func init() {
	cardGenerateCmd.Flags().StringVarP(&cardOutput, "output", "o", "", "write the card to a file instead of stdout")
	cardCmd.AddCommand(cardGenerateCmd)
}

// ── authz ────────────────────────────────────────────────────────────────────

var (
	authzCaller  string
	authzCallee  string
	authzAction  string
	authzContext []string
)

var authzCmd = &cobra.Command{
	Use:   "authz",
	Short: "Authorization operations",
}

var authzCheckCmd = &cobra.Command{
	Use:   "check --caller <id> --callee <id> --action <name>",
	Short: "Ask the policy engine whether a call would be allowed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("")
		if err != nil {
			return err
		}
		if cfg.Authorization.Provider != config.AuthzExternalPolicy {
			return fmt.Errorf("authorization provider is %q, check requires %q",
				cfg.Authorization.Provider, config.AuthzExternalPolicy)
		}

		caller, err := spiffeid.FromString(authzCaller)
		if err != nil {
			return fmt.Errorf("caller %q: %w", authzCaller, err)
		}
		callee, err := spiffeid.FromString(authzCallee)
		if err != nil {
			return fmt.Errorf("callee %q: %w", authzCallee, err)
		}

		callCtx := map[string]string{}
		for _, kv := range authzContext {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("context %q: want key=value", kv)
			}
			callCtx[k] = v
		}

		enforcer, err := authz.NewPolicyEnforcer(authz.PolicyConfig{
			Endpoint:   cfg.Authorization.Endpoint,
			PolicyPath: cfg.Authorization.PolicyPath,
			CacheSize:  -1, // single shot, no cache
		}, nil, zap.NewNop())
		if err != nil {
			return err
		}
		defer enforcer.Close()

		decision, err := enforcer.Check(cmd.Context(), &authz.Input{
			Caller:   caller,
			Resource: callee,
			Action:   authzAction,
			Context:  callCtx,
		})
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(map[string]any{
			"allowed":   decision.Allowed,
			"reason":    decision.Reason,
			"policy_id": decision.PolicyID,
		}, "", "  ")
		fmt.Println(string(out))
		if !decision.Allowed {
			return decision.Err()
		}
		return nil
	},
}

func init() {
	authzCheckCmd.Flags().StringVar(&authzCaller, "caller", "", "caller workload identifier")
	authzCheckCmd.Flags().StringVar(&authzCallee, "callee", "", "callee workload identifier")
	authzCheckCmd.Flags().StringVar(&authzAction, "action", "", "capability name being invoked")
	authzCheckCmd.Flags().StringArrayVar(&authzContext, "context", nil, "extra input as key=value (repeatable)")
	authzCheckCmd.MarkFlagRequired("caller") //nolint:errcheck
	authzCheckCmd.MarkFlagRequired("callee") //nolint:errcheck
	authzCheckCmd.MarkFlagRequired("action") //nolint:errcheck
	authzCmd.AddCommand(authzCheckCmd)
}

// ── health ───────────────────────────────────────────────────────────────────

var healthTimeout time.Duration

var healthCmd = &cobra.Command{
	Use:   "health <url>",
	Short: "Fetch an agent's health report",
	Long: `Health performs a mutually authenticated GET against <url>/health and
prints the component report. The peer's certificate chain is verified
against this agent's trust bundles; any workload identifier is accepted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("")
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()

		provider, err := newProvider(ctx, cfg, zap.NewNop())
		if err != nil {
			return fmt.Errorf("identity: %w", err)
		}
		defer provider.Close()

		hc := &http.Client{
			Timeout: healthTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion:         tls.VersionTLS13,
					InsecureSkipVerify: true, //nolint:gosec // verification happens in VerifyPeerCertificate
					GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
						cred, err := provider.Credential(ctx)
						if err != nil {
							return nil, err
						}
						cert := cred.TLSCertificate()
						return &cert, nil
					},
					VerifyPeerCertificate: identity.VerifyPeer(provider, nil, x509.ExtKeyUsageServerAuth),
				},
			},
		}

		url := strings.TrimRight(args[0], "/") + "/health"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return fmt.Errorf("health %s: %w", args[0], err)
		}
		defer resp.Body.Close()

		var report map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
			return fmt.Errorf("decode health response: %w", err)
		}
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("agent reports status %q", report["status"])
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 10*time.Second, "overall request deadline")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("agentweave", version)
	},
}
