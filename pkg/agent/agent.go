package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"go.uber.org/zap"

	"github.com/agentweave/agentweave-go/internal/audit"
	"github.com/agentweave/agentweave-go/internal/authz"
	"github.com/agentweave/agentweave-go/internal/config"
	"github.com/agentweave/agentweave-go/internal/identity"
	"github.com/agentweave/agentweave-go/internal/observability"
	"github.com/agentweave/agentweave-go/internal/server"
	"github.com/agentweave/agentweave-go/internal/task"
	"github.com/agentweave/agentweave-go/internal/transport"
	"github.com/agentweave/agentweave-go/pkg/agentcard"
	"github.com/agentweave/agentweave-go/pkg/client"
)

// ErrNoRoute indicates no endpoint is registered for a peer identity.
var ErrNoRoute = errors.New("no route to peer")

const (
	defaultHandlerTimeout = 5 * time.Minute
	taskRetention         = 24 * time.Hour
	reaperInterval        = time.Minute
)

// Agent is a networked workload: it serves registered capabilities to
// verified peers and calls peer capabilities through pooled, circuit-broken
// channels. Every authorization decision and capability call is audited.
type Agent struct {
	cfg      *config.Config
	logger   *zap.Logger
	provider identity.Provider
	enforcer authz.Enforcer
	trail    *audit.Trail
	tasks    *task.Manager
	pool     *transport.Pool
	breakers *transport.BreakerRegistry
	card     *agentcard.Card

	mu    sync.RWMutex
	caps  map[string]*Capability
	peers map[string]string
}

// New assembles an agent from validated configuration. The context bounds
// construction only: the initial identity fetch and, for a postgres audit
// destination, the connection handshake.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	trail, err := buildTrail(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	provider, err := buildProvider(ctx, cfg, logger)
	if err != nil {
		trail.Close()
		return nil, err
	}
	enforcer, err := buildEnforcer(cfg, trail, logger)
	if err != nil {
		provider.Close()
		trail.Close()
		return nil, err
	}

	a := &Agent{
		cfg:      cfg,
		logger:   logger,
		provider: provider,
		enforcer: enforcer,
		trail:    trail,
		tasks:    task.NewManager(logger),
		breakers: transport.NewBreakerRegistry(breakerConfig(cfg), logger),
		caps:     make(map[string]*Capability),
		peers:    make(map[string]string),
		card: &agentcard.Card{
			Name:        cfg.Agent.Name,
			Description: cfg.Agent.Description,
			URL:         fmt.Sprintf("https://%s:%d", cfg.Server.Host, cfg.Server.Port),
			Version:     "1.0.0",
			Authentication: agentcard.Authentication{
				Schemes: []string{"mtls-spiffe"},
			},
			Extensions: agentcard.Extensions{
				WorkloadID:  provider.Identifier().String(),
				TrustDomain: provider.Identifier().TrustDomain().Name(),
				Protocol:    "jsonrpc-2.0",
			},
		},
	}

	pool, err := transport.NewPool(provider, transport.PoolConfig{
		MaxTotal:    cfg.Transport.ConnectionPool.MaxConnections,
		IdleTimeout: time.Duration(cfg.Transport.ConnectionPool.IdleTimeoutSeconds) * time.Second,
	}, a.channelConfig(), a.resolvePeer, logger)
	if err != nil {
		a.shutdown()
		return nil, err
	}
	a.pool = pool

	for _, cc := range cfg.Agent.Capabilities {
		if err := a.card.AddCapability(agentcard.Capability{
			Name:        cc.Name,
			Description: cc.Description,
			InputTypes:  cc.InputTypes,
			OutputTypes: cc.OutputTypes,
		}); err != nil {
			a.shutdown()
			return nil, fmt.Errorf("declared capability %q: %w", cc.Name, err)
		}
	}
	return a, nil
}

// Identifier returns the agent's workload identity.
func (a *Agent) Identifier() spiffeid.ID { return a.provider.Identifier() }

// Card returns the agent card served at the well-known path.
func (a *Agent) Card() *agentcard.Card { return a.card }

// Tasks exposes the task table.
func (a *Agent) Tasks() *task.Manager { return a.tasks }

// RegisterPeer maps a peer identity to its base URL for outbound calls.
func (a *Agent) RegisterPeer(id spiffeid.ID, baseURL string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peers[id.String()] = strings.TrimRight(baseURL, "/")
}

func (a *Agent) resolvePeer(id spiffeid.ID) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	url, ok := a.peers[id.String()]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoRoute, id)
	}
	return url, nil
}

// Dispatch implements server.Dispatcher: capability lookup, peer-pattern
// check, policy authorization, then a detached handler goroutine. The task
// is returned in pending state before the handler runs.
func (a *Agent) Dispatch(ctx context.Context, caller spiffeid.ID, req server.DispatchRequest) (*task.Task, error) {
	c, ok := a.capability(req.TaskType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", server.ErrUnknownCapability, req.TaskType)
	}
	if !MatchAny(c.PeerPatterns, caller.String()) {
		a.auditCall(caller.String(), a.Identifier().String(), c.Name, "deny", "caller outside capability peer patterns", 0)
		return nil, fmt.Errorf("%w: caller not permitted for capability %s", authz.ErrDenied, c.Name)
	}

	decision, err := a.enforcer.Check(ctx, &authz.Input{
		Caller:   caller,
		Resource: a.Identifier(),
		Action:   c.Name,
		Context:  map[string]string{"direction": "inbound"},
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, decision.Err()
	}

	t := a.tasks.Create(req.TaskType, req.Payload, req.Messages, map[string]string{
		"caller": caller.String(),
	})
	go a.runHandler(c, t.ID, caller, req.Payload)
	return t, nil
}

// runHandler executes the capability on its own context, detached from the
// admitting request.
func (a *Agent) runHandler(c *Capability, taskID string, caller spiffeid.ID, payload json.RawMessage) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx = WithCaller(ctx, caller)
	ctx = WithTaskID(ctx, taskID)

	running := task.StateRunning
	if _, err := a.tasks.Apply(taskID, task.Update{State: &running}); err != nil {
		// Cancelled before the handler started.
		return
	}

	start := time.Now()
	result, err := a.invoke(ctx, c, payload)
	took := time.Since(start)

	if err != nil {
		msg := err.Error()
		failed := task.StateFailed
		if _, applyErr := a.tasks.Apply(taskID, task.Update{State: &failed, Error: &msg}); applyErr != nil {
			a.logger.Debug("task finished after cancellation", zap.String("task_id", taskID))
			return
		}
		observability.RecordCapabilityCall(c.Name, false)
		observability.RecordTaskTerminal(string(task.StateFailed))
		a.auditCall(caller.String(), a.Identifier().String(), c.Name, "failure", msg, took)
		return
	}

	completed := task.StateCompleted
	if _, applyErr := a.tasks.Apply(taskID, task.Update{State: &completed, Result: result}); applyErr != nil {
		a.logger.Debug("task finished after cancellation", zap.String("task_id", taskID))
		return
	}
	observability.RecordCapabilityCall(c.Name, true)
	observability.RecordTaskTerminal(string(task.StateCompleted))
	a.auditCall(caller.String(), a.Identifier().String(), c.Name, "success", "", took)
}

// invoke runs the handler, converting panics into errors.
func (a *Agent) invoke(ctx context.Context, c *Capability, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("capability handler panicked",
				zap.String("capability", c.Name),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.Handler(ctx, payload)
}

// CallPeer sends a task to a peer capability and returns the remote task in
// its initial state. The call is authorized locally first, then routed
// through the pooled channel behind the peer's circuit breaker.
func (a *Agent) CallPeer(ctx context.Context, target spiffeid.ID, taskType string, payload json.RawMessage, messages []client.Message) (*client.Task, error) {
	decision, err := a.enforcer.Check(ctx, &authz.Input{
		Caller:   a.Identifier(),
		Resource: target,
		Action:   taskType,
		Context:  map[string]string{"direction": "outbound"},
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, decision.Err()
	}

	var remote *client.Task
	start := time.Now()
	err = a.breakers.Get(target.String()).Do(ctx, func(ctx context.Context) error {
		lease, acquireErr := a.pool.Acquire(target)
		if acquireErr != nil {
			return acquireErr
		}
		defer lease.Release()

		cl, clErr := client.NewFromChannel(lease.Channel(), client.WithLogger(a.logger))
		if clErr != nil {
			return clErr
		}
		remote, clErr = cl.SendTask(ctx, taskType, payload, messages)
		return clErr
	})
	took := time.Since(start)

	if err != nil {
		if errors.Is(err, identity.ErrPeerVerification) {
			observability.RecordPeerVerificationFailure()
			a.trail.Emit(&audit.Event{
				Type:     audit.EventPeerVerification,
				Caller:   a.Identifier().String(),
				Resource: target.String(),
				Decision: "deny",
				Reason:   err.Error(),
			})
		}
		a.auditCall(a.Identifier().String(), target.String(), taskType, "failure", err.Error(), took)
		return nil, err
	}
	a.auditCall(a.Identifier().String(), target.String(), taskType, "success", "", took)
	return remote, nil
}

// AwaitPeer polls a remote task until it is terminal.
func (a *Agent) AwaitPeer(ctx context.Context, target spiffeid.ID, taskID string) (*client.Task, error) {
	lease, err := a.pool.Acquire(target)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	cl, err := client.NewFromChannel(lease.Channel(), client.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	return cl.Await(ctx, taskID)
}

// DiscoverPeer fetches a peer's agent card.
func (a *Agent) DiscoverPeer(ctx context.Context, target spiffeid.ID) (*agentcard.Card, error) {
	lease, err := a.pool.Acquire(target)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	cl, err := client.NewFromChannel(lease.Channel(), client.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	return cl.Discover(ctx)
}

// Serve runs the agent until ctx is cancelled: the mTLS listener, identity
// rotation watching, pool maintenance, and the task reaper.
func (a *Agent) Serve(ctx context.Context) error {
	a.trail.Emit(&audit.Event{
		Type:   audit.EventStartup,
		Caller: a.Identifier().String(),
		Context: map[string]string{
			"config_digest": a.cfg.Digest(),
			"environment":   a.cfg.Agent.Environment,
		},
	})
	defer func() {
		a.trail.Emit(&audit.Event{
			Type:   audit.EventShutdown,
			Caller: a.Identifier().String(),
		})
		a.trail.Flush()
	}()

	a.provider.OnRotation(func(cred *identity.Credential) {
		observability.RecordIdentityRotation()
		a.trail.Emit(&audit.Event{
			Type:   audit.EventIdentityRotation,
			Caller: cred.ID.String(),
			Context: map[string]string{
				"not_after": cred.NotAfter.UTC().Format(time.RFC3339),
			},
		})
	})
	if w, ok := a.provider.(interface{ Watch(context.Context) }); ok {
		go w.Watch(ctx)
	}
	go a.pool.Run(ctx)
	go a.tasks.RunReaper(ctx, reaperInterval, taskRetention)
	go a.watchGauges(ctx)
	if a.cfg.Observability.Metrics.Enabled {
		go a.serveMetrics(ctx)
	}

	srv, err := server.New(server.Options{
		Card:                    a.card,
		Provider:                a.provider,
		Enforcer:                a.enforcer,
		Tasks:                   a.tasks,
		Dispatcher:              a,
		Trail:                   a.trail,
		Logger:                  a.logger,
		Host:                    a.cfg.Server.Host,
		Port:                    a.cfg.Server.Port,
		TLS:                     identity.TLSOptions{MinVersion: tlsVersion(a.cfg.Transport.TLSMinVersion)},
		PeerVerificationLogOnly: a.cfg.Transport.PeerVerification == config.PeerVerifyLogOnly,
		RateLimitRPS:            a.cfg.Server.RateLimitRPS,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// serveMetrics runs the plaintext Prometheus listener on its own port.
func (a *Agent) serveMetrics(ctx context.Context) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", observability.MetricsHandler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Observability.Metrics.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("metrics listening", zap.Int("port", a.cfg.Observability.Metrics.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("metrics listener failed", zap.Error(err))
	}
}

// publishGauges pushes the sampled gauges: audit-event loss and the state of
// every peer circuit breaker.
func (a *Agent) publishGauges() {
	observability.SetAuditEventsLost(float64(a.trail.Lost()))
	for _, m := range a.breakers.AllMetrics() {
		observability.SetCircuitState(m.Name, breakerStateValue(m.State))
	}
}

func breakerStateValue(s transport.BreakerState) float64 {
	switch s {
	case transport.StateOpen:
		return 2
	case transport.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func (a *Agent) watchGauges(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publishGauges()
		}
	}
}

// Close releases all resources. Safe after Serve returns.
func (a *Agent) Close() error {
	return a.shutdown()
}

func (a *Agent) shutdown() error {
	if a.pool != nil {
		a.pool.CloseAll()
	}
	var firstErr error
	if a.enforcer != nil {
		if err := a.enforcer.Close(); err != nil {
			firstErr = err
		}
	}
	if a.provider != nil {
		if err := a.provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.trail != nil {
		if err := a.trail.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Agent) auditCall(caller, resource, action, decision, reason string, took time.Duration) {
	a.trail.Emit(&audit.Event{
		Type:     audit.EventCapabilityCall,
		Caller:   caller,
		Resource: resource,
		Action:   action,
		Decision: decision,
		Reason:   reason,
		Duration: took,
	})
}

func (a *Agent) channelConfig() transport.ChannelConfig {
	retryCfg := transport.DefaultRetryConfig()
	if r := a.cfg.Transport.Retry; r.MaxAttempts > 0 {
		retryCfg.MaxRetries = r.MaxAttempts
		if r.BackoffBaseSeconds > 0 {
			retryCfg.BaseDelay = time.Duration(r.BackoffBaseSeconds * float64(time.Second))
		}
		if r.BackoffMaxSeconds > 0 {
			retryCfg.MaxDelay = time.Duration(r.BackoffMaxSeconds * float64(time.Second))
		}
	}
	return transport.ChannelConfig{
		TLSMinVersion: tlsVersion(a.cfg.Transport.TLSMinVersion),
		VerifyPeer:    true,
		Retry:         &retryCfg,
	}
}

func breakerConfig(cfg *config.Config) transport.BreakerConfig {
	bcfg := transport.DefaultBreakerConfig()
	if cb := cfg.Transport.CircuitBreaker; cb.FailureThreshold > 0 {
		bcfg.FailureThreshold = cb.FailureThreshold
		if cb.RecoveryTimeoutSeconds > 0 {
			bcfg.RecoveryTimeout = time.Duration(cb.RecoveryTimeoutSeconds) * time.Second
		}
	}
	bcfg.IsExcluded = func(err error) bool {
		return errors.Is(err, authz.ErrDenied) || errors.Is(err, task.ErrNotFound)
	}
	return bcfg
}

func tlsVersion(s string) uint16 {
	if s == "1.2" {
		return tls.VersionTLS12
	}
	return tls.VersionTLS13
}

func buildTrail(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*audit.Trail, error) {
	if !cfg.Authorization.Audit.Enabled {
		return audit.NewTrail(audit.NewMemoryBackend(), logger), nil
	}
	dest := cfg.Authorization.Audit.Destination
	switch {
	case dest == "" || dest == "stdout":
		return audit.NewTrail(audit.NewStdoutBackend(), logger), nil
	case dest == "memory":
		return audit.NewTrail(audit.NewMemoryBackend(), logger), nil
	case strings.HasPrefix(dest, "postgres://"):
		pool, err := pgxpool.New(ctx, dest)
		if err != nil {
			return nil, fmt.Errorf("connect audit store: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping audit store: %w", err)
		}
		return audit.NewTrail(audit.NewPostgresBackend(pool, logger), logger), nil
	default:
		backend, err := audit.NewFileBackend(dest)
		if err != nil {
			return nil, err
		}
		return audit.NewTrail(backend, logger), nil
	}
}

func buildProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (identity.Provider, error) {
	switch cfg.Identity.Provider {
	case config.ProviderStatic:
		return identity.NewStaticProvider(identity.StaticConfig{
			CertFile:    cfg.Identity.CertFile,
			KeyFile:     cfg.Identity.KeyFile,
			BundleFiles: cfg.Identity.Bundles,
		}, logger)
	default:
		return identity.NewWorkloadProvider(ctx, identity.WorkloadConfig{
			Socket:              cfg.Identity.Socket,
			AllowedTrustDomains: cfg.Identity.AllowedTrustDomains,
		}, logger)
	}
}

func buildEnforcer(cfg *config.Config, trail *audit.Trail, logger *zap.Logger) (authz.Enforcer, error) {
	if cfg.Authorization.Provider == config.AuthzAllowAll {
		return authz.NewAllowAll(trail, logger), nil
	}
	return authz.NewPolicyEnforcer(authz.PolicyConfig{
		Endpoint:   cfg.Authorization.Endpoint,
		PolicyPath: cfg.Authorization.PolicyPath,
		CacheSize:  cfg.Authorization.Cache.Size,
		CacheTTL:   time.Duration(cfg.Authorization.Cache.TTLSeconds) * time.Second,
		FailOpen:   cfg.Authorization.DefaultAction == "log-only",
	}, trail, logger)
}
