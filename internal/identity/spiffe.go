package identity

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
	"go.uber.org/zap"
)

// WorkloadProvider fetches SVIDs and trust bundles from a SPIFFE Workload API
// socket and keeps them fresh with a background rotation loop.
//
// The Workload API also supports a streaming watch; this provider polls with
// a period derived from the credential's remaining lifetime instead, which
// keeps it on the same refresh path as the static file provider.
type WorkloadProvider struct {
	client       *workloadapi.Client
	logger       *zap.Logger
	allowed      map[spiffeid.TrustDomain]bool
	fetchTimeout time.Duration

	mu        sync.RWMutex
	cred      *Credential
	bundles   map[spiffeid.TrustDomain]*x509.CertPool
	callbacks []RotationFunc
}

// WorkloadConfig configures a WorkloadProvider.
type WorkloadConfig struct {
	// Socket is the Workload API address, e.g. "unix:///run/spire/agent.sock".
	Socket string

	// AllowedTrustDomains restricts which peer trust domains may be
	// verified. Empty means only the workload's own trust domain.
	AllowedTrustDomains []string

	// FetchTimeout bounds individual Workload API calls. Defaults to 10s.
	FetchTimeout time.Duration
}

// NewWorkloadProvider dials the Workload API socket and fetches the initial
// credential and bundle set.
func NewWorkloadProvider(ctx context.Context, cfg WorkloadConfig, logger *zap.Logger) (*WorkloadProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}

	client, err := workloadapi.New(ctx, workloadapi.WithAddr(cfg.Socket))
	if err != nil {
		return nil, fmt.Errorf("dial workload api %q: %w", cfg.Socket, ErrUnavailable)
	}

	p := &WorkloadProvider{
		client:       client,
		logger:       logger,
		allowed:      make(map[spiffeid.TrustDomain]bool),
		fetchTimeout: cfg.FetchTimeout,
		bundles:      make(map[spiffeid.TrustDomain]*x509.CertPool),
	}

	if _, err := p.fetch(ctx); err != nil {
		client.Close()
		return nil, err
	}

	p.allowed[p.cred.ID.TrustDomain()] = true
	for _, raw := range cfg.AllowedTrustDomains {
		td, err := spiffeid.TrustDomainFromString(raw)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("allowed trust domain %q: %w", raw, err)
		}
		p.allowed[td] = true
	}

	logger.Info("workload identity established",
		zap.String("spiffe_id", p.cred.ID.String()),
		zap.Time("not_after", p.cred.NotAfter),
	)
	return p, nil
}

// Identifier implements Provider.
func (p *WorkloadProvider) Identifier() spiffeid.ID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cred.ID
}

// Credential implements Provider. A cached credential is returned while it
// remains valid; otherwise a fresh one is fetched from the socket.
func (p *WorkloadProvider) Credential(ctx context.Context) (*Credential, error) {
	p.mu.RLock()
	cred := p.cred
	p.mu.RUnlock()

	if cred.Valid(time.Now()) {
		return cred, nil
	}
	return p.fetch(ctx)
}

// TrustBundle implements Provider.
func (p *WorkloadProvider) TrustBundle(ctx context.Context, td spiffeid.TrustDomain) (*x509.CertPool, error) {
	if !p.allowed[td] {
		return nil, fmt.Errorf("trust domain %q not allowed: %w", td.Name(), ErrUnknownTrustDomain)
	}

	p.mu.RLock()
	pool, ok := p.bundles[td]
	p.mu.RUnlock()
	if ok {
		return pool, nil
	}

	// Cache miss: refetch the complete bundle set and swap it in.
	if err := p.refreshBundles(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	pool, ok = p.bundles[td]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("trust domain %q absent from authority bundle set: %w", td.Name(), ErrUnknownTrustDomain)
	}
	return pool, nil
}

// OnRotation implements Provider.
func (p *WorkloadProvider) OnRotation(fn RotationFunc) {
	p.mu.Lock()
	p.callbacks = append(p.callbacks, fn)
	p.mu.Unlock()
}

// HealthCheck implements Provider.
func (p *WorkloadProvider) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := p.bound(ctx)
	defer cancel()
	if _, err := p.client.FetchX509SVID(probeCtx); err != nil {
		return fmt.Errorf("workload api health: %w", ErrUnavailable)
	}
	return nil
}

// Close implements Provider.
func (p *WorkloadProvider) Close() error {
	return p.client.Close()
}

// Watch polls the identity socket until ctx is cancelled, rotating the cached
// credential whenever the socket returns a different one. The poll period is
// one third of the remaining credential lifetime, clamped to [5s, 30s].
func (p *WorkloadProvider) Watch(ctx context.Context) {
	for {
		p.mu.RLock()
		cred := p.cred
		p.mu.RUnlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollPeriod(cred, time.Now())):
		}

		if _, err := p.fetch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("identity rotation poll failed", zap.Error(err))
		}
	}
}

// bound caps a Workload API round trip at the configured fetch timeout.
// Callers reach fetch with long-lived contexts (the rotation loop, TLS
// handshake callbacks); a hung socket must not stall them past the bound.
func (p *WorkloadProvider) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.fetchTimeout)
}

// fetch pulls the current SVID and bundle set from the socket. When the SVID
// differs from the cached one, the cache is replaced and every registered
// rotation callback fires concurrently with the new credential.
func (p *WorkloadProvider) fetch(ctx context.Context) (*Credential, error) {
	fetchCtx, cancel := p.bound(ctx)
	defer cancel()
	svid, err := p.client.FetchX509SVID(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("fetch svid: %w", ErrUnavailable)
	}
	cred := credentialFromSVID(svid)
	if !cred.Valid(time.Now()) {
		return nil, fmt.Errorf("svid for %s expired at %s: %w", cred.ID, cred.NotAfter, ErrCredentialExpired)
	}

	if err := p.refreshBundles(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	rotated := credentialChanged(p.cred, cred)
	p.cred = cred
	callbacks := append([]RotationFunc(nil), p.callbacks...)
	p.mu.Unlock()

	if rotated {
		p.logger.Info("credential rotated",
			zap.String("spiffe_id", cred.ID.String()),
			zap.Time("not_after", cred.NotAfter),
		)
		// Callbacks run after the swap so any reader inside one sees the
		// new credential. A panicking callback must not sink the others.
		for _, fn := range callbacks {
			go func(fn RotationFunc) {
				defer func() {
					if r := recover(); r != nil {
						p.logger.Error("rotation callback panicked", zap.Any("panic", r))
					}
				}()
				fn(cred)
			}(fn)
		}
	}
	return cred, nil
}

// refreshBundles replaces the bundle cache with the authority's current set.
func (p *WorkloadProvider) refreshBundles(ctx context.Context) error {
	fetchCtx, cancel := p.bound(ctx)
	defer cancel()
	set, err := p.client.FetchX509Bundles(fetchCtx)
	if err != nil {
		return fmt.Errorf("fetch trust bundles: %w", ErrUnavailable)
	}

	fresh := make(map[spiffeid.TrustDomain]*x509.CertPool)
	for _, bundle := range set.Bundles() {
		pool := x509.NewCertPool()
		for _, ca := range bundle.X509Authorities() {
			pool.AddCert(ca)
		}
		fresh[bundle.TrustDomain()] = pool
	}

	p.mu.Lock()
	p.bundles = fresh
	p.mu.Unlock()
	return nil
}

// credentialChanged reports whether next carries a different leaf certificate
// than old. A re-issued credential can share its predecessor's expiry, so the
// comparison is on the certificate itself.
func credentialChanged(old, next *Credential) bool {
	return old != nil && !old.Certificates[0].Equal(next.Certificates[0])
}

func credentialFromSVID(svid *x509svid.SVID) *Credential {
	leaf := svid.Certificates[0]
	return &Credential{
		ID:           svid.ID,
		Certificates: svid.Certificates,
		PrivateKey:   svid.PrivateKey,
		NotBefore:    leaf.NotBefore,
		NotAfter:     leaf.NotAfter,
	}
}
