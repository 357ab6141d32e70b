package identity

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"go.uber.org/zap"
)

// StaticProvider loads a credential and trust bundles from files. It never
// rotates. It exists for development and tests; production configuration
// validation rejects it.
type StaticProvider struct {
	logger *zap.Logger

	mu        sync.RWMutex
	cred      *Credential
	bundles   map[spiffeid.TrustDomain]*x509.CertPool
	callbacks []RotationFunc
}

// StaticConfig configures a StaticProvider.
type StaticConfig struct {
	CertFile string
	KeyFile  string

	// BundleFiles maps trust domain name to a PEM bundle file.
	BundleFiles map[string]string
}

// NewStaticProvider loads the credential and bundles from disk.
func NewStaticProvider(cfg StaticConfig, logger *zap.Logger) (*StaticProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load static credential: %w", err)
	}
	chain := make([]*x509.Certificate, 0, len(pair.Certificate))
	for _, raw := range pair.Certificate {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("parse static credential: %w", err)
		}
		chain = append(chain, cert)
	}
	id, err := x509svid.IDFromCert(chain[0])
	if err != nil {
		return nil, fmt.Errorf("static credential carries no workload identifier: %w", err)
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("static credential key does not implement crypto.Signer")
	}

	bundles := make(map[spiffeid.TrustDomain]*x509.CertPool)
	for domain, path := range cfg.BundleFiles {
		td, err := spiffeid.TrustDomainFromString(domain)
		if err != nil {
			return nil, fmt.Errorf("bundle trust domain %q: %w", domain, err)
		}
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read bundle for %q: %w", domain, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in bundle file %q", path)
		}
		bundles[td] = pool
	}

	cred := &Credential{
		ID:           id,
		Certificates: chain,
		PrivateKey:   signer,
		NotBefore:    chain[0].NotBefore,
		NotAfter:     chain[0].NotAfter,
	}
	if !cred.Valid(time.Now()) {
		return nil, fmt.Errorf("static credential for %s expired at %s: %w", id, cred.NotAfter, ErrCredentialExpired)
	}

	logger.Warn("using static identity provider; credentials will not rotate",
		zap.String("spiffe_id", id.String()),
		zap.Time("not_after", cred.NotAfter),
	)
	return &StaticProvider{logger: logger, cred: cred, bundles: bundles}, nil
}

// Identifier implements Provider.
func (p *StaticProvider) Identifier() spiffeid.ID { return p.cred.ID }

// Credential implements Provider. It refuses to present an expired credential.
func (p *StaticProvider) Credential(context.Context) (*Credential, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.cred.Valid(time.Now()) {
		return nil, fmt.Errorf("static credential for %s expired at %s: %w", p.cred.ID, p.cred.NotAfter, ErrCredentialExpired)
	}
	return p.cred, nil
}

// TrustBundle implements Provider.
func (p *StaticProvider) TrustBundle(_ context.Context, td spiffeid.TrustDomain) (*x509.CertPool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pool, ok := p.bundles[td]
	if !ok {
		return nil, fmt.Errorf("trust domain %q: %w", td.Name(), ErrUnknownTrustDomain)
	}
	return pool, nil
}

// OnRotation implements Provider. Static credentials never rotate, so the
// callback is retained but never invoked.
func (p *StaticProvider) OnRotation(fn RotationFunc) {
	p.mu.Lock()
	p.callbacks = append(p.callbacks, fn)
	p.mu.Unlock()
}

// HealthCheck implements Provider.
func (p *StaticProvider) HealthCheck(ctx context.Context) error {
	_, err := p.Credential(ctx)
	return err
}

// Close implements Provider.
func (p *StaticProvider) Close() error { return nil }
