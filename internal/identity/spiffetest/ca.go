// Package spiffetest provides an in-memory certificate authority that mints
// X.509 SVIDs for tests, plus a fixed identity provider backed by it.
package spiffetest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/agentweave/agentweave-go/internal/identity"
)

// CA is a single-level certificate authority for one trust domain.
type CA struct {
	TrustDomain spiffeid.TrustDomain

	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// NewCA creates a root CA for the given trust domain, e.g. "example.org".
func NewCA(trustDomain string) (*CA, error) {
	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return nil, fmt.Errorf("trust domain %q: %w", trustDomain, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "AgentWeave Test CA " + td.Name(),
			Organization: []string{"AgentWeave"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	return &CA{TrustDomain: td, cert: cert, key: key}, nil
}

// Issue mints an SVID credential for the given workload path, e.g. "agent/search".
func (ca *CA) Issue(path string, ttl time.Duration) (*identity.Credential, error) {
	if ttl == 0 {
		ttl = time.Hour
	}
	id, err := spiffeid.FromPath(ca.TrustDomain, "/"+path)
	if err != nil {
		return nil, fmt.Errorf("workload path %q: %w", path, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	uri, err := url.Parse(id.String())
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", id, err)
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: path},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(ttl),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		URIs:         []*url.URL{uri},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("create leaf certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}

	return &identity.Credential{
		ID:           id,
		Certificates: []*x509.Certificate{cert},
		PrivateKey:   key,
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}, nil
}

// CertPool returns a pool containing only this CA's certificate.
func (ca *CA) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	return pool
}

// CertPEM returns the CA certificate encoded as PEM.
func (ca *CA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
}

// WriteCredential writes a credential's cert, key, and this CA's bundle into
// dir as cert.pem, key.pem, and bundle.pem, for static-provider tests.
func (ca *CA) WriteCredential(cred *identity.Credential, dir string) (certFile, keyFile, bundleFile string, err error) {
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	bundleFile = filepath.Join(dir, "bundle.pem")

	var certPEM []byte
	for _, cert := range cred.Certificates {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(cred.PrivateKey)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal leaf key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return "", "", "", err
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return "", "", "", err
	}
	if err := os.WriteFile(bundleFile, ca.CertPEM(), 0o644); err != nil {
		return "", "", "", err
	}
	return certFile, keyFile, bundleFile, nil
}

// Provider is a fixed identity.Provider for tests: one credential, one or
// more trust bundles, manual rotation via Rotate.
type Provider struct {
	mu        sync.RWMutex
	cred      *identity.Credential
	bundles   map[spiffeid.TrustDomain]*x509.CertPool
	callbacks []identity.RotationFunc
	healthErr error
}

// NewProvider builds a Provider serving cred and trusting each given CA.
func NewProvider(cred *identity.Credential, cas ...*CA) *Provider {
	bundles := make(map[spiffeid.TrustDomain]*x509.CertPool, len(cas))
	for _, ca := range cas {
		bundles[ca.TrustDomain] = ca.CertPool()
	}
	return &Provider{cred: cred, bundles: bundles}
}

func (p *Provider) Identifier() spiffeid.ID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cred.ID
}

func (p *Provider) Credential(context.Context) (*identity.Credential, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.cred.Valid(time.Now()) {
		return nil, identity.ErrCredentialExpired
	}
	return p.cred, nil
}

func (p *Provider) TrustBundle(_ context.Context, td spiffeid.TrustDomain) (*x509.CertPool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pool, ok := p.bundles[td]
	if !ok {
		return nil, fmt.Errorf("trust domain %q: %w", td.Name(), identity.ErrUnknownTrustDomain)
	}
	return pool, nil
}

func (p *Provider) OnRotation(fn identity.RotationFunc) {
	p.mu.Lock()
	p.callbacks = append(p.callbacks, fn)
	p.mu.Unlock()
}

func (p *Provider) HealthCheck(context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthErr
}

func (p *Provider) Close() error { return nil }

// Rotate swaps in a new credential and fires the registered callbacks
// synchronously, so tests can assert on their effects without sleeping.
func (p *Provider) Rotate(cred *identity.Credential) {
	p.mu.Lock()
	p.cred = cred
	callbacks := append([]identity.RotationFunc(nil), p.callbacks...)
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn(cred)
	}
}

// SetHealthErr makes subsequent HealthCheck calls return err.
func (p *Provider) SetHealthErr(err error) {
	p.mu.Lock()
	p.healthErr = err
	p.mu.Unlock()
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}
