// Package identity obtains, caches, and rotates workload credentials (SVIDs)
// and exposes them as TLS material. Credentials come from an external SPIFFE
// Workload API socket, or from static files in the degraded development mode.
package identity

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

var (
	// ErrUnavailable is returned when the identity socket cannot be reached.
	ErrUnavailable = errors.New("identity provider unavailable")

	// ErrCredentialExpired is returned when the only available credential
	// is past its not-after time.
	ErrCredentialExpired = errors.New("credential expired")

	// ErrUnknownTrustDomain is returned when no trust bundle exists for the
	// requested trust domain.
	ErrUnknownTrustDomain = errors.New("unknown trust domain")

	// ErrPeerVerification is returned when a TLS peer's certificate does not
	// carry the expected workload identifier or fails chain validation.
	ErrPeerVerification = errors.New("peer verification failed")
)

// Credential is a short-lived X.509 SVID: the workload identifier, the
// certificate chain proving it, and the matching private key.
type Credential struct {
	ID           spiffeid.ID
	Certificates []*x509.Certificate
	PrivateKey   crypto.Signer
	NotBefore    time.Time
	NotAfter     time.Time
}

// Valid reports whether the credential is usable at the given instant.
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && !now.Before(c.NotBefore) && now.Before(c.NotAfter)
}

// TLSCertificate converts the credential into TLS handshake material.
func (c *Credential) TLSCertificate() tls.Certificate {
	raw := make([][]byte, 0, len(c.Certificates))
	for _, cert := range c.Certificates {
		raw = append(raw, cert.Raw)
	}
	return tls.Certificate{
		Certificate: raw,
		PrivateKey:  c.PrivateKey,
		Leaf:        c.Certificates[0],
	}
}

// RotationFunc is invoked with the new credential after a rotation has
// replaced the cached one.
type RotationFunc func(*Credential)

// Provider is the identity layer contract consumed by the transport and the
// request server.
type Provider interface {
	// Identifier returns this workload's SPIFFE ID. Constant once configured.
	Identifier() spiffeid.ID

	// Credential returns a currently valid credential, fetching if needed.
	Credential(ctx context.Context) (*Credential, error)

	// TrustBundle returns the CA pool for the given trust domain.
	TrustBundle(ctx context.Context, td spiffeid.TrustDomain) (*x509.CertPool, error)

	// OnRotation registers a callback invoked on every credential rotation.
	OnRotation(fn RotationFunc)

	// HealthCheck verifies the provider can currently produce a credential.
	HealthCheck(ctx context.Context) error

	// Close releases the provider's resources.
	Close() error
}

// pollPeriod derives the rotation poll period from the credential's remaining
// lifetime: one third of it, clamped to [5s, 30s].
func pollPeriod(cred *Credential, now time.Time) time.Duration {
	const (
		floor = 5 * time.Second
		ceil  = 30 * time.Second
	)
	if cred == nil {
		return floor
	}
	period := cred.NotAfter.Sub(now) / 3
	if period < floor {
		return floor
	}
	if period > ceil {
		return ceil
	}
	return period
}
