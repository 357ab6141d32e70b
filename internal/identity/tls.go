package identity

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
)

// TLSOptions bounds the negotiated TLS versions for built material.
type TLSOptions struct {
	MinVersion uint16 // defaults to tls.VersionTLS13
	MaxVersion uint16 // defaults to tls.VersionTLS13
}

func (o TLSOptions) normalize() TLSOptions {
	if o.MinVersion == 0 {
		o.MinVersion = tls.VersionTLS13
	}
	if o.MaxVersion == 0 {
		o.MaxVersion = tls.VersionTLS13
	}
	return o
}

// ClientTLSConfig builds TLS material for dialing the given peer. Hostname
// verification is disabled; the peer's certificate chain is instead verified
// against the bundle for its trust domain and its SAN URI must equal the
// expected workload identifier byte-exact.
func ClientTLSConfig(p Provider, peer spiffeid.ID, opts TLSOptions) *tls.Config {
	opts = opts.normalize()
	return &tls.Config{
		MinVersion:         opts.MinVersion,
		MaxVersion:         opts.MaxVersion,
		InsecureSkipVerify: true, //nolint:gosec // verification happens in VerifyPeerCertificate
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			cred, err := p.Credential(context.Background())
			if err != nil {
				return nil, err
			}
			cert := cred.TLSCertificate()
			return &cert, nil
		},
		VerifyPeerCertificate: VerifyPeer(p, &peer, x509.ExtKeyUsageServerAuth),
	}
}

// ServerTLSConfig builds TLS material for the request server. Any client
// certificate is accepted at the handshake layer and then verified against
// the bundle for the trust domain it declares.
func ServerTLSConfig(p Provider, opts TLSOptions) *tls.Config {
	opts = opts.normalize()
	return &tls.Config{
		MinVersion: opts.MinVersion,
		MaxVersion: opts.MaxVersion,
		ClientAuth: tls.RequireAnyClientCert,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cred, err := p.Credential(context.Background())
			if err != nil {
				return nil, err
			}
			cert := cred.TLSCertificate()
			return &cert, nil
		},
		VerifyPeerCertificate: VerifyPeer(p, nil, x509.ExtKeyUsageClientAuth),
	}
}

// VerifyPeer returns a tls.Config.VerifyPeerCertificate callback that
// extracts the peer's workload identifier from the leaf certificate's SAN
// URI, checks it against the expected identifier when one is given, and
// validates the chain against the bundle for the peer's trust domain.
func VerifyPeer(p Provider, expected *spiffeid.ID, usage x509.ExtKeyUsage) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("no certificate presented: %w", ErrPeerVerification)
		}

		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parse peer certificate: %w", ErrPeerVerification)
			}
			certs = append(certs, cert)
		}
		leaf := certs[0]

		peerID, err := x509svid.IDFromCert(leaf)
		if err != nil {
			return fmt.Errorf("peer certificate carries no workload identifier: %w", ErrPeerVerification)
		}
		if expected != nil && peerID.String() != expected.String() {
			return fmt.Errorf("peer is %s, expected %s: %w", peerID, *expected, ErrPeerVerification)
		}

		roots, err := p.TrustBundle(context.Background(), peerID.TrustDomain())
		if err != nil {
			return fmt.Errorf("peer trust domain %s: %w", peerID.TrustDomain().Name(), ErrPeerVerification)
		}

		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		if _, err := leaf.Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{usage},
		}); err != nil {
			return fmt.Errorf("peer chain validation: %v: %w", err, ErrPeerVerification)
		}
		return nil
	}
}
