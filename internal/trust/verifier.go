package trust

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// RejectedError is returned from the TLS handshake when verification failed and the
// Resolver refused to trust the connection.
type RejectedError struct {
	Decision Decision
	Err      error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("certificate for %s rejected (%s): %s", e.Decision.Host, e.Decision.Code, e.Decision.Reason)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// Verifier performs standard chain verification on every handshake and consults the
// Resolver only when that verification fails.
type Verifier struct {
	resolver   *Resolver
	logger     *slog.Logger
	onDecision func(Decision)

	mu    sync.RWMutex
	roots *x509.CertPool
}

// NewVerifier creates a verifier. A nil roots pool means the system roots.
func NewVerifier(resolver *Resolver, roots *x509.CertPool, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Verifier{resolver: resolver, roots: roots, logger: logger}
}

// OnDecision registers a hook called after every logged decision.
func (v *Verifier) OnDecision(fn func(Decision)) {
	v.onDecision = fn
}

// SetRoots replaces the root pool used for subsequent handshakes.
func (v *Verifier) SetRoots(roots *x509.CertPool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.roots = roots
}

// SetResolver replaces the resolver used for subsequent handshakes.
func (v *Verifier) SetResolver(r *Resolver) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.resolver = r
}

// TLSConfig returns a client config whose verification is done by VerifyConnection.
func (v *Verifier) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		// Chain and hostname checks run in VerifyConnection.
		InsecureSkipVerify: true, //nolint:gosec
		VerifyConnection:   v.VerifyConnection,
	}
}

// VerifyConnection implements tls.Config.VerifyConnection.
func (v *Verifier) VerifyConnection(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("server presented no certificates")
	}

	v.mu.RLock()
	roots, resolver := v.roots, v.resolver
	v.mu.RUnlock()

	// Clients send no SNI for IP literals, which leaves nothing to verify the hostname against.
	if cs.ServerName == "" {
		d := Decision{Code: CodeHostnameMismatch, Issuer: chainIssuer(cs.PeerCertificates), Reason: "server name unavailable, IP-literal hosts cannot be verified"}
		v.audit(d)

		return &RejectedError{Decision: d, Err: errors.New("tls: missing server name")}
	}

	opts := x509.VerifyOptions{
		DNSName:       cs.ServerName,
		Roots:         roots,
		Intermediates: x509.NewCertPool(),
	}

	for _, c := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(c)
	}

	_, err := cs.PeerCertificates[0].Verify(opts)
	if err == nil {
		return nil
	}

	d := resolver.Decide(cs.ServerName, CodeOf(err), chainIssuer(cs.PeerCertificates))
	v.audit(d)

	if d.Trusted {
		return nil
	}

	return &RejectedError{Decision: d, Err: err}
}

func (v *Verifier) audit(d Decision) {
	attrs := []any{"host", d.Host, "code", d.Code, "issuer", d.Issuer, "trusted", d.Trusted, "reason", d.Reason}

	if d.Trusted {
		v.logger.Warn("certificate error accepted", attrs...)
	} else {
		v.logger.Info("certificate error rejected", attrs...)
	}

	if v.onDecision != nil {
		v.onDecision(d)
	}
}

// chainIssuer returns the issuer of the top-most certificate presented, which is where an
// interception proxy's root shows up.
func chainIssuer(chain []*x509.Certificate) string {
	return chain[len(chain)-1].Issuer.String()
}

// RootPool returns the system roots extended with the certificates in pemPaths. Unreadable
// or empty bundles are reported but do not prevent the pool from being built.
func RootPool(pemPaths ...string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	var merr *multierror.Error

	for _, p := range pemPaths {
		if p == "" {
			continue
		}

		data, err := os.ReadFile(p)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("failed to read certificate bundle %s: %w", p, err))
			continue
		}

		if !pool.AppendCertsFromPEM(data) {
			merr = multierror.Append(merr, fmt.Errorf("no certificates found in bundle %s", p))
		}
	}

	return pool, merr.ErrorOrNil()
}
